// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package routing

import (
	"context"
	"net/http"

	"github.com/matrix-org/util"

	"github.com/element-hq/matrix-sse/internal/httputil"
	"github.com/element-hq/matrix-sse/setup/config"
	"github.com/element-hq/matrix-sse/setup/process"
	"github.com/element-hq/matrix-sse/streamapi/stream"
)

// TokenVerifier checks an access token against the homeserver, returning
// the user it belongs to.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, accessToken string) (string, error)
}

// Setup registers the stream endpoints on the client router and the
// status endpoint on the admin router. verifier may be nil, in which case
// tokens are passed to the homeserver unchecked.
func Setup(
	processCtx *process.ProcessContext,
	routers httputil.Routers,
	cfg *config.MatrixSSE,
	pool *stream.Pool,
	verifier TokenVerifier,
	rateLimits *httputil.RateLimits,
) {
	v3mux := routers.Client.PathPrefix("/{apiversion:(?:r0|v3)}/").Subrouter()

	v3mux.Handle("/sync/sse",
		httputil.MakeHTTPAPI("sync_sse", cfg.Metrics.Enabled, func(w http.ResponseWriter, req *http.Request) {
			StreamSync(w, req, pool, verifier, rateLimits)
		}),
	).Methods(http.MethodGet)

	v3mux.Handle("/sync/sse",
		httputil.MakeExternalAPI("sync_sse_options", func(req *http.Request) util.JSONResponse {
			return util.JSONResponse{Code: http.StatusOK, JSON: struct{}{}}
		}),
	).Methods(http.MethodOptions)

	routers.Admin.Handle("/admin/status",
		httputil.WrapHandlerInBasicAuth(
			httputil.MakeExternalAPI("admin_status", func(req *http.Request) util.JSONResponse {
				status := pool.Status()
				if degraded, reasons := processCtx.IsDegraded(); degraded && status.Status == "OK" {
					status.Status = "degraded"
					status.Degraded = reasons
				}
				return util.JSONResponse{Code: http.StatusOK, JSON: status}
			}),
			httputil.BasicAuth{
				Username: cfg.Metrics.BasicAuth.Username,
				Password: cfg.Metrics.BasicAuth.Password,
			},
		),
	).Methods(http.MethodGet)
}
