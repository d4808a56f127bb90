// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package streamapi

import (
	"github.com/sirupsen/logrus"

	"github.com/element-hq/matrix-sse/homeserver"
	"github.com/element-hq/matrix-sse/internal/httputil"
	"github.com/element-hq/matrix-sse/setup/config"
	"github.com/element-hq/matrix-sse/setup/process"
	"github.com/element-hq/matrix-sse/streamapi/routing"
	"github.com/element-hq/matrix-sse/streamapi/stream"
)

// AddPublicRoutes starts the stream pool and registers the stream
// endpoints. The pool is stopped, closing every stream, when processCtx
// shuts down.
func AddPublicRoutes(
	processCtx *process.ProcessContext,
	routers httputil.Routers,
	cfg *config.MatrixSSE,
	client *homeserver.Client,
) *stream.Pool {
	pool := stream.NewPool(&cfg.Stream, client)
	rateLimits := httputil.NewRateLimits(&cfg.RateLimiting)

	var verifier routing.TokenVerifier
	if cfg.Homeserver.VerifyTokens {
		verifier = client
	}

	pool.Start()
	processCtx.ComponentStarted()
	go func() {
		defer processCtx.ComponentFinished()
		<-processCtx.WaitForShutdown()
		logrus.Info("Closing all sync streams")
		rateLimits.Stop()
		pool.Stop()
	}()

	routing.Setup(processCtx, routers, cfg, pool, verifier, rateLimits)
	return pool
}
