// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package routing

import (
	"fmt"
	"math"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/matrix-sse/homeserver"
	"github.com/element-hq/matrix-sse/internal/httputil"
	"github.com/element-hq/matrix-sse/internal/sse"
	"github.com/element-hq/matrix-sse/streamapi/stream"
	"github.com/element-hq/matrix-sse/streamapi/types"
)

// StreamSync implements GET /_matrix/client/{r0,v3}/sync/sse. It answers
// with a JSON error if the stream can't be opened, otherwise it holds the
// request open and streams sync results until the client goes away.
func StreamSync(
	w http.ResponseWriter,
	req *http.Request,
	pool *stream.Pool,
	verifier TokenVerifier,
	rateLimits *httputil.RateLimits,
) {
	opts, errRes := parseStreamRequest(req)
	if errRes != nil {
		httputil.RespondJSON(w, *errRes)
		return
	}
	if rateLimits != nil {
		if errRes = rateLimits.Limit(req); errRes != nil {
			httputil.RespondJSON(w, *errRes)
			return
		}
	}

	logger := util.GetLogger(req.Context())
	if verifier != nil {
		userID, err := verifier.VerifyToken(req.Context(), opts.AccessToken)
		if err != nil {
			if homeserver.IsUnknownToken(err) {
				httputil.RespondJSON(w, util.JSONResponse{
					Code: http.StatusUnauthorized,
					JSON: spec.UnknownToken("Unknown access token"),
				})
				return
			}
			logger.WithError(err).Error("Failed to verify access token")
			httputil.RespondJSON(w, util.JSONResponse{
				Code: http.StatusBadGateway,
				JSON: spec.Unknown("Unable to verify access token with the homeserver"),
			})
			return
		}
		logger = logger.WithField("user_id", userID)
	}

	sse.SetHeaders(w.Header())
	util.SetCORSHeaders(w)
	w.WriteHeader(http.StatusOK)
	sink := sse.NewResponseSink(w)
	if err := sink.Flush(); err != nil {
		logger.WithError(err).Error("Response writer does not support streaming")
		return
	}

	conn := pool.NewConnection(*opts, sink)
	logger.WithFields(logrus.Fields{
		"conn_id":            conn.ID,
		"since":              opts.Since,
		"heartbeat_interval": opts.HeartbeatInterval,
	}).Debug("Opening sync stream")
	pool.Add(conn)
	defer pool.Remove(conn)

	select {
	case <-req.Context().Done():
	case <-conn.Done():
	}
}

func parseStreamRequest(req *http.Request) (*stream.ConnectionOptions, *util.JSONResponse) {
	token, ok := httputil.ExtractAccessToken(req)
	if !ok {
		return nil, &util.JSONResponse{
			Code: http.StatusUnauthorized,
			JSON: spec.MissingToken("Missing access token"),
		}
	}
	if !acceptsEventStream(req.Header.Get("Accept")) {
		return nil, &util.JSONResponse{
			Code: http.StatusNotAcceptable,
			JSON: spec.Unknown("This endpoint only serves text/event-stream"),
		}
	}

	query := req.URL.Query()
	opts := &stream.ConnectionOptions{
		AccessToken: token,
		Since:       req.Header.Get("Last-Event-ID"),
		Filter:      query.Get("filter"),
		FullState:   query.Get("full_state"),
		SetPresence: query.Get("set_presence"),
		RemoteAddr:  req.RemoteAddr,
		UserAgent:   req.UserAgent(),
	}
	if opts.Since == "" {
		opts.Since = query.Get("since")
	}
	if ip := httputil.RequestIP(req); ip != nil {
		opts.RemoteAddr = ip.String()
	}

	if v := query.Get("heartbeat_interval"); v != "" {
		interval, err := parseInterval(v)
		if err != nil {
			return nil, &util.JSONResponse{
				Code: http.StatusBadRequest,
				JSON: spec.InvalidParam(fmt.Sprintf("heartbeat_interval: %s", err)),
			}
		}
		opts.HeartbeatInterval = interval
	}
	if v := query.Get("shape"); v != "" {
		mode, err := types.ParseShapeMode(v)
		if err != nil {
			return nil, &util.JSONResponse{
				Code: http.StatusBadRequest,
				JSON: spec.InvalidParam(fmt.Sprintf("shape: %s", err)),
			}
		}
		opts.Shape = &mode
	}
	return opts, nil
}

// Intervals of maxIntervalSeconds or more overflow a time.Duration.
const maxIntervalSeconds = float64(math.MaxInt64 / int64(time.Second))

// parseInterval accepts a number of seconds, which may be fractional, or
// a Go duration such as "1m30s".
func parseInterval(s string) (time.Duration, error) {
	var d time.Duration
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		if math.IsNaN(secs) || math.IsInf(secs, 0) {
			return 0, fmt.Errorf("invalid interval %q", s)
		}
		if secs >= maxIntervalSeconds {
			return 0, fmt.Errorf("interval %q is too long", s)
		}
		d = time.Duration(secs * float64(time.Second))
	} else if d, err = time.ParseDuration(s); err != nil {
		return 0, fmt.Errorf("invalid interval %q", s)
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval must be positive")
	}
	return d, nil
}

// acceptsEventStream reports whether an Accept header admits
// text/event-stream. A missing header accepts anything.
func acceptsEventStream(accept string) bool {
	if accept == "" {
		return true
	}
	for _, part := range strings.Split(accept, ",") {
		mediaType, params, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		if q, ok := params["q"]; ok && q == "0" {
			continue
		}
		switch mediaType {
		case "text/event-stream", "text/*", "*/*":
			return true
		}
	}
	return false
}
