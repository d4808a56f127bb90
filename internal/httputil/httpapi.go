// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package httputil

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/matrix-org/util"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// BasicAuth is used for authorization on /metrics and the admin API.
type BasicAuth struct {
	Username string
	Password string
}

var (
	clientAPIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "matrixsse",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Time spent handling requests, including the whole lifetime of a stream",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 60, 300, 1800, 3600},
		},
		[]string{"handler"},
	)
	clientAPIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "matrixsse",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by handler and status code",
		},
		[]string{"handler", "code"},
	)
)

func init() {
	prometheus.MustRegister(clientAPIRequestDuration, clientAPIRequests)
}

// MakeExternalAPI turns a JSON handler into an http.Handler with CORS
// headers and request metrics.
func MakeExternalAPI(metricsName string, f func(*http.Request) util.JSONResponse) http.Handler {
	h := util.MakeJSONAPI(util.NewJSONRequestHandler(f))
	withCORS := func(w http.ResponseWriter, req *http.Request) {
		util.SetCORSHeaders(w)
		h.ServeHTTP(w, req)
	}
	return MakeHTTPAPI(metricsName, true, withCORS)
}

// MakeHTTPAPI wraps a raw handler with request logging, panic recovery and,
// if enableMetrics is set, request metrics.
func MakeHTTPAPI(metricsName string, enableMetrics bool, f func(http.ResponseWriter, *http.Request)) http.Handler {
	withLogging := func(w http.ResponseWriter, req *http.Request) {
		req = util.RequestWithLogging(req)
		defer func() {
			if r := recover(); r != nil {
				if r == http.ErrAbortHandler {
					panic(r)
				}
				util.GetLogger(req.Context()).WithField("panic", r).Error("Request handler panicked")
				RespondJSON(w, util.JSONResponse{
					Code: http.StatusInternalServerError,
					JSON: map[string]string{"errcode": "M_UNKNOWN", "error": "Internal server error"},
				})
			}
		}()
		f(w, req)
	}

	if !enableMetrics {
		return http.HandlerFunc(withLogging)
	}

	labels := prometheus.Labels{"handler": metricsName}
	instrumented := promhttp.InstrumentHandlerCounter(
		clientAPIRequests.MustCurryWith(labels),
		http.HandlerFunc(withLogging),
	)
	duration := clientAPIRequestDuration.With(labels)
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		instrumented.ServeHTTP(w, req)
		duration.Observe(time.Since(start).Seconds())
	})
}

// RespondJSON writes res as a JSON response with CORS headers. It is for
// handlers that decide between a JSON error and some other kind of body.
func RespondJSON(w http.ResponseWriter, res util.JSONResponse) {
	body, err := json.Marshal(res.JSON)
	if err != nil {
		logrus.WithError(err).Error("Failed to marshal JSON response")
		res.Code = http.StatusInternalServerError
		body = []byte(`{"errcode":"M_UNKNOWN","error":"Internal server error"}`)
	}
	util.SetCORSHeaders(w)
	for name, value := range res.Headers {
		w.Header().Set(name, value)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(res.Code)
	_, _ = w.Write(body)
}

// WrapHandlerInBasicAuth adds basic auth to a handler. Only used for
// /metrics and the admin API.
func WrapHandlerInBasicAuth(h http.Handler, b BasicAuth) http.HandlerFunc {
	if b.Username == "" || b.Password == "" {
		logrus.Warn("Metrics and admin endpoints are exposed without protection. Make sure you set up protection at proxy level.")
	}
	return func(w http.ResponseWriter, r *http.Request) {
		// Serve without authorization if either Username or Password is unset
		if b.Username == "" || b.Password == "" {
			h.ServeHTTP(w, r)
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(b.Username)) != 1 ||
			subtle.ConstantTimeCompare([]byte(pass), []byte(b.Password)) != 1 {
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}
		h.ServeHTTP(w, r)
	}
}

// ExtractAccessToken returns the access token from the Authorization
// header, falling back to the access_token query parameter.
func ExtractAccessToken(req *http.Request) (string, bool) {
	if auth := req.Header.Get("Authorization"); auth != "" {
		token, ok := strings.CutPrefix(auth, "Bearer ")
		token = strings.TrimSpace(token)
		return token, ok && token != ""
	}
	token := req.URL.Query().Get("access_token")
	return token, token != ""
}
