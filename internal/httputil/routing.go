// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package httputil

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/matrix-org/util"
)

const (
	PublicClientPathPrefix = "/_matrix/client/"
	AdminPathPrefix        = "/_matrixsse/"
)

// Routers holds the subrouters each component registers its endpoints on.
type Routers struct {
	Client *mux.Router
	Admin  *mux.Router
}

func NewRouters() Routers {
	r := Routers{
		Client: mux.NewRouter().SkipClean(true).PathPrefix(PublicClientPathPrefix).Subrouter().UseEncodedPath(),
		Admin:  mux.NewRouter().SkipClean(true).PathPrefix(AdminPathPrefix).Subrouter().UseEncodedPath(),
	}
	r.Client.NotFoundHandler = NotFoundCORSHandler
	r.Client.MethodNotAllowedHandler = NotAllowedHandler
	r.Admin.NotFoundHandler = NotFoundCORSHandler
	r.Admin.MethodNotAllowedHandler = NotAllowedHandler
	return r
}

var NotAllowedHandler = WrapHandlerInCORS(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusMethodNotAllowed)
	_, _ = w.Write([]byte(`{"errcode":"M_UNRECOGNIZED","error":"Unrecognized request"}`))
}))

var NotFoundCORSHandler = WrapHandlerInCORS(http.NotFoundHandler())

// WrapHandlerInCORS adds CORS headers to all responses, including all error
// responses, and answers preflight requests directly.
func WrapHandlerInCORS(h http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		util.SetCORSHeaders(w)
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.WriteHeader(http.StatusOK)
			return
		}
		h.ServeHTTP(w, r)
	}
}
