// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package setup

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/matrix-sse/homeserver"
	"github.com/element-hq/matrix-sse/internal"
	"github.com/element-hq/matrix-sse/internal/httputil"
	"github.com/element-hq/matrix-sse/setup/config"
	"github.com/element-hq/matrix-sse/setup/process"
	"github.com/element-hq/matrix-sse/streamapi"
	"github.com/element-hq/matrix-sse/streamapi/stream"
)

// VersionString is reported to Sentry and in logs.
var VersionString = "dev"

const versionCheckTimeout = 30 * time.Second

// Server is a configured bridge ready to serve HTTP.
type Server struct {
	cfg        *config.MatrixSSE
	processCtx *process.ProcessContext
	client     *homeserver.Client
	pool       *stream.Pool
	httpServer *http.Server
}

// NewServer checks the homeserver, if configured to, then starts the
// stream pool and builds the HTTP routes. Nothing is listening until
// Serve is called.
func NewServer(ctx context.Context, cfg *config.MatrixSSE, processCtx *process.ProcessContext) (*Server, error) {
	if cfg.Sentry.Enabled {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.Sentry.DSN,
			Environment:      cfg.Sentry.Environment,
			Release:          "matrix-sse@" + VersionString,
			AttachStacktrace: true,
		}); err != nil {
			return nil, errors.Wrap(err, "failed to start Sentry")
		}
	}

	client := homeserver.NewClient(&cfg.Homeserver)
	if cfg.Homeserver.VerifyOnStartup {
		checkCtx, cancel := context.WithTimeout(ctx, versionCheckTimeout)
		defer cancel()
		if err := client.CheckVersions(checkCtx); err != nil {
			return nil, err
		}
		logrus.WithField("homeserver", cfg.Homeserver.URL).Info("Homeserver verified")
	} else {
		go func() {
			checkCtx, cancel := context.WithTimeout(processCtx.Context(), versionCheckTimeout)
			defer cancel()
			if err := client.CheckVersions(checkCtx); err != nil {
				processCtx.Degraded(err)
			}
		}()
	}

	routers := httputil.NewRouters()
	pool := streamapi.AddPublicRoutes(processCtx, routers, cfg, client)

	externalRouter := mux.NewRouter().SkipClean(true).UseEncodedPath()
	externalRouter.PathPrefix(httputil.PublicClientPathPrefix).Handler(routers.Client)
	externalRouter.PathPrefix(httputil.AdminPathPrefix).Handler(routers.Admin)
	if cfg.Metrics.Enabled {
		externalRouter.Handle("/metrics", httputil.WrapHandlerInBasicAuth(promhttp.Handler(), httputil.BasicAuth{
			Username: cfg.Metrics.BasicAuth.Username,
			Password: cfg.Metrics.BasicAuth.Password,
		}))
	}
	externalRouter.NotFoundHandler = httputil.NotFoundCORSHandler
	externalRouter.MethodNotAllowedHandler = httputil.NotAllowedHandler

	return &Server{
		cfg:        cfg,
		processCtx: processCtx,
		client:     client,
		pool:       pool,
		httpServer: &http.Server{
			Addr:              cfg.Listen,
			Handler:           externalRouter,
			ReadHeaderTimeout: 10 * time.Second,
			BaseContext: func(_ net.Listener) context.Context {
				return processCtx.Context()
			},
		},
	}, nil
}

func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) Pool() *stream.Pool { return s.pool }

// Serve accepts connections on listener until Stop is called.
func (s *Server) Serve(listener net.Listener) error {
	logrus.WithField("address", listener.Addr().String()).Info("Starting external listener")
	if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// ListenAndServe listens on the configured address.
func (s *Server) ListenAndServe() error {
	listener, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", s.cfg.Listen)
	}
	return s.Serve(listener)
}

// Stop closes every stream, then shuts the HTTP server down, waiting for
// in-flight requests until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	s.processCtx.Shutdown()
	s.processCtx.WaitForComponentsToFinish()
	err := s.httpServer.Shutdown(ctx)
	if s.cfg.Sentry.Enabled {
		sentry.Flush(2 * time.Second)
	}
	logrus.Info("Stopped external listener")
	return err
}

// SetupLogging applies the logging section of the config.
func SetupLogging(cfg *config.MatrixSSE) error {
	return internal.SetupHookLogging(cfg.Logging)
}
