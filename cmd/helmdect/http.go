package main

import (
	"context"
	"net/http"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	goahttp "goa.design/goa/v3/http"
	httpmdlwr "goa.design/goa/v3/http/middleware"
	"goa.design/goa/v3/middleware"

	"helmdect/internal/auth"
	"helmdect/internal/config"
	"helmdect/internal/database"
	"helmdect/internal/detection"
	"helmdect/internal/health"
	"helmdect/internal/metrics"
	mw "helmdect/internal/middleware"
	"helmdect/internal/services"
	"helmdect/internal/session"
	"helmdect/internal/ws"
)

// httpDeps are the components served over HTTP
type httpDeps struct {
	manager       *session.Manager
	client        *detection.Client
	history       *database.Database // nil when history is disabled
	checker       *health.Checker
	authenticator *auth.Authenticator
	metrics       *metrics.Metrics
	hub           *ws.SessionHub
}

// handleHTTPServer configures and starts a HTTP server on cfg.HTTPAddr.
// It shuts the server down when ctx is cancelled.
func handleHTTPServer(ctx context.Context, cfg *config.Config, deps httpDeps, wg *sync.WaitGroup, errc chan error, logger *zap.Logger, debug bool) {

	// Setup goa log adapter.
	var (
		adapter middleware.Logger
	)
	{
		adapter = middleware.NewLogger(zap.NewStdLog(logger.Named("http")))
	}

	// Build the HTTP request multiplexer and mount every service on it.
	var mux goahttp.Muxer
	{
		mux = goahttp.NewMuxer()
	}

	var mounts []*services.MountPoint
	{
		authSvc := services.NewAuthService(deps.authenticator, logger)
		authSvc.Mount(mux)
		mounts = append(mounts, authSvc.Mounts...)

		sessionSvc := services.NewSessionService(deps.manager, deps.client, cfg.MaxUploadBytes(), logger)
		sessionSvc.Mount(mux)
		mounts = append(mounts, sessionSvc.Mounts...)

		backendSvc := services.NewBackendService(deps.client, logger)
		backendSvc.Mount(mux)
		mounts = append(mounts, backendSvc.Mounts...)

		if deps.history != nil {
			historySvc := services.NewHistoryService(deps.history, logger)
			historySvc.Mount(mux)
			mounts = append(mounts, historySvc.Mounts...)
		}

		healthSvc := services.NewHealthService(deps.checker, logger)
		healthSvc.Mount(mux)
		mounts = append(mounts, healthSvc.Mounts...)
	}

	mux.Handle("GET", "/metrics", deps.metrics.Handler().ServeHTTP)
	mounts = append(mounts, &services.MountPoint{Method: "Metrics", Verb: "GET", Pattern: "/metrics"})

	wsHandler := ws.NewHandler(deps.hub, deps.manager)
	mux.Handle("GET", "/ws/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		wsHandler.ServeSession(w, r, mux.Vars(r)["id"])
	})
	mounts = append(mounts, &services.MountPoint{Method: "Events", Verb: "GET", Pattern: "/ws/sessions/{id}"})

	// Wrap the multiplexer with additional middlewares. Middlewares mounted
	// here apply to all the service endpoints.
	var handler http.Handler = mux
	{
		if debug {
			handler = httpmdlwr.Debug(mux, os.Stdout)(handler)
		}
		handler = mw.AuthMiddleware(deps.authenticator,
			services.APIPrefix+"/auth/login",
			"/healthz",
			"/readyz",
			"/metrics",
		)(handler)
		handler = httpmdlwr.Log(adapter)(handler)
		handler = httpmdlwr.RequestID()(handler)
	}

	// The write timeout is left unset: detect calls wait on video inference
	// and the media route streams whole files.
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: handler, ReadHeaderTimeout: time.Second * 60}
	for _, m := range mounts {
		logger.Debug("HTTP route mounted", zap.String("method", m.Method), zap.String("verb", m.Verb), zap.String("pattern", m.Pattern))
	}

	(*wg).Add(1)
	go func() {
		defer (*wg).Done()

		// Start HTTP server in a separate goroutine.
		go func() {
			logger.Info("HTTP server listening", zap.String("addr", cfg.HTTPAddr))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errc <- err
			}
		}()

		<-ctx.Done()
		logger.Info("shutting down HTTP server", zap.String("addr", cfg.HTTPAddr))

		// Shutdown gracefully with a 30s timeout.
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Warn("failed to shutdown", zap.Error(err))
		}
	}()
}
