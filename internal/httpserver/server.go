// Package httpserver exposes the control panel API: a thin CRUD layer over
// the monitor core. It contains no monitoring logic of its own.
package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"chirpwatch/internal/config"
	"chirpwatch/internal/monitor"
	"chirpwatch/internal/state"
	logx "chirpwatch/pkg/logx"
)

// Controller is the monitor lifecycle surface the panel needs.
type Controller interface {
	Start(ctx context.Context)
	Stop()
	Running() bool
	WorkerAlive() bool
}

// Deps carries the core services handlers operate on.
type Deps struct {
	Cfg   *config.Manager
	Store state.Store
	Src   monitor.Source
	Notif monitor.Notifier
	Mon   Controller

	// BaseCtx is the application lifetime context; workers started from a
	// request must outlive that request.
	BaseCtx context.Context

	Log logx.Logger
}

// Server wraps the HTTP server and its dependencies.
type Server struct {
	http *http.Server
	log  logx.Logger
}

// New builds the HTTP server (router, middlewares, route registration).
func New(addr string, log logx.Logger, d Deps) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if d.Log.IsZero() {
		d.Log = log
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(requestLog(log))

	r.Route("/api", func(r chi.Router) {
		r.Get("/config", d.getConfig)
		r.Post("/config", d.updateConfig)

		r.Get("/accounts", d.listAccounts)
		r.Post("/accounts", d.addAccount)
		r.Delete("/accounts/{handle}", d.deleteAccount)
		r.Get("/accounts/{handle}/preview", d.previewAccount)

		r.Post("/monitor/start", d.startMonitor)
		r.Post("/monitor/stop", d.stopMonitor)
		r.Post("/telegram/test", d.testTelegram)

		r.Get("/status", d.status)
	})

	s := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      90 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return &Server{http: s, log: log}
}

// Start runs the HTTP server (blocks until error or shutdown).
func (s *Server) Start() error {
	s.log.Info("control panel listening", logx.String("addr", s.http.Addr))
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully shuts down the server with the provided context deadline.
func (s *Server) Stop(ctx context.Context) error {
	s.log.Info("control panel shutting down")
	return s.http.Shutdown(ctx)
}

func requestLog(log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("http request",
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.Int("status", ww.Status()),
				logx.Duration("took", time.Since(start)))
		})
	}
}
