package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/transformaps/vera/internal/metrics"
	"github.com/transformaps/vera/internal/vera"
)

// UserHeader carries the submitting user when the body does not.
const UserHeader = "X-Vera-User"

type Server struct {
	svc  *vera.Service
	port string
	log  *zap.Logger
}

func NewServer(svc *vera.Service, port string, log *zap.Logger) *Server {
	if log == nil {
		log = zap.L()
	}
	return &Server{svc: svc, port: port, log: log}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/reports", func(r chi.Router) {
		r.Post("/", s.handleCreateReport)
		r.Get("/{id}", s.handleGetReport)
		r.Patch("/{id}", s.handleUpdateReportStatus)
	})
	r.Get("/events/{id}", s.handleGetEvent)

	r.Get("/parameters", s.handleListParameters)
	r.Put("/parameters", s.handleDefineParameter)
	r.Get("/statuses", s.handleListStatuses)
	r.Put("/statuses", s.handleDefineStatus)

	r.Post("/admin/rebuild", s.handleRebuild)
	return r
}

func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              ":" + s.port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	s.log.Info("http: listening", zap.String("addr", server.Addr))
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
		s.log.Debug("http: request",
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}
