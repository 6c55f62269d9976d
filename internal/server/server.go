package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/lifeguard-sh/lifeguard/internal/manager"
	"github.com/lifeguard-sh/lifeguard/internal/metrics"
	"github.com/lifeguard-sh/lifeguard/internal/resource"
	"github.com/rs/zerolog"
)

const shutdownTimeout = 5 * time.Second

// Start launches the HTTP API on the given port. The server stops when
// ctx is cancelled. A port of zero disables the server.
func Start(ctx context.Context, logger zerolog.Logger, mgr *manager.Manager, metricsCollector *metrics.Metrics, port int) {
	if port == 0 {
		return
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)

	router.Get("/healthz", handleHealthz(mgr))
	router.Get("/readyz", handleReadyz(mgr))
	router.Get("/resources", handleResources(mgr))
	router.Get("/resources/{id}", handleResource(mgr))
	if metricsCollector != nil {
		router.Method(http.MethodGet, "/metrics", metricsCollector.Handler())
	}

	startServer(ctx, logger, router, port)
}

type resourceView struct {
	ID    string         `json:"id"`
	Stats resource.Stats `json:"stats"`
}

type healthResponse struct {
	Status    string                     `json:"status"`
	Resources map[string]resource.Health `json:"resources"`
}

// handleHealthz aggregates resource health. Any UNHEALTHY resource makes
// the endpoint return 503; DEGRADED stays 200 so orchestrators do not
// restart a system that is still serving.
func handleHealthz(mgr *manager.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		verdicts := mgr.HealthCheckAll(r.Context())

		status := "ok"
		code := http.StatusOK
		for _, verdict := range verdicts {
			if verdict == resource.HealthUnhealthy {
				status = "unhealthy"
				code = http.StatusServiceUnavailable
				break
			}
			if verdict == resource.HealthDegraded {
				status = "degraded"
			}
		}

		writeJSON(w, code, healthResponse{Status: status, Resources: verdicts})
	}
}

// handleReadyz reports whether startup has completed.
func handleReadyz(mgr *manager.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if !mgr.Started() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

func handleResources(mgr *manager.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		stats := mgr.Stats()
		views := make([]resourceView, 0, len(stats))
		for _, id := range mgr.Order() {
			views = append(views, resourceView{ID: id, Stats: stats[id]})
		}
		writeJSON(w, http.StatusOK, views)
	}
}

func handleResource(mgr *manager.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		res, ok := mgr.Get(id)
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": fmt.Sprintf("resource %s not found", id)})
			return
		}
		writeJSON(w, http.StatusOK, resourceView{ID: id, Stats: res.Stats()})
	}
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func startServer(ctx context.Context, logger zerolog.Logger, handler http.Handler, port int) {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info().Int("port", port).Msg("http server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Int("port", port).Msg("http server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Int("port", port).Msg("http server shutdown failed")
		}
	}()
}
