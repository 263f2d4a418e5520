// Package server exposes the ops endpoints: metrics, health, method health,
// running download jobs and pipeline progress.
package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/trackline/trackline/internal/app"
	"github.com/trackline/trackline/internal/download"
	"github.com/trackline/trackline/internal/monitoring"
)

// NewRouter builds the ops router for rt
func NewRouter(rt *app.Runtime) *mux.Router {
	h := &handler{rt: rt, logger: monitoring.Named(rt.Logger, "server")}

	router := mux.NewRouter()
	router.Use(h.logRequests)

	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/healthz", h.healthz).Methods(http.MethodGet)
	router.HandleFunc("/methods", h.methods).Methods(http.MethodGet)
	router.HandleFunc("/methods/reset", h.resetMethods).Methods(http.MethodPost)
	router.HandleFunc("/jobs", h.jobs).Methods(http.MethodGet)
	router.HandleFunc("/jobs/{key}/progress", h.progress).Methods(http.MethodGet)
	router.HandleFunc("/cache", h.cacheStats).Methods(http.MethodGet)
	return router
}

// New returns an http.Server serving the ops router on addr
func New(addr string, rt *app.Runtime) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           NewRouter(rt),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

type handler struct {
	rt     *app.Runtime
	logger *zap.Logger
}

func (h *handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		h.logger.Debug("Request served",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(start)))
	})
}

func (h *handler) healthz(w http.ResponseWriter, r *http.Request) {
	check := h.rt.Check()
	status := http.StatusOK
	if check.Status == monitoring.HealthStatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, check)
}

func (h *handler) methods(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.rt.Health.Snapshot())
}

// resetMethods clears the cooldown of the methods named by ?method=, or of all methods
func (h *handler) resetMethods(w http.ResponseWriter, r *http.Request) {
	names := r.URL.Query()["method"]
	h.rt.Health.Reset(names...)
	h.logger.Info("Method health reset", zap.Strings("methods", names))
	writeJSON(w, http.StatusOK, map[string]interface{}{"reset": names})
}

func (h *handler) jobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.rt.Pipeline.Active())
}

// progress streams the job's progress records as server-sent events until it ends
func (h *handler) progress(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	updates, unsubscribe := h.rt.Hub.Subscribe(key, 16)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	if percent, ok := h.rt.Hub.Last(key); ok {
		writeEvent(w, download.ProgressUpdate{Key: key, Percent: percent, Status: download.StatusDownloading, Timestamp: time.Now()})
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			writeEvent(w, u)
			flusher.Flush()
			if u.Terminal() {
				return
			}
		}
	}
}

func (h *handler) cacheStats(w http.ResponseWriter, r *http.Request) {
	files, bytes := h.rt.Cache.Stats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"dir":   h.rt.Cache.Dir(),
		"files": files,
		"bytes": bytes,
	})
}

func writeEvent(w http.ResponseWriter, u download.ProgressUpdate) {
	data, err := json.Marshal(u)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: progress\ndata: %s\n\n", data)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
