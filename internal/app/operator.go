package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/specialistvlad/gridtune/internal/ctxlog"
)

// healthHandler reports liveness.
func (a *App) healthHandler(w http.ResponseWriter, r *http.Request) {
	a.logger.Debug("Health check endpoint hit.", "remote_addr", r.RemoteAddr, "path", r.URL.Path)
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}

// statusHandler returns the persisted counts and worker slots as JSON.
func (a *App) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	status, err := a.Status(r.Context())
	if err != nil {
		a.logger.Error("Status request failed.", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		a.logger.Warn("Failed to write status response.", "error", err)
	}
}

// stopHandler requests a graceful stop.
func (a *App) stopHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	a.logger.Info("Stop requested over HTTP.", "remote_addr", r.RemoteAddr)
	a.Stop()
	w.WriteHeader(http.StatusAccepted)
	fmt.Fprintln(w, "stopping after the current pass")
}

func (a *App) operatorHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", a.healthHandler)
	mux.HandleFunc("/status", a.statusHandler)
	mux.HandleFunc("/stop", a.stopHandler)
	mux.Handle("/metrics", promhttp.HandlerFor(a.metrics.Registry(), promhttp.HandlerOpts{}))
	return mux
}

// startOperatorServer runs the operator HTTP server in the background.
func (a *App) startOperatorServer(ctx context.Context) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Configuring operator server.")
	if a.config.OperatorPort <= 0 {
		logger.Debug("Operator server not started: disabled")
		return
	}

	addr := fmt.Sprintf(":%d", a.config.OperatorPort)
	srv := &http.Server{
		Addr:              addr,
		Handler:           a.operatorHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	a.mu.Lock()
	a.httpServer = srv
	a.mu.Unlock()

	go func() {
		logger.Info("🩺 Operator server starting", "address", fmt.Sprintf("http://localhost%s", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Operator server failed unexpectedly", "error", err)
		}
	}()
}

func (a *App) closeOperatorServer(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx)
	a.mu.Lock()
	srv := a.httpServer
	a.httpServer = nil
	a.mu.Unlock()

	if srv == nil {
		logger.Debug("Operator server was not running.")
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	logger.Info("🩺 Shutting down operator server...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Debug("Operator server shut down gracefully.")
	return nil
}
