package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vk/keygraph/internal/blobstore/fsstore"
	"github.com/vk/keygraph/internal/blobstore/remote"
)

const shutdownTimeout = 5 * time.Second

// healthHandler answers liveness probes.
func (a *App) healthHandler(w http.ResponseWriter, r *http.Request) {
	a.logger.Debug("Health check endpoint hit.", "remote_addr", r.RemoteAddr, "path", r.URL.Path)
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}

// Handler returns the HTTP handler of `serve`: the remote cache at
// /socket.io/, /health and /metrics.
func (a *App) Handler(cacheServer *remote.Server) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", a.healthHandler)
	mux.Handle("/metrics", promhttp.HandlerFor(a.promReg, promhttp.HandlerOpts{}))
	if cacheServer != nil {
		mux.Handle("/socket.io/", cacheServer.HTTPHandler())
	}
	return mux
}

// serve exposes a cache root to remote clients until ctx is cancelled.
func (a *App) serve(ctx context.Context, appConfig *Config) error {
	store, err := fsstore.Open(appConfig.CacheRoot)
	if err != nil {
		return err
	}
	cacheServer := remote.NewServer(ctx, store)
	defer cacheServer.Close()

	ln, err := net.Listen("tcp", appConfig.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", appConfig.Addr, err)
	}
	srv := &http.Server{Handler: a.Handler(cacheServer)}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("Cache server starting.", "address", ln.Addr().String(), "root", appConfig.CacheRoot)
		// Serve returns ErrServerClosed on graceful shutdown.
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("cache server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	a.logger.Info("Shutting down cache server...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("Cache server shutdown failed.", "error", err)
		return err
	}
	a.logger.Debug("Cache server shut down gracefully.")
	return nil
}
