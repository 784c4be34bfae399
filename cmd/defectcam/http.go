package main

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"defectcam/internal/logger"
)

// handleHTTPServer starts the local status server on addr. It shuts the
// server down when ctx is cancelled.
func handleHTTPServer(ctx context.Context, addr string, handler http.Handler, wg *sync.WaitGroup, errc chan error) {
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

	wg.Add(1)
	go func() {
		defer wg.Done()

		// Start HTTP server in a separate goroutine.
		go func() {
			logger.Info("Status", "HTTP server listening on %q", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- err
			}
		}()

		<-ctx.Done()
		logger.Info("Status", "Shutting down HTTP server at %q", addr)

		// Shutdown gracefully with a 30s timeout.
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Warn("Status", "Failed to shutdown: %v", err)
		}
	}()
}
