package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/adalkiran/llama-serve/src/common"
)

// GracefulServer runs an HTTP server until SIGINT or SIGTERM, then waits for running requests
// up to the shutdown timeout.
type GracefulServer struct {
	server          *http.Server
	shutdownTimeout time.Duration
}

func NewGracefulServer(addr string, handler http.Handler, shutdownTimeout time.Duration) *GracefulServer {
	return &GracefulServer{
		server: &http.Server{
			Addr:    addr,
			Handler: handler,
		},
		shutdownTimeout: shutdownTimeout,
	}
}

// Run blocks until the server stops. It returns the listen error if the server could not start.
func (s *GracefulServer) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return s.RunContext(ctx)
}

// RunContext is Run with the shutdown triggered by ctx instead of signals.
func (s *GracefulServer) RunContext(ctx context.Context) error {
	listenErr := make(chan error, 1)
	go func() {
		common.GLogger.ConsolePrintf("Listening on http://%s", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErr <- err
		}
		close(listenErr)
	}()

	select {
	case err := <-listenErr:
		return err
	case <-ctx.Done():
	}

	common.GLogger.ConsolePrintf("Shutting down gracefully, waiting up to %v for running requests...", s.shutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	common.GLogger.ConsolePrintf("Server stopped")
	return nil
}
