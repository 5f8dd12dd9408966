package handlers

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/kimhsiao/possync/backend/internal/app"
	"github.com/kimhsiao/possync/backend/internal/config"
	"github.com/kimhsiao/possync/backend/internal/logging"
)

// Server runs the HTTP surface and pushes scheduler events to WebSocket clients.
type Server struct {
	cfg config.ServerConfig
	app *app.App
	hub *WSHub
}

// NewServer creates a Server.
func NewServer(cfg config.ServerConfig, a *app.App) *Server {
	return &Server{cfg: cfg, app: a, hub: NewWSHub(cfg.CORSOrigins)}
}

// Hub returns the WebSocket hub.
func (s *Server) Hub() *WSHub {
	return s.hub
}

// Run serves on the configured address until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	unsubStatus := s.app.Scheduler.Subscribe(s.hub.BroadcastStatus)
	unsubProgress := s.app.Scheduler.SubscribeProgress(s.hub.BroadcastProgress)
	defer func() {
		unsubStatus()
		unsubProgress()
		s.hub.Close()
	}()

	srv := &http.Server{
		Handler: NewRouter(RouterConfig{
			BaseContext:    ctx,
			App:            s.app,
			Hub:            s.hub,
			AllowedOrigins: s.cfg.CORSOrigins,
		}),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("HTTP server listening", map[string]interface{}{"addr": ln.Addr().String()})
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logging.Info("Shutting down HTTP server", nil)
	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
