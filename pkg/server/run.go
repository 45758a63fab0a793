package server

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/NicolasHaas/gotalk/pkg/gateway"
)

// Run starts every listener and background loop and blocks until ctx is
// cancelled or a shutdown signal arrives. The server is closed on return.
func (s *Server) Run(ctx context.Context) error {
	defer func() {
		if err := s.Close(); err != nil {
			s.log.Warn("close", "err", err)
		}
	}()

	if err := s.EnsureOwner(); err != nil {
		return err
	}

	gwCfg := gateway.Config{}
	if s.cfg.JWTSecret != "" {
		v, err := gateway.NewTokenVerifier(s.cfg.JWTSecret)
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
		gwCfg.Verifier = v
	} else {
		s.log.Warn("no jwt_secret configured, only guest connections are accepted")
	}
	gw := gateway.New(s, gwCfg)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	if s.relay != nil {
		ready := make(chan struct{})
		g.Go(func() error { return s.relay.Relay(ctx, s.hub, ready) })
		select {
		case <-ready:
		case <-ctx.Done():
			return g.Wait()
		}
	}

	g.Go(func() error { return gw.Serve(ctx, s.cfg.ListenAddr) })
	if s.cfg.MetricsAddr != "" {
		g.Go(func() error { return s.serveMetrics(ctx) })
	}
	if s.cfg.ProgressionInterval > 0 {
		g.Go(func() error { return s.engine.Run(ctx, s.cfg.ProgressionInterval) })
	}
	if s.cfg.SessionMaxAge > 0 {
		g.Go(func() error { return s.sweepSessions(ctx) })
	}
	StartPeriodicLog(ctx, s.cfg.MetricsLogInterval, s.log, s.MetricsSnapshot)

	s.log.Info("gotalk server running",
		"listen", s.cfg.ListenAddr,
		"metrics", s.cfg.MetricsAddr,
		"broadcast", s.cfg.Broadcast,
		"guest_policy", s.cfg.GuestPolicy,
	)

	err := g.Wait()
	s.log.Info("shutting down...")
	return err
}

// sweepSessions expires stale sessions at a fraction of the max age.
func (s *Server) sweepSessions(ctx context.Context) error {
	interval := max(s.cfg.SessionMaxAge/4, time.Second)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.ExpireSessions(ctx)
		}
	}
}
