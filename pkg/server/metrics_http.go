package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/NicolasHaas/gotalk/pkg/version"
)

// MetricsHandler serves /metrics in Prometheus text exposition format and
// /healthz.
func (s *Server) MetricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}

// serveMetrics runs the metrics endpoint on cfg.MetricsAddr until ctx is
// done.
func (s *Server) serveMetrics(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.MetricsAddr,
		Handler:           s.MetricsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("metrics HTTP listening", "addr", s.cfg.MetricsAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics HTTP: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	}
}

// handleMetrics writes all metrics in Prometheus text exposition format.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	m := s.MetricsSnapshot()
	uptime := time.Since(s.metrics.startTime).Seconds()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	// Write errors to http.ResponseWriter are non-actionable; suppress errcheck.
	write := func(name, help, mtype string, value int64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, mtype)
		_, _ = fmt.Fprintf(w, "%s %d\n", name, value)
	}
	writeFloat := func(name, help, mtype string, value float64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, mtype)
		_, _ = fmt.Fprintf(w, "%s %f\n", name, value)
	}

	writeFloat("gotalk_uptime_seconds", "Server uptime in seconds.", "gauge", uptime)

	build := version.Labels()
	_, _ = fmt.Fprintf(w, "# HELP gotalk_build_info Build metadata.\n# TYPE gotalk_build_info gauge\n")
	_, _ = fmt.Fprintf(w, "gotalk_build_info{version=%q,commit=%q,date=%q} 1\n",
		build["version"], build["commit"], build["date"])

	write("gotalk_identities_online", "Identities with at least one session.", "gauge",
		int64(m.OnlineIdentities))
	write("gotalk_sessions_active", "Registered gateway sessions.", "gauge",
		int64(m.ActiveSessions))
	write("gotalk_connects_total", "Gateway sessions opened.", "counter", m.TotalConnects)
	write("gotalk_disconnects_total", "Gateway sessions closed.", "counter", m.TotalDisconnects)
	write("gotalk_auth_failed_total", "Rejected bearer tokens.", "counter", m.FailedAuths)
	write("gotalk_sessions_expired_total", "Sessions dropped for exceeding the max age.", "counter",
		m.ExpiredSessions)

	write("gotalk_messages_accepted_total", "Messages persisted and broadcast.", "counter",
		m.MessagesAccepted)
	write("gotalk_messages_rejected_total", "Messages rejected by validation or permission checks.", "counter",
		m.MessagesRejected)
	write("gotalk_persist_failures_total", "Store failures while handling messages.", "counter",
		m.PersistFailures)
	write("gotalk_broadcast_failures_total", "Failed event publications.", "counter",
		m.BroadcastFailures)

	write("gotalk_promotions_total", "Automatic role promotions.", "counter", m.Promotions)
	write("gotalk_role_assignments_total", "Manual role changes.", "counter", m.Assignments)

	write("gotalk_events_delivered_total", "Events queued to local subscribers.", "counter",
		m.EventsDelivered)
	write("gotalk_events_dropped_total", "Events dropped for slow subscribers.", "counter",
		m.EventsDropped)
}
