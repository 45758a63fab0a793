package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/NicolasHaas/gotalk/pkg/chat"
	"github.com/NicolasHaas/gotalk/pkg/progression"
)

// Metrics tracks server runtime statistics.
// All counters use atomic operations for lock-free concurrent access.
type Metrics struct {
	startTime time.Time

	// Connection counters
	TotalConnects    atomic.Int64 // lifetime gateway sessions opened
	TotalDisconnects atomic.Int64 // sessions closed or expired
	FailedAuths      atomic.Int64 // rejected bearer tokens
	ExpiredSessions  atomic.Int64 // sessions dropped by the max-age sweep

	// Chat counters
	MessagesAccepted  atomic.Int64
	MessagesRejected  atomic.Int64
	PersistFailures   atomic.Int64
	BroadcastFailures atomic.Int64

	// Role counters
	Promotions  atomic.Int64 // automatic promotions
	Assignments atomic.Int64 // manual promotions and demotions
}

var (
	_ chat.Recorder        = (*Metrics)(nil)
	_ progression.Recorder = (*Metrics)(nil)
)

// NewMetrics creates a new Metrics instance with the start time set to now.
func NewMetrics() *Metrics {
	return &Metrics{
		startTime: time.Now(),
	}
}

func (m *Metrics) MessageAccepted() { m.MessagesAccepted.Add(1) }
func (m *Metrics) MessageRejected() { m.MessagesRejected.Add(1) }
func (m *Metrics) PersistFailed()   { m.PersistFailures.Add(1) }
func (m *Metrics) BroadcastFailed() { m.BroadcastFailures.Add(1) }
func (m *Metrics) RolePromoted()    { m.Promotions.Add(1) }
func (m *Metrics) RoleAssigned()    { m.Assignments.Add(1) }

// MetricsSnapshot is a point-in-time view of all metrics.
type MetricsSnapshot struct {
	Uptime        string `json:"uptime"`
	UptimeSeconds int64  `json:"uptime_seconds"`

	OnlineIdentities int   `json:"online_identities"`
	ActiveSessions   int   `json:"active_sessions"`
	TotalConnects    int64 `json:"total_connects"`
	TotalDisconnects int64 `json:"total_disconnects"`
	FailedAuths      int64 `json:"failed_auths"`
	ExpiredSessions  int64 `json:"expired_sessions"`

	MessagesAccepted  int64 `json:"messages_accepted"`
	MessagesRejected  int64 `json:"messages_rejected"`
	PersistFailures   int64 `json:"persist_failures"`
	BroadcastFailures int64 `json:"broadcast_failures"`

	Promotions  int64 `json:"promotions"`
	Assignments int64 `json:"assignments"`

	EventsDelivered int64 `json:"events_delivered"`
	EventsDropped   int64 `json:"events_dropped"`
}

// Snapshot returns a read-consistent snapshot of the counters. Gauges
// owned by other components are filled in by Server.MetricsSnapshot.
func (m *Metrics) Snapshot() MetricsSnapshot {
	uptime := time.Since(m.startTime)
	return MetricsSnapshot{
		Uptime:            uptime.Truncate(time.Second).String(),
		UptimeSeconds:     int64(uptime.Seconds()),
		TotalConnects:     m.TotalConnects.Load(),
		TotalDisconnects:  m.TotalDisconnects.Load(),
		FailedAuths:       m.FailedAuths.Load(),
		ExpiredSessions:   m.ExpiredSessions.Load(),
		MessagesAccepted:  m.MessagesAccepted.Load(),
		MessagesRejected:  m.MessagesRejected.Load(),
		PersistFailures:   m.PersistFailures.Load(),
		BroadcastFailures: m.BroadcastFailures.Load(),
		Promotions:        m.Promotions.Load(),
		Assignments:       m.Assignments.Load(),
	}
}

// JSON returns the snapshot as a JSON string.
func (s MetricsSnapshot) JSON() string {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

// LogSummary writes a metrics summary to the logger.
func (s MetricsSnapshot) LogSummary(log *slog.Logger) {
	log.Info("metrics",
		"uptime", s.Uptime,
		"online", s.OnlineIdentities,
		"sessions", s.ActiveSessions,
		"accepted", s.MessagesAccepted,
		"rejected", s.MessagesRejected,
		"persist_failures", s.PersistFailures,
		"promotions", s.Promotions,
		"events_dropped", s.EventsDropped,
	)
}

// StartPeriodicLog starts a goroutine that logs snapshot() every interval
// until ctx is done.
func StartPeriodicLog(ctx context.Context, interval time.Duration, log *slog.Logger, snapshot func() MetricsSnapshot) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				snapshot().LogSummary(log)
			}
		}
	}()
}
