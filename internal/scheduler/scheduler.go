// Package scheduler runs the periodic upkeep of a mesh member: presence
// heartbeats so peers can judge liveness, retention sweeps that drop old
// terminal tasks from the shared store, and publisher kicks that flush
// parked writes once the store is reachable again.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/marcus/taskmesh/internal/logging"
	"github.com/marcus/taskmesh/internal/store"
)

// Defaults for maintenance configuration.
const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultRetention         = 7 * 24 * time.Hour
	DefaultSweepSpec         = "17 3 * * *"
)

// Config holds maintenance scheduling parameters.
type Config struct {
	Machine           string
	HeartbeatInterval time.Duration // presence write cadence
	Retention         time.Duration // terminal tasks older than this are swept
	SweepSpec         string        // cron expression for the retention sweep
}

// Maintenance owns the cron entries for a running mesh member.
type Maintenance struct {
	cron  *cron.Cron
	store store.Store
	pub   *store.Publisher
	cfg   Config
	log   *logging.Logger
}

// Option configures Maintenance.
type Option func(*Maintenance)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Maintenance) {
		m.log = l
	}
}

// New creates the maintenance scheduler. Jobs are registered on Start.
func New(st store.Store, pub *store.Publisher, cfg Config, opts ...Option) *Maintenance {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.SweepSpec == "" {
		cfg.SweepSpec = DefaultSweepSpec
	}

	m := &Maintenance{
		cron:  cron.New(),
		store: st,
		pub:   pub,
		cfg:   cfg,
		log:   logging.Component("scheduler"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start registers the jobs and starts the cron loop. An immediate heartbeat
// fires so the machine shows online without waiting a full interval.
func (m *Maintenance) Start(ctx context.Context) error {
	heartbeatSpec := fmt.Sprintf("@every %s", m.cfg.HeartbeatInterval)
	if _, err := m.cron.AddFunc(heartbeatSpec, func() { m.Heartbeat(ctx) }); err != nil {
		return fmt.Errorf("scheduling heartbeat: %w", err)
	}
	if _, err := m.cron.AddFunc(m.cfg.SweepSpec, func() { m.Sweep(ctx) }); err != nil {
		return fmt.Errorf("scheduling retention sweep: %w", err)
	}

	m.Heartbeat(ctx)
	m.cron.Start()

	m.log.InfoCtx("maintenance started", map[string]any{
		"machine":   m.cfg.Machine,
		"heartbeat": m.cfg.HeartbeatInterval.String(),
		"sweep":     m.cfg.SweepSpec,
		"retention": m.cfg.Retention.String(),
	})
	return nil
}

// Stop halts the cron loop and marks the machine offline with a final
// presence write. It waits for running jobs to return.
func (m *Maintenance) Stop(ctx context.Context) {
	<-m.cron.Stop().Done()
	if err := m.store.Heartbeat(ctx, m.cfg.Machine, false); err != nil {
		m.log.Warnf("offline heartbeat: %v", err)
	}
	m.log.Info("maintenance stopped")
}

// Jobs returns the number of registered cron entries.
func (m *Maintenance) Jobs() int {
	return len(m.cron.Entries())
}

// Heartbeat writes a presence record. A successful write proves the store
// is reachable, so the publisher is kicked to flush anything parked.
func (m *Maintenance) Heartbeat(ctx context.Context) {
	if err := m.store.Heartbeat(ctx, m.cfg.Machine, true); err != nil {
		m.log.Warnf("heartbeat: %v", err)
		return
	}
	if m.pub != nil && m.pub.Pending() > 0 {
		m.pub.Kick()
	}
}

// Sweep removes terminal tasks older than the retention period.
func (m *Maintenance) Sweep(ctx context.Context) {
	n, err := m.store.SweepTerminal(ctx, m.cfg.Retention)
	if err != nil {
		m.log.Warnf("retention sweep: %v", err)
		return
	}
	if n > 0 {
		m.log.InfoCtx("retention sweep", map[string]any{"removed": n})
	}
}
