// Package agent runs a simulated fleet peer. It answers latency probes and
// reports a drifting status on an interval, which is enough to drive the
// dashboard without real robots.
package agent

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/nerrad567/fleetdash/internal/bus"
	"github.com/nerrad567/fleetdash/internal/fleet"
	"github.com/nerrad567/fleetdash/internal/ping"
)

// Battery model.
const (
	fullBattery     = 100.0
	lowBattery      = 20.0
	emptyBattery    = 5.0
	drainPerReport  = 0.5
	defaultInterval = 2 * time.Second
)

// Bus is the subset of *bus.Client an agent needs.
type Bus interface {
	ping.Bus
}

// Config describes one simulated peer.
type Config struct {
	Peer         string
	RequestTopic string
	ReplyTopic   string

	// StatusInterval is the time between status reports.
	StatusInterval time.Duration
}

// Agent is one simulated peer.
type Agent struct {
	cfg       Config
	responder *ping.Responder
	reporter  *fleet.Reporter
	logger    bus.Logger
	clock     func() time.Time

	started time.Time
	battery float64
	mode    string
}

// New creates an agent for cfg.Peer on b. logger may be nil.
func New(b Bus, cfg Config, logger bus.Logger) (*Agent, error) {
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = defaultInterval
	}
	responder, err := ping.NewResponder(b, cfg.Peer, cfg.RequestTopic, cfg.ReplyTopic, logger)
	if err != nil {
		return nil, err
	}
	reporter, err := fleet.NewReporter(b, cfg.Peer)
	if err != nil {
		return nil, err
	}
	return &Agent{
		cfg:       cfg,
		responder: responder,
		reporter:  reporter,
		logger:    logger,
		clock:     time.Now,
		battery:   fullBattery,
		mode:      "patrol",
	}, nil
}

// Peer returns the simulated peer's name.
func (a *Agent) Peer() string {
	return a.cfg.Peer
}

// Run answers pings and reports status until ctx is done. A status report
// that cannot be published (e.g. while the bus reconnects) is skipped.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.responder.Start(); err != nil {
		return err
	}
	defer a.responder.Stop() //nolint:errcheck // Shutdown path

	a.started = a.clock()
	a.publishLog(ctx, "info", "agent online")
	a.report(ctx)

	ticker := time.NewTicker(a.cfg.StatusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.step(ctx)
			a.report(ctx)
		}
	}
}

// step advances the battery model, logging mode changes.
func (a *Agent) step(ctx context.Context) {
	a.battery = math.Max(a.battery-drainPerReport, 0)
	switch {
	case a.battery <= emptyBattery:
		a.battery = fullBattery
		a.mode = "patrol"
		a.publishLog(ctx, "info", "charged, resuming patrol")
	case a.battery < lowBattery && a.mode != "docking":
		a.mode = "docking"
		a.publishLog(ctx, "warn", fmt.Sprintf("battery low (%.1f%%), returning to dock", a.battery))
	}
}

func (a *Agent) state() map[string]any {
	return map[string]any{
		"mode":        a.mode,
		"battery_pct": a.battery,
		"uptime_s":    int64(a.clock().Sub(a.started).Seconds()),
	}
}

func (a *Agent) report(ctx context.Context) {
	if err := a.reporter.Status(ctx, a.state()); err != nil && !errors.Is(err, context.Canceled) {
		a.debug("status report skipped", "peer", a.cfg.Peer, "error", err)
	}
}

func (a *Agent) publishLog(ctx context.Context, level, msg string) {
	if err := a.reporter.Log(ctx, level, msg); err != nil && !errors.Is(err, context.Canceled) {
		a.debug("log report skipped", "peer", a.cfg.Peer, "error", err)
	}
}

func (a *Agent) debug(msg string, args ...any) {
	if a.logger != nil {
		a.logger.Debug(msg, args...)
	}
}
