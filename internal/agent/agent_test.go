package agent

import (
	"context"
	"testing"
	"time"

	"github.com/nerrad567/fleetdash/internal/bus"
	"github.com/nerrad567/fleetdash/internal/correlator"
	"github.com/nerrad567/fleetdash/internal/fleet"
	"github.com/nerrad567/fleetdash/internal/infrastructure/config"
	"github.com/nerrad567/fleetdash/internal/ping"
)

func newClient(t *testing.T, broker *bus.MemoryBroker) *bus.Client {
	t.Helper()
	client, err := bus.NewClient(bus.Address{Host: "broker.test", Port: 1883}, config.BusConfig{
		InboxSize:        64,
		OperationTimeout: time.Second,
	}, broker.Factory())
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	t.Cleanup(func() { client.Close() })
	if err := client.Begin(context.Background()); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	return client
}

func testConfig() Config {
	return Config{
		Peer:           "sim-1",
		RequestTopic:   "fleet/ping",
		ReplyTopic:     "fleet/pong",
		StatusInterval: 10 * time.Millisecond,
	}
}

func TestAgentAnswersAndReports(t *testing.T) {
	broker := bus.NewMemoryBroker()
	dash := newClient(t, broker)

	agg, err := fleet.NewAggregator(dash, config.FleetConfig{
		StatusTopic: "fleet/+/status",
		StaleAfter:  time.Minute,
		LogCapacity: 10,
	})
	if err != nil {
		t.Fatalf("NewAggregator() error = %v", err)
	}
	if err := agg.Start(); err != nil {
		t.Fatalf("aggregator Start() error = %v", err)
	}
	defer agg.Stop()

	c, err := correlator.New(dash, correlator.Options{
		RequestTopic: "fleet/ping",
		ReplyTopic:   "fleet/pong",
		Codec:        ping.Codec{},
	})
	if err != nil {
		t.Fatalf("correlator.New() error = %v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("correlator Start() error = %v", err)
	}
	defer c.Stop()

	a, err := New(newClient(t, broker), testConfig(), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if a.Peer() != "sim-1" {
		t.Errorf("Peer() = %q", a.Peer())
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if p, ok := agg.Peer("sim-1"); ok && p.State["mode"] == "patrol" && len(agg.Logs("sim-1", 0)) > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("agent status not aggregated")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := c.SendAwaitable(context.Background(), "sim-1", nil, time.Second); err != nil {
		t.Errorf("SendAwaitable() error = %v", err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

func TestAgentBatteryModel(t *testing.T) {
	broker := bus.NewMemoryBroker()
	a, err := New(newClient(t, broker), testConfig(), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx := context.Background()

	a.battery = lowBattery + drainPerReport/2
	a.step(ctx)
	if a.mode != "docking" {
		t.Errorf("mode = %q below low battery, want docking", a.mode)
	}

	a.battery = emptyBattery + drainPerReport/2
	a.step(ctx)
	if a.mode != "patrol" || a.battery != fullBattery {
		t.Errorf("after empty: mode %q battery %v, want patrol and full", a.mode, a.battery)
	}
}

func TestNewValidation(t *testing.T) {
	broker := bus.NewMemoryBroker()
	client := newClient(t, broker)

	cfg := testConfig()
	cfg.Peer = ""
	if _, err := New(client, cfg, nil); err == nil {
		t.Error("New() with empty peer expected error")
	}

	cfg = testConfig()
	cfg.ReplyTopic = "fleet/+"
	if _, err := New(client, cfg, nil); err == nil {
		t.Error("New() with wildcard reply topic expected error")
	}

	cfg = testConfig()
	cfg.StatusInterval = 0
	a, err := New(client, cfg, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if a.cfg.StatusInterval != defaultInterval {
		t.Errorf("StatusInterval = %v, want default", a.cfg.StatusInterval)
	}
}
