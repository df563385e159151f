package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/fleetdash/internal/audit"
	"github.com/nerrad567/fleetdash/internal/bus"
	"github.com/nerrad567/fleetdash/internal/correlator"
	"github.com/nerrad567/fleetdash/internal/fleet"
	"github.com/nerrad567/fleetdash/internal/history"
	"github.com/nerrad567/fleetdash/internal/infrastructure/config"
	"github.com/nerrad567/fleetdash/internal/infrastructure/database"
	"github.com/nerrad567/fleetdash/internal/infrastructure/logging"
	"github.com/nerrad567/fleetdash/internal/ping"
	"github.com/nerrad567/fleetdash/migrations"
)

const (
	testPeer   = "robot-1"
	testSecret = "test-secret-key-at-least-32-characters-long"
)

// fixture is a dashboard wired against an in-memory broker with one
// answering peer (robot-1).
type fixture struct {
	broker  *bus.MemoryBroker
	client  *bus.Client
	pinger  *correlator.Correlator
	fleet   *fleet.Aggregator
	history *history.SQLiteRepository
	audit   *audit.SQLiteRepository
	db      *database.DB
	srv     *Server
	handler http.Handler
}

func testBusConfig() config.BusConfig {
	return config.BusConfig{
		InboxSize:        64,
		OperationTimeout: time.Second,
		Reconnect: config.ReconnectConfig{
			Enabled:      true,
			InitialDelay: 10 * time.Millisecond,
			MaxDelay:     50 * time.Millisecond,
		},
	}
}

func newBusClient(t *testing.T, broker *bus.MemoryBroker) *bus.Client {
	t.Helper()
	client, err := bus.NewClient(bus.Address{Host: "broker.test", Port: 1883}, testBusConfig(), broker.Factory())
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	t.Cleanup(func() { client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Begin(ctx); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	return client
}

// newFixture builds the server. mutate may adjust Deps before New.
func newFixture(t *testing.T, mutate func(*Deps)) *fixture {
	t.Helper()
	f := &fixture{broker: bus.NewMemoryBroker()}
	f.client = newBusClient(t, f.broker)

	responder, err := ping.NewResponder(newBusClient(t, f.broker), testPeer, "fleet/ping", "fleet/pong", nil)
	if err != nil {
		t.Fatalf("NewResponder() error = %v", err)
	}
	if err := responder.Start(); err != nil {
		t.Fatalf("responder Start() error = %v", err)
	}
	t.Cleanup(func() { responder.Stop() })

	f.pinger, err = correlator.New(f.client, correlator.Options{
		RequestTopic: "fleet/ping",
		ReplyTopic:   "fleet/pong",
		Codec:        ping.Codec{},
		Timeout:      time.Second,
	})
	if err != nil {
		t.Fatalf("correlator.New() error = %v", err)
	}
	if err := f.pinger.Start(); err != nil {
		t.Fatalf("correlator Start() error = %v", err)
	}
	t.Cleanup(func() { f.pinger.Stop() })

	f.fleet, err = fleet.NewAggregator(f.client, config.FleetConfig{
		StatusTopic: "fleet/+/status",
		StaleAfter:  time.Minute,
		LogCapacity: 10,
	})
	if err != nil {
		t.Fatalf("NewAggregator() error = %v", err)
	}
	if err := f.fleet.Start(); err != nil {
		t.Fatalf("aggregator Start() error = %v", err)
	}
	t.Cleanup(func() { f.fleet.Stop() })

	f.db, err = database.Open(context.Background(), config.DatabaseConfig{Path: ":memory:"})
	if err != nil {
		t.Fatalf("database.Open() error = %v", err)
	}
	t.Cleanup(func() { f.db.Close() })
	if err := f.db.Migrate(context.Background(), migrations.FS); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	f.history = history.NewSQLiteRepository(f.db.DB)
	f.audit = audit.NewSQLiteRepository(f.db.DB)

	deps := Deps{
		Config: config.APIConfig{
			Host:     "127.0.0.1",
			Port:     0,
			Timeouts: config.APITimeoutConfig{Read: 5, Write: 5, Idle: 5},
		},
		WS: config.WebSocketConfig{MaxMessageSize: 8192, PingInterval: 30, PongTimeout: 10},
		Ping: config.PingConfig{
			RequestTopic: "fleet/ping",
			ReplyTopic:   "fleet/pong",
			Timeout:      time.Second,
			Batch:        config.BatchConfig{Count: 3, MaxCount: 10},
		},
		Logger:  logging.Discard(),
		Bus:     f.client,
		Pinger:  f.pinger,
		Fleet:   f.fleet,
		History: f.history,
		Audit:   f.audit,
		DB:      f.db,
		Version: "test",
	}
	if mutate != nil {
		mutate(&deps)
	}

	f.srv, err = New(deps)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	f.handler = f.srv.buildRouter()
	return f
}

// do performs a request against the router. headers are name/value pairs.
func (f *fixture) do(t *testing.T, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decoding %q: %v", rec.Body.String(), err)
	}
	return v
}

func wantStatus(t *testing.T, rec *httptest.ResponseRecorder, status int) {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, status, rec.Body.String())
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// sampleJSON mirrors the wire form of a batch sample.
type sampleJSON struct {
	Seq       int      `json:"seq"`
	OK        bool     `json:"ok"`
	LatencyMs *float64 `json:"latency_ms"`
	Reason    string   `json:"reason"`
}

type runJSON struct {
	ID      string           `json:"id"`
	Peer    string           `json:"peer"`
	Count   int              `json:"count"`
	Stats   correlator.Stats `json:"stats"`
	Samples []sampleJSON     `json:"samples"`
}
