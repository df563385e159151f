package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/fleetdash/internal/bus"
	"github.com/nerrad567/fleetdash/internal/correlator"
	"github.com/nerrad567/fleetdash/internal/fleet"
)

func TestNewRequiresDependencies(t *testing.T) {
	if _, err := New(Deps{}); err == nil {
		t.Error("New() without logger expected error")
	}
	f := newFixture(t, nil)
	if _, err := New(Deps{Logger: f.srv.logger}); err == nil {
		t.Error("New() without bus expected error")
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/api/v1/health", "")
	wantStatus(t, rec, http.StatusOK)
	body := decode[struct {
		Status  string            `json:"status"`
		Version string            `json:"version"`
		Checks  map[string]string `json:"checks"`
	}](t, rec)
	if body.Status != "ok" || body.Version != "test" {
		t.Errorf("health = %+v", body)
	}
	if body.Checks["bus"] != "ok" || body.Checks["database"] != "ok" {
		t.Errorf("checks = %v", body.Checks)
	}
}

func TestHealthDegradedWhenBusDown(t *testing.T) {
	f := newFixture(t, nil)
	f.broker.SetOnline(false)
	waitFor(t, "disconnect", func() bool { return !f.client.IsConnected() })

	rec := f.do(t, http.MethodGet, "/api/v1/health", "")
	wantStatus(t, rec, http.StatusOK)
	body := decode[struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}](t, rec)
	if body.Status != "degraded" {
		t.Errorf("status = %q, want degraded", body.Status)
	}
	if body.Checks["bus"] == "ok" {
		t.Error("bus check reported ok while disconnected")
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/api/v1/health", "", "X-Request-ID", "req-42")
	if got := rec.Header().Get("X-Request-ID"); got != "req-42" {
		t.Errorf("X-Request-ID = %q, want req-42", got)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/health", "")
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID not generated")
	}
}

func TestCORS(t *testing.T) {
	f := newFixture(t, func(d *Deps) {
		d.Config.CORS.AllowedOrigins = []string{"http://dashboard.local"}
	})

	rec := f.do(t, http.MethodGet, "/api/v1/health", "", "Origin", "http://dashboard.local")
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://dashboard.local" {
		t.Errorf("Allow-Origin = %q", got)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/health", "", "Origin", "http://evil.example")
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Allow-Origin for foreign origin = %q, want empty", got)
	}
}

func TestBusStatus(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/api/v1/bus", "")
	wantStatus(t, rec, http.StatusOK)
	status := decode[BusStatus](t, rec)
	if status.State != bus.StateConnected.String() || !status.Connected {
		t.Errorf("status = %+v, want connected", status)
	}
	// Reply topic and fleet status filter.
	want := map[string]bool{"fleet/pong": false, "fleet/+/status": false}
	for _, topic := range status.Topics {
		if _, ok := want[topic]; ok {
			want[topic] = true
		}
	}
	for topic, seen := range want {
		if !seen {
			t.Errorf("topic %s missing from %v", topic, status.Topics)
		}
	}
}

func TestPublish(t *testing.T) {
	f := newFixture(t, nil)

	got := make(chan bus.Frame, 1)
	watcher := newBusClient(t, f.broker)
	if _, err := watcher.Subscribe("fleet/robot-1/command", bus.HandlerFunc(func(fr bus.Frame) error {
		got <- fr
		return nil
	})); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	rec := f.do(t, http.MethodPost, "/api/v1/publish/fleet/robot-1/command", `{"action":"dock"}`)
	wantStatus(t, rec, http.StatusAccepted)
	body := decode[struct {
		Topic string `json:"topic"`
		Bytes int    `json:"bytes"`
	}](t, rec)
	if body.Topic != "fleet/robot-1/command" || body.Bytes != len(`{"action":"dock"}`) {
		t.Errorf("response = %+v", body)
	}

	select {
	case fr := <-got:
		if string(fr.Payload) != `{"action":"dock"}` {
			t.Errorf("payload = %q", fr.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("published frame not delivered")
	}
}

func TestPublishInvalidTopic(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/api/v1/publish/fleet/+/command", "x")
	wantStatus(t, rec, http.StatusBadRequest)
}

func TestPublishTooLarge(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/api/v1/publish/fleet/robot-1/blob", strings.Repeat("x", maxRequestBodySize+1))
	wantStatus(t, rec, http.StatusRequestEntityTooLarge)
}

func TestPublishDisconnected(t *testing.T) {
	f := newFixture(t, nil)
	f.broker.SetOnline(false)
	waitFor(t, "disconnect", func() bool { return !f.client.IsConnected() })

	rec := f.do(t, http.MethodPost, "/api/v1/publish/fleet/robot-1/command", "x")
	wantStatus(t, rec, http.StatusServiceUnavailable)
}

func TestPing(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/api/v1/ping/"+testPeer, "")
	wantStatus(t, rec, http.StatusOK)
	resp := decode[PingResponse](t, rec)
	if resp.Peer != testPeer || resp.LatencyMs < 0 {
		t.Errorf("response = %+v", resp)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/ping/results", "")
	wantStatus(t, rec, http.StatusOK)
	results := decode[struct {
		Results []struct {
			Peer      string  `json:"peer"`
			LatencyMs float64 `json:"latency_ms"`
		} `json:"results"`
		Count int `json:"count"`
	}](t, rec)
	if results.Count != 1 || results.Results[0].Peer != testPeer {
		t.Errorf("results = %+v", results)
	}
}

func TestPingTimeout(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/api/v1/ping/ghost?timeout_ms=50", "")
	wantStatus(t, rec, http.StatusGatewayTimeout)
	if e := decode[Error](t, rec); e.Code != ErrCodeTimeout {
		t.Errorf("code = %q, want %q", e.Code, ErrCodeTimeout)
	}
}

func TestPingBadTimeout(t *testing.T) {
	f := newFixture(t, nil)

	for _, q := range []string{"abc", "0", "-5"} {
		rec := f.do(t, http.MethodPost, "/api/v1/ping/"+testPeer+"?timeout_ms="+q, "")
		if rec.Code != http.StatusBadRequest {
			t.Errorf("timeout_ms=%s status = %d, want 400", q, rec.Code)
		}
	}
}

func TestPingDisconnected(t *testing.T) {
	f := newFixture(t, nil)
	f.broker.SetOnline(false)
	waitFor(t, "disconnect", func() bool { return !f.client.IsConnected() })

	rec := f.do(t, http.MethodPost, "/api/v1/ping/"+testPeer, "")
	wantStatus(t, rec, http.StatusServiceUnavailable)
}

func TestPingWithoutPinger(t *testing.T) {
	f := newFixture(t, func(d *Deps) { d.Pinger = nil })

	wantStatus(t, f.do(t, http.MethodPost, "/api/v1/ping/"+testPeer, ""), http.StatusServiceUnavailable)
	wantStatus(t, f.do(t, http.MethodGet, "/api/v1/ping/results", ""), http.StatusServiceUnavailable)
}

type recordedBatch struct {
	peer     string
	received int
}

type batchRecorder struct {
	got chan recordedBatch
}

func (b *batchRecorder) WriteBatchStats(peer string, st correlator.Stats, _ time.Time) {
	b.got <- recordedBatch{peer: peer, received: st.Received}
}

func TestBatch(t *testing.T) {
	rec := &batchRecorder{got: make(chan recordedBatch, 1)}
	f := newFixture(t, func(d *Deps) { d.Batches = rec })

	resp := f.do(t, http.MethodPost, "/api/v1/ping/"+testPeer+"/batch", `{"count":3,"interval_ms":0}`)
	wantStatus(t, resp, http.StatusOK)
	run := decode[runJSON](t, resp)
	if run.ID == "" || run.Peer != testPeer || run.Count != 3 {
		t.Errorf("run = %+v", run)
	}
	if len(run.Samples) != 3 {
		t.Fatalf("samples = %d, want 3", len(run.Samples))
	}
	for i, s := range run.Samples {
		if s.Seq != i || !s.OK || s.LatencyMs == nil {
			t.Errorf("sample %d = %+v", i, s)
		}
	}
	if run.Stats.Sent != 3 || run.Stats.Received != 3 || run.Stats.LossPct != 0 {
		t.Errorf("stats = %+v", run.Stats)
	}

	select {
	case b := <-rec.got:
		if b.peer != testPeer || b.received != 3 {
			t.Errorf("recorded batch = %+v", b)
		}
	default:
		t.Error("batch stats not recorded")
	}

	// The run is in history with its samples.
	list := f.do(t, http.MethodGet, "/api/v1/history?peer="+testPeer, "")
	wantStatus(t, list, http.StatusOK)
	runs := decode[struct {
		Runs  []runJSON `json:"runs"`
		Count int       `json:"count"`
	}](t, list)
	if runs.Count != 1 || runs.Runs[0].ID != run.ID {
		t.Fatalf("history = %+v", runs)
	}

	got := f.do(t, http.MethodGet, "/api/v1/history/"+run.ID, "")
	wantStatus(t, got, http.StatusOK)
	stored := decode[runJSON](t, got)
	if len(stored.Samples) != 3 || stored.Stats.Received != 3 {
		t.Errorf("stored run = %+v", stored)
	}
}

func TestBatchDefaults(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(t, http.MethodPost, "/api/v1/ping/"+testPeer+"/batch", "")
	wantStatus(t, resp, http.StatusOK)
	if run := decode[runJSON](t, resp); run.Count != 3 || len(run.Samples) != 3 {
		t.Errorf("run = %+v, want configured count 3", run)
	}
}

func TestBatchLostSamples(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(t, http.MethodPost, "/api/v1/ping/ghost/batch", `{"count":2,"interval_ms":0,"timeout_ms":50}`)
	wantStatus(t, resp, http.StatusOK)
	if !strings.Contains(resp.Body.String(), `"latency_ms":null`) {
		t.Errorf("lost sample latency not null: %s", resp.Body.String())
	}

	run := decode[runJSON](t, resp)
	if len(run.Samples) != 2 {
		t.Fatalf("samples = %d, want 2", len(run.Samples))
	}
	for _, s := range run.Samples {
		if s.OK || s.LatencyMs != nil || s.Reason != "timeout" {
			t.Errorf("sample = %+v, want lost by timeout", s)
		}
	}
	if run.Stats.Received != 0 || run.Stats.LossPct != 100 {
		t.Errorf("stats = %+v", run.Stats)
	}
}

func TestBatchValidation(t *testing.T) {
	f := newFixture(t, nil)

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{"count":`},
		{"negative count", `{"count":-1}`},
		{"over max count", `{"count":11}`},
		{"negative interval", `{"interval_ms":-1}`},
		{"negative timeout", `{"timeout_ms":-1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wantStatus(t, f.do(t, http.MethodPost, "/api/v1/ping/"+testPeer+"/batch", tt.body), http.StatusBadRequest)
		})
	}
}

func TestHistory(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/api/v1/history", "")
	wantStatus(t, rec, http.StatusOK)
	if !strings.Contains(rec.Body.String(), `"runs":[]`) {
		t.Errorf("empty history body = %s", rec.Body.String())
	}

	wantStatus(t, f.do(t, http.MethodGet, "/api/v1/history?limit=x", ""), http.StatusBadRequest)
	wantStatus(t, f.do(t, http.MethodGet, "/api/v1/history/missing", ""), http.StatusNotFound)
}

func TestHistoryWithoutRepository(t *testing.T) {
	f := newFixture(t, func(d *Deps) { d.History = nil })

	wantStatus(t, f.do(t, http.MethodGet, "/api/v1/history", ""), http.StatusServiceUnavailable)

	// Batches still run without storage.
	wantStatus(t, f.do(t, http.MethodPost, "/api/v1/ping/"+testPeer+"/batch", `{"count":1}`), http.StatusOK)
}

func TestFleet(t *testing.T) {
	f := newFixture(t, nil)

	reporter, err := fleet.NewReporter(newBusClient(t, f.broker), testPeer)
	if err != nil {
		t.Fatalf("NewReporter() error = %v", err)
	}
	ctx := context.Background()
	if err := reporter.Status(ctx, map[string]any{"battery": 87.0}); err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if err := reporter.Log(ctx, "warn", "wheel slip"); err != nil {
		t.Fatalf("Log() error = %v", err)
	}
	waitFor(t, "peer log", func() bool { return len(f.fleet.Logs(testPeer, 0)) == 1 })

	rec := f.do(t, http.MethodGet, "/api/v1/fleet", "")
	wantStatus(t, rec, http.StatusOK)
	list := decode[struct {
		Peers []fleet.PeerStatus `json:"peers"`
		Count int                `json:"count"`
	}](t, rec)
	if list.Count != 1 || list.Peers[0].Peer != testPeer || !list.Peers[0].Online {
		t.Errorf("peers = %+v", list)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/fleet/"+testPeer, "")
	wantStatus(t, rec, http.StatusOK)
	if peer := decode[fleet.PeerStatus](t, rec); peer.State["battery"] != 87.0 {
		t.Errorf("peer state = %v", peer.State)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/fleet/"+testPeer+"/logs", "")
	wantStatus(t, rec, http.StatusOK)
	logs := decode[struct {
		Peer string           `json:"peer"`
		Logs []fleet.LogEntry `json:"logs"`
	}](t, rec)
	if len(logs.Logs) != 1 || logs.Logs[0].Message != "wheel slip" {
		t.Errorf("logs = %+v", logs)
	}

	wantStatus(t, f.do(t, http.MethodGet, "/api/v1/fleet/ghost", ""), http.StatusNotFound)
	wantStatus(t, f.do(t, http.MethodGet, "/api/v1/fleet/ghost/logs", ""), http.StatusNotFound)
	wantStatus(t, f.do(t, http.MethodGet, "/api/v1/fleet/"+testPeer+"/logs?limit=-1", ""), http.StatusBadRequest)
}

func TestMetrics(t *testing.T) {
	f := newFixture(t, nil)
	wantStatus(t, f.do(t, http.MethodPost, "/api/v1/ping/"+testPeer, ""), http.StatusOK)

	rec := f.do(t, http.MethodGet, "/api/v1/metrics", "")
	wantStatus(t, rec, http.StatusOK)
	m := decode[SystemMetrics](t, rec)
	if m.Version != "test" || m.Bus.State != bus.StateConnected.String() {
		t.Errorf("metrics = %+v", m)
	}
	if m.Bus.Subscriptions < 2 {
		t.Errorf("bus subscriptions = %d, want at least 2", m.Bus.Subscriptions)
	}
	if m.Ping == nil || m.Ping.PeersMeasured != 1 {
		t.Errorf("ping metrics = %+v", m.Ping)
	}
	if m.Fleet == nil || m.Database == nil {
		t.Error("fleet or database metrics missing")
	}
}

func TestServerStartClose(t *testing.T) {
	f := newFixture(t, nil)

	if err := f.srv.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() before Start expected error")
	}
	if err := f.srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if f.srv.Addr() == "" {
		t.Fatal("Addr() empty after Start")
	}

	resp, err := http.Get("http://" + f.srv.Addr() + "/api/v1/health")
	if err != nil {
		t.Fatalf("GET /health error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}

	if err := f.srv.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
	if err := f.srv.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestDashboardRoutes(t *testing.T) {
	f := authFixture(t)

	rec := f.do(t, http.MethodGet, "/", "")
	wantStatus(t, rec, http.StatusFound)
	if loc := rec.Header().Get("Location"); loc != "/dashboard/" {
		t.Errorf("Location = %q, want /dashboard/", loc)
	}

	// Static assets are public even with auth enabled.
	rec = f.do(t, http.MethodGet, "/dashboard/", "")
	wantStatus(t, rec, http.StatusOK)
	if !strings.Contains(rec.Body.String(), "Fleet Dashboard") {
		t.Error("GET /dashboard/ did not serve the dashboard page")
	}
	wantStatus(t, f.do(t, http.MethodGet, "/dashboard/app.js", ""), http.StatusOK)
}

func TestRecoveryMiddleware(t *testing.T) {
	f := newFixture(t, nil)
	h := f.srv.recoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	wantStatus(t, rec, http.StatusInternalServerError)
	if e := decode[Error](t, rec); e.Code != ErrCodeInternal {
		t.Errorf("code = %q, want %q", e.Code, ErrCodeInternal)
	}
}
