package ping

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/nerrad567/fleetdash/internal/bus"
	"github.com/nerrad567/fleetdash/internal/correlator"
	"github.com/nerrad567/fleetdash/internal/infrastructure/config"
)

func TestPingWireFormat(t *testing.T) {
	in := Ping{Target: "pi-1", Token: "abc-1", SentUnixMs: 1700000000123, Body: []byte{0x01, 0x02}}
	out, err := UnmarshalPing(in.Marshal())
	if err != nil {
		t.Fatalf("UnmarshalPing() error = %v", err)
	}
	if out.Target != in.Target || out.Token != in.Token || out.SentUnixMs != in.SentUnixMs || !bytes.Equal(out.Body, in.Body) {
		t.Errorf("UnmarshalPing() = %+v, want %+v", out, in)
	}
}

func TestPongSkipsUnknownFields(t *testing.T) {
	b := Pong{Peer: "pi-1", Token: "abc-1"}.Marshal()
	// A field from a newer schema revision.
	b = protowire.AppendTag(b, 42, protowire.BytesType)
	b = protowire.AppendString(b, "firmware 2.1")
	b = protowire.AppendTag(b, 43, protowire.VarintType)
	b = protowire.AppendVarint(b, 7)

	p, err := UnmarshalPong(b)
	if err != nil {
		t.Fatalf("UnmarshalPong() error = %v", err)
	}
	if p.Peer != "pi-1" || p.Token != "abc-1" {
		t.Errorf("UnmarshalPong() = %+v", p)
	}
}

func TestUnmarshalMalformed(t *testing.T) {
	valid := Pong{Peer: "pi-1", Token: "abc-1", RepliedUnixMs: 5}.Marshal()

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"truncated", valid[:len(valid)-3]},
		{"bad tag", []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}},
		{"missing token", Pong{Peer: "pi-1"}.Marshal()},
		{"plain text", []byte("pi-1|abc")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := UnmarshalPong(tt.data); !errors.Is(err, ErrMalformed) {
				t.Errorf("UnmarshalPong() error = %v, want ErrMalformed", err)
			}
		})
	}

	if _, err := UnmarshalPing(Ping{Target: "pi-1"}.Marshal()); !errors.Is(err, ErrMalformed) {
		t.Errorf("UnmarshalPing(no token) error = %v, want ErrMalformed", err)
	}
}

func TestCodec(t *testing.T) {
	sentAt := time.UnixMilli(1700000000000)
	payload, err := Codec{}.EncodeRequest(correlator.Request{Key: "pi-1", Token: "t-1", SentAt: sentAt})
	if err != nil {
		t.Fatalf("EncodeRequest() error = %v", err)
	}
	p, err := UnmarshalPing(payload)
	if err != nil {
		t.Fatalf("UnmarshalPing() error = %v", err)
	}
	if p.Target != "pi-1" || p.Token != "t-1" || p.SentUnixMs != sentAt.UnixMilli() {
		t.Errorf("encoded ping = %+v", p)
	}

	reply, err := Codec{}.DecodeReply(Pong{Peer: "pi-1", Token: "t-1"}.Marshal())
	if err != nil {
		t.Fatalf("DecodeReply() error = %v", err)
	}
	if reply.Key != "pi-1" || reply.Token != "t-1" {
		t.Errorf("DecodeReply() = %+v", reply)
	}
}

func newClient(t *testing.T, broker *bus.MemoryBroker) *bus.Client {
	t.Helper()
	client, err := bus.NewClient(bus.Address{Host: "broker.test", Port: 1883}, config.BusConfig{
		InboxSize:        16,
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

func TestResponderWithCorrelator(t *testing.T) {
	broker := bus.NewMemoryBroker()
	topics := bus.Topics{}

	for _, peer := range []string{"pi-1", "pi-2"} {
		r, err := NewResponder(newClient(t, broker), peer, topics.Ping(), topics.Pong(), nil)
		if err != nil {
			t.Fatalf("NewResponder() error = %v", err)
		}
		if err := r.Start(); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		t.Cleanup(func() { r.Stop() })
	}

	c, err := correlator.New(newClient(t, broker), correlator.Options{
		RequestTopic: topics.Ping(),
		ReplyTopic:   topics.Pong(),
		Codec:        Codec{},
	})
	if err != nil {
		t.Fatalf("correlator.New() error = %v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("correlator Start() error = %v", err)
	}
	defer c.Stop()

	for _, peer := range []string{"pi-1", "pi-2"} {
		latency, err := c.SendAwaitable(context.Background(), peer, []byte("probe"), time.Second)
		if err != nil {
			t.Fatalf("SendAwaitable(%s) error = %v", peer, err)
		}
		if latency < 0 {
			t.Errorf("latency = %v", latency)
		}
	}

	// Nobody answers for an unknown peer.
	if _, err := c.SendAwaitable(context.Background(), "pi-9", nil, 100*time.Millisecond); !errors.Is(err, correlator.ErrTimeout) {
		t.Errorf("SendAwaitable(pi-9) error = %v, want ErrTimeout", err)
	}
}

func TestResponderIgnoresOtherTargets(t *testing.T) {
	broker := bus.NewMemoryBroker()
	peerClient := newClient(t, broker)
	watcher := newClient(t, broker)

	r, err := NewResponder(peerClient, "pi-1", "fleet/ping", "fleet/pong", nil)
	if err != nil {
		t.Fatalf("NewResponder() error = %v", err)
	}
	if err := r.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	pongs := make(chan Pong, 4)
	watcher.Subscribe("fleet/pong", bus.HandlerFunc(func(f bus.Frame) error {
		p, err := UnmarshalPong(f.Payload)
		if err != nil {
			return err
		}
		pongs <- p
		return nil
	}))

	broker.Inject("fleet/ping", Ping{Target: "pi-2", Token: "x"}.Marshal())
	broker.Inject("fleet/ping", []byte("garbage"))
	broker.Inject("fleet/ping", Ping{Token: "broadcast", SentUnixMs: 42}.Marshal())

	select {
	case p := <-pongs:
		if p.Token != "broadcast" || p.Peer != "pi-1" || p.PingSentUnixMs != 42 {
			t.Errorf("pong = %+v", p)
		}
	case <-time.After(time.Second):
		t.Fatal("no pong for broadcast ping")
	}
	select {
	case p := <-pongs:
		t.Errorf("unexpected pong %+v", p)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNewResponderValidation(t *testing.T) {
	broker := bus.NewMemoryBroker()
	client := newClient(t, broker)

	if _, err := NewResponder(nil, "pi-1", "fleet/ping", "fleet/pong", nil); err == nil {
		t.Error("expected error for nil bus")
	}
	if _, err := NewResponder(client, "", "fleet/ping", "fleet/pong", nil); err == nil {
		t.Error("expected error for empty peer")
	}
	if _, err := NewResponder(client, "pi-1", "fleet/ping", "fleet/+", nil); err == nil {
		t.Error("expected error for wildcard reply topic")
	}
}
