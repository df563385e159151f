package bus

import (
	"context"
	"errors"
	"testing"
)

func TestPoolSharesClientPerAddress(t *testing.T) {
	broker := NewMemoryBroker()
	pool := NewPool(testBusConfig(), broker.Factory(), nil)
	defer pool.Close()

	a1, err := pool.Acquire(Address{Host: "broker-a", Port: 1883})
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	a2, _ := pool.Acquire(Address{Host: "broker-a", Port: 1883})
	b1, _ := pool.Acquire(Address{Host: "broker-b", Port: 1883})

	if a1.Client() != a2.Client() {
		t.Error("same address produced different clients")
	}
	if a1.Client() == b1.Client() {
		t.Error("different addresses share a client")
	}
	if got := pool.Len(); got != 2 {
		t.Errorf("Len() = %d, want 2", got)
	}

	// Begin from both consumers opens a single connection.
	if err := a1.Client().Begin(context.Background()); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if err := a2.Client().Begin(context.Background()); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if got := broker.Connections(); got != 1 {
		t.Errorf("broker connections = %d, want 1", got)
	}
}

func TestPoolReleaseClosesLastLease(t *testing.T) {
	broker := NewMemoryBroker()
	pool := NewPool(testBusConfig(), broker.Factory(), nil)
	defer pool.Close()

	addr := Address{Host: "broker", Port: 1883}
	first, _ := pool.Acquire(addr)
	second, _ := pool.Acquire(addr)
	client := first.Client()
	if err := client.Begin(context.Background()); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}

	first.Release()
	first.Release() // idempotent
	if !client.IsConnected() {
		t.Fatal("client closed while a lease is outstanding")
	}
	if got := pool.Len(); got != 1 {
		t.Errorf("Len() = %d, want 1", got)
	}

	second.Release()
	if client.IsConnected() {
		t.Error("client still connected after last release")
	}
	if err := client.Begin(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Begin() on released client error = %v, want ErrClosed", err)
	}
	if got := pool.Len(); got != 0 {
		t.Errorf("Len() = %d, want 0", got)
	}

	// A fresh acquire builds a new client.
	third, _ := pool.Acquire(addr)
	defer third.Release()
	if third.Client() == client {
		t.Error("Acquire() returned the closed client")
	}
}

func TestPoolClose(t *testing.T) {
	broker := NewMemoryBroker()
	pool := NewPool(testBusConfig(), broker.Factory(), nil)

	lease, _ := pool.Acquire(Address{Host: "broker", Port: 1883})
	if err := lease.Client().Begin(context.Background()); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}

	pool.Close()
	if lease.Client().IsConnected() {
		t.Error("client connected after pool Close")
	}
	if _, err := pool.Acquire(Address{Host: "broker", Port: 1883}); !errors.Is(err, ErrClosed) {
		t.Errorf("Acquire() after Close error = %v, want ErrClosed", err)
	}

	// Releasing a lease after Close is harmless.
	lease.Release()
}
