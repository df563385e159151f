package bus

import (
	"sync"

	"github.com/nerrad567/fleetdash/internal/infrastructure/config"
)

// Pool shares one Client per distinct broker Address among many consumers.
// Each consumer holds a Lease; the client is closed when the last lease for
// its Address is released.
type Pool struct {
	cfg     config.BusConfig
	factory TransportFactory
	logger  Logger

	mu      sync.Mutex
	entries map[Address]*poolEntry
	closed  bool
}

type poolEntry struct {
	client *Client
	refs   int
}

// Lease is one consumer's claim on a pooled Client.
type Lease struct {
	pool   *Pool
	client *Client
	once   sync.Once
}

// NewPool creates an empty pool. Clients it creates use cfg and factory.
func NewPool(cfg config.BusConfig, factory TransportFactory, logger Logger) *Pool {
	return &Pool{
		cfg:     cfg,
		factory: factory,
		logger:  logger,
		entries: make(map[Address]*poolEntry),
	}
}

// Acquire returns a lease on the client for addr, creating the client on
// first use. The caller still calls Begin on the client; Begin is
// idempotent so every consumer may do so.
func (p *Pool) Acquire(addr Address) (*Lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrClosed
	}

	entry, ok := p.entries[addr]
	if !ok {
		client, err := NewClient(addr, p.cfg, p.factory)
		if err != nil {
			return nil, err
		}
		if p.logger != nil {
			client.SetLogger(p.logger)
		}
		entry = &poolEntry{client: client}
		p.entries[addr] = entry
	}
	entry.refs++

	return &Lease{pool: p, client: entry.client}, nil
}

// Client returns the leased client.
func (l *Lease) Client() *Client {
	return l.client
}

// Release gives the lease back. Releasing twice has no further effect.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.pool.release(l.client)
	})
}

func (p *Pool) release(client *Client) {
	p.mu.Lock()
	entry, ok := p.entries[client.Address()]
	if !ok || entry.client != client {
		p.mu.Unlock()
		return
	}
	entry.refs--
	if entry.refs > 0 {
		p.mu.Unlock()
		return
	}
	delete(p.entries, client.Address())
	p.mu.Unlock()

	_ = client.Close() //nolint:errcheck // Close only reports nil
}

// Len returns the number of live pooled clients.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Close closes every pooled client regardless of outstanding leases.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	entries := p.entries
	p.entries = make(map[Address]*poolEntry)
	p.mu.Unlock()

	for _, entry := range entries {
		_ = entry.client.Close() //nolint:errcheck // Close only reports nil
	}
}
