package fleet

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/fleetdash/internal/bus"
	"github.com/nerrad567/fleetdash/internal/infrastructure/config"
)

// Bus is the subset of *bus.Client the aggregator needs.
type Bus interface {
	Subscribe(topic string, handler bus.Handler) (*bus.Subscription, error)
}

// PeerStatus is the latest known state of one peer.
type PeerStatus struct {
	Peer     string         `json:"peer"`
	State    map[string]any `json:"state"`
	LastSeen time.Time      `json:"last_seen"`
	Online   bool           `json:"online"`
}

// LogEntry is one log line reported by a peer.
type LogEntry struct {
	Peer      string    `json:"peer"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Aggregator fans status and log messages from every peer into one view.
//
// It registers two handlers on the shared status filter, one for status and
// one for logs, each ignoring the other's kind. Both run on the bus
// dispatcher, so observers registered with OnStatus and OnLog must not block.
type Aggregator struct {
	bus   Bus
	cfg   config.FleetConfig
	clock func() time.Time

	mu    sync.RWMutex
	peers map[string]*peerRecord

	obsMu       sync.RWMutex
	statusObs   []func(PeerStatus)
	logObs      []func(LogEntry)
	subs        []*bus.Subscription
	subsStarted bool
}

type peerRecord struct {
	status PeerStatus
	logs   *logRing
}

// NewAggregator creates an aggregator for the peers matching
// cfg.StatusTopic. Call Start to begin receiving.
func NewAggregator(b Bus, cfg config.FleetConfig) (*Aggregator, error) {
	if b == nil {
		return nil, errors.New("fleet: bus is required")
	}
	if err := bus.ValidateFilter(cfg.StatusTopic); err != nil {
		return nil, fmt.Errorf("fleet: status topic: %w", err)
	}
	if cfg.LogCapacity < 1 {
		cfg.LogCapacity = 1
	}
	return &Aggregator{
		bus:   b,
		cfg:   cfg,
		clock: time.Now,
		peers: make(map[string]*peerRecord),
	}, nil
}

// Start subscribes the status and log handlers. Calling it again is a no-op.
func (a *Aggregator) Start() error {
	a.obsMu.Lock()
	defer a.obsMu.Unlock()
	if a.subsStarted {
		return nil
	}

	statusSub, err := a.bus.Subscribe(a.cfg.StatusTopic, bus.HandlerFunc(a.handleStatus))
	if err != nil {
		return fmt.Errorf("fleet: subscribe status: %w", err)
	}
	logSub, err := a.bus.Subscribe(a.cfg.StatusTopic, bus.HandlerFunc(a.handleLog))
	if err != nil {
		return errors.Join(fmt.Errorf("fleet: subscribe log: %w", err), statusSub.Cancel())
	}
	a.subs = []*bus.Subscription{statusSub, logSub}
	a.subsStarted = true
	return nil
}

// Stop removes both handlers.
func (a *Aggregator) Stop() error {
	a.obsMu.Lock()
	subs := a.subs
	a.subs = nil
	a.subsStarted = false
	a.obsMu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.Cancel(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// OnStatus registers fn for every status update.
func (a *Aggregator) OnStatus(fn func(PeerStatus)) {
	a.obsMu.Lock()
	a.statusObs = append(a.statusObs, fn)
	a.obsMu.Unlock()
}

// OnLog registers fn for every log entry.
func (a *Aggregator) OnLog(fn func(LogEntry)) {
	a.obsMu.Lock()
	a.logObs = append(a.logObs, fn)
	a.obsMu.Unlock()
}

func (a *Aggregator) handleStatus(frame bus.Frame) error {
	env, err := DecodeEnvelope(frame.Topic, frame.Payload)
	if err != nil {
		return err
	}
	if env.Kind != KindStatus {
		return nil
	}

	now := a.clock()
	a.mu.Lock()
	rec := a.recordLocked(env.Peer)
	if rec.status.State == nil {
		rec.status.State = make(map[string]any)
	}
	maps.Copy(rec.status.State, env.State)
	rec.status.LastSeen = now
	snapshot := a.snapshotLocked(rec, now)
	a.mu.Unlock()

	a.obsMu.RLock()
	observers := slices.Clone(a.statusObs)
	a.obsMu.RUnlock()
	for _, fn := range observers {
		fn(snapshot)
	}
	return nil
}

func (a *Aggregator) handleLog(frame bus.Frame) error {
	env, err := DecodeEnvelope(frame.Topic, frame.Payload)
	if err != nil {
		// Already reported by the status handler for the same frame.
		return nil
	}
	if env.Kind != KindLog {
		return nil
	}

	entry := LogEntry{
		Peer:      env.Peer,
		Level:     normalizeLevel(env.Level),
		Message:   env.Message,
		Timestamp: env.Timestamp,
	}
	now := a.clock()
	if entry.Timestamp.IsZero() {
		entry.Timestamp = now
	}

	a.mu.Lock()
	rec := a.recordLocked(env.Peer)
	rec.logs.push(entry)
	rec.status.LastSeen = now
	a.mu.Unlock()

	a.obsMu.RLock()
	observers := slices.Clone(a.logObs)
	a.obsMu.RUnlock()
	for _, fn := range observers {
		fn(entry)
	}
	return nil
}

// recordLocked returns the record for peer, creating it. a.mu must be held.
func (a *Aggregator) recordLocked(peer string) *peerRecord {
	rec, ok := a.peers[peer]
	if !ok {
		rec = &peerRecord{
			status: PeerStatus{Peer: peer},
			logs:   newLogRing(a.cfg.LogCapacity),
		}
		a.peers[peer] = rec
	}
	return rec
}

func (a *Aggregator) snapshotLocked(rec *peerRecord, now time.Time) PeerStatus {
	s := rec.status
	s.State = maps.Clone(rec.status.State)
	s.Online = !s.LastSeen.IsZero() && (a.cfg.StaleAfter <= 0 || now.Sub(s.LastSeen) <= a.cfg.StaleAfter)
	return s
}

// Peers returns every known peer sorted by name, with Online computed
// against the stale threshold.
func (a *Aggregator) Peers() []PeerStatus {
	now := a.clock()
	a.mu.RLock()
	out := make([]PeerStatus, 0, len(a.peers))
	for _, rec := range a.peers {
		out = append(out, a.snapshotLocked(rec, now))
	}
	a.mu.RUnlock()

	slices.SortFunc(out, func(x, y PeerStatus) int {
		return strings.Compare(x.Peer, y.Peer)
	})
	return out
}

// Peer returns the status of one peer.
func (a *Aggregator) Peer(name string) (PeerStatus, bool) {
	now := a.clock()
	a.mu.RLock()
	defer a.mu.RUnlock()
	rec, ok := a.peers[name]
	if !ok {
		return PeerStatus{}, false
	}
	return a.snapshotLocked(rec, now), true
}

// Logs returns up to limit of the peer's most recent log entries, oldest
// first. A non-positive limit returns everything retained.
func (a *Aggregator) Logs(peer string, limit int) []LogEntry {
	a.mu.RLock()
	defer a.mu.RUnlock()
	rec, ok := a.peers[peer]
	if !ok {
		return nil
	}
	entries := rec.logs.entries()
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries
}

func normalizeLevel(level string) string {
	switch strings.ToLower(level) {
	case LevelDebug:
		return LevelDebug
	case LevelWarn, "warning":
		return LevelWarn
	case LevelError:
		return LevelError
	default:
		return LevelInfo
	}
}

// logRing keeps the most recent entries up to a fixed capacity.
type logRing struct {
	buf   []LogEntry
	start int
	size  int
}

func newLogRing(capacity int) *logRing {
	return &logRing{buf: make([]LogEntry, capacity)}
}

func (r *logRing) push(e LogEntry) {
	idx := (r.start + r.size) % len(r.buf)
	r.buf[idx] = e
	if r.size < len(r.buf) {
		r.size++
		return
	}
	r.start = (r.start + 1) % len(r.buf)
}

func (r *logRing) entries() []LogEntry {
	out := make([]LogEntry, r.size)
	for i := range r.size {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}
