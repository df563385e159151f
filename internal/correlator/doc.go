// Package correlator layers request/reply exchanges on the bus.
//
// A request is published on a shared request topic carrying a correlation
// token; every peer answers on one shared reply topic, echoing the token.
// The correlator keeps at most one pending exchange per key (usually the
// peer name) and accepts a reply only when both the key and the token match
// that exchange. Late replies after a timeout or supersession are dropped.
//
// Outcomes are distinguishable with errors.Is: ErrTimeout, ErrSuperseded
// (benign, see IsBenign), ErrStopped, and ErrNotConnected from the bus.
// Nothing is retried automatically.
//
// RunBatch builds latency series for a peer from sequential exchanges and
// Summarize reduces them to loss and jitter figures.
package correlator
