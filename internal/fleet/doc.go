// Package fleet aggregates status and log messages from fleet peers.
//
// Each peer publishes JSON envelopes on fleet/{peer}/status. A "status"
// envelope carries a partial state map that is merged into the peer's known
// state; a "log" envelope carries one log line. The Aggregator keeps the
// merged state, last-seen time and a bounded log history per peer, and
// notifies observers such as the websocket hub.
package fleet
