// Package panel serves the fleet dashboard web UI as an embedded asset.
//
// The page is a single HTML document with a script and a stylesheet. It
// lists the fleet, shows the latest ping latency per peer and lets an
// operator ping a peer or run a batch test. Live updates arrive over the
// API's WebSocket endpoint.
//
// Unknown paths fall back to index.html so deep links keep working.
package panel
