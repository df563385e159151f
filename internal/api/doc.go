// Package api implements the dashboard's HTTP REST API and WebSocket server.
//
// This package provides:
//   - Bus status and raw publish endpoints for control commands
//   - Single and batch latency tests, with batch history
//   - The fleet view: per-peer status and recent logs
//   - WebSocket hub relaying fleet updates, ping results and raw bus frames
//   - HS256 bearer token verification with ticket-based WebSocket auth
//   - Middleware stack (request ID, logging, recovery, CORS, body limit)
//
// # Lifecycle
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// # Security
//
// Tokens are issued elsewhere and verified against security.jwt.secret. An
// empty secret disables authentication for local development. WebSocket
// connections use single-use tickets to keep tokens out of URLs.
//
// # Graceful Degradation
//
// The server keeps serving while the bus is disconnected: reads and
// WebSocket connections work, publish and ping answer 503.
package api
