// Package logging provides structured logging for the fleet dashboard.
//
// This package wraps Go's standard log/slog package so every component
// (bus client, correlator, fleet aggregator, API) logs with the same
// shape and default fields.
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	busLog := logger.Component("bus")
//	busLog.Info("connected", "broker", addr)
//
// Never log broker passwords or bearer tokens.
package logging
