// Package config loads the fleet dashboard configuration.
//
// Values are layered: built-in defaults, then the YAML file, then
// FLEETDASH_* environment variables (FLEETDASH_BROKER_HOST,
// FLEETDASH_SECURITY_JWT_SECRET, ...). Validate reports every problem at
// once rather than stopping at the first.
//
// Broker passwords, the InfluxDB token and the JWT secret are best set
// through the environment so the file can stay world-readable.
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    return err
//	}
//	addr, err := bus.NewAddress(cfg.Broker.Host, cfg.Broker.Port)
package config
