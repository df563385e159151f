// Fleet Dashboard
//
// This is the main entry point for the fleet dashboard server. It connects
// to the fleet's message bus, measures peer latency, aggregates peer status
// and logs, and serves the dashboard API and WebSocket feed.
//
// Usage:
//
//	fleetdash [--config path] [--dev] [--dev-peers robot-1,robot-2]
//	fleetdash token --subject operator [--ttl 12h]
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/nerrad567/fleetdash/internal/agent"
	"github.com/nerrad567/fleetdash/internal/api"
	"github.com/nerrad567/fleetdash/internal/audit"
	"github.com/nerrad567/fleetdash/internal/bus"
	"github.com/nerrad567/fleetdash/internal/correlator"
	"github.com/nerrad567/fleetdash/internal/fleet"
	"github.com/nerrad567/fleetdash/internal/history"
	"github.com/nerrad567/fleetdash/internal/infrastructure/config"
	"github.com/nerrad567/fleetdash/internal/infrastructure/database"
	"github.com/nerrad567/fleetdash/internal/infrastructure/influxdb"
	"github.com/nerrad567/fleetdash/internal/infrastructure/logging"
	"github.com/nerrad567/fleetdash/internal/ping"
	"github.com/nerrad567/fleetdash/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

const (
	// defaultConfigPath is used when neither --config nor FLEETDASH_CONFIG is set.
	defaultConfigPath = "configs/config.yaml"

	// connectWait bounds how long startup waits for the first broker
	// connection before continuing in the background.
	connectWait = 10 * time.Second

	// devStatusInterval is the status period of simulated peers.
	devStatusInterval = 2 * time.Second
)

func main() {
	// Cancel on Ctrl+C and SIGTERM for graceful shutdown.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var err error
	switch {
	case len(os.Args) > 1 && os.Args[1] == "token":
		err = runToken(os.Args[2:], os.Stdout)
	case len(os.Args) > 1 && os.Args[1] == "migrate":
		err = runMigrate(ctx, os.Args[2:], os.Stdout)
	default:
		err = run(ctx, os.Args[1:])
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// options are the server's command-line flags.
type options struct {
	configPath string
	dev        bool
	devPeers   []string
}

// parseFlags parses the server flags. pflag.ErrHelp is returned after the
// usage has been printed to out.
func parseFlags(args []string, out io.Writer) (options, error) {
	var opts options
	fs := pflag.NewFlagSet("fleetdash", pflag.ContinueOnError)
	fs.SetOutput(out)
	fs.StringVarP(&opts.configPath, "config", "c", "", "path to the YAML configuration file (default $FLEETDASH_CONFIG or "+defaultConfigPath+")")
	fs.BoolVar(&opts.dev, "dev", false, "use an in-process broker with simulated peers instead of the configured broker")
	fs.StringSliceVar(&opts.devPeers, "dev-peers", []string{"robot-1", "robot-2", "robot-3"}, "simulated peers in --dev mode")

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if fs.NArg() > 0 {
		return options{}, fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}
	return opts, nil
}

// run is the actual application logic, separated from main for testability.
// It returns nil on clean shutdown.
func run(ctx context.Context, args []string) error {
	opts, err := parseFlags(args, os.Stderr)
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}

	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting fleet dashboard",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
		"dev", opts.dev,
	)

	// Open database
	db, err := database.Open(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	if migrateErr := db.Migrate(ctx, migrations.FS); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database ready", "path", cfg.Database.Path)

	// Bus connection, shared through the pool with anything else that
	// talks to the same broker.
	factory := bus.NewMQTTTransportFactory(cfg.Broker)
	var broker *bus.MemoryBroker
	if opts.dev {
		broker = bus.NewMemoryBroker()
		factory = broker.Factory()
	}

	addr, err := bus.NewAddress(cfg.Broker.Host, cfg.Broker.Port)
	if err != nil {
		return fmt.Errorf("broker address: %w", err)
	}
	pool := bus.NewPool(cfg.Bus, factory, log.Component("bus"))
	defer pool.Close()

	lease, err := pool.Acquire(addr)
	if err != nil {
		return fmt.Errorf("creating bus client: %w", err)
	}
	defer lease.Release()
	client := lease.Client()
	client.OnStateChange(func(s bus.State) {
		log.Info("bus state changed", "broker", addr.String(), "state", s.String())
	})

	connectCtx, cancelConnect := context.WithTimeout(ctx, connectWait)
	if beginErr := client.Begin(connectCtx); beginErr != nil {
		// The client keeps retrying; the dashboard serves a degraded view meanwhile.
		log.Warn("bus not connected yet, continuing", "broker", addr.String(), "error", beginErr)
	}
	cancelConnect()

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(ctx, cfg.InfluxDB, cfg.Site.ID)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	} else {
		log.Info("InfluxDB disabled")
	}

	hub := api.NewHub(cfg.WebSocket, log.Component("websocket"), client)
	go hub.Run(ctx)

	sinks := []correlator.ResultSink{hub}
	if influxClient != nil {
		sinks = append(sinks, influxClient)
	}
	pinger, err := correlator.New(client, correlator.Options{
		RequestTopic: cfg.Ping.RequestTopic,
		ReplyTopic:   cfg.Ping.ReplyTopic,
		Codec:        ping.Codec{},
		Timeout:      cfg.Ping.Timeout,
		Sinks:        sinks,
		Logger:       log.Component("correlator"),
	})
	if err != nil {
		return fmt.Errorf("creating latency probe: %w", err)
	}
	if startErr := pinger.Start(); startErr != nil {
		return fmt.Errorf("starting latency probe: %w", startErr)
	}
	defer pinger.Stop() //nolint:errcheck // Shutdown path

	aggregator, err := fleet.NewAggregator(client, cfg.Fleet)
	if err != nil {
		return fmt.Errorf("creating fleet view: %w", err)
	}
	if startErr := aggregator.Start(); startErr != nil {
		return fmt.Errorf("starting fleet view: %w", startErr)
	}
	defer aggregator.Stop() //nolint:errcheck // Shutdown path

	if opts.dev {
		if devErr := startDevAgents(ctx, broker, addr, cfg, opts.devPeers, log); devErr != nil {
			return devErr
		}
	}

	deps := api.Deps{
		Config:   cfg.API,
		WS:       cfg.WebSocket,
		Security: cfg.Security,
		Ping:     cfg.Ping,
		Logger:   log.Component("api"),
		Bus:      client,
		Pinger:   pinger,
		Fleet:    aggregator,
		History:  history.NewSQLiteRepository(db.DB),
		Audit:    audit.NewSQLiteRepository(db.DB),
		DB:       db,
		Hub:      hub,
		Version:  version,
	}
	if influxClient != nil {
		deps.Batches = influxClient
	}
	if cfg.Security.JWT.Secret == "" {
		log.Warn("API authentication disabled: security.jwt.secret is empty")
	}

	server, err := api.New(deps)
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if startErr := server.Start(ctx); startErr != nil {
		return fmt.Errorf("starting API server: %w", startErr)
	}
	defer func() {
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	if err := healthCheck(ctx, db, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("initialisation complete, waiting for shutdown signal", "address", server.Addr())

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")
	// Deferred calls run in reverse order: API server, fleet view, latency
	// probe, InfluxDB, bus, database.
	return nil
}

// loadConfig reads the configuration file. In --dev mode a missing file
// falls back to defaults.
func loadConfig(opts options) (*config.Config, error) {
	path := opts.configPath
	if path == "" {
		path = getConfigPath()
	}

	if opts.dev && opts.configPath == "" {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			cfg, err := config.LoadDefault()
			if err != nil {
				return nil, fmt.Errorf("loading default config: %w", err)
			}
			return cfg, nil
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config %s: %w", path, err)
	}
	return cfg, nil
}

// getConfigPath returns the configuration file path.
// Uses FLEETDASH_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("FLEETDASH_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies the infrastructure the dashboard cannot run
// without. The bus is excluded: it reconnects on its own.
func healthCheck(ctx context.Context, db *database.DB, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	return nil
}

// startDevAgents runs one simulated peer per name, each on its own
// connection to the in-process broker. They stop with ctx.
func startDevAgents(ctx context.Context, broker *bus.MemoryBroker, addr bus.Address, cfg *config.Config, peers []string, log *logging.Logger) error {
	for _, peer := range peers {
		client, err := bus.NewClient(addr, cfg.Bus, broker.Factory())
		if err != nil {
			return fmt.Errorf("creating dev peer %s: %w", peer, err)
		}
		if err := client.Begin(ctx); err != nil {
			client.Close() //nolint:errcheck // Error path
			return fmt.Errorf("connecting dev peer %s: %w", peer, err)
		}

		a, err := agent.New(client, agent.Config{
			Peer:           peer,
			RequestTopic:   cfg.Ping.RequestTopic,
			ReplyTopic:     cfg.Ping.ReplyTopic,
			StatusInterval: devStatusInterval,
		}, log.Component("agent").With("peer", peer))
		if err != nil {
			client.Close() //nolint:errcheck // Error path
			return fmt.Errorf("creating dev peer %s: %w", peer, err)
		}

		go func() {
			defer client.Close() //nolint:errcheck // Shutdown path
			if err := a.Run(ctx); err != nil {
				log.Error("dev peer stopped", "peer", a.Peer(), "error", err)
			}
		}()
		log.Info("dev peer started", "peer", peer)
	}
	return nil
}
