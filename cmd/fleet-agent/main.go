// Fleet Agent
//
// fleet-agent simulates one or more fleet peers on a real broker. Each peer
// answers the dashboard's latency probes and reports status and log lines,
// which is enough to exercise the dashboard without robots.
//
// Usage:
//
//	fleet-agent --peer robot-1 --peer robot-2 [--config path] [--interval 2s]
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/nerrad567/fleetdash/internal/agent"
	"github.com/nerrad567/fleetdash/internal/bus"
	"github.com/nerrad567/fleetdash/internal/infrastructure/config"
	"github.com/nerrad567/fleetdash/internal/infrastructure/logging"
)

var version = "dev"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], bus.NewMQTTTransportFactory); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath string
	peers      []string
	interval   time.Duration
}

func parseFlags(args []string, out io.Writer) (options, error) {
	var opts options
	fs := pflag.NewFlagSet("fleet-agent", pflag.ContinueOnError)
	fs.SetOutput(out)
	fs.StringVarP(&opts.configPath, "config", "c", "", "path to the YAML configuration file (defaults are used when empty)")
	fs.StringSliceVarP(&opts.peers, "peer", "p", nil, "peer name to simulate (repeatable)")
	fs.DurationVar(&opts.interval, "interval", 2*time.Second, "status report interval")

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if len(opts.peers) == 0 {
		return options{}, errors.New("at least one --peer is required")
	}
	if opts.interval <= 0 {
		return options{}, errors.New("--interval must be positive")
	}
	return opts, nil
}

// run simulates the requested peers until ctx is done. newFactory builds
// the broker transport from the broker configuration.
func run(ctx context.Context, args []string, newFactory func(config.BrokerConfig) bus.TransportFactory) error {
	opts, err := parseFlags(args, os.Stderr)
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}

	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	log := logging.New(cfg.Logging, version).Component("agent")

	addr, err := bus.NewAddress(cfg.Broker.Host, cfg.Broker.Port)
	if err != nil {
		return fmt.Errorf("broker address: %w", err)
	}
	factory := newFactory(cfg.Broker)

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer wg.Wait()
	defer cancel()

	for _, peer := range opts.peers {
		peerLog := log.With("peer", peer)

		client, err := bus.NewClient(addr, cfg.Bus, factory)
		if err != nil {
			return fmt.Errorf("creating bus client for %s: %w", peer, err)
		}
		client.SetLogger(peerLog)
		client.OnStateChange(func(s bus.State) {
			peerLog.Info("bus state changed", "state", s.String())
		})
		if beginErr := client.Begin(ctx); beginErr != nil {
			// Reconnection continues in the background.
			peerLog.Warn("broker not reachable yet", "broker", addr.String(), "error", beginErr)
		}

		a, err := agent.New(client, agent.Config{
			Peer:           peer,
			RequestTopic:   cfg.Ping.RequestTopic,
			ReplyTopic:     cfg.Ping.ReplyTopic,
			StatusInterval: opts.interval,
		}, peerLog)
		if err != nil {
			client.Close() //nolint:errcheck // Error path
			return fmt.Errorf("creating agent %s: %w", peer, err)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer client.Close() //nolint:errcheck // Shutdown path
			if err := a.Run(ctx); err != nil {
				peerLog.Error("agent stopped", "error", err)
			}
		}()
		peerLog.Info("agent started", "broker", addr.String())
	}

	<-ctx.Done()
	log.Info("shutting down", "peers", len(opts.peers))
	return nil
}

// loadConfig reads path, or returns defaults with environment overrides
// when path is empty.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = os.Getenv("FLEETDASH_CONFIG")
	}
	if path == "" {
		cfg, err := config.LoadDefault()
		if err != nil {
			return nil, fmt.Errorf("loading default config: %w", err)
		}
		return cfg, nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config %s: %w", path, err)
	}
	return cfg, nil
}
