package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/nerrad567/fleetdash/internal/api"
	"github.com/nerrad567/fleetdash/internal/infrastructure/config"
)

const defaultTokenTTL = 12 * time.Hour

// runToken prints a bearer token signed with the configured secret.
func runToken(args []string, out io.Writer) error {
	var (
		configPath string
		subject    string
		ttl        time.Duration
	)
	fs := pflag.NewFlagSet("fleetdash token", pflag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	fs.StringVarP(&configPath, "config", "c", "", "path to the YAML configuration file")
	fs.StringVar(&subject, "subject", "", "token subject, e.g. the operator's name")
	fs.DurationVar(&ttl, "ttl", defaultTokenTTL, "token lifetime")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if subject == "" {
		return errors.New("--subject is required")
	}
	if ttl <= 0 {
		return errors.New("--ttl must be positive")
	}

	if configPath == "" {
		configPath = getConfigPath()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config %s: %w", configPath, err)
	}
	if cfg.Security.JWT.Secret == "" {
		return errors.New("security.jwt.secret is empty; authentication is disabled")
	}

	token, err := api.SignToken(cfg.Security.JWT.Secret, cfg.Security.JWT.Issuer, subject, ttl)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, token)
	return err
}
