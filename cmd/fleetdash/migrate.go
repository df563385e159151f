package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/nerrad567/fleetdash/internal/infrastructure/config"
	"github.com/nerrad567/fleetdash/internal/infrastructure/database"
	"github.com/nerrad567/fleetdash/migrations"
)

// runMigrate inspects or changes the schema of the configured database.
//
//	fleetdash migrate status
//	fleetdash migrate up
//	fleetdash migrate down [--steps N]
func runMigrate(ctx context.Context, args []string, out io.Writer) error {
	var (
		configPath string
		steps      int
	)
	fs := pflag.NewFlagSet("fleetdash migrate", pflag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	fs.StringVarP(&configPath, "config", "c", "", "path to the YAML configuration file")
	fs.IntVar(&steps, "steps", 1, "number of migrations to roll back with down")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: fleetdash migrate status|up|down")
	}
	action := fs.Arg(0)
	if action != "status" && action != "up" && action != "down" {
		return fmt.Errorf("unknown migrate action %q", action)
	}
	if steps < 1 {
		return errors.New("--steps must be at least 1")
	}

	if configPath == "" {
		configPath = getConfigPath()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config %s: %w", configPath, err)
	}

	db, err := database.Open(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	switch action {
	case "up":
		if err := db.Migrate(ctx, migrations.FS); err != nil {
			return fmt.Errorf("applying migrations: %w", err)
		}
	case "down":
		for range steps {
			if err := db.MigrateDown(ctx, migrations.FS); err != nil {
				return fmt.Errorf("rolling back migration: %w", err)
			}
		}
	}
	return printMigrationStatus(ctx, db, out)
}

func printMigrationStatus(ctx context.Context, db *database.DB, out io.Writer) error {
	applied, pending, err := db.MigrationStatus(ctx, migrations.FS)
	if err != nil {
		return fmt.Errorf("reading migration status: %w", err)
	}
	for _, r := range applied {
		if _, err := fmt.Fprintf(out, "applied  %s  %s\n", r.Version, r.AppliedAt.UTC().Format(time.RFC3339)); err != nil {
			return err
		}
	}
	for _, m := range pending {
		if _, err := fmt.Fprintf(out, "pending  %s  %s\n", m.Version, m.Name); err != nil {
			return err
		}
	}
	return nil
}
