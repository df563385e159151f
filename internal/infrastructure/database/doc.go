// Package database provides SQLite connectivity for the dashboard.
//
// This package manages:
//   - Connection setup with WAL mode and busy timeout
//   - Schema migrations read from an fs.FS (see the migrations package)
//   - Transaction helpers and health checks
//
// Usage:
//
//	db, err := database.Open(ctx, cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
//
// Migrations are additive: new columns must be nullable or carry a default,
// and every .up.sql has a matching .down.sql.
package database
