// Package database provides SQLite connectivity and schema migrations for
// the AVR bridge.
//
// The database holds input visibility preferences and the device state
// history. It is opened with WAL journalling and a single connection, and
// its schema is versioned by additive migration files embedded in the
// binary by the top-level migrations package.
//
// Usage:
//
//	db, err := database.Open(cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
//
// All queries use parameterised statements and the database file is
// created with mode 0600.
package database
