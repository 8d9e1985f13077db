// Package database provides SQLite connectivity for gatekeeper's credential store.
//
// It manages:
//   - Connection setup with WAL mode, busy timeout and foreign keys
//   - Embedded, versioned schema migrations with rollback
//   - Health checks for the readiness endpoint
//
// All queries elsewhere in the codebase use parameterised statements. The
// database file is restricted to 0600 because it holds password hashes and
// hashed credentials.
//
// Usage:
//
//	db, err := database.Open(ctx, database.Config{Path: cfg.Database.Path, WALMode: true})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
//
// Migration files are named YYYYMMDD_HHMMSS_description.up.sql with an
// optional matching .down.sql.
package database
