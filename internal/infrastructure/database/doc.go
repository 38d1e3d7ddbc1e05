// Package database provides SQLite connectivity for the bridge.
//
// The database holds device records (so devices survive restarts with their
// last known address, mode and MQTT name) and the per-unit state history.
// Runtime state itself lives in memory.
//
// Migrations are plain .up.sql / .down.sql files passed in as an fs.FS, so
// the binary embeds them and tests can use fstest.MapFS:
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
// All queries use parameterised statements and the database file is
// created with 0600 permissions.
package database
