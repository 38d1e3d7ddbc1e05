// Package migrations embeds the SQL migration files into the binary so the
// bridge can migrate its database without the files on disk.
package migrations

import "embed"

// FS holds every *.sql file in this directory at its root, ready for
// database.DB.Migrate.
//
//go:embed *.sql
var FS embed.FS
