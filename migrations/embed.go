// Package migrations embeds the SQL schema applied by cmd/migrate.
package migrations

import "embed"

// FS holds {version}_{name}.up.sql / .down.sql files.
//
//go:embed *.sql
var FS embed.FS
