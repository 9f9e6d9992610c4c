// Package migrations embeds the SQL schema migrations for the version archive.
package migrations

import "embed"

// FS exposes the embedded migration files to goose.
//
//go:embed *.sql
var FS embed.FS
