// Package migrations embeds the database schema migrations.
package migrations

import "embed"

// FS holds the golang-migrate up and down scripts.
//
//go:embed *.sql
var FS embed.FS
