// Package migrations embeds the postgres migration files.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
