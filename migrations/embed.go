// Package migrations embeds the PostgreSQL schema.
package migrations

import "embed"

//go:embed *.sql
var Files embed.FS
