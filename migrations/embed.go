// Package migrations embeds the Postgres registry schema.
package migrations

import "embed"

// FS holds the forward-only migration files, applied in name order.
//
//go:embed *.sql
var FS embed.FS
