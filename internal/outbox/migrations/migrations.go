package migrations

import "embed"

// FS holds the queue schema migrations.
//
//go:embed *.sql
var FS embed.FS
