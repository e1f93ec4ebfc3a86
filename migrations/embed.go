package migrations

import "embed"

// FS contains the embedded Postgres migrations for the portal schema.
//
//go:embed *.sql
var FS embed.FS
