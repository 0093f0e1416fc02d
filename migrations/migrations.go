// Package migrations embeds the PostgreSQL schema applied by platform/db.Migrate.
package migrations

import "embed"

// FS holds the *.sql files in lexical apply order.
//
//go:embed *.sql
var FS embed.FS
