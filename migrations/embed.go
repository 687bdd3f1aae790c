// Package migrations holds the SQL schema migrations of the mapping store.
package migrations

import "embed"

// FS contains every up/down migration, named {version}_{name}.{up|down}.sql
//
//go:embed *.sql
var FS embed.FS
