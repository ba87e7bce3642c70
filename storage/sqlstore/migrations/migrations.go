// Package migrations registers the gateway's schema migrations with
// bun/migrate.
package migrations

import "github.com/uptrace/bun/migrate"

// Migrations is the ordered set of schema changes.
var Migrations = migrate.NewMigrations()
