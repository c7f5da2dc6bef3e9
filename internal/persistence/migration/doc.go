// Package migration applies versioned SQL migrations to the SQL-backed stores.
//
// Migration files live in an fs.FS (normally an embed.FS owned by the store
// package) and follow the naming convention {version}_{description}.sql, for
// example "001_initial_schema.sql". Applied versions are tracked in a
// schema_migrations table; each migration runs in its own transaction.
package migration
