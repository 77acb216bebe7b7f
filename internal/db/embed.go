package db

import (
	"embed"
	"io/fs"
)

//go:embed migrations
var embeddedMigrations embed.FS

// MigrationsFS returns the migration files shipped inside the binary, rooted
// at the directory containing the numbered .sql files.
func MigrationsFS() (fs.FS, error) {
	return fs.Sub(embeddedMigrations, "migrations")
}
