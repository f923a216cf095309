// Package assets provides access to embedded files such as SQL migrations.
package assets

import (
	"embed"
	"io/fs"
)

//go:embed migrations/*.sql
var embedFS embed.FS

// Migrations returns the embedded migrations directory as its own root.
func Migrations() fs.FS {
	fsys, err := fs.Sub(embedFS, "migrations")
	if err != nil {
		panic(err)
	}

	return fsys
}

// ReadFile returns the content of a specific file from the embedded assets by its name.
func ReadFile(name string) ([]byte, error) {
	return embedFS.ReadFile(name)
}
