// Package migrations embeds the SQL schema migrations so the binary can
// migrate its own database at startup.
package migrations

import "embed"

//go:embed *.sql
var files embed.FS

// FS returns the embedded migration files.
func FS() embed.FS {
	return files
}
