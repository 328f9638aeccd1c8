// Package migrations embeds the SQL schema migrations for every backend.
package migrations

import "embed"

// FS holds the migrations under sqlite/ and postgres/.
//
//go:embed sqlite/*.sql postgres/*.sql
var FS embed.FS
