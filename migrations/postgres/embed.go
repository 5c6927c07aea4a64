// Package migrations embeds the SQL schema files.
package migrations

import "embed"

//go:embed sql/*.sql
var FS embed.FS

// Dir is the directory within FS where the schema files live.
const Dir = "sql"
