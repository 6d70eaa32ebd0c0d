// Package migrations embeds the Postgres schema of the execution log store.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
