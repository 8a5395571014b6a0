// Package migrations embeds the numbered SQL files applied to every
// facility schema by db.Migrator.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
