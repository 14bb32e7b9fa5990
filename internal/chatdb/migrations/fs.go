// Package migrations embeds the goose SQL migrations creating the chat
// database schema.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
