// Package migrations embeds the access core SQL schema into the binary.
package migrations

import (
	"embed"

	"github.com/mariokehl/gymportal-access/internal/infrastructure/database"
)

//go:embed *.sql
var migrationsFS embed.FS

func init() {
	database.RegisterMigrations(migrationsFS, ".")
}
