package postgres

import (
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	iofs "github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate applies all pending SQL migrations bundled with the store.
func Migrate(databaseURL string, log zerolog.Logger) (err error) {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}

	migrator, err := migrate.NewWithSourceInstance("iofs", source, pgx5URL(databaseURL))
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer func() {
		srcErr, dbErr := migrator.Close()
		if err == nil && srcErr != nil {
			err = fmt.Errorf("close migration source: %w", srcErr)
		}
		if err == nil && dbErr != nil {
			err = fmt.Errorf("close migration connection: %w", dbErr)
		}
	}()

	version, dirty, err := migrator.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		log.Info().Msg("no migrations applied yet")
	case err != nil:
		log.Warn().Err(err).Msg("read migration version")
	default:
		log.Info().Uint("version", version).Bool("dirty", dirty).Msg("current migration state")
	}
	if dirty {
		log.Warn().Uint("version", version).Msg("database is dirty, forcing version")
		if err := migrator.Force(int(version)); err != nil {
			return fmt.Errorf("force version %d: %w", version, err)
		}
	}

	if err := migrator.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Info().Msg("no new migrations to apply")
			return nil
		}
		return fmt.Errorf("apply migrations: %w", err)
	}
	log.Info().Msg("migrations applied")
	return nil
}

// pgx5URL rewrites a postgres:// URL to the scheme the pgx/v5 driver registers.
func pgx5URL(url string) string {
	for _, scheme := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(url, scheme) {
			return "pgx5://" + strings.TrimPrefix(url, scheme)
		}
	}
	return url
}
