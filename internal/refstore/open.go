package refstore

import (
	"context"
	"fmt"

	"github.com/nidhogg/grace/internal/config"
	"go.uber.org/zap"
)

// Open builds the backend selected by cfg.Reference.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (Store, error) {
	switch cfg.Reference.Backend {
	case "", "sqlite":
		return OpenSQLite(ctx, cfg.Reference.Path, logger)
	case "postgres":
		s, err := OpenPostgres(ctx, cfg.Database.Postgres.DSN, logger)
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx, cfg.Database.Postgres.Migrations); err != nil {
			s.Close()
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown reference backend %q", cfg.Reference.Backend)
	}
}
