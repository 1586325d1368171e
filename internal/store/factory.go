package store

import (
	"context"
	"fmt"

	"github.com/christophengelmayer/flow-oauth2-client/internal/config"
	"github.com/christophengelmayer/flow-oauth2-client/internal/oauth"
)

// NewRepository creates the repository matching the configured database
// type.
func NewRepository(ctx context.Context, cfg *config.Config) (oauth.Repository, error) {
	switch cfg.DatabaseType {
	case "sqlite":
		return NewSQLiteRepository(cfg.DatabasePath)
	case "postgres", "postgresql":
		return NewPostgresRepository(ctx, cfg.PostgresConnString())
	case "memory":
		return NewMemoryRepository(), nil
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.DatabaseType)
	}
}
