// Package store opens the configured source repository.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/INLOpen/wellrelay/config"
	"github.com/INLOpen/wellrelay/core"
	"github.com/INLOpen/wellrelay/store/mssql"
	"github.com/INLOpen/wellrelay/store/sqlite"
)

// Open returns the repository selected by database.driver, bound to wellID.
func Open(ctx context.Context, cfg config.DatabaseConfig, wellID int64, logger *slog.Logger) (core.SourceRepository, error) {
	switch strings.ToLower(cfg.Driver) {
	case "mssql", "sqlserver":
		return mssql.Open(ctx, cfg, wellID, logger)
	case "sqlite":
		r, err := sqlite.Open(ctx, cfg.DSN, wellID, logger)
		if err != nil {
			return nil, err
		}
		if cfg.MaxOpenConns > 0 && !strings.Contains(cfg.DSN, ":memory:") {
			r.DB().SetMaxOpenConns(cfg.MaxOpenConns)
		}
		return r, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}
