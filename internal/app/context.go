// Package app wires configuration into a ready engine.
package app

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"

	"policylens/internal/blob"
	"policylens/internal/config"
	"policylens/internal/db"
	"policylens/internal/engine"
	"policylens/internal/migrate"
	"policylens/internal/repo"
	"policylens/internal/repo/pg"
)

// Runtime owns the open store connections behind an Engine.
type Runtime struct {
	Engine  engine.Engine
	Config  *config.Config
	closers []func()
}

// Open connects the configured store, applies migrations and builds the
// blob store. Relative blob directories resolve against workspace.
func Open(ctx context.Context, workspace string, cfg *config.Config, log zerolog.Logger) (*Runtime, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	rt := &Runtime{Config: cfg}

	store, err := rt.openStore(ctx, workspace, cfg)
	if err != nil {
		rt.Close()
		return nil, err
	}
	blobs, err := OpenBlobs(ctx, workspace, cfg)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.Engine = engine.New(store, blobs, log)
	log.Debug().Str("storage", cfg.Storage.Driver).Str("blobs", cfg.Blobs.Driver).Msg("runtime ready")
	return rt, nil
}

func (rt *Runtime) openStore(ctx context.Context, workspace string, cfg *config.Config) (repo.Store, error) {
	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		pool, err := db.OpenPostgres(ctx, cfg.Storage.DSN)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, pool.Close)
		if err := migrate.MigratePostgres(ctx, pool); err != nil {
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
		return pg.Store{Pool: pool}, nil
	case config.DriverSQLite, "":
		conn, err := db.Open(db.Config{Workspace: workspace})
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, func() { conn.Close() })
		if err := migrate.Migrate(conn); err != nil {
			return nil, fmt.Errorf("migrate sqlite: %w", err)
		}
		return repo.Repo{DB: conn}, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

func OpenBlobs(ctx context.Context, workspace string, cfg *config.Config) (blob.Store, error) {
	maxSize := cfg.Blobs.MaxSizeMB << 20
	switch cfg.Blobs.Driver {
	case config.BlobS3:
		return blob.NewS3(ctx, blob.S3Config{
			Bucket:   cfg.Blobs.Bucket,
			Region:   cfg.Blobs.Region,
			Prefix:   cfg.Blobs.Prefix,
			Endpoint: cfg.Blobs.Endpoint,
			MaxSize:  maxSize,
		})
	case config.BlobFS, "":
		dir := cfg.Blobs.Dir
		if dir == "" {
			dir = filepath.Join(".policylens", "blobs")
		}
		if !filepath.IsAbs(dir) {
			if workspace == "" {
				workspace = "."
			}
			dir = filepath.Join(workspace, dir)
		}
		return blob.FS{Dir: dir, MaxSize: maxSize}, nil
	default:
		return nil, fmt.Errorf("unknown blob driver %q", cfg.Blobs.Driver)
	}
}

func (rt *Runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}
