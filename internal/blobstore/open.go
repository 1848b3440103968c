package blobstore

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/helion-deployer/pkg/config"
)

// Open builds the store selected by cfg.Backend. The returned close function
// is never nil.
func Open(ctx context.Context, cfg config.BlobConfig, log *slog.Logger) (Store, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Backend {
	case config.BlobBackendFS:
		store, err := NewFileSystem(cfg.FSRoot)
		if err != nil {
			return nil, noop, err
		}
		return store, noop, nil
	case config.BlobBackendS3:
		store, err := NewS3(ctx, S3Options{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretKey,
			ForcePathStyle:  cfg.S3ForcePathStyle,
		})
		if err != nil {
			return nil, noop, err
		}
		return store, noop, nil
	case config.BlobBackendRedis:
		store, err := NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisKeyPrefix)
		if err != nil {
			return nil, noop, err
		}
		return store, store.Close, nil
	case config.BlobBackendPostgres:
		if cfg.AutoMigrate {
			migrator, err := NewMigrator(cfg.DatabaseURL, log)
			if err != nil {
				return nil, noop, err
			}
			if err := migrator.Up(ctx); err != nil {
				return nil, noop, err
			}
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, noop, fmt.Errorf("connect database: %w", err)
		}
		store := NewPostgres(pool)
		return store, store.Close, nil
	default:
		return nil, noop, fmt.Errorf("unsupported blob backend %q", cfg.Backend)
	}
}
