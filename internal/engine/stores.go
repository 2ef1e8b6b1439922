package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"covpipe/internal/cache"
	"covpipe/internal/concurrency"
	"covpipe/internal/config"
	"covpipe/internal/handoff"
	"covpipe/internal/objstore"
	"covpipe/internal/proc"
)

// Deps are the engine's collaborators. Tests substitute fakes; OpenDeps builds
// the real ones from configuration.
type Deps struct {
	Exec      proc.Executor
	Epochs    concurrency.EpochStore
	Cache     cache.Store
	Artifacts handoff.Store

	// BaseEnv is the process environment steps start from (before scrubbing).
	BaseEnv []string
	// Stdout receives the console sink; StepOutput receives command output.
	Stdout     io.Writer
	StepOutput io.Writer
	Logger     *slog.Logger
}

// StateDir resolves the configured state directory.
func StateDir(cfg *config.Config) (string, error) {
	return filepath.Abs(cfg.Store.Dir)
}

// OpenDeps wires host processes and the configured store backend.
func OpenDeps(ctx context.Context, cfg *config.Config, logger *slog.Logger) (Deps, error) {
	state, err := StateDir(cfg)
	if err != nil {
		return Deps{}, err
	}
	epochs, err := concurrency.NewFileStore(filepath.Join(state, "epochs"))
	if err != nil {
		return Deps{}, err
	}
	cacheStore, artifacts, err := OpenStores(ctx, cfg)
	if err != nil {
		return Deps{}, err
	}
	return Deps{
		Exec:       proc.OS{},
		Epochs:     epochs,
		Cache:      cacheStore,
		Artifacts:  artifacts,
		BaseEnv:    os.Environ(),
		Stdout:     os.Stdout,
		StepOutput: os.Stderr,
		Logger:     logger,
	}, nil
}

// OpenStores returns the cache and artifact stores for the configured backend.
// The cache store is nil when caching is disabled.
func OpenStores(ctx context.Context, cfg *config.Config) (cache.Store, handoff.Store, error) {
	state, err := StateDir(cfg)
	if err != nil {
		return nil, nil, err
	}

	if cfg.Store.Backend == "s3" {
		client, err := objstore.NewClient(objstore.Config{
			Endpoint:  cfg.Store.S3.Endpoint,
			Region:    cfg.Store.S3.Region,
			UseSSL:    cfg.Store.S3.UseSSL,
			AccessKey: os.Getenv(cfg.Store.S3.AccessKeyEnv),
			SecretKey: os.Getenv(cfg.Store.S3.SecretKeyEnv),
		})
		if err != nil {
			return nil, nil, err
		}
		var cs cache.Store
		if !cfg.Cache.Disabled {
			b, err := objstore.OpenBucket(ctx, client, cfg.Store.S3.CacheBucket, cfg.Cache.Prefix, cfg.Store.S3.Region)
			if err != nil {
				return nil, nil, err
			}
			cs = cache.NewBucketStore(b)
		}
		ab, err := objstore.OpenBucket(ctx, client, cfg.Store.S3.ArtifactBucket, "", cfg.Store.S3.Region)
		if err != nil {
			return nil, nil, err
		}
		return cs, handoff.NewBucketStore(ab), nil
	}

	var cs cache.Store
	if !cfg.Cache.Disabled {
		ds, err := cache.NewDirStore(filepath.Join(state, "cache"))
		if err != nil {
			return nil, nil, err
		}
		cs = ds
	}
	as, err := handoff.NewLocalStore(filepath.Join(state, "artifacts"))
	if err != nil {
		return nil, nil, fmt.Errorf("open artifact store: %w", err)
	}
	return cs, as, nil
}
