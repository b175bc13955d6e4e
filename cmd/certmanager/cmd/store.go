package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/certmanager/config"
	"github.com/jmcleod/certmanager/manager"
	"github.com/jmcleod/certmanager/storage"
	bboltstorage "github.com/jmcleod/certmanager/storage/bbolt"
	"github.com/jmcleod/certmanager/storage/memory"
	"github.com/jmcleod/certmanager/storage/postgres"
)

// openRepository opens the configured backend. The returned closer must be
// called when the caller is done with the repository.
func openRepository(ctx context.Context, cfg config.Store) (storage.Repository, func(), error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return memory.NewRepository(), func() {}, nil
	case config.BackendBbolt:
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o700); err != nil {
			return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		repo, err := bboltstorage.NewRepositoryFromFile(cfg.Path, &bbolt.Options{Timeout: 2 * time.Second})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open store %s: %w", cfg.Path, err)
		}
		return repo, func() { repo.Close() }, nil
	case config.BackendPostgres:
		repo, err := postgres.NewRepositoryFromDSN(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		return repo, repo.Close, nil
	}
	return nil, nil, fmt.Errorf("%w: %q", config.ErrUnknownBackend, cfg.Backend)
}

// openManager validates the configuration, opens the store and returns a
// Manager over it.
func (a *app) openManager(ctx context.Context) (*manager.Manager, func(), error) {
	if err := a.cfg.Validate(); err != nil {
		return nil, nil, err
	}
	repo, closeRepo, err := openRepository(ctx, a.cfg.Store)
	if err != nil {
		return nil, nil, err
	}

	opts := []manager.Option{
		manager.WithLogger(a.logger),
		manager.WithNamespace(a.cfg.Store.Namespace),
		manager.WithPassphrase(a.cfg.Store.Passphrase),
		manager.WithActiveHolder(a.cfg.Manager.ActiveHolder),
		manager.WithMaxLifetime(a.cfg.Manager.MaxLifetimeDays),
	}
	if a.cfg.Manager.Workers > 0 {
		opts = append(opts, manager.WithWorkers(a.cfg.Manager.Workers))
	}
	m, err := manager.New(ctx, repo, opts...)
	if err != nil {
		closeRepo()
		return nil, nil, fmt.Errorf("failed to open certificate store: %w", err)
	}
	return m, closeRepo, nil
}
