package state

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// persistenceCloser holds DB handles for cleanup. Implements io.Closer.
type persistenceCloser struct {
	stateDB *sql.DB
	cacheDB *sql.DB
}

func (c *persistenceCloser) Close() error {
	return errors.Join(c.stateDB.Close(), c.cacheDB.Close())
}

// Persistence bundles the ready-to-use state.db repo and the cache.db
// engine (dirty-set flush target) produced by PersistenceBootstrap.
type Persistence struct {
	Repo        *Repo
	CacheEngine *CacheEngine
	CacheRepo   *CacheRepo
}

// PersistenceBootstrap initializes both databases and runs migrations.
//
// Steps:
//  1. Open/create state.db and cache.db with recommended pragmas.
//  2. Apply golang-migrate migrations to both.
//  3. Construct and return the Repo and CacheEngine.
func PersistenceBootstrap(stateDir, cacheDir string) (p *Persistence, closer io.Closer, err error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create state dir %s: %w", stateDir, err)
	}
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create cache dir %s: %w", cacheDir, err)
	}

	stateDBPath := filepath.Join(stateDir, "state.db")
	cacheDBPath := filepath.Join(cacheDir, "cache.db")

	stateDB, err := OpenDB(stateDBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open state.db: %w", err)
	}

	cacheDB, err := OpenDB(cacheDBPath)
	if err != nil {
		stateDB.Close()
		return nil, nil, fmt.Errorf("open cache.db: %w", err)
	}

	if err := MigrateStateDB(stateDB); err != nil {
		stateDB.Close()
		cacheDB.Close()
		return nil, nil, fmt.Errorf("migrate state.db: %w", err)
	}

	if err := MigrateCacheDB(cacheDB); err != nil {
		stateDB.Close()
		cacheDB.Close()
		return nil, nil, fmt.Errorf("migrate cache.db: %w", err)
	}

	repo := NewRepo(stateDB)
	cacheRepo := NewCacheRepo(cacheDB)
	cacheEngine := NewCacheEngine(cacheRepo)

	return &Persistence{Repo: repo, CacheEngine: cacheEngine, CacheRepo: cacheRepo},
		&persistenceCloser{stateDB: stateDB, cacheDB: cacheDB}, nil
}
