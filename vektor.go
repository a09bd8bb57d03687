// Package vektor is an embedded vector database: named collections of
// float32 embeddings with HNSW approximate nearest neighbor search,
// write-ahead logging with checkpoint recovery, and optional in-place
// quantization gated on measured recall.
//
// A store serves two kinds of collections. Workspace collections live under
// workspace/ and are read-only; dynamic collections live under dynamic/ and
// accept the full mutation surface. Collections are isolated: each owns its
// lock, index, WAL and on-disk directory, so operations on different
// collections never contend.
package vektor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

const (
	workspaceDir = "workspace"
	dynamicDir   = "dynamic"
)

// VectorStore is the registry of collections under one root directory.
type VectorStore struct {
	rootDir string
	opts    options

	mu          sync.RWMutex
	collections map[string]*Collection
	unavailable map[string]error
	closed      bool

	rebuildLimiter *rate.Limiter
	done           chan struct{}
	wg             sync.WaitGroup
}

// Open loads every collection found under rootDir's workspace/ and dynamic/
// directories, creating the layout if it does not exist. Collections are
// recovered concurrently; one that fails recovery is marked unavailable
// instead of failing the whole store.
func Open(ctx context.Context, rootDir string, optFns ...Option) (*VectorStore, error) {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	for _, sub := range []string{workspaceDir, dynamicDir} {
		if err := os.MkdirAll(filepath.Join(rootDir, sub), 0o755); err != nil {
			return nil, &PersistenceError{Op: "open store", cause: err}
		}
	}

	s := &VectorStore{
		rootDir:        rootDir,
		opts:           opts,
		collections:    make(map[string]*Collection),
		unavailable:    make(map[string]error),
		rebuildLimiter: rate.NewLimiter(rate.Limit(opts.rebuildsPerMinute/60.0), 1),
		done:           make(chan struct{}),
	}

	if err := s.loadAll(ctx); err != nil {
		return nil, err
	}

	if opts.maintenanceInterval > 0 {
		s.wg.Add(1)
		go s.maintain()
	}

	return s, nil
}

// loadAll recovers workspace and dynamic collections with bounded
// concurrency. Workspace entries claim their name first; a dynamic
// collection with the same name is skipped.
func (s *VectorStore) loadAll(ctx context.Context) error {
	type target struct {
		dir      string
		name     string
		readOnly bool
	}

	var targets []target
	for _, scan := range []struct {
		sub      string
		readOnly bool
	}{
		{workspaceDir, true},
		{dynamicDir, false},
	} {
		entries, err := os.ReadDir(filepath.Join(s.rootDir, scan.sub))
		if err != nil {
			return &PersistenceError{Op: "scan collections", cause: err}
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			targets = append(targets, target{
				dir:      filepath.Join(s.rootDir, scan.sub, entry.Name()),
				name:     entry.Name(),
				readOnly: scan.readOnly,
			})
		}
	}

	sem := semaphore.NewWeighted(s.opts.loadConcurrency)
	g, gctx := errgroup.WithContext(ctx)

	for _, t := range targets {
		t := t
		if err := sem.Acquire(gctx, 1); err != nil {
			return err
		}
		g.Go(func() error {
			defer sem.Release(1)

			c, err := openCollection(gctx, t.dir, t.name, t.readOnly, s.opts)

			s.mu.Lock()
			defer s.mu.Unlock()
			if _, taken := s.collections[t.name]; taken {
				s.opts.logger.Warn("duplicate collection name, keeping workspace copy", "collection", t.name)
				if c != nil {
					_ = c.Close()
				}
				return nil
			}
			if err != nil {
				s.opts.logger.Error("collection unavailable", "collection", t.name, "error", err)
				s.unavailable[t.name] = err
				return nil
			}
			s.collections[t.name] = c
			return nil
		})
	}

	return g.Wait()
}

// CreateCollection creates a new dynamic collection. The name must not be
// taken by any existing collection, workspace ones included.
func (s *VectorStore) CreateCollection(ctx context.Context, cfg CollectionConfig) (*Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if _, exists := s.collections[cfg.Name]; exists {
		return nil, fmt.Errorf("%w: %q", ErrAlreadyExists, cfg.Name)
	}
	if _, exists := s.unavailable[cfg.Name]; exists {
		return nil, fmt.Errorf("%w: %q (unavailable)", ErrAlreadyExists, cfg.Name)
	}

	dir := filepath.Join(s.rootDir, dynamicDir, cfg.Name)
	if _, err := os.Stat(dir); err == nil {
		return nil, fmt.Errorf("%w: directory %q", ErrAlreadyExists, dir)
	}

	c, err := createCollection(dir, cfg, s.opts)
	if err != nil {
		return nil, err
	}

	s.collections[cfg.Name] = c
	s.opts.logger.InfoContext(ctx, "collection created",
		"collection", cfg.Name, "dimension", cfg.Dimension, "metric", cfg.Metric.String())

	return c, nil
}

// GetCollection returns a collection by name. A collection that failed
// recovery returns its RecoveryError.
func (s *VectorStore) GetCollection(name string) (*Collection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	if err, bad := s.unavailable[name]; bad {
		return nil, err
	}

	c, exists := s.collections[name]
	if !exists {
		return nil, fmt.Errorf("%w: collection %q", ErrNotFound, name)
	}

	return c, nil
}

// DeleteCollection removes a dynamic collection and its files. Workspace
// collections cannot be deleted. Deleting an unavailable collection removes
// its broken directory.
func (s *VectorStore) DeleteCollection(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	if _, bad := s.unavailable[name]; bad {
		delete(s.unavailable, name)
		if err := os.RemoveAll(filepath.Join(s.rootDir, dynamicDir, name)); err != nil {
			return &PersistenceError{Op: "delete collection", cause: err}
		}
		return nil
	}

	c, exists := s.collections[name]
	if !exists {
		return fmt.Errorf("%w: collection %q", ErrNotFound, name)
	}
	if c.readOnly {
		return fmt.Errorf("%w: %q", ErrReadOnlyCollection, name)
	}

	_, _ = c.wal.LogDeleteCollection(name)
	if err := c.Close(); err != nil {
		return err
	}
	if err := os.RemoveAll(c.dir); err != nil {
		return &PersistenceError{Op: "delete collection", cause: err}
	}

	delete(s.collections, name)
	s.opts.logger.InfoContext(ctx, "collection deleted", "collection", name)

	return nil
}

// ListCollections returns the names of all available collections, sorted.
func (s *VectorStore) ListCollections() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.collections))
	for name := range s.collections {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

// Close checkpoints and closes every collection and stops the maintenance
// loop.
func (s *VectorStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	collections := make([]*Collection, 0, len(s.collections))
	for _, c := range s.collections {
		collections = append(collections, c)
	}
	s.mu.Unlock()

	close(s.done)
	s.wg.Wait()

	var firstErr error
	for _, c := range collections {
		if !c.readOnly {
			if err := c.Checkpoint(context.Background()); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// maintain polls collections for due checkpoints and over-threshold dirty
// ratios. Rebuilds are rate limited store-wide; checkpoints are not.
func (s *VectorStore) maintain() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.runMaintenance()
		}
	}
}

func (s *VectorStore) runMaintenance() {
	s.mu.RLock()
	collections := make([]*Collection, 0, len(s.collections))
	for _, c := range s.collections {
		if !c.readOnly {
			collections = append(collections, c)
		}
	}
	s.mu.RUnlock()

	ctx := context.Background()
	for _, c := range collections {
		if c.wal.CheckpointDue() {
			_ = c.Checkpoint(ctx)
		}
		if c.NeedsRebuild() && s.rebuildLimiter.Allow() {
			_ = c.Rebuild(ctx)
		}
	}
}

// WALStats exposes per-collection WAL positions, mainly for tests and
// operational introspection.
func (s *VectorStore) WALStats(name string) (lastSeq, checkpointSeq uint64, err error) {
	c, err := s.GetCollection(name)
	if err != nil {
		return 0, 0, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.wal.LastSeq(), c.checkpointSeq, nil
}
