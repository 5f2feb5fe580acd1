// Package registry manages named resolution engines. Each dataset owns an
// independent resolve.Engine, and the registry handles creation, lookup,
// snapshot persistence, and recovery on startup.
package registry

import (
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"sort"
	"sync"

	"github.com/incredibeau/specific-affinity/internal/resolve"
	"github.com/incredibeau/specific-affinity/internal/resolve/snapshot"
	apperrors "github.com/incredibeau/specific-affinity/pkg/errors"
)

// Dataset names become snapshot file names, so they are restricted to a
// single safe path component.
var datasetNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// Registry maps dataset names to engines.
type Registry struct {
	mu          sync.RWMutex
	engines     map[string]*resolve.Engine
	baseCfg     resolve.Config
	snapshotDir string
	persist     bool
	logger      *slog.Logger
}

// New creates a Registry. When snapshotDir is non-empty, engine state is
// persisted there after each mutating operation and recovered on startup.
func New(baseCfg resolve.Config, snapshotDir string) *Registry {
	return &Registry{
		engines:     make(map[string]*resolve.Engine),
		baseCfg:     baseCfg,
		snapshotDir: snapshotDir,
		persist:     snapshotDir != "",
		logger:      slog.Default().With("component", "registry"),
	}
}

// Create registers a new dataset with the base config, optionally overridden
// by a non-nil per-dataset config.
func (r *Registry) Create(dataset string, override *resolve.Config) (*resolve.Engine, error) {
	if dataset == "" {
		return nil, apperrors.New(apperrors.ErrInvalidInput, http.StatusBadRequest, "dataset name is required")
	}
	if !datasetNamePattern.MatchString(dataset) {
		return nil, apperrors.Newf(apperrors.ErrInvalidInput, http.StatusBadRequest,
			"dataset name %q must match %s", dataset, datasetNamePattern)
	}

	cfg := r.baseCfg
	if override != nil {
		cfg = *override
	}
	engine, err := resolve.NewEngine(cfg)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.engines[dataset]; ok {
		return nil, apperrors.Newf(apperrors.ErrDatasetExists, http.StatusConflict, "dataset %q already exists", dataset)
	}
	r.engines[dataset] = engine
	r.logger.Info("dataset registered",
		"dataset", dataset,
		"similarity_threshold", cfg.SimilarityThreshold,
	)
	return engine, nil
}

// Get returns the engine for a dataset.
func (r *Registry) Get(dataset string) (*resolve.Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	engine, ok := r.engines[dataset]
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrNoDataset, http.StatusNotFound, "dataset %q not found", dataset)
	}
	return engine, nil
}

// Delete removes a dataset and its snapshot file if one exists.
func (r *Registry) Delete(dataset string) error {
	r.mu.Lock()
	_, ok := r.engines[dataset]
	delete(r.engines, dataset)
	r.mu.Unlock()
	if !ok {
		return apperrors.Newf(apperrors.ErrNoDataset, http.StatusNotFound, "dataset %q not found", dataset)
	}
	if r.persist {
		if err := snapshot.Remove(r.snapshotDir, dataset); err != nil {
			r.logger.Warn("snapshot removal failed", "dataset", dataset, "error", err)
		}
	}
	r.logger.Info("dataset removed", "dataset", dataset)
	return nil
}

// List returns registered dataset names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.engines))
	for name := range r.engines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered datasets.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.engines)
}

// Save persists one dataset's engine state to disk. A no-op when
// persistence is disabled or the engine holds no state yet.
func (r *Registry) Save(dataset string) error {
	if !r.persist {
		return nil
	}
	engine, err := r.Get(dataset)
	if err != nil {
		return err
	}
	st := engine.Export()
	if st == nil {
		return nil
	}
	if err := snapshot.Save(r.snapshotDir, dataset, st); err != nil {
		return fmt.Errorf("saving snapshot for %s: %w", dataset, err)
	}
	r.logger.Debug("snapshot saved", "dataset", dataset)
	return nil
}

// SaveAll persists every dataset, returning the first error encountered.
func (r *Registry) SaveAll() error {
	var firstErr error
	for _, dataset := range r.List() {
		if err := r.Save(dataset); err != nil {
			r.logger.Error("snapshot save failed", "dataset", dataset, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Recover loads every snapshot found in the snapshot directory and
// re-registers its dataset. Corrupt snapshots are logged and skipped.
func (r *Registry) Recover() (int, error) {
	if !r.persist {
		return 0, nil
	}
	datasets, err := snapshot.List(r.snapshotDir)
	if err != nil {
		return 0, fmt.Errorf("listing snapshots: %w", err)
	}

	recovered := 0
	for _, dataset := range datasets {
		st, err := snapshot.Load(r.snapshotDir, dataset)
		if err != nil {
			r.logger.Warn("skipping unreadable snapshot", "dataset", dataset, "error", err)
			continue
		}
		engine, err := resolve.Restore(st)
		if err != nil {
			r.logger.Warn("skipping unrestorable snapshot", "dataset", dataset, "error", err)
			continue
		}
		r.mu.Lock()
		r.engines[dataset] = engine
		r.mu.Unlock()
		recovered++
		r.logger.Info("dataset recovered from snapshot",
			"dataset", dataset,
			"state", engine.State(),
		)
	}
	return recovered, nil
}
