// Package server exposes the resolver over HTTP. Handlers translate JSON
// requests into registry and engine calls, persist outcomes through the
// store, and emit events and metrics for every run.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/incredibeau/specific-affinity/internal/cache"
	"github.com/incredibeau/specific-affinity/internal/categorize"
	"github.com/incredibeau/specific-affinity/internal/events"
	"github.com/incredibeau/specific-affinity/internal/events/collector"
	"github.com/incredibeau/specific-affinity/internal/qa"
	"github.com/incredibeau/specific-affinity/internal/registry"
	"github.com/incredibeau/specific-affinity/internal/resolve"
	"github.com/incredibeau/specific-affinity/internal/resolve/normalizer"
	"github.com/incredibeau/specific-affinity/internal/store"
	"github.com/incredibeau/specific-affinity/pkg/config"
	apperrors "github.com/incredibeau/specific-affinity/pkg/errors"
	"github.com/incredibeau/specific-affinity/pkg/logger"
	"github.com/incredibeau/specific-affinity/pkg/metrics"
)

const maxRequestBody = 32 << 20 // 32 MiB

// Handler serves the resolver API.
type Handler struct {
	registry   *registry.Registry
	store      *store.Store
	matchCache *cache.MatchCache
	collector  *collector.BatchCollector
	metrics    *metrics.Metrics
	matcherCfg config.MatcherConfig
	catOpts    categorize.Options
	logger     *slog.Logger
}

// New creates a Handler. store is required; matchCache, collector, and
// metrics may be nil, in which case the corresponding concern is skipped.
func New(reg *registry.Registry, st *store.Store, matchCache *cache.MatchCache,
	coll *collector.BatchCollector, m *metrics.Metrics,
	matcherCfg config.MatcherConfig, catCfg config.CategorizeConfig) *Handler {
	return &Handler{
		registry:   reg,
		store:      st,
		matchCache: matchCache,
		collector:  coll,
		metrics:    m,
		matcherCfg: matcherCfg,
		catOpts: categorize.Options{
			AmountThresholdPct: catCfg.AmountThresholdPct,
			DateThresholdDays:  catCfg.DateThresholdDays,
		},
		logger: slog.Default().With("component", "api-handler"),
	}
}

type createDatasetRequest struct {
	Name    string          `json:"name"`
	Matcher *resolve.Config `json:"matcher,omitempty"`
}

// CreateDataset registers a new dataset, optionally with per-dataset
// matcher settings.
func (h *Handler) CreateDataset(w http.ResponseWriter, r *http.Request) {
	var req createDatasetRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	if _, err := h.registry.Create(req.Name, req.Matcher); err != nil {
		h.writeError(w, r, err)
		return
	}
	if h.metrics != nil {
		h.metrics.ActiveDatasets.Set(float64(h.registry.Len()))
	}
	h.writeJSON(w, http.StatusCreated, map[string]string{
		"dataset": req.Name,
		"state":   "empty",
	})
}

// ListDatasets returns the registered dataset names with their states.
func (h *Handler) ListDatasets(w http.ResponseWriter, r *http.Request) {
	type entry struct {
		Dataset string `json:"dataset"`
		State   string `json:"state"`
	}
	names := h.registry.List()
	out := make([]entry, 0, len(names))
	for _, name := range names {
		engine, err := h.registry.Get(name)
		if err != nil {
			continue
		}
		out = append(out, entry{Dataset: name, State: engine.State()})
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"datasets": out, "count": len(out)})
}

// DeleteDataset removes a dataset, its snapshot, and its cached matches.
func (h *Handler) DeleteDataset(w http.ResponseWriter, r *http.Request) {
	dataset := r.PathValue("dataset")
	if err := h.registry.Delete(dataset); err != nil {
		h.writeError(w, r, err)
		return
	}
	if h.matchCache != nil {
		if err := h.matchCache.Invalidate(r.Context(), dataset); err != nil {
			h.logger.Warn("cache invalidation failed", "dataset", dataset, "error", err)
		}
	}
	if h.metrics != nil {
		h.metrics.ActiveDatasets.Set(float64(h.registry.Len()))
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"dataset": dataset, "status": "deleted"})
}

type recordsRequest struct {
	Records []resolve.Record `json:"records"`
}

// UpsertRecords stores source records for a dataset without resolving them.
func (h *Handler) UpsertRecords(w http.ResponseWriter, r *http.Request) {
	dataset := r.PathValue("dataset")
	if _, err := h.registry.Get(dataset); err != nil {
		h.writeError(w, r, err)
		return
	}

	var req recordsRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if len(req.Records) == 0 {
		h.writeError(w, r, apperrors.New(apperrors.ErrInvalidInput,
			http.StatusBadRequest, "records array is required"))
		return
	}
	for _, rec := range req.Records {
		if rec.ID == "" {
			h.writeError(w, r, apperrors.New(apperrors.ErrInvalidInput,
				http.StatusBadRequest, "every record needs an id"))
			return
		}
	}

	if err := h.store.UpsertRecords(r.Context(), dataset, req.Records); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"dataset":  dataset,
		"upserted": len(req.Records),
	})
}

// Build clusters the dataset's stored reference records. Records may also
// be supplied inline, in which case they are upserted first.
func (h *Handler) Build(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	log := logger.FromContext(ctx)
	dataset := r.PathValue("dataset")

	engine, err := h.registry.Get(dataset)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var req recordsRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		h.writeError(w, r, err)
		return
	}
	if len(req.Records) > 0 {
		if err := h.store.UpsertRecords(ctx, dataset, req.Records); err != nil {
			h.writeError(w, r, err)
			return
		}
	}

	records, err := h.store.LoadRecords(ctx, dataset)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if len(records) == 0 {
		h.writeError(w, r, apperrors.Newf(apperrors.ErrNoRecords,
			http.StatusNotFound, "dataset %q has no records to build from", dataset))
		return
	}

	summary, err := engine.Build(ctx, records)
	h.observeRun("build", start, err)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if err := h.store.ReplaceAssignments(ctx, dataset, engine.Assignments()); err != nil {
		h.writeError(w, r, fmt.Errorf("persisting assignments: %w", err))
		return
	}
	h.afterMutation(ctx, dataset)

	if h.metrics != nil {
		h.metrics.CandidatePairsPerRun.Observe(float64(summary.CandidatePairs))
		h.metrics.ClusteredRecords.WithLabelValues(dataset).Set(float64(summary.ClusteredRecords))
		h.metrics.ClusterCount.WithLabelValues(dataset).Set(float64(summary.ClusterCount))
	}
	h.trackRun(ctx, events.RunEvent{
		Type:             events.EventBuild,
		Dataset:          dataset,
		TotalRecords:     summary.TotalRecords,
		ClusteredRecords: summary.ClusteredRecords,
		ClusterCount:     summary.ClusterCount,
		LatencyMs:        time.Since(start).Milliseconds(),
	})

	log.Info("build completed",
		"dataset", dataset,
		"records", summary.TotalRecords,
		"clusters", summary.ClusterCount,
		"latency_ms", time.Since(start).Milliseconds(),
	)
	h.writeJSON(w, http.StatusOK, summary)
}

// Infer matches query records against the built reference clusters.
func (h *Handler) Infer(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	log := logger.FromContext(ctx)
	dataset := r.PathValue("dataset")

	engine, err := h.registry.Get(dataset)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var req recordsRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if len(req.Records) == 0 {
		h.writeError(w, r, apperrors.New(apperrors.ErrInvalidInput,
			http.StatusBadRequest, "records array is required"))
		return
	}

	result, err := engine.Infer(ctx, req.Records)
	h.observeRun("infer", start, err)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if err := h.store.UpsertRecords(ctx, dataset, req.Records); err != nil {
		h.writeError(w, r, fmt.Errorf("persisting query records: %w", err))
		return
	}
	if err := h.store.SaveInferences(ctx, dataset, result.Results); err != nil {
		h.writeError(w, r, fmt.Errorf("persisting inference results: %w", err))
		return
	}
	if err := h.registry.Save(dataset); err != nil {
		h.logger.Warn("snapshot save failed", "dataset", dataset, "error", err)
	}

	if h.metrics != nil {
		h.metrics.MatchOutcomesTotal.WithLabelValues("matched").Add(float64(result.Summary.Matched))
		h.metrics.MatchOutcomesTotal.WithLabelValues("unmatched").Add(float64(result.Summary.Unmatched))
	}
	h.trackRun(ctx, events.RunEvent{
		Type:      events.EventInfer,
		Dataset:   dataset,
		Matched:   result.Summary.Matched,
		Unmatched: result.Summary.Unmatched,
		LatencyMs: time.Since(start).Milliseconds(),
	})

	log.Info("infer completed",
		"dataset", dataset,
		"records", result.Summary.TotalRecords,
		"matched", result.Summary.Matched,
		"latency_ms", time.Since(start).Milliseconds(),
	)
	h.writeJSON(w, http.StatusOK, result)
}

// Reconcile clusters the records left unmatched by previous Infer calls.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	log := logger.FromContext(ctx)
	dataset := r.PathValue("dataset")

	engine, err := h.registry.Get(dataset)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	unmatched, err := h.store.LoadUnmatchedRecords(ctx, dataset)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	summary, err := engine.Reconcile(ctx, unmatched)
	h.observeRun("reconcile", start, err)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if err := h.store.ReplaceAssignments(ctx, dataset, engine.Assignments()); err != nil {
		h.writeError(w, r, fmt.Errorf("persisting assignments: %w", err))
		return
	}
	h.afterMutation(ctx, dataset)

	if h.metrics != nil {
		if bs := engine.Summary(); bs != nil {
			h.metrics.ClusteredRecords.WithLabelValues(dataset).Set(float64(bs.ClusteredRecords))
			h.metrics.ClusterCount.WithLabelValues(dataset).Set(float64(bs.ClusterCount))
		}
	}
	h.trackRun(ctx, events.RunEvent{
		Type:         events.EventReconcile,
		Dataset:      dataset,
		TotalRecords: summary.TotalUnassigned,
		NewClusters:  summary.NewClusters,
		LatencyMs:    time.Since(start).Milliseconds(),
	})

	log.Info("reconcile completed",
		"dataset", dataset,
		"unassigned", summary.TotalUnassigned,
		"new_clusters", summary.NewClusters,
		"latency_ms", time.Since(start).Milliseconds(),
	)
	h.writeJSON(w, http.StatusOK, summary)
}

type matchRequest struct {
	Text  string `json:"text"`
	Limit int    `json:"limit,omitempty"`
}

// Match resolves a single raw text against the reference clusters, served
// from the Redis cache when possible.
func (h *Handler) Match(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	dataset := r.PathValue("dataset")

	engine, err := h.registry.Get(dataset)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var req matchRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.Text == "" {
		h.writeError(w, r, apperrors.New(apperrors.ErrInvalidInput,
			http.StatusBadRequest, "text is required"))
		return
	}
	limit := req.Limit
	if limit <= 0 || limit > h.matcherCfg.MatchCandidateLimit {
		limit = h.matcherCfg.MatchCandidateLimit
	}

	var result *resolve.MatchResult
	cacheHit := false
	if h.matchCache != nil {
		result, cacheHit, err = h.matchCache.GetOrCompute(ctx, dataset, req.Text,
			func(ctx context.Context) (*resolve.MatchResult, error) {
				return engine.MatchText(ctx, req.Text, limit)
			})
	} else {
		result, err = engine.MatchText(ctx, req.Text, limit)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if h.metrics != nil {
		if cacheHit {
			h.metrics.MatchCacheHitsTotal.Inc()
		} else {
			h.metrics.MatchCacheMissesTotal.Inc()
		}
		outcome := "unmatched"
		if result.Matched {
			outcome = "matched"
		}
		h.metrics.MatchOutcomesTotal.WithLabelValues(outcome).Inc()
	}
	if h.collector != nil {
		h.collector.Track(dataset, events.MatchEvent{
			Type:      events.EventMatch,
			Dataset:   dataset,
			Text:      req.Text,
			Matched:   result.Matched,
			ClusterID: result.ClusterID,
			Score:     result.Score,
			CacheHit:  cacheHit,
			LatencyMs: time.Since(start).Milliseconds(),
			Timestamp: time.Now().UTC(),
			RequestID: logger.RequestIDFromContext(ctx),
		})
	}
	h.writeJSON(w, http.StatusOK, result)
}

// Clusters returns the dataset's clusters keyed by cluster id.
func (h *Handler) Clusters(w http.ResponseWriter, r *http.Request) {
	dataset := r.PathValue("dataset")
	engine, err := h.registry.Get(dataset)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	clusters := make(map[string][]string)
	for recordID, clusterID := range engine.Assignments() {
		clusters[clusterID] = append(clusters[clusterID], recordID)
	}
	for _, members := range clusters {
		sort.Strings(members)
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"dataset":  dataset,
		"clusters": clusters,
		"count":    len(clusters),
	})
}

// Summary returns the engine state and the last build summary.
func (h *Handler) Summary(w http.ResponseWriter, r *http.Request) {
	dataset := r.PathValue("dataset")
	engine, err := h.registry.Get(dataset)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"dataset": dataset,
		"state":   engine.State(),
		"config":  engine.Config(),
		"summary": engine.Summary(),
	})
}

// Categories runs recurrence categorization over the dataset's clusters.
func (h *Handler) Categories(w http.ResponseWriter, r *http.Request) {
	dataset := r.PathValue("dataset")
	engine, err := h.registry.Get(dataset)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	records, err := h.store.LoadRecords(r.Context(), dataset)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	report := categorize.Analyze(records, engine.Assignments(), h.catOpts)
	h.writeJSON(w, http.StatusOK, report)
}

// QA runs clustering quality diagnostics over the dataset.
func (h *Handler) QA(w http.ResponseWriter, r *http.Request) {
	dataset := r.PathValue("dataset")
	engine, err := h.registry.Get(dataset)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	records, err := h.store.LoadRecords(r.Context(), dataset)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	cfg := engine.Config()
	norm := normalizer.New(cfg.StopWords, cfg.MinTokenLength)
	report := qa.Analyze(records, engine.Assignments(), norm)
	h.writeJSON(w, http.StatusOK, report)
}

// CacheStats reports match-cache hit rates.
func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	if h.matchCache == nil {
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
		return
	}
	hits, misses := h.matchCache.Stats()
	total := hits + misses
	var hitRate float64
	if total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"hits":     hits,
		"misses":   misses,
		"total":    total,
		"hit_rate": fmt.Sprintf("%.1f%%", hitRate),
	})
}

// afterMutation saves the snapshot and drops cached matches after any
// operation that can change cluster assignments.
func (h *Handler) afterMutation(ctx context.Context, dataset string) {
	if err := h.registry.Save(dataset); err != nil {
		h.logger.Warn("snapshot save failed", "dataset", dataset, "error", err)
	}
	if h.matchCache != nil {
		if err := h.matchCache.Invalidate(ctx, dataset); err != nil {
			h.logger.Warn("cache invalidation failed", "dataset", dataset, "error", err)
		}
	}
}

func (h *Handler) observeRun(operation string, start time.Time, err error) {
	if h.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	h.metrics.ResolutionRunsTotal.WithLabelValues(operation, status).Inc()
	h.metrics.ResolutionDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

func (h *Handler) trackRun(ctx context.Context, event events.RunEvent) {
	if h.collector == nil {
		return
	}
	event.Timestamp = time.Now().UTC()
	event.RequestID = logger.RequestIDFromContext(ctx)
	h.collector.Track(event.Dataset, event)
}

var errEmptyBody = apperrors.New(apperrors.ErrInvalidInput,
	http.StatusBadRequest, "empty request body")

func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxRequestBody))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return apperrors.Newf(apperrors.ErrInvalidInput,
			http.StatusBadRequest, "invalid JSON body: %v", err)
	}
	return nil
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatusCode(err)
	if status >= http.StatusInternalServerError {
		logger.FromContext(r.Context()).Error("request failed",
			"path", r.URL.Path,
			"error", err,
		)
	}
	h.writeJSON(w, status, map[string]string{"error": err.Error()})
}
