// Package resolve implements the entity-resolution engine: deterministic
// normalization and blocking, corpus-relative token weighting, posting-list
// candidate generation, and connected-component clustering with stable
// cluster identity across incremental updates.
//
// An Engine moves through Empty → Built → (Inferred)* → (Reconciled)*.
// Build replaces all state; Infer scores new records against the Built state
// without mutating it; Reconcile clusters records that Infer could not place
// and merges the result under fresh cluster ids.
package resolve

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/incredibeau/specific-affinity/internal/resolve/candidate"
	"github.com/incredibeau/specific-affinity/internal/resolve/cluster"
	"github.com/incredibeau/specific-affinity/internal/resolve/index"
	"github.com/incredibeau/specific-affinity/internal/resolve/normalizer"
	"github.com/incredibeau/specific-affinity/internal/resolve/weight"
	apperrors "github.com/incredibeau/specific-affinity/pkg/errors"
)

type state int

const (
	stateEmpty state = iota
	stateBuilt
	stateInferred
	stateReconciled
)

func (s state) String() string {
	switch s {
	case stateEmpty:
		return "empty"
	case stateBuilt:
		return "built"
	case stateInferred:
		return "inferred"
	case stateReconciled:
		return "reconciled"
	default:
		return "unknown"
	}
}

// newClusterPrefix namespaces reconcile-discovered cluster ids away from the
// canonical min-record-id labels produced by Build.
const newClusterPrefix = "NEW_"

// Engine holds the resolution state for one corpus: the inverted index, the
// weight table, and the record→cluster mapping. Build and Reconcile are
// exclusive; Infer takes only read access to the corpus state.
type Engine struct {
	cfg  Config
	norm *normalizer.Normalizer

	mu           sync.RWMutex
	state        state
	ix           *index.Index
	weights      weight.Table
	clusters     map[string]string
	reconcileSeq int

	logger *slog.Logger
}

// NewEngine validates cfg and returns an empty Engine.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		cfg:      cfg,
		norm:     normalizer.New(cfg.StopWords, cfg.MinTokenLength),
		clusters: make(map[string]string),
		logger:   slog.Default().With("component", "resolve-engine"),
	}, nil
}

// Config returns the engine's matching parameters.
func (e *Engine) Config() Config {
	return e.cfg
}

// State returns the engine's lifecycle state name.
func (e *Engine) State() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.String()
}

// Build clusters the corpus from scratch, replacing any prior state. Running
// Build twice on identical input produces an identical mapping. Zero usable
// records is not an error; it yields an empty mapping and zero counts.
func (e *Engine) Build(ctx context.Context, records []Record) (*BuildSummary, error) {
	start := time.Now()

	ix, err := e.indexRecords(ctx, records)
	if err != nil {
		return nil, err
	}
	weights := weight.Compute(ix)
	pairs, err := candidate.SelfJoin(ctx, ix, weights, e.workers())
	if err != nil {
		return nil, fmt.Errorf("generating candidate pairs: %w", err)
	}
	clusters := cluster.Components(pairs, e.cfg.SimilarityThreshold)

	e.mu.Lock()
	e.ix = ix
	e.weights = weights
	e.clusters = clusters
	e.state = stateBuilt
	e.reconcileSeq = 0
	e.mu.Unlock()

	summary := buildSummary(len(records), ix, clusters)
	summary.CandidatePairs = len(pairs)
	summary.Duration = time.Since(start)
	e.logger.Info("build complete",
		"total_records", summary.TotalRecords,
		"indexed_records", summary.IndexedRecords,
		"clusters", summary.ClusterCount,
		"clustered_records", summary.ClusteredRecords,
		"candidate_pairs", summary.CandidatePairs,
		"tokens", summary.TokenCount,
		"duration", summary.Duration,
	)
	return summary, nil
}

// Infer assigns each query record to the cluster of its best-scoring
// reference record, provided the score reaches the threshold. Reference
// records without a cluster assignment are not valid match targets. Infer
// never mutates the index, the weight table, or the existing clusters.
func (e *Engine) Infer(ctx context.Context, records []Record) (*InferResult, error) {
	e.mu.RLock()
	if e.state == stateEmpty {
		e.mu.RUnlock()
		return nil, apperrors.New(apperrors.ErrInvalidState, 409,
			"infer requires a built reference corpus")
	}
	ix := e.ix
	weights := e.weights
	clusters := e.clusters
	e.mu.RUnlock()

	queries := make(map[string][]string, len(records))
	for _, r := range records {
		queries[r.ID] = e.norm.Tokens(r.Text)
	}
	scores, err := candidate.Cross(ctx, queries, ix, weights, e.workers())
	if err != nil {
		return nil, fmt.Errorf("scoring query records: %w", err)
	}

	result := &InferResult{Results: make([]Inference, 0, len(records))}
	var scoreSum float64
	for _, r := range records {
		inf := bestMatch(r.ID, scores[r.ID], clusters, e.cfg.SimilarityThreshold)
		if inf.Status == StatusMatched {
			result.Summary.Matched++
			scoreSum += inf.Score
		} else {
			result.Summary.Unmatched++
		}
		result.Results = append(result.Results, inf)
	}
	result.Summary.TotalRecords = len(records)
	if result.Summary.TotalRecords > 0 {
		result.Summary.MatchRatePct = round2(float64(result.Summary.Matched) * 100 / float64(result.Summary.TotalRecords))
	}
	if result.Summary.Matched > 0 {
		result.Summary.AvgScore = round4(scoreSum / float64(result.Summary.Matched))
	}

	e.mu.Lock()
	if e.state == stateBuilt {
		e.state = stateInferred
	}
	e.mu.Unlock()

	e.logger.Info("inference complete",
		"total_records", result.Summary.TotalRecords,
		"matched", result.Summary.Matched,
		"unmatched", result.Summary.Unmatched,
		"match_rate_pct", result.Summary.MatchRatePct,
	)
	return result, nil
}

// MatchText scores one raw text value against the reference corpus and
// returns up to limit ranked candidates. It is the single-record face of
// Infer and shares its read-only contract.
func (e *Engine) MatchText(ctx context.Context, text string, limit int) (*MatchResult, error) {
	e.mu.RLock()
	if e.state == stateEmpty {
		e.mu.RUnlock()
		return nil, apperrors.New(apperrors.ErrInvalidState, 409,
			"match requires a built reference corpus")
	}
	ix := e.ix
	weights := e.weights
	clusters := e.clusters
	e.mu.RUnlock()

	tokens := e.norm.Tokens(text)
	if len(tokens) == 0 {
		return &MatchResult{Matched: false, Reason: "no valid tokens"}, nil
	}
	scores := candidate.ScoreTokens(tokens, ix, weights)

	candidates := make([]MatchCandidate, 0, len(scores))
	for rid, score := range scores {
		cid, ok := clusters[rid]
		if !ok || score < e.cfg.SimilarityThreshold {
			continue
		}
		candidates = append(candidates, MatchCandidate{RecordID: rid, ClusterID: cid, Score: score})
	}
	if len(candidates) == 0 {
		return &MatchResult{Matched: false, Reason: "no candidates above threshold"}, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].RecordID < candidates[j].RecordID
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	top := candidates[0]
	return &MatchResult{
		Matched:    true,
		ClusterID:  top.ClusterID,
		RecordID:   top.RecordID,
		Score:      top.Score,
		Candidates: candidates,
	}, nil
}

// Reconcile re-runs the full pipeline over records that Infer failed to
// place, with a fresh index and an independently computed weight table
// scoped to that subset. Scores here are therefore not on the same scale as
// Infer scores; that asymmetry is deliberate, since the statistical
// population differs. Newly discovered clusters are merged into the mapping
// under NEW_<n> ids that never collide with existing ones.
func (e *Engine) Reconcile(ctx context.Context, unmatched []Record) (*ReconcileSummary, error) {
	e.mu.RLock()
	st := e.state
	e.mu.RUnlock()
	if st != stateInferred && st != stateReconciled {
		return nil, apperrors.New(apperrors.ErrInvalidState, 409,
			"reconcile requires a prior inference pass")
	}

	summary := &ReconcileSummary{TotalUnassigned: len(unmatched)}
	if len(unmatched) == 0 {
		return summary, nil
	}

	ix, err := e.indexRecords(ctx, unmatched)
	if err != nil {
		return nil, err
	}
	weights := weight.Compute(ix)
	pairs, err := candidate.SelfJoin(ctx, ix, weights, e.workers())
	if err != nil {
		return nil, fmt.Errorf("generating candidate pairs: %w", err)
	}
	components := cluster.Components(pairs, e.cfg.SimilarityThreshold)

	// Number new clusters in canonical-label order so the renaming is
	// deterministic regardless of map iteration.
	labels := make([]string, 0)
	seen := make(map[string]struct{})
	for _, label := range components {
		if _, ok := seen[label]; !ok {
			seen[label] = struct{}{}
			labels = append(labels, label)
		}
	}
	sort.Strings(labels)

	e.mu.Lock()
	renamed := make(map[string]string, len(labels))
	for _, label := range labels {
		e.reconcileSeq++
		renamed[label] = fmt.Sprintf("%s%d", newClusterPrefix, e.reconcileSeq)
	}
	for rid, label := range components {
		e.clusters[rid] = renamed[label]
	}
	e.state = stateReconciled
	e.mu.Unlock()

	summary.NewlyClustered = len(components)
	summary.NewClusters = len(labels)
	summary.StillUnassigned = summary.TotalUnassigned - summary.NewlyClustered
	e.logger.Info("reconcile complete",
		"total_unassigned", summary.TotalUnassigned,
		"newly_clustered", summary.NewlyClustered,
		"new_clusters", summary.NewClusters,
		"still_unassigned", summary.StillUnassigned,
	)
	return summary, nil
}

// Assignments returns a copy of the record→cluster mapping.
func (e *Engine) Assignments() map[string]string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]string, len(e.clusters))
	for k, v := range e.clusters {
		out[k] = v
	}
	return out
}

// ClusterID returns the cluster for one record, if any.
func (e *Engine) ClusterID(recordID string) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	cid, ok := e.clusters[recordID]
	return cid, ok
}

// Summary recomputes the corpus summary from current state.
func (e *Engine) Summary() *BuildSummary {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.state == stateEmpty {
		return &BuildSummary{}
	}
	return buildSummary(e.ix.RecordCount(), e.ix, e.clusters)
}

// indexRecords normalizes records in parallel and inserts their token sets
// into a fresh index. The index is mutex-guarded, and insertion order does
// not affect any downstream computation.
func (e *Engine) indexRecords(ctx context.Context, records []Record) (*index.Index, error) {
	ix := index.New()
	if len(records) == 0 {
		return ix, nil
	}
	workers := e.workers()
	if workers > len(records) {
		workers = len(records)
	}
	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		part := records[w*len(records)/workers : (w+1)*len(records)/workers]
		g.Go(func() error {
			for _, r := range part {
				if err := ctx.Err(); err != nil {
					return err
				}
				ix.Add(r.ID, e.norm.Tokens(r.Text))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return ix, nil
}

func (e *Engine) workers() int {
	if e.cfg.Workers > 0 {
		return e.cfg.Workers
	}
	return runtime.GOMAXPROCS(0)
}

func bestMatch(recordID string, scores map[string]float64, clusters map[string]string, threshold float64) Inference {
	best := Inference{RecordID: recordID, Status: StatusUnmatched}
	var bestScore float64
	var bestRef string
	for rid, score := range scores {
		if _, clustered := clusters[rid]; !clustered {
			continue
		}
		// Ties break toward the smaller reference id for determinism.
		if score > bestScore || (score == bestScore && bestRef != "" && rid < bestRef) {
			bestScore = score
			bestRef = rid
		}
	}
	if bestRef == "" || bestScore < threshold {
		return best
	}
	best.Status = StatusMatched
	best.ClusterID = clusters[bestRef]
	best.MatchedRecordID = bestRef
	best.Score = bestScore
	return best
}

func buildSummary(totalRecords int, ix *index.Index, clusters map[string]string) *BuildSummary {
	distinct := make(map[string]struct{}, len(clusters))
	for _, cid := range clusters {
		distinct[cid] = struct{}{}
	}
	s := &BuildSummary{
		TotalRecords:       totalRecords,
		IndexedRecords:     ix.RecordCount(),
		ClusteredRecords:   len(clusters),
		UnclusteredRecords: totalRecords - len(clusters),
		ClusterCount:       len(distinct),
		TokenCount:         ix.TokenCount(),
	}
	if s.ClusterCount > 0 {
		s.AvgClusterSize = round2(float64(s.ClusteredRecords) / float64(s.ClusterCount))
	}
	return s
}
