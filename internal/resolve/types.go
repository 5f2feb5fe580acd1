package resolve

import (
	"math"
	"time"

	apperrors "github.com/incredibeau/specific-affinity/pkg/errors"
)

// Record is one text-bearing input row. Only ID and Text participate in
// matching; Amount, Date, and Group ride along untouched for the
// categorization collaborator.
type Record struct {
	ID     string    `json:"id"`
	Text   string    `json:"text"`
	Amount float64   `json:"amount,omitempty"`
	Date   time.Time `json:"date,omitempty"`
	Group  string    `json:"group,omitempty"`
}

// Config holds the matching parameters for one dataset.
type Config struct {
	// SimilarityThreshold is the minimum summed token weight for two
	// records to be considered the same entity. Must be in (0, 1].
	SimilarityThreshold float64 `json:"similarity_threshold" yaml:"similarityThreshold"`
	// StopWords lists tokens excluded from blocking. Nil means the
	// default list; an explicit empty list disables filtering.
	StopWords []string `json:"stop_words" yaml:"stopWords"`
	// MinTokenLength drops tokens shorter than this many characters.
	MinTokenLength int `json:"min_token_length" yaml:"minTokenLength"`
	// Workers bounds the parallel fan-out; 0 means GOMAXPROCS.
	Workers int `json:"workers,omitempty" yaml:"workers"`
}

// Validate rejects configurations before any processing happens.
func (c Config) Validate() error {
	if c.SimilarityThreshold <= 0 || c.SimilarityThreshold > 1 {
		return apperrors.Newf(apperrors.ErrInvalidConfig, 400,
			"similarity threshold %v outside (0, 1]", c.SimilarityThreshold)
	}
	if c.MinTokenLength < 1 {
		return apperrors.Newf(apperrors.ErrInvalidConfig, 400,
			"min token length %d must be at least 1", c.MinTokenLength)
	}
	if c.Workers < 0 {
		return apperrors.Newf(apperrors.ErrInvalidConfig, 400,
			"workers %d must not be negative", c.Workers)
	}
	return nil
}

// MatchStatus is the per-record outcome of Infer.
type MatchStatus string

const (
	StatusMatched   MatchStatus = "matched"
	StatusUnmatched MatchStatus = "unmatched"
)

// Inference is one query record's result.
type Inference struct {
	RecordID        string      `json:"record_id"`
	Status          MatchStatus `json:"status"`
	ClusterID       string      `json:"assigned_cluster_id,omitempty"`
	MatchedRecordID string      `json:"matched_record_id,omitempty"`
	Score           float64     `json:"score,omitempty"`
}

// BuildSummary reports the outcome of a Build pass.
type BuildSummary struct {
	TotalRecords       int           `json:"total_records"`
	IndexedRecords     int           `json:"indexed_records"`
	ClusteredRecords   int           `json:"clustered_records"`
	UnclusteredRecords int           `json:"unclustered_records"`
	ClusterCount       int           `json:"cluster_count"`
	AvgClusterSize     float64       `json:"avg_cluster_size"`
	TokenCount         int           `json:"token_count"`
	CandidatePairs     int           `json:"candidate_pairs"`
	Duration           time.Duration `json:"-"`
}

// InferSummary aggregates one Infer call.
type InferSummary struct {
	TotalRecords int     `json:"total_records"`
	Matched      int     `json:"matched"`
	Unmatched    int     `json:"unmatched"`
	MatchRatePct float64 `json:"match_rate_pct"`
	AvgScore     float64 `json:"avg_score"`
}

// InferResult carries per-record outcomes plus the aggregate summary.
type InferResult struct {
	Results []Inference  `json:"results"`
	Summary InferSummary `json:"summary"`
}

// ReconcileSummary reports the outcome of clustering the unmatched subset.
type ReconcileSummary struct {
	TotalUnassigned int `json:"total_unassigned"`
	NewlyClustered  int `json:"newly_clustered"`
	NewClusters     int `json:"new_clusters"`
	StillUnassigned int `json:"still_unassigned"`
}

// MatchCandidate is one ranked reference record for a single-text lookup.
type MatchCandidate struct {
	RecordID  string  `json:"record_id"`
	ClusterID string  `json:"cluster_id"`
	Score     float64 `json:"score"`
}

// MatchResult is the outcome of matching one raw text value.
type MatchResult struct {
	Matched    bool             `json:"matched"`
	ClusterID  string           `json:"assigned_cluster_id,omitempty"`
	RecordID   string           `json:"matched_record_id,omitempty"`
	Score      float64          `json:"score,omitempty"`
	Candidates []MatchCandidate `json:"candidates,omitempty"`
	Reason     string           `json:"reason,omitempty"`
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
