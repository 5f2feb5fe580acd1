package events

import "time"

type EventType string

const (
	EventBuild     EventType = "build"
	EventInfer     EventType = "infer"
	EventReconcile EventType = "reconcile"
	EventMatch     EventType = "match"
)

// RunEvent describes one completed Build, Infer, or Reconcile pass.
type RunEvent struct {
	Type             EventType `json:"type"`
	Dataset          string    `json:"dataset"`
	TotalRecords     int       `json:"total_records"`
	ClusteredRecords int       `json:"clustered_records"`
	ClusterCount     int       `json:"cluster_count"`
	Matched          int       `json:"matched,omitempty"`
	Unmatched        int       `json:"unmatched,omitempty"`
	NewClusters      int       `json:"new_clusters,omitempty"`
	LatencyMs        int64     `json:"latency_ms"`
	Timestamp        time.Time `json:"timestamp"`
	RequestID        string    `json:"request_id,omitempty"`
}

// MatchEvent describes one single-text lookup.
type MatchEvent struct {
	Type      EventType `json:"type"`
	Dataset   string    `json:"dataset"`
	Text      string    `json:"text"`
	Matched   bool      `json:"matched"`
	ClusterID string    `json:"cluster_id,omitempty"`
	Score     float64   `json:"score,omitempty"`
	CacheHit  bool      `json:"cache_hit"`
	LatencyMs int64     `json:"latency_ms"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
}
