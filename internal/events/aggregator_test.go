package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func feed(t *testing.T, agg *Aggregator, event any) {
	t.Helper()
	payload, err := json.Marshal(event)
	require.NoError(t, err)
	require.NoError(t, HandleEvent(agg)(context.Background(), nil, payload))
}

func TestAggregatorRunEvents(t *testing.T) {
	agg := NewAggregator(nil)

	feed(t, agg, RunEvent{Type: EventBuild, Dataset: "txns", TotalRecords: 100, LatencyMs: 40, Timestamp: time.Now()})
	feed(t, agg, RunEvent{Type: EventInfer, Dataset: "txns", Matched: 8, Unmatched: 2, LatencyMs: 20, Timestamp: time.Now()})
	feed(t, agg, RunEvent{Type: EventReconcile, Dataset: "vendors", NewClusters: 3, LatencyMs: 60, Timestamp: time.Now()})

	stats := agg.Stats()
	assert.Equal(t, int64(1), stats.TotalBuilds)
	assert.Equal(t, int64(1), stats.TotalInfers)
	assert.Equal(t, int64(1), stats.TotalReconciles)
	assert.Equal(t, int64(0), stats.TotalMatches)
	assert.Equal(t, 40.0, stats.AvgLatencyMs)
	assert.Equal(t, int64(40), stats.P50LatencyMs)
	assert.Equal(t, int64(60), stats.P95LatencyMs)

	require.Len(t, stats.TopDatasets, 2)
	assert.Equal(t, DatasetCount{Dataset: "txns", Count: 2}, stats.TopDatasets[0])
	assert.Equal(t, DatasetCount{Dataset: "vendors", Count: 1}, stats.TopDatasets[1])
}

func TestAggregatorMatchEvents(t *testing.T) {
	agg := NewAggregator(nil)

	feed(t, agg, MatchEvent{Type: EventMatch, Dataset: "txns", Text: "NETFLIX", Matched: true, CacheHit: true, LatencyMs: 2})
	feed(t, agg, MatchEvent{Type: EventMatch, Dataset: "txns", Text: "NETFLIX", Matched: true, CacheHit: false, LatencyMs: 10})
	feed(t, agg, MatchEvent{Type: EventMatch, Dataset: "txns", Text: "MYSTERY VENDOR", Matched: false, CacheHit: false, LatencyMs: 12})
	feed(t, agg, MatchEvent{Type: EventMatch, Dataset: "txns", Text: "MYSTERY VENDOR", Matched: false, CacheHit: false, LatencyMs: 8})

	stats := agg.Stats()
	assert.Equal(t, int64(4), stats.TotalMatches)
	assert.Equal(t, int64(2), stats.MatchedLookups)
	assert.Equal(t, int64(2), stats.UnmatchedLookups)
	assert.Equal(t, int64(1), stats.CacheHits)
	assert.Equal(t, int64(3), stats.CacheMisses)
	assert.Equal(t, 50.0, stats.MatchRatePct)

	require.Len(t, stats.UnmatchedTexts, 1)
	assert.Equal(t, TextCount{Text: "MYSTERY VENDOR", Count: 2}, stats.UnmatchedTexts[0])
}

func TestAggregatorSkipsBadPayloads(t *testing.T) {
	agg := NewAggregator(nil)

	// Decode failures are swallowed so the consumer keeps advancing.
	assert.NoError(t, HandleEvent(agg)(context.Background(), nil, []byte("not json")))
	assert.NoError(t, HandleEvent(agg)(context.Background(), nil, []byte(`{"type":"build"`)))

	stats := agg.Stats()
	assert.Equal(t, int64(0), stats.TotalBuilds)
	assert.Equal(t, int64(0), stats.TotalMatches)
}

func TestAggregatorTopDatasetsOrdering(t *testing.T) {
	agg := NewAggregator(nil)
	for i := 0; i < 3; i++ {
		feed(t, agg, RunEvent{Type: EventBuild, Dataset: "busy", LatencyMs: 1})
	}
	feed(t, agg, RunEvent{Type: EventBuild, Dataset: "alpha", LatencyMs: 1})
	feed(t, agg, RunEvent{Type: EventBuild, Dataset: "beta", LatencyMs: 1})

	stats := agg.Stats()
	require.Len(t, stats.TopDatasets, 3)
	assert.Equal(t, "busy", stats.TopDatasets[0].Dataset)
	// Equal counts fall back to name order.
	assert.Equal(t, "alpha", stats.TopDatasets[1].Dataset)
	assert.Equal(t, "beta", stats.TopDatasets[2].Dataset)
}

func TestAggregatorEmptyStats(t *testing.T) {
	agg := NewAggregator(nil)
	stats := agg.Stats()
	assert.Equal(t, 0.0, stats.MatchRatePct)
	assert.Equal(t, 0.0, stats.AvgLatencyMs)
	assert.Empty(t, stats.TopDatasets)
	assert.Empty(t, stats.UnmatchedTexts)
}
