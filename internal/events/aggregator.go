// Package events defines the resolution event stream and an in-memory
// aggregator that consumes it from Kafka.
package events

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/incredibeau/specific-affinity/pkg/kafka"
)

// AggregatedStats summarizes the resolution event stream since startup.
type AggregatedStats struct {
	TotalBuilds      int64          `json:"total_builds"`
	TotalInfers      int64          `json:"total_infers"`
	TotalReconciles  int64          `json:"total_reconciles"`
	TotalMatches     int64          `json:"total_matches"`
	MatchedLookups   int64          `json:"matched_lookups"`
	UnmatchedLookups int64          `json:"unmatched_lookups"`
	CacheHits        int64          `json:"cache_hits"`
	CacheMisses      int64          `json:"cache_misses"`
	MatchRatePct     float64        `json:"match_rate_pct"`
	AvgLatencyMs     float64        `json:"avg_latency_ms"`
	P50LatencyMs     int64          `json:"p50_latency_ms"`
	P95LatencyMs     int64          `json:"p95_latency_ms"`
	P99LatencyMs     int64          `json:"p99_latency_ms"`
	TopDatasets      []DatasetCount `json:"top_datasets"`
	UnmatchedTexts   []TextCount    `json:"unmatched_texts"`
	EventsPerMinute  float64        `json:"events_per_minute"`
}

type DatasetCount struct {
	Dataset string `json:"dataset"`
	Count   int64  `json:"count"`
}

type TextCount struct {
	Text  string `json:"text"`
	Count int64  `json:"count"`
}

// Aggregator consumes the resolution event topic and keeps rolling stats.
type Aggregator struct {
	mu             sync.RWMutex
	builds         atomic.Int64
	infers         atomic.Int64
	reconciles     atomic.Int64
	matches        atomic.Int64
	matchedCount   atomic.Int64
	unmatchedCount atomic.Int64
	cacheHits      atomic.Int64
	cacheMisses    atomic.Int64
	latencies      []int64
	datasetCounts  map[string]int64
	unmatchedTexts map[string]int64
	startTime      time.Time

	consumer *kafka.Consumer
	logger   *slog.Logger
}

func NewAggregator(consumer *kafka.Consumer) *Aggregator {
	return &Aggregator{
		latencies:      make([]int64, 0, 10000),
		datasetCounts:  make(map[string]int64),
		unmatchedTexts: make(map[string]int64),
		startTime:      time.Now(),
		consumer:       consumer,
		logger:         slog.Default().With("component", "event-aggregator"),
	}
}

// Start blocks consuming events until ctx is cancelled.
func (a *Aggregator) Start(ctx context.Context) error {
	a.logger.Info("event aggregator starting")
	return a.consumer.Start(ctx)
}

// HandleEvent decodes incoming messages. Match events carry a text field
// which distinguishes them from run events; undecodable payloads are
// logged and skipped so one bad message cannot stall the partition.
func HandleEvent(agg *Aggregator) kafka.MessageHandler {
	return func(ctx context.Context, key []byte, value []byte) error {
		match, err := kafka.DecodeJSON[MatchEvent](value)
		if err == nil && match.Type == EventMatch {
			agg.recordMatchEvent(match)
			return nil
		}
		run, err := kafka.DecodeJSON[RunEvent](value)
		if err != nil {
			agg.logger.Error("failed to decode resolution event", "error", err)
			return nil
		}
		agg.recordRunEvent(run)
		return nil
	}
}

func (a *Aggregator) recordRunEvent(event RunEvent) {
	switch event.Type {
	case EventBuild:
		a.builds.Add(1)
	case EventInfer:
		a.infers.Add(1)
	case EventReconcile:
		a.reconciles.Add(1)
	}

	a.mu.Lock()
	a.latencies = append(a.latencies, event.LatencyMs)
	a.datasetCounts[event.Dataset]++
	a.mu.Unlock()
}

func (a *Aggregator) recordMatchEvent(event MatchEvent) {
	a.matches.Add(1)
	if event.Matched {
		a.matchedCount.Add(1)
	} else {
		a.unmatchedCount.Add(1)
	}
	if event.CacheHit {
		a.cacheHits.Add(1)
	} else {
		a.cacheMisses.Add(1)
	}

	a.mu.Lock()
	a.latencies = append(a.latencies, event.LatencyMs)
	a.datasetCounts[event.Dataset]++
	if !event.Matched {
		a.unmatchedTexts[event.Text]++
	}
	a.mu.Unlock()
}

// Stats returns a snapshot of the aggregated counters.
func (a *Aggregator) Stats() AggregatedStats {
	a.mu.RLock()
	defer a.mu.RUnlock()

	stats := AggregatedStats{
		TotalBuilds:      a.builds.Load(),
		TotalInfers:      a.infers.Load(),
		TotalReconciles:  a.reconciles.Load(),
		TotalMatches:     a.matches.Load(),
		MatchedLookups:   a.matchedCount.Load(),
		UnmatchedLookups: a.unmatchedCount.Load(),
		CacheHits:        a.cacheHits.Load(),
		CacheMisses:      a.cacheMisses.Load(),
	}
	if total := stats.MatchedLookups + stats.UnmatchedLookups; total > 0 {
		stats.MatchRatePct = float64(stats.MatchedLookups) / float64(total) * 100
	}
	if len(a.latencies) > 0 {
		sorted := make([]int64, len(a.latencies))
		copy(sorted, a.latencies)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

		var sum int64
		for _, l := range sorted {
			sum += l
		}
		stats.AvgLatencyMs = float64(sum) / float64(len(sorted))
		stats.P50LatencyMs = percentile(sorted, 50)
		stats.P95LatencyMs = percentile(sorted, 95)
		stats.P99LatencyMs = percentile(sorted, 99)
	}
	stats.TopDatasets = topDatasets(a.datasetCounts, 10)
	stats.UnmatchedTexts = topTexts(a.unmatchedTexts, 10)
	elapsed := time.Since(a.startTime).Minutes()
	if elapsed > 0 {
		totalEvents := stats.TotalBuilds + stats.TotalInfers + stats.TotalReconciles + stats.TotalMatches
		stats.EventsPerMinute = float64(totalEvents) / elapsed
	}

	return stats
}

func percentile(sorted []int64, pct int) int64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := (pct * len(sorted)) / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func topDatasets(counts map[string]int64, n int) []DatasetCount {
	result := make([]DatasetCount, 0, len(counts))
	for dataset, count := range counts {
		result = append(result, DatasetCount{Dataset: dataset, Count: count})
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Count != result[j].Count {
			return result[i].Count > result[j].Count
		}
		return result[i].Dataset < result[j].Dataset
	})
	if len(result) > n {
		result = result[:n]
	}
	return result
}

func topTexts(counts map[string]int64, n int) []TextCount {
	result := make([]TextCount, 0, len(counts))
	for text, count := range counts {
		result = append(result, TextCount{Text: text, Count: count})
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Count != result[j].Count {
			return result[i].Count > result[j].Count
		}
		return result[i].Text < result[j].Text
	})
	if len(result) > n {
		result = result[:n]
	}
	return result
}
