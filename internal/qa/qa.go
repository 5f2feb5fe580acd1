// Package qa validates clustering quality from the outside: it consumes only
// the record→cluster mapping and the raw record attributes, never the
// engine's index, weights, or candidate pairs.
package qa

import (
	"math"
	"sort"
	"strings"

	"github.com/incredibeau/specific-affinity/internal/resolve"
	"github.com/incredibeau/specific-affinity/internal/resolve/normalizer"
)

// SizeBucket is one row of the cluster-size distribution.
type SizeBucket struct {
	Category string `json:"category"`
	Clusters int    `json:"clusters"`
	Records  int    `json:"records"`
}

// DiversityIssue flags a cluster whose member texts vary widely, a common
// signature of false merges through an over-shared token.
type DiversityIssue struct {
	ClusterID      string  `json:"cluster_id"`
	RecordCount    int     `json:"record_count"`
	UniqueTexts    int     `json:"unique_texts"`
	DiversityPct   float64 `json:"diversity_pct"`
	LengthVariance int     `json:"length_variance"`
}

// StopWordCandidate is a token so widespread it barely discriminates and is
// worth curating into the stop-word list.
type StopWordCandidate struct {
	Token     string  `json:"token"`
	Frequency int     `json:"frequency"`
	Pct       float64 `json:"pct"`
}

// UnclusteredSample is one unclustered record surfaced for manual review.
type UnclusteredSample struct {
	RecordID   string `json:"record_id"`
	Text       string `json:"text"`
	TextLength int    `json:"text_length"`
}

// Report is the full quality-assurance output.
type Report struct {
	TotalRecords       int                 `json:"total_records"`
	ClusteredRecords   int                 `json:"clustered_records"`
	UnclusteredRecords int                 `json:"unclustered_records"`
	UnclusteredPct     float64             `json:"unclustered_pct"`
	ClusterCount       int                 `json:"cluster_count"`
	SizeDistribution   []SizeBucket        `json:"size_distribution"`
	DiversityIssues    []DiversityIssue    `json:"diversity_issues,omitempty"`
	StopWordCandidates []StopWordCandidate `json:"stop_word_candidates,omitempty"`
	UnclusteredSamples []UnclusteredSample `json:"unclustered_samples,omitempty"`
}

const (
	maxDiversityIssues    = 20
	maxUnclusteredSamples = 10
	// Tokens in more than this share of records are stop-word candidates.
	stopWordCandidatePct = 10.0
)

// Analyze builds the QA report for a clustered corpus. The normalizer must
// match the dataset's matching configuration so token statistics line up
// with what the engine saw.
func Analyze(records []resolve.Record, assignments map[string]string, norm *normalizer.Normalizer) *Report {
	report := &Report{TotalRecords: len(records)}

	clusterSizes := make(map[string]int)
	clusterTexts := make(map[string]map[string]struct{})
	clusterLenSpan := make(map[string][2]int)
	for _, r := range records {
		cid, ok := assignments[r.ID]
		if !ok {
			continue
		}
		report.ClusteredRecords++
		clusterSizes[cid]++
		texts, ok := clusterTexts[cid]
		if !ok {
			texts = make(map[string]struct{})
			clusterTexts[cid] = texts
		}
		texts[r.Text] = struct{}{}
		span, seen := clusterLenSpan[cid]
		n := len(r.Text)
		if !seen {
			span = [2]int{n, n}
		} else {
			if n < span[0] {
				span[0] = n
			}
			if n > span[1] {
				span[1] = n
			}
		}
		clusterLenSpan[cid] = span
	}
	report.UnclusteredRecords = report.TotalRecords - report.ClusteredRecords
	if report.TotalRecords > 0 {
		report.UnclusteredPct = round2(float64(report.UnclusteredRecords) * 100 / float64(report.TotalRecords))
	}
	report.ClusterCount = len(clusterSizes)
	report.SizeDistribution = sizeDistribution(clusterSizes)
	report.DiversityIssues = diversityIssues(clusterSizes, clusterTexts, clusterLenSpan)
	report.StopWordCandidates = stopWordCandidates(records, norm)
	report.UnclusteredSamples = unclusteredSamples(records, assignments)
	return report
}

var sizeCategories = []struct {
	label string
	min   int
	max   int
}{
	{"Singleton (1)", 1, 1},
	{"Pair (2)", 2, 2},
	{"Small (3-5)", 3, 5},
	{"Medium (6-10)", 6, 10},
	{"Large (11-50)", 11, 50},
	{"Very Large (50+)", 51, math.MaxInt},
}

func sizeDistribution(clusterSizes map[string]int) []SizeBucket {
	buckets := make([]SizeBucket, 0, len(sizeCategories))
	for _, cat := range sizeCategories {
		bucket := SizeBucket{Category: cat.label}
		for _, size := range clusterSizes {
			if size >= cat.min && size <= cat.max {
				bucket.Clusters++
				bucket.Records += size
			}
		}
		if bucket.Clusters > 0 {
			buckets = append(buckets, bucket)
		}
	}
	return buckets
}

func diversityIssues(sizes map[string]int, texts map[string]map[string]struct{}, spans map[string][2]int) []DiversityIssue {
	issues := make([]DiversityIssue, 0)
	for cid, unique := range texts {
		if len(unique) <= 1 {
			continue
		}
		span := spans[cid]
		issues = append(issues, DiversityIssue{
			ClusterID:      cid,
			RecordCount:    sizes[cid],
			UniqueTexts:    len(unique),
			DiversityPct:   round2(float64(len(unique)) * 100 / float64(sizes[cid])),
			LengthVariance: span[1] - span[0],
		})
	}
	sort.Slice(issues, func(i, j int) bool {
		if issues[i].DiversityPct != issues[j].DiversityPct {
			return issues[i].DiversityPct > issues[j].DiversityPct
		}
		return issues[i].ClusterID < issues[j].ClusterID
	})
	if len(issues) > maxDiversityIssues {
		issues = issues[:maxDiversityIssues]
	}
	return issues
}

func stopWordCandidates(records []resolve.Record, norm *normalizer.Normalizer) []StopWordCandidate {
	tokenFreq := make(map[string]int)
	indexed := 0
	for _, r := range records {
		tokens := norm.Tokens(r.Text)
		if len(tokens) == 0 {
			continue
		}
		indexed++
		for _, t := range tokens {
			tokenFreq[t]++
		}
	}
	if indexed == 0 {
		return nil
	}
	candidates := make([]StopWordCandidate, 0)
	for token, freq := range tokenFreq {
		pct := float64(freq) * 100 / float64(indexed)
		if pct > stopWordCandidatePct {
			candidates = append(candidates, StopWordCandidate{
				Token:     token,
				Frequency: freq,
				Pct:       round2(pct),
			})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Frequency != candidates[j].Frequency {
			return candidates[i].Frequency > candidates[j].Frequency
		}
		return candidates[i].Token < candidates[j].Token
	})
	return candidates
}

// unclusteredSamples returns the longest unclustered texts first; long texts
// that still matched nothing usually expose normalization gaps.
func unclusteredSamples(records []resolve.Record, assignments map[string]string) []UnclusteredSample {
	samples := make([]UnclusteredSample, 0)
	for _, r := range records {
		if _, ok := assignments[r.ID]; ok {
			continue
		}
		if strings.TrimSpace(r.Text) == "" {
			continue
		}
		samples = append(samples, UnclusteredSample{
			RecordID:   r.ID,
			Text:       r.Text,
			TextLength: len(r.Text),
		})
	}
	sort.Slice(samples, func(i, j int) bool {
		if samples[i].TextLength != samples[j].TextLength {
			return samples[i].TextLength > samples[j].TextLength
		}
		return samples[i].RecordID < samples[j].RecordID
	})
	if len(samples) > maxUnclusteredSamples {
		samples = samples[:maxUnclusteredSamples]
	}
	return samples
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
