// Package categorize classifies clustered records by their temporal and
// amount patterns: subscriptions (regular cadence, stable amount), recurring
// charges (regular cadence, varying amount), and one-time items. It consumes
// only the record→cluster mapping and the records' pass-through attributes;
// the resolution engine's internals are never touched.
package categorize

import (
	"math"
	"sort"
	"time"

	"github.com/incredibeau/specific-affinity/internal/resolve"
)

// Type is a cluster or record category.
type Type string

const (
	TypeSubscription Type = "subscription"
	TypeRecurring    Type = "recurring"
	TypeOneTime      Type = "one-time"
)

// Cadence bounds: a cluster must repeat on a weekly-to-monthly rhythm to be
// considered regular at all.
const (
	minRegularGapDays = 7
	maxRegularGapDays = 35

	maxSubscriptionAmountCV = 0.1
	maxRegularDateCV        = 0.3
)

// Options tunes per-record classification tolerances.
type Options struct {
	// AmountThresholdPct is the maximum percentage difference between
	// consecutive amounts still counted as "the same" amount.
	AmountThresholdPct float64
	// DateThresholdDays is the allowed deviation from the cluster's usual
	// gap for a record to count as on-schedule.
	DateThresholdDays int
}

// DefaultOptions mirrors the tolerances transaction data is usually
// analyzed with.
func DefaultOptions() Options {
	return Options{AmountThresholdPct: 5.0, DateThresholdDays: 3}
}

// ClusterProfile is the pattern analysis for one cluster.
type ClusterProfile struct {
	ClusterID     string    `json:"cluster_id"`
	Type          Type      `json:"type"`
	RecordCount   int       `json:"record_count"`
	GroupCount    int       `json:"group_count"`
	AvgAmount     float64   `json:"avg_amount"`
	AmountCV      float64   `json:"amount_cv"`
	DateCV        float64   `json:"date_cv"`
	CommonGapDays int       `json:"common_gap_days"`
	FirstDate     time.Time `json:"first_date,omitempty"`
	LastDate      time.Time `json:"last_date,omitempty"`
}

// RecordCategory is the classification of one record.
type RecordCategory struct {
	RecordID  string `json:"record_id"`
	ClusterID string `json:"cluster_id"`
	Type      Type   `json:"type"`
}

// TypeStats counts clusters and records per category.
type TypeStats struct {
	Clusters int `json:"clusters"`
	Records  int `json:"records"`
}

// Report is the full categorization output.
type Report struct {
	Clusters     []ClusterProfile   `json:"clusters"`
	Records      []RecordCategory   `json:"records"`
	RecordTypes  map[Type]int       `json:"record_types"`
	ClusterTypes map[Type]TypeStats `json:"cluster_types"`
}

// Analyze classifies every clustered record. Records without a cluster
// assignment are ignored; records without a date only receive the cluster's
// default type.
func Analyze(records []resolve.Record, assignments map[string]string, opts Options) *Report {
	if opts.AmountThresholdPct <= 0 {
		opts.AmountThresholdPct = DefaultOptions().AmountThresholdPct
	}
	if opts.DateThresholdDays <= 0 {
		opts.DateThresholdDays = DefaultOptions().DateThresholdDays
	}

	byCluster := make(map[string][]resolve.Record)
	for _, r := range records {
		if cid, ok := assignments[r.ID]; ok {
			byCluster[cid] = append(byCluster[cid], r)
		}
	}
	clusterIDs := make([]string, 0, len(byCluster))
	for cid := range byCluster {
		clusterIDs = append(clusterIDs, cid)
	}
	sort.Strings(clusterIDs)

	report := &Report{
		Clusters:     make([]ClusterProfile, 0, len(byCluster)),
		Records:      make([]RecordCategory, 0, len(records)),
		RecordTypes:  make(map[Type]int),
		ClusterTypes: make(map[Type]TypeStats),
	}
	for _, cid := range clusterIDs {
		members := byCluster[cid]
		profile := profileCluster(cid, members)
		report.Clusters = append(report.Clusters, profile)
		stats := report.ClusterTypes[profile.Type]
		stats.Clusters++
		stats.Records += profile.RecordCount
		report.ClusterTypes[profile.Type] = stats

		for _, rc := range categorizeMembers(profile, members, opts) {
			report.RecordTypes[rc.Type]++
			report.Records = append(report.Records, rc)
		}
	}
	return report
}

func profileCluster(clusterID string, members []resolve.Record) ClusterProfile {
	p := ClusterProfile{
		ClusterID:   clusterID,
		RecordCount: len(members),
	}
	groups := make(map[string]struct{})
	amounts := make([]float64, 0, len(members))
	for _, r := range members {
		groups[r.Group] = struct{}{}
		amounts = append(amounts, r.Amount)
		if !r.Date.IsZero() {
			if p.FirstDate.IsZero() || r.Date.Before(p.FirstDate) {
				p.FirstDate = r.Date
			}
			if r.Date.After(p.LastDate) {
				p.LastDate = r.Date
			}
		}
	}
	p.GroupCount = len(groups)

	avgAmount, sdAmount := meanStddev(amounts)
	p.AvgAmount = avgAmount
	if avgAmount != 0 {
		p.AmountCV = sdAmount / avgAmount
	}

	gaps := dayGaps(members)
	gapFloats := make([]float64, len(gaps))
	for i, g := range gaps {
		gapFloats[i] = float64(g)
	}
	avgGap, sdGap := meanStddev(gapFloats)
	if avgGap != 0 {
		p.DateCV = sdGap / avgGap
	}
	p.CommonGapDays = modeGap(gaps)

	p.Type = clusterType(p)
	return p
}

func clusterType(p ClusterProfile) Type {
	regular := p.CommonGapDays >= minRegularGapDays && p.CommonGapDays <= maxRegularGapDays &&
		p.DateCV < maxRegularDateCV
	switch {
	case regular && (p.AmountCV < maxSubscriptionAmountCV || p.RecordCount < 3):
		return TypeSubscription
	case regular:
		return TypeRecurring
	default:
		return TypeOneTime
	}
}

// categorizeMembers walks each (cluster, group) series in date order. The
// first record of a series takes the cluster default; later records are
// judged by whether they land on the cluster's usual gap and whether the
// amount moved relative to the previous charge.
func categorizeMembers(p ClusterProfile, members []resolve.Record, opts Options) []RecordCategory {
	byGroup := make(map[string][]resolve.Record)
	for _, r := range members {
		byGroup[r.Group] = append(byGroup[r.Group], r)
	}
	groupIDs := make([]string, 0, len(byGroup))
	for g := range byGroup {
		groupIDs = append(groupIDs, g)
	}
	sort.Strings(groupIDs)

	out := make([]RecordCategory, 0, len(members))
	for _, g := range groupIDs {
		series := byGroup[g]
		sortByDate(series)
		for i, r := range series {
			rc := RecordCategory{RecordID: r.ID, ClusterID: p.ClusterID, Type: p.Type}
			if i > 0 {
				prev := series[i-1]
				rc.Type = recordType(p, prev, r, opts)
			}
			out = append(out, rc)
		}
	}
	return out
}

func recordType(p ClusterProfile, prev, cur resolve.Record, opts Options) Type {
	if prev.Date.IsZero() || cur.Date.IsZero() || p.CommonGapDays == 0 {
		return TypeOneTime
	}
	gap := daysBetween(prev.Date, cur.Date)
	onSchedule := abs(gap-p.CommonGapDays) <= opts.DateThresholdDays
	if !onSchedule {
		return TypeOneTime
	}
	if cur.Amount == prev.Amount {
		return TypeSubscription
	}
	if prev.Amount != 0 {
		pctDiff := math.Abs(cur.Amount-prev.Amount) * 100 / math.Abs(prev.Amount)
		if pctDiff <= opts.AmountThresholdPct {
			return TypeSubscription
		}
	}
	return TypeRecurring
}

// dayGaps returns the positive day gaps between consecutive dated records
// within each (cluster, group) series.
func dayGaps(members []resolve.Record) []int {
	byGroup := make(map[string][]resolve.Record)
	for _, r := range members {
		if !r.Date.IsZero() {
			byGroup[r.Group] = append(byGroup[r.Group], r)
		}
	}
	var gaps []int
	for _, series := range byGroup {
		sortByDate(series)
		for i := 1; i < len(series); i++ {
			if gap := daysBetween(series[i-1].Date, series[i].Date); gap > 0 {
				gaps = append(gaps, gap)
			}
		}
	}
	return gaps
}

// modeGap returns the most frequent gap; ties go to the smaller gap so the
// result is deterministic.
func modeGap(gaps []int) int {
	counts := make(map[int]int, len(gaps))
	for _, g := range gaps {
		counts[g]++
	}
	best, bestCount := 0, 0
	for g, c := range counts {
		if c > bestCount || (c == bestCount && g < best) {
			best, bestCount = g, c
		}
	}
	return best
}

func sortByDate(series []resolve.Record) {
	sort.Slice(series, func(i, j int) bool {
		if !series[i].Date.Equal(series[j].Date) {
			return series[i].Date.Before(series[j].Date)
		}
		return series[i].ID < series[j].ID
	})
}

func daysBetween(a, b time.Time) int {
	return int(b.Sub(a).Hours() / 24)
}

// meanStddev returns the mean and sample standard deviation.
func meanStddev(values []float64) (mean, stddev float64) {
	if len(values) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean = sum / float64(len(values))
	if len(values) < 2 {
		return mean, 0
	}
	var sq float64
	for _, v := range values {
		sq += (v - mean) * (v - mean)
	}
	return mean, math.Sqrt(sq / float64(len(values)-1))
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
