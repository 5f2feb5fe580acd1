package resolve

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/incredibeau/specific-affinity/pkg/errors"
)

func testConfig() Config {
	return Config{SimilarityThreshold: 0.5, MinTokenLength: 2}
}

// referenceRecords is a small vendor corpus: two netflix variants carry the
// same phone number, two shell records share shell+oil, and the rest share
// nothing discriminative.
func referenceRecords() []Record {
	return []Record{
		{ID: "t1", Text: "NETFLIX.COM 866-579-7172"},
		{ID: "t2", Text: "NETFLIX.COM"},
		{ID: "t3", Text: "Netflix.com 866-579-7172 CA"},
		{ID: "t4", Text: "NETFLIX"},
		{ID: "t5", Text: "SHELL OIL 574477900"},
		{ID: "t6", Text: "SHELL OIL 574477905"},
		{ID: "t7", Text: "UNIQUE VENDOR XYZ"},
	}
}

func builtEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(testConfig())
	require.NoError(t, err)
	_, err = e.Build(context.Background(), referenceRecords())
	require.NoError(t, err)
	return e
}

func TestNewEngineValidation(t *testing.T) {
	for _, cfg := range []Config{
		{SimilarityThreshold: 0, MinTokenLength: 2},
		{SimilarityThreshold: 1.2, MinTokenLength: 2},
		{SimilarityThreshold: -0.5, MinTokenLength: 2},
		{SimilarityThreshold: 0.5, MinTokenLength: 0},
		{SimilarityThreshold: 0.5, MinTokenLength: 2, Workers: -1},
	} {
		_, err := NewEngine(cfg)
		assert.ErrorIs(t, err, apperrors.ErrInvalidConfig, "%+v", cfg)
	}

	e, err := NewEngine(Config{SimilarityThreshold: 1, MinTokenLength: 1})
	require.NoError(t, err)
	assert.Equal(t, "empty", e.State())
}

func TestBuildClusters(t *testing.T) {
	e := builtEngine(t)
	assert.Equal(t, "built", e.State())

	assignments := e.Assignments()
	// t1 and t3 share the phone-number tokens, t5 and t6 share shell+oil.
	// The records connected only through the ubiquitous "netflix" token
	// stay unclustered, as does the singleton t7.
	assert.Equal(t, map[string]string{
		"t1": "t1",
		"t3": "t1",
		"t5": "t5",
		"t6": "t5",
	}, assignments)

	cid, ok := e.ClusterID("t3")
	assert.True(t, ok)
	assert.Equal(t, "t1", cid)
	_, ok = e.ClusterID("t7")
	assert.False(t, ok)
}

func TestBuildSummaryCounts(t *testing.T) {
	e, err := NewEngine(testConfig())
	require.NoError(t, err)
	summary, err := e.Build(context.Background(), referenceRecords())
	require.NoError(t, err)

	assert.Equal(t, 7, summary.TotalRecords)
	assert.Equal(t, 7, summary.IndexedRecords)
	assert.Equal(t, 4, summary.ClusteredRecords)
	assert.Equal(t, 3, summary.UnclusteredRecords)
	assert.Equal(t, 2, summary.ClusterCount)
	assert.Equal(t, 2.0, summary.AvgClusterSize)
	assert.Equal(t, 12, summary.TokenCount)
	assert.Equal(t, 2, summary.CandidatePairs)
}

func TestBuildOrderIndependent(t *testing.T) {
	expected := builtEngine(t).Assignments()

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 5; i++ {
		records := referenceRecords()
		rng.Shuffle(len(records), func(a, b int) {
			records[a], records[b] = records[b], records[a]
		})
		e, err := NewEngine(testConfig())
		require.NoError(t, err)
		_, err = e.Build(context.Background(), records)
		require.NoError(t, err)
		assert.Equal(t, expected, e.Assignments())
	}
}

func TestBuildIdempotent(t *testing.T) {
	e := builtEngine(t)
	first := e.Assignments()
	_, err := e.Build(context.Background(), referenceRecords())
	require.NoError(t, err)
	assert.Equal(t, first, e.Assignments())
}

func TestBuildThresholdMonotone(t *testing.T) {
	// Raising the threshold can only remove candidate pairs, so the number
	// of clustered records and the average cluster size never grow. The
	// corpus has pair scores at two distinct levels ("alpha" links r1/r2/r6,
	// "delta"/"epsilon" link the others more strongly) so the sequence
	// actually steps down.
	records := []Record{
		{ID: "r1", Text: "PAY ALPHA BETA"},
		{ID: "r2", Text: "PAY ALPHA GAMMA"},
		{ID: "r3", Text: "PAY DELTA K1"},
		{ID: "r4", Text: "PAY DELTA K2"},
		{ID: "r5", Text: "PAY EPSILON K3"},
		{ID: "r6", Text: "PAY EPSILON K4 ALPHA"},
	}

	var summaries []*BuildSummary
	for _, threshold := range []float64{0.3, 0.5, 0.7, 1.0} {
		e, err := NewEngine(Config{SimilarityThreshold: threshold, MinTokenLength: 2})
		require.NoError(t, err)
		summary, err := e.Build(context.Background(), records)
		require.NoError(t, err)
		summaries = append(summaries, summary)
	}

	for i := 1; i < len(summaries); i++ {
		assert.LessOrEqual(t, summaries[i].ClusteredRecords, summaries[i-1].ClusteredRecords)
		assert.LessOrEqual(t, summaries[i].AvgClusterSize, summaries[i-1].AvgClusterSize)
	}
	assert.Equal(t, 6, summaries[0].ClusteredRecords)
	assert.Equal(t, 4, summaries[1].ClusteredRecords)
	assert.Equal(t, 0, summaries[len(summaries)-1].ClusteredRecords)
}

func TestBuildEmptyCorpus(t *testing.T) {
	e, err := NewEngine(testConfig())
	require.NoError(t, err)
	summary, err := e.Build(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.TotalRecords)
	assert.Equal(t, 0, summary.ClusterCount)
	assert.Equal(t, "built", e.State())
	assert.Empty(t, e.Assignments())
}

func TestBuildOnlyUbiquitousTokens(t *testing.T) {
	// When the only shared tokens are the corpus's most frequent ones,
	// their normalized weight is zero and nothing ever clusters.
	e, err := NewEngine(testConfig())
	require.NoError(t, err)
	summary, err := e.Build(context.Background(), []Record{
		{ID: "t1", Text: "SHELL OIL 574477900"},
		{ID: "t2", Text: "SHELL OIL 574477905"},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, summary.ClusterCount)
	assert.Empty(t, e.Assignments())
}

func TestInferRequiresBuild(t *testing.T) {
	e, err := NewEngine(testConfig())
	require.NoError(t, err)
	_, err = e.Infer(context.Background(), []Record{{ID: "q1", Text: "NETFLIX"}})
	assert.ErrorIs(t, err, apperrors.ErrInvalidState)
}

func TestInfer(t *testing.T) {
	e := builtEngine(t)
	result, err := e.Infer(context.Background(), []Record{
		{ID: "q1", Text: "NETFLIX 866-579-7172"},
		{ID: "q2", Text: "ELECTRIC COMPANY"},
		{ID: "q3", Text: "UNIQUE VENDOR XYZ"},
		{ID: "q4", Text: "SHELL OIL"},
	})
	require.NoError(t, err)
	require.Len(t, result.Results, 4)
	assert.Equal(t, "inferred", e.State())

	// q1 ties between t1 and t3 at 1.5; the smaller reference id wins.
	q1 := result.Results[0]
	assert.Equal(t, StatusMatched, q1.Status)
	assert.Equal(t, "t1", q1.ClusterID)
	assert.Equal(t, "t1", q1.MatchedRecordID)
	assert.Equal(t, 1.5, q1.Score)

	// q2 shares no tokens with the corpus.
	assert.Equal(t, StatusUnmatched, result.Results[1].Status)

	// q3 scores highly against t7, but t7 belongs to no cluster and is
	// therefore not a valid match target.
	assert.Equal(t, StatusUnmatched, result.Results[2].Status)

	q4 := result.Results[3]
	assert.Equal(t, StatusMatched, q4.Status)
	assert.Equal(t, "t5", q4.ClusterID)
	assert.Equal(t, "t5", q4.MatchedRecordID)
	assert.Equal(t, 1.0, q4.Score)

	assert.Equal(t, 4, result.Summary.TotalRecords)
	assert.Equal(t, 2, result.Summary.Matched)
	assert.Equal(t, 2, result.Summary.Unmatched)
	assert.Equal(t, 50.0, result.Summary.MatchRatePct)
	assert.Equal(t, 1.25, result.Summary.AvgScore)
}

func TestInferDoesNotMutateState(t *testing.T) {
	e := builtEngine(t)
	before := e.Assignments()
	summaryBefore := e.Summary()

	for i := 0; i < 3; i++ {
		_, err := e.Infer(context.Background(), []Record{
			{ID: "q1", Text: "NETFLIX 866-579-7172"},
			{ID: "q2", Text: "BRAND NEW VENDOR"},
		})
		require.NoError(t, err)
	}

	assert.Equal(t, before, e.Assignments())
	assert.Equal(t, summaryBefore, e.Summary())
}

func TestInferEmptyInput(t *testing.T) {
	e := builtEngine(t)
	result, err := e.Infer(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, result.Results)
	assert.Equal(t, 0, result.Summary.TotalRecords)
	assert.Equal(t, 0.0, result.Summary.MatchRatePct)
}

func TestMatchText(t *testing.T) {
	e := builtEngine(t)

	result, err := e.MatchText(context.Background(), "NETFLIX 866-579-7172", 5)
	require.NoError(t, err)
	assert.True(t, result.Matched)
	assert.Equal(t, "t1", result.ClusterID)
	assert.Equal(t, "t1", result.RecordID)
	assert.Equal(t, 1.5, result.Score)
	require.Len(t, result.Candidates, 2)
	assert.Equal(t, "t3", result.Candidates[1].RecordID)

	result, err = e.MatchText(context.Background(), "NETFLIX 866-579-7172", 1)
	require.NoError(t, err)
	assert.Len(t, result.Candidates, 1)

	result, err = e.MatchText(context.Background(), "ELECTRIC COMPANY", 5)
	require.NoError(t, err)
	assert.False(t, result.Matched)
	assert.Equal(t, "no candidates above threshold", result.Reason)

	result, err = e.MatchText(context.Background(), "   ", 5)
	require.NoError(t, err)
	assert.False(t, result.Matched)
	assert.Equal(t, "no valid tokens", result.Reason)
}

func TestMatchTextRequiresBuild(t *testing.T) {
	e, err := NewEngine(testConfig())
	require.NoError(t, err)
	_, err = e.MatchText(context.Background(), "NETFLIX", 5)
	assert.ErrorIs(t, err, apperrors.ErrInvalidState)
}

func TestReconcileRequiresInference(t *testing.T) {
	e, err := NewEngine(testConfig())
	require.NoError(t, err)
	_, err = e.Reconcile(context.Background(), nil)
	assert.ErrorIs(t, err, apperrors.ErrInvalidState)

	_, err = e.Build(context.Background(), referenceRecords())
	require.NoError(t, err)
	_, err = e.Reconcile(context.Background(), nil)
	assert.ErrorIs(t, err, apperrors.ErrInvalidState)
}

func inferredEngine(t *testing.T) *Engine {
	t.Helper()
	e := builtEngine(t)
	_, err := e.Infer(context.Background(), []Record{{ID: "q1", Text: "NETFLIX 866-579-7172"}})
	require.NoError(t, err)
	return e
}

func TestReconcile(t *testing.T) {
	e := inferredEngine(t)

	summary, err := e.Reconcile(context.Background(), []Record{
		{ID: "u1", Text: "ALPHA UTIL METRO 9871"},
		{ID: "u2", Text: "ALPHA UTIL METRO 9872"},
		{ID: "u3", Text: "ALPHA ZETA"},
		{ID: "u4", Text: "OMEGA SOLO"},
	})
	require.NoError(t, err)
	assert.Equal(t, "reconciled", e.State())

	// u1 and u2 share util+metro, weighted from the unmatched subset's own
	// statistics. u3 shares only the ubiquitous alpha, u4 nothing.
	assert.Equal(t, 4, summary.TotalUnassigned)
	assert.Equal(t, 2, summary.NewlyClustered)
	assert.Equal(t, 1, summary.NewClusters)
	assert.Equal(t, 2, summary.StillUnassigned)

	assignments := e.Assignments()
	assert.Equal(t, "NEW_1", assignments["u1"])
	assert.Equal(t, "NEW_1", assignments["u2"])
	_, ok := assignments["u3"]
	assert.False(t, ok)

	// The Build-time clusters survive untouched.
	assert.Equal(t, "t1", assignments["t1"])
	assert.Equal(t, "t5", assignments["t6"])
	assert.Len(t, assignments, 6)
}

func TestReconcileSequenceContinues(t *testing.T) {
	e := inferredEngine(t)

	_, err := e.Reconcile(context.Background(), []Record{
		{ID: "u1", Text: "ALPHA UTIL METRO 9871"},
		{ID: "u2", Text: "ALPHA UTIL METRO 9872"},
		{ID: "u3", Text: "ALPHA ZETA"},
	})
	require.NoError(t, err)

	summary, err := e.Reconcile(context.Background(), []Record{
		{ID: "v1", Text: "KAPPA PHI RHO 11"},
		{ID: "v2", Text: "KAPPA PHI RHO 12"},
		{ID: "v3", Text: "KAPPA MU"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.NewClusters)

	assignments := e.Assignments()
	assert.Equal(t, "NEW_1", assignments["u1"])
	// The second pass continues the sequence instead of reusing NEW_1.
	assert.Equal(t, "NEW_2", assignments["v1"])
	assert.Equal(t, "NEW_2", assignments["v2"])
}

func TestReconcileEmptyInput(t *testing.T) {
	e := inferredEngine(t)
	summary, err := e.Reconcile(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.TotalUnassigned)
	// An empty pass still requires a prior inference but changes nothing.
	assert.Equal(t, "inferred", e.State())
}

func TestRebuildResetsReconcileSequence(t *testing.T) {
	e := inferredEngine(t)
	_, err := e.Reconcile(context.Background(), []Record{
		{ID: "u1", Text: "ALPHA UTIL METRO 9871"},
		{ID: "u2", Text: "ALPHA UTIL METRO 9872"},
	})
	require.NoError(t, err)

	_, err = e.Build(context.Background(), referenceRecords())
	require.NoError(t, err)
	assert.Equal(t, "built", e.State())
	_, ok := e.Assignments()["u1"]
	assert.False(t, ok)

	_, err = e.Infer(context.Background(), []Record{{ID: "q1", Text: "NETFLIX"}})
	require.NoError(t, err)
	_, err = e.Reconcile(context.Background(), []Record{
		{ID: "w1", Text: "KAPPA PHI RHO 11"},
		{ID: "w2", Text: "KAPPA PHI RHO 12"},
		{ID: "w3", Text: "KAPPA MU"},
	})
	require.NoError(t, err)
	assert.Equal(t, "NEW_1", e.Assignments()["w1"])
}

func TestWorkerCountDoesNotChangeResult(t *testing.T) {
	expected := builtEngine(t).Assignments()
	for _, workers := range []int{1, 2, 8} {
		cfg := testConfig()
		cfg.Workers = workers
		e, err := NewEngine(cfg)
		require.NoError(t, err)
		_, err = e.Build(context.Background(), referenceRecords())
		require.NoError(t, err)
		assert.Equal(t, expected, e.Assignments(), "workers=%d", workers)
	}
}

func TestExportRestore(t *testing.T) {
	empty, err := NewEngine(testConfig())
	require.NoError(t, err)
	assert.Nil(t, empty.Export())

	e := inferredEngine(t)
	_, err = e.Reconcile(context.Background(), []Record{
		{ID: "u1", Text: "ALPHA UTIL METRO 9871"},
		{ID: "u2", Text: "ALPHA UTIL METRO 9872"},
	})
	require.NoError(t, err)

	st := e.Export()
	require.NotNil(t, st)
	assert.Equal(t, "reconciled", st.State)

	restored, err := Restore(st)
	require.NoError(t, err)
	assert.Equal(t, "reconciled", restored.State())
	assert.Equal(t, e.Assignments(), restored.Assignments())

	// The restored engine answers match queries identically.
	want, err := e.MatchText(context.Background(), "NETFLIX 866-579-7172", 5)
	require.NoError(t, err)
	got, err := restored.MatchText(context.Background(), "NETFLIX 866-579-7172", 5)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	// And its reconcile sequence picks up where the original left off.
	_, err = restored.Reconcile(context.Background(), []Record{
		{ID: "v1", Text: "KAPPA PHI RHO 11"},
		{ID: "v2", Text: "KAPPA PHI RHO 12"},
		{ID: "v3", Text: "KAPPA MU"},
	})
	require.NoError(t, err)
	assert.Equal(t, "NEW_2", restored.Assignments()["v1"])
}

func TestRestoreRejectsInvalidConfig(t *testing.T) {
	_, err := Restore(&ExportedState{Config: Config{SimilarityThreshold: 2, MinTokenLength: 2}})
	assert.True(t, errors.Is(err, apperrors.ErrInvalidConfig))
}
