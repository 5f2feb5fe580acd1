package candidate

import (
	"context"
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/incredibeau/specific-affinity/internal/resolve/index"
	"github.com/incredibeau/specific-affinity/internal/resolve/weight"
)

func testIndex() (*index.Index, weight.Table) {
	ix := index.New()
	ix.Add("t1", []string{"netflix", "866", "579"})
	ix.Add("t2", []string{"netflix"})
	ix.Add("t3", []string{"netflix", "866", "579"})
	ix.Add("t4", []string{"shell", "oil"})
	ix.Add("t5", []string{"shell", "oil"})
	weights := weight.Table{
		"netflix": 0.0,
		"866":     0.5,
		"579":     0.5,
		"shell":   0.5,
		"oil":     0.25,
	}
	return ix, weights
}

func sortPairs(pairs []Pair) {
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].A != pairs[j].A {
			return pairs[i].A < pairs[j].A
		}
		return pairs[i].B < pairs[j].B
	})
}

func TestSelfJoin(t *testing.T) {
	ix, weights := testIndex()
	pairs, err := SelfJoin(context.Background(), ix, weights, 1)
	require.NoError(t, err)
	sortPairs(pairs)

	// netflix has weight 0, so t2 never pairs at all and the t1-t3 score
	// comes only from the shared phone-number tokens.
	require.Len(t, pairs, 2)
	assert.Equal(t, Pair{A: "t1", B: "t3", Score: 1.0}, pairs[0])
	assert.Equal(t, Pair{A: "t4", B: "t5", Score: 0.75}, pairs[1])
}

func TestSelfJoinPairOrdering(t *testing.T) {
	ix, weights := testIndex()
	pairs, err := SelfJoin(context.Background(), ix, weights, 2)
	require.NoError(t, err)
	for _, p := range pairs {
		assert.Less(t, p.A, p.B)
	}
}

func TestSelfJoinWorkerCountInvariant(t *testing.T) {
	ix := index.New()
	weights := weight.Table{}
	for i := 0; i < 60; i++ {
		tok := fmt.Sprintf("tok%02d", i%12)
		shared := fmt.Sprintf("grp%d", i%4)
		ix.Add(fmt.Sprintf("r%03d", i), []string{tok, shared})
		weights[tok] = 0.3
		weights[shared] = 0.2
	}

	baseline, err := SelfJoin(context.Background(), ix, weights, 1)
	require.NoError(t, err)
	sortPairs(baseline)

	for _, workers := range []int{2, 4, 8, 0} {
		got, err := SelfJoin(context.Background(), ix, weights, workers)
		require.NoError(t, err)
		sortPairs(got)
		assert.Equal(t, baseline, got, "workers=%d", workers)
	}
}

func TestSelfJoinEmptyIndex(t *testing.T) {
	pairs, err := SelfJoin(context.Background(), index.New(), weight.Table{}, 4)
	require.NoError(t, err)
	assert.Empty(t, pairs)
}

func TestSelfJoinCancelled(t *testing.T) {
	ix, weights := testIndex()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := SelfJoin(ctx, ix, weights, 2)
	assert.Error(t, err)
}

func TestCross(t *testing.T) {
	ix, weights := testIndex()
	queries := map[string][]string{
		"q1": {"netflix", "866"},
		"q2": {"electric"},
		"q3": {"shell"},
	}
	scores, err := Cross(context.Background(), queries, ix, weights, 2)
	require.NoError(t, err)

	// q1 reaches every netflix record via 866 (t1, t3) but not t2, since
	// netflix itself carries zero weight.
	assert.Equal(t, map[string]float64{"t1": 0.5, "t3": 0.5}, scores["q1"])
	// q2 shares no tokens with the corpus at all.
	_, ok := scores["q2"]
	assert.False(t, ok)
	assert.Equal(t, map[string]float64{"t4": 0.5, "t5": 0.5}, scores["q3"])
}

func TestCrossWorkerCountInvariant(t *testing.T) {
	ix, weights := testIndex()
	queries := make(map[string][]string)
	for i := 0; i < 30; i++ {
		queries[fmt.Sprintf("q%02d", i)] = []string{"shell", "866"}
	}

	baseline, err := Cross(context.Background(), queries, ix, weights, 1)
	require.NoError(t, err)
	for _, workers := range []int{3, 7, 0} {
		got, err := Cross(context.Background(), queries, ix, weights, workers)
		require.NoError(t, err)
		assert.Equal(t, baseline, got, "workers=%d", workers)
	}
}

func TestScoreTokens(t *testing.T) {
	ix, weights := testIndex()

	scores := ScoreTokens([]string{"866", "579"}, ix, weights)
	assert.Equal(t, map[string]float64{"t1": 1.0, "t3": 1.0}, scores)

	assert.Nil(t, ScoreTokens([]string{"absent"}, ix, weights))
	assert.Nil(t, ScoreTokens(nil, ix, weights))
	// Zero-weight tokens are skipped entirely.
	assert.Nil(t, ScoreTokens([]string{"netflix"}, ix, weights))
}
