// Package candidate generates scored record pairs by joining posting lists,
// never by comparing records pairwise. Only records sharing at least one
// token are ever scored, which keeps cost proportional to the squared sizes
// of posting lists rather than the squared corpus size.
//
// Near-ubiquitous tokens that survive stop-word filtering are the operational
// risk here: a posting list of n records contributes n*(n-1)/2 pairs. Stop
// word curation and the minimum token length are load-bearing parameters,
// not cosmetic ones.
package candidate

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/incredibeau/specific-affinity/internal/resolve/index"
	"github.com/incredibeau/specific-affinity/internal/resolve/weight"
)

// Pair is a scored candidate with A < B strictly, so no pair is emitted
// twice and no record pairs with itself.
type Pair struct {
	A     string
	B     string
	Score float64
}

type pairKey struct {
	a, b string
}

// SelfJoin scores every record pair sharing at least one indexed token. For
// each token, all distinct-id pairs in its posting list accumulate the
// token's weight. Emission order is unspecified.
//
// Tokens are partitioned across workers and partial sums merged afterwards;
// summation is associative and commutative, so the parallel result is
// identical to a sequential pass.
func SelfJoin(ctx context.Context, ix *index.Index, weights weight.Table, workers int) ([]Pair, error) {
	tokens := ix.Tokens()
	if len(tokens) == 0 {
		return nil, nil
	}
	if workers < 1 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers > len(tokens) {
		workers = len(tokens)
	}

	partials := make([]map[pairKey]float64, workers)
	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		scores := make(map[pairKey]float64)
		partials[w] = scores
		part := tokens[w*len(tokens)/workers : (w+1)*len(tokens)/workers]
		g.Go(func() error {
			for _, token := range part {
				if err := ctx.Err(); err != nil {
					return err
				}
				tw := weights.Weight(token)
				if tw == 0 {
					continue
				}
				ids := ix.Postings(token)
				for i := 0; i < len(ids); i++ {
					for j := i + 1; j < len(ids); j++ {
						// Postings are sorted, so ids[i] < ids[j] holds.
						scores[pairKey{ids[i], ids[j]}] += tw
					}
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := partials[0]
	for _, part := range partials[1:] {
		for k, v := range part {
			merged[k] += v
		}
	}
	pairs := make([]Pair, 0, len(merged))
	for k, score := range merged {
		pairs = append(pairs, Pair{A: k.a, B: k.b, Score: score})
	}
	return pairs, nil
}

// Cross scores each query token set against every reference record sharing a
// token. The returned map is query record id → reference record id → summed
// weight. Queries are independent, so they are simply partitioned across
// workers.
func Cross(ctx context.Context, queries map[string][]string, ref *index.Index, weights weight.Table, workers int) (map[string]map[string]float64, error) {
	if len(queries) == 0 {
		return map[string]map[string]float64{}, nil
	}
	queryIDs := make([]string, 0, len(queries))
	for id := range queries {
		queryIDs = append(queryIDs, id)
	}
	if workers < 1 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers > len(queryIDs) {
		workers = len(queryIDs)
	}

	results := make([]map[string]map[string]float64, workers)
	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		out := make(map[string]map[string]float64)
		results[w] = out
		part := queryIDs[w*len(queryIDs)/workers : (w+1)*len(queryIDs)/workers]
		g.Go(func() error {
			for _, qid := range part {
				if err := ctx.Err(); err != nil {
					return err
				}
				scores := ScoreTokens(queries[qid], ref, weights)
				if len(scores) > 0 {
					out[qid] = scores
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := make(map[string]map[string]float64, len(queries))
	for _, part := range results {
		for qid, scores := range part {
			merged[qid] = scores
		}
	}
	return merged, nil
}

// ScoreTokens scores a single token set against the reference index,
// returning reference record id → summed weight for every reference record
// sharing at least one token.
func ScoreTokens(tokens []string, ref *index.Index, weights weight.Table) map[string]float64 {
	var scores map[string]float64
	for _, token := range tokens {
		tw := weights.Weight(token)
		if tw == 0 {
			continue
		}
		for _, rid := range ref.Postings(token) {
			if scores == nil {
				scores = make(map[string]float64)
			}
			scores[rid] += tw
		}
	}
	return scores
}
