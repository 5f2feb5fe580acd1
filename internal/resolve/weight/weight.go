// Package weight computes corpus-relative discriminative weights for tokens.
// The scheme is an inverse-document-frequency variant: a token's raw
// frequency is compared against the mean raw frequency of the corpus, the
// ratio is log-transformed, and the result is min-max normalized so rare
// tokens land near 1 and ubiquitous tokens near 0.
//
// Weights are only meaningful against the statistics of the index they were
// computed from; a Table must be discarded whenever its reference corpus
// changes.
package weight

import (
	"math"

	"github.com/incredibeau/specific-affinity/internal/resolve/index"
)

// Table maps token → weight in [0, 1], rounded to four decimal places.
type Table map[string]float64

// Compute derives the weight table from an inverted index. An empty index
// yields an empty table.
func Compute(ix *index.Index) Table {
	totalRecords := ix.RecordCount()
	if totalRecords == 0 {
		return Table{}
	}
	tokens := ix.Tokens()
	if len(tokens) == 0 {
		return Table{}
	}

	rawFreq := make(map[string]float64, len(tokens))
	var sum float64
	for _, t := range tokens {
		rf := float64(ix.Frequency(t)) / float64(totalRecords)
		rawFreq[t] = rf
		sum += rf
	}
	avgRawFreq := sum / float64(len(tokens))

	logWeights := make(map[string]float64, len(tokens))
	minLog := math.Inf(1)
	maxLog := math.Inf(-1)
	for _, t := range tokens {
		if t == "" || rawFreq[t] == 0 {
			continue
		}
		ratio := avgRawFreq / rawFreq[t]
		if ratio <= 0 {
			continue
		}
		lw := math.Log(ratio)
		logWeights[t] = lw
		if lw < minLog {
			minLog = lw
		}
		if lw > maxLog {
			maxLog = lw
		}
	}
	if len(logWeights) == 0 {
		return Table{}
	}

	table := make(Table, len(logWeights))
	spread := maxLog - minLog
	for t, lw := range logWeights {
		var w float64
		if spread != 0 {
			w = (lw - minLog) / spread
		}
		table[t] = round4(w)
	}
	return table
}

// Weight returns the token's weight, or 0 when the token is unknown.
func (t Table) Weight(token string) float64 {
	return t[token]
}

// Clone returns an independent copy of the table.
func (t Table) Clone() Table {
	out := make(Table, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
