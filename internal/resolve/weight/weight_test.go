package weight

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/incredibeau/specific-affinity/internal/resolve/index"
)

// buildIndex indexes a record id → token list map.
func buildIndex(records map[string][]string) *index.Index {
	ix := index.New()
	for id, tokens := range records {
		ix.Add(id, tokens)
	}
	return ix
}

func TestComputeBoundsAndExtremes(t *testing.T) {
	// netflix appears in 4 of 7 records, the phone-number parts in 2,
	// everything else in exactly 1.
	ix := buildIndex(map[string][]string{
		"t1": {"netflix", "866", "579", "7172"},
		"t2": {"netflix"},
		"t3": {"netflix", "866", "579", "7172", "ca"},
		"t4": {"netflix"},
		"t5": {"shell", "oil", "574477900"},
		"t6": {"shell", "oil", "574477905"},
		"t7": {"unique", "vendor", "xyz"},
	})
	table := Compute(ix)
	require.Len(t, table, 12)

	for token, w := range table {
		assert.GreaterOrEqual(t, w, 0.0, "token %s", token)
		assert.LessOrEqual(t, w, 1.0, "token %s", token)
	}

	// Most frequent token pins the bottom of the scale, rarest the top.
	assert.Equal(t, 0.0, table.Weight("netflix"))
	assert.Equal(t, 1.0, table.Weight("ca"))
	assert.Equal(t, 1.0, table.Weight("unique"))

	// The frequency-2 tokens sit exactly halfway: ln(avg/f2)-ln(avg/f4)
	// equals ln(2) and the full spread is ln(4).
	assert.Equal(t, 0.5, table.Weight("866"))
	assert.Equal(t, 0.5, table.Weight("shell"))
	assert.Equal(t, 0.5, table.Weight("oil"))
}

func TestComputeUniformFrequencies(t *testing.T) {
	// Every token has the same frequency, so the log-weight spread is zero
	// and every weight collapses to 0.
	ix := buildIndex(map[string][]string{
		"t1": {"alpha", "beta"},
		"t2": {"gamma", "delta"},
	})
	table := Compute(ix)
	require.Len(t, table, 4)
	for token, w := range table {
		assert.Equal(t, 0.0, w, "token %s", token)
	}
}

func TestComputeEmptyIndex(t *testing.T) {
	assert.Empty(t, Compute(index.New()))
}

func TestComputeDeterministic(t *testing.T) {
	records := map[string][]string{
		"t1": {"netflix", "866"},
		"t2": {"netflix"},
		"t3": {"shell", "oil"},
		"t4": {"shell", "oil", "866"},
	}
	first := Compute(buildIndex(records))
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, Compute(buildIndex(records)))
	}
}

func TestWeightUnknownToken(t *testing.T) {
	table := Table{"known": 0.5}
	assert.Equal(t, 0.0, table.Weight("unknown"))
}

func TestClone(t *testing.T) {
	table := Table{"a": 0.25, "b": 0.75}
	clone := table.Clone()
	clone["a"] = 0.99
	assert.Equal(t, 0.25, table["a"])
	assert.Equal(t, 0.75, clone["b"])
}
