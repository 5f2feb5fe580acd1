// Package normalizer turns raw record text into the deduplicated token set
// used for blocking. It lower-cases input, collapses every non-alphanumeric
// character to a space, splits on whitespace runs, and drops short tokens and
// stop words.
package normalizer

import (
	"sort"
	"strings"
	"unicode"
)

// DefaultStopWords is the stop-word list applied when a dataset configures
// none of its own. It mixes common English function words with tokens that
// are noise in vendor and transaction text (corporate suffixes, URL parts).
var DefaultStopWords = []string{
	"a", "an", "and", "are", "as", "at", "be", "by", "for", "from",
	"has", "he", "in", "is", "it", "its", "of", "on", "or", "that",
	"the", "to", "was", "were", "will", "with", "this", "but", "they",
	"have", "had", "what", "when", "where", "who", "which", "why", "how",
	"all", "each", "every", "both", "few", "more", "most", "other",
	"some", "such", "no", "nor", "not", "only", "own", "same", "so",
	"than", "too", "very", "just", "can", "should", "now", "inc", "llc",
	"corp", "ltd", "co", "www", "com", "net", "org",
}

// Normalizer is a pure, reusable text normalizer. It carries no per-corpus
// state, so one instance can serve Build, Infer, and Reconcile alike.
type Normalizer struct {
	stopWords map[string]struct{}
	minLen    int
}

// New creates a Normalizer with the given stop words and minimum token
// length. A nil stop-word slice falls back to DefaultStopWords; an explicit
// empty slice disables stop-word filtering.
func New(stopWords []string, minTokenLength int) *Normalizer {
	if stopWords == nil {
		stopWords = DefaultStopWords
	}
	set := make(map[string]struct{}, len(stopWords))
	for _, w := range stopWords {
		set[strings.ToLower(w)] = struct{}{}
	}
	if minTokenLength < 1 {
		minTokenLength = 1
	}
	return &Normalizer{stopWords: set, minLen: minTokenLength}
}

// Tokens returns the sorted, deduplicated token set for text. Blank or
// whitespace-only text yields nil, which excludes the record from indexing.
func (n *Normalizer) Tokens(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	text = strings.ToLower(text)
	words := strings.FieldsFunc(text, func(r rune) bool {
		return !isASCIIAlphanumeric(r)
	})

	seen := make(map[string]struct{}, len(words))
	for _, word := range words {
		if len(word) < n.minLen {
			continue
		}
		if _, isStop := n.stopWords[word]; isStop {
			continue
		}
		seen[word] = struct{}{}
	}
	if len(seen) == 0 {
		return nil
	}
	tokens := make([]string, 0, len(seen))
	for t := range seen {
		tokens = append(tokens, t)
	}
	sort.Strings(tokens)
	return tokens
}

// MinTokenLength reports the configured minimum token length.
func (n *Normalizer) MinTokenLength() int {
	return n.minLen
}

// IsStopWord reports whether word is filtered by this normalizer.
func (n *Normalizer) IsStopWord(word string) bool {
	_, ok := n.stopWords[strings.ToLower(word)]
	return ok
}

// Only ASCII letters and digits survive normalization; everything else
// (punctuation, unicode letters, currency symbols) acts as a separator.
func isASCIIAlphanumeric(r rune) bool {
	return r <= unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r))
}
