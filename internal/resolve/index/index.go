// Package index implements the inverted blocking index: a mapping from each
// surviving token to the set of record ids containing it. It is write-heavy
// during Build and strictly read-only during Infer.
package index

import (
	"sort"
	"sync"
)

// Index maps token → set of record ids. A record contributes each distinct
// token at most once; insertion order is irrelevant.
type Index struct {
	mu       sync.RWMutex
	postings map[string]map[string]struct{}
	records  map[string]struct{}
}

// New returns an empty Index.
func New() *Index {
	return &Index{
		postings: make(map[string]map[string]struct{}),
		records:  make(map[string]struct{}),
	}
}

// Add inserts one record's token set. Records with no tokens contribute
// nothing and are not counted; they can never seed or join a cluster.
func (ix *Index) Add(recordID string, tokens []string) {
	if len(tokens) == 0 {
		return
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.records[recordID] = struct{}{}
	for _, token := range tokens {
		set, ok := ix.postings[token]
		if !ok {
			set = make(map[string]struct{})
			ix.postings[token] = set
		}
		set[recordID] = struct{}{}
	}
}

// Postings returns the sorted record ids carrying token, or nil when the
// token is absent.
func (ix *Index) Postings(token string) []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	set, ok := ix.postings[token]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Frequency returns the posting-set size for token.
func (ix *Index) Frequency(token string) int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.postings[token])
}

// Contains reports whether token appears in the index.
func (ix *Index) Contains(token string) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	_, ok := ix.postings[token]
	return ok
}

// Tokens returns all distinct tokens in sorted order.
func (ix *Index) Tokens() []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	tokens := make([]string, 0, len(ix.postings))
	for t := range ix.postings {
		tokens = append(tokens, t)
	}
	sort.Strings(tokens)
	return tokens
}

// TokenCount returns the number of distinct tokens.
func (ix *Index) TokenCount() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.postings)
}

// RecordCount returns the number of distinct record ids that contributed at
// least one posting.
func (ix *Index) RecordCount() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.records)
}

// PostingCount returns the total number of (token, record) postings.
func (ix *Index) PostingCount() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	total := 0
	for _, set := range ix.postings {
		total += len(set)
	}
	return total
}

// Entry is one token with its full sorted posting list, used for snapshots.
type Entry struct {
	Token    string   `json:"t"`
	RecordID []string `json:"r"`
}

// Snapshot returns the whole index as sorted entries with sorted posting
// lists, suitable for deterministic serialization.
func (ix *Index) Snapshot() []Entry {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	entries := make([]Entry, 0, len(ix.postings))
	for token, set := range ix.postings {
		ids := make([]string, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		entries = append(entries, Entry{Token: token, RecordID: ids})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Token < entries[j].Token
	})
	return entries
}

// FromSnapshot rebuilds an Index from snapshot entries.
func FromSnapshot(entries []Entry) *Index {
	ix := New()
	for _, e := range entries {
		for _, id := range e.RecordID {
			ix.records[id] = struct{}{}
		}
		set := make(map[string]struct{}, len(e.RecordID))
		for _, id := range e.RecordID {
			set[id] = struct{}{}
		}
		ix.postings[e.Token] = set
	}
	return ix
}
