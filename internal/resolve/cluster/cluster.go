// Package cluster partitions records into connected components over the
// graph of above-threshold candidate pairs. The canonical cluster id is the
// minimum record id in each component, so the partition and its labels are
// independent of edge-processing order.
package cluster

import (
	"github.com/incredibeau/specific-affinity/internal/resolve/candidate"
)

// Components filters pairs by threshold and returns the partial mapping
// record id → cluster id. Records touched by no surviving edge are absent.
// An empty edge set yields an empty mapping.
func Components(pairs []candidate.Pair, threshold float64) map[string]string {
	ds := newDisjointSet()
	for _, p := range pairs {
		if p.Score < threshold {
			continue
		}
		ds.union(p.A, p.B)
	}
	return ds.labels()
}

// disjointSet is a union-find structure over string record ids with union by
// size and path compression.
type disjointSet struct {
	parent map[string]string
	size   map[string]int
}

func newDisjointSet() *disjointSet {
	return &disjointSet{
		parent: make(map[string]string),
		size:   make(map[string]int),
	}
}

func (ds *disjointSet) add(id string) {
	if _, ok := ds.parent[id]; !ok {
		ds.parent[id] = id
		ds.size[id] = 1
	}
}

func (ds *disjointSet) find(id string) string {
	root := id
	for ds.parent[root] != root {
		root = ds.parent[root]
	}
	// Path compression.
	for ds.parent[id] != root {
		ds.parent[id], id = root, ds.parent[id]
	}
	return root
}

func (ds *disjointSet) union(a, b string) {
	ds.add(a)
	ds.add(b)
	ra, rb := ds.find(a), ds.find(b)
	if ra == rb {
		return
	}
	if ds.size[ra] < ds.size[rb] {
		ra, rb = rb, ra
	}
	ds.parent[rb] = ra
	ds.size[ra] += ds.size[rb]
}

// labels assigns every member the minimum record id of its component. The
// representative chosen by union order is internal only; the emitted label
// is defined by value, which makes the result order-independent.
func (ds *disjointSet) labels() map[string]string {
	minMember := make(map[string]string)
	for id := range ds.parent {
		root := ds.find(id)
		if current, ok := minMember[root]; !ok || id < current {
			minMember[root] = id
		}
	}
	out := make(map[string]string, len(ds.parent))
	for id := range ds.parent {
		out[id] = minMember[ds.find(id)]
	}
	return out
}
