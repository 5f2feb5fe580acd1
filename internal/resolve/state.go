package resolve

import (
	"log/slog"

	"github.com/incredibeau/specific-affinity/internal/resolve/index"
	"github.com/incredibeau/specific-affinity/internal/resolve/normalizer"
	"github.com/incredibeau/specific-affinity/internal/resolve/weight"
)

// ExportedState is a point-in-time copy of everything an Engine needs to
// serve Infer after a restart: the blocking index, the Build-time weight
// table, the record→cluster mapping, and the reconcile sequence.
type ExportedState struct {
	Config       Config             `json:"config"`
	State        string             `json:"state"`
	Index        []index.Entry      `json:"index"`
	Weights      map[string]float64 `json:"weights"`
	Clusters     map[string]string  `json:"clusters"`
	ReconcileSeq int                `json:"reconcile_seq"`
}

// Export copies the engine state for snapshotting. Exporting an Empty engine
// returns nil.
func (e *Engine) Export() *ExportedState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.state == stateEmpty {
		return nil
	}
	clusters := make(map[string]string, len(e.clusters))
	for k, v := range e.clusters {
		clusters[k] = v
	}
	return &ExportedState{
		Config:       e.cfg,
		State:        e.state.String(),
		Index:        e.ix.Snapshot(),
		Weights:      e.weights.Clone(),
		Clusters:     clusters,
		ReconcileSeq: e.reconcileSeq,
	}
}

// Restore reconstructs an Engine from exported state.
func Restore(s *ExportedState) (*Engine, error) {
	if err := s.Config.Validate(); err != nil {
		return nil, err
	}
	st := stateBuilt
	switch s.State {
	case stateInferred.String():
		st = stateInferred
	case stateReconciled.String():
		st = stateReconciled
	}
	clusters := make(map[string]string, len(s.Clusters))
	for k, v := range s.Clusters {
		clusters[k] = v
	}
	return &Engine{
		cfg:          s.Config,
		norm:         normalizer.New(s.Config.StopWords, s.Config.MinTokenLength),
		state:        st,
		ix:           index.FromSnapshot(s.Index),
		weights:      weight.Table(s.Weights).Clone(),
		clusters:     clusters,
		reconcileSeq: s.ReconcileSeq,
		logger:       slog.Default().With("component", "resolve-engine"),
	}, nil
}
