package sparsemodel

import (
	"sync"

	"github.com/muchq/sparsehash/go/wire"
)

// LRConfig configures a logistic-regression model's size and optimizer.
type LRConfig struct {
	Bits         uint   // B: model has 2^Bits weights
	Rule         Rule
	LearningRate float32
	MomentumBeta float32
	Epsilon      float32
}

// LRModel is the dense weight vector + per-coordinate optimizer state the
// parameter server owns exclusively. A single mutex serializes every
// mutation and every snapshot read - the reference demonstrates that one
// coarse-but-short-held lock is adequate; fine-grained per-coordinate
// locking is allowed but not required.
type LRModel struct {
	cfg     LRConfig
	weights []float32
	state   []float32 // per-coordinate scalar state; len 0 if Rule.StateWidth()==0
	mu      sync.Mutex
}

// NewLRModel allocates a zero-initialized model of size 2^cfg.Bits. Workers
// must not depend on randomized initial weights.
func NewLRModel(cfg LRConfig) *LRModel {
	size := 1 << cfg.Bits
	m := &LRModel{
		cfg:     cfg,
		weights: make([]float32, size),
	}
	if cfg.Rule.StateWidth() > 0 {
		m.state = make([]float32, size)
	}
	return m
}

// Size returns 2^B, the model's fixed weight-vector length.
func (m *LRModel) Size() int {
	return len(m.weights)
}

// ReadSlice returns the current weight at each requested index, in request
// order. An index never written returns 0. Under the Nesterov rule, the
// look-ahead transform w' = w + β·m is applied here, at read time, because
// only the server holds the momentum state.
func (m *LRModel) ReadSlice(indices []uint32) []float32 {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]float32, len(indices))
	for i, idx := range indices {
		if int(idx) >= len(m.weights) {
			continue // unknown index reads as 0-initialized
		}
		w := m.weights[idx]
		if m.cfg.Rule == Nesterov {
			w = lookahead(m.cfg.Rule, w, m.state[idx], m.cfg.MomentumBeta)
		}
		out[i] = w
	}
	return out
}

// ApplySparse applies every (index, delta) pair of g under the model's
// configured rule. The whole gradient is applied while holding the lock
// once, so either every one of its coordinates becomes visible to a
// concurrent snapshot or none of them do - there is no point at which a
// reader can observe half of one gradient applied.
func (m *LRModel) ApplySparse(g wire.LRGradient) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, wd := range g.Weights {
		if int(wd.Index) >= len(m.weights) {
			return wire.NewProtocolError("gradient index %d out of range [0, %d)", wd.Index, len(m.weights))
		}
	}

	for _, wd := range g.Weights {
		var state float32
		if m.state != nil {
			state = m.state[wd.Index]
		}
		newW, newState := applyRule(m.cfg.Rule, m.weights[wd.Index], state, wd.Delta, m.cfg.LearningRate, m.cfg.MomentumBeta, m.cfg.Epsilon)
		m.weights[wd.Index] = newW
		if m.state != nil {
			m.state[wd.Index] = newState
		}
	}
	return nil
}

// SerializeFull returns an internally consistent snapshot of the entire
// weight vector: no half-applied gradient is ever visible in it.
func (m *LRModel) SerializeFull() []float32 {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]float32, len(m.weights))
	copy(out, m.weights)
	return out
}
