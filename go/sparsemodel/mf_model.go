package sparsemodel

import (
	"math"
	"math/rand"
	"sync"

	"github.com/muchq/sparsehash/go/wire"
)

// MFConfig configures a matrix-factorization model's dimensions,
// regularization, and initial global bias (the configured mean rating).
type MFConfig struct {
	NUsers, NItems int
	K              int // number of latent factors
	GlobalBias     float32
	RegUserBias    float32
	RegItemBias    float32
	RegUserFactor  float32
	RegItemFactor  float32
}

// MFModel is the dense user/item bias and factor arrays the parameter
// server owns exclusively, guarded by a single mutex exactly as LRModel is.
type MFModel struct {
	cfg          MFConfig
	globalBias   float32
	userBias     []float32
	itemBias     []float32
	userFactors  [][]float32
	itemFactors  [][]float32
	mu           sync.Mutex
}

// NewMFModel allocates a model with zero-initialized biases and factors
// drawn from N(0, 1/K), matching the reference's initialization: random
// factors so gradient descent has something to differentiate, zero biases
// with the model's single global-bias scalar set to the configured mean
// rating.
func NewMFModel(cfg MFConfig, rng *rand.Rand) *MFModel {
	m := &MFModel{
		cfg:         cfg,
		globalBias:  cfg.GlobalBias,
		userBias:    make([]float32, cfg.NUsers),
		itemBias:    make([]float32, cfg.NItems),
		userFactors: make([][]float32, cfg.NUsers),
		itemFactors: make([][]float32, cfg.NItems),
	}
	stddev := math.Sqrt(1.0 / float64(cfg.K))
	for i := range m.userFactors {
		m.userFactors[i] = randomFactors(rng, cfg.K, stddev)
	}
	for i := range m.itemFactors {
		m.itemFactors[i] = randomFactors(rng, cfg.K, stddev)
	}
	return m
}

// K returns the model's configured number of latent factors, needed by
// callers decoding wire-format MF gradients and slice requests.
func (m *MFModel) K() int {
	return m.cfg.K
}

func randomFactors(rng *rand.Rand, k int, stddev float64) []float32 {
	factors := make([]float32, k)
	for i := range factors {
		factors[i] = float32(rng.NormFloat64() * stddev)
	}
	return factors
}

// ReadSlice assembles the response for a GET_MF_SPARSE_MODEL request:
// minibatch_size consecutive users starting at baseUserID, plus every
// requested item, each carrying its bias and factor vector.
func (m *MFModel) ReadSlice(baseUserID, minibatchSize uint32, itemIDs []uint32) (users, items []wire.MFEntry, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if int(baseUserID)+int(minibatchSize) > len(m.userBias) {
		return nil, nil, wire.NewProtocolError("user range [%d,%d) out of bounds [0,%d)", baseUserID, int(baseUserID)+int(minibatchSize), len(m.userBias))
	}

	users = make([]wire.MFEntry, minibatchSize)
	for i := uint32(0); i < minibatchSize; i++ {
		uid := baseUserID + i
		users[i] = wire.MFEntry{ID: uid, Bias: m.globalBias + m.userBias[uid], Factors: cloneFactors(m.userFactors[uid])}
	}

	items = make([]wire.MFEntry, len(itemIDs))
	for i, iid := range itemIDs {
		if int(iid) >= len(m.itemBias) {
			return nil, nil, wire.NewProtocolError("item id %d out of bounds [0,%d)", iid, len(m.itemBias))
		}
		items[i] = wire.MFEntry{ID: iid, Bias: m.itemBias[iid], Factors: cloneFactors(m.itemFactors[iid])}
	}
	return users, items, nil
}

func cloneFactors(f []float32) []float32 {
	out := make([]float32, len(f))
	copy(out, f)
	return out
}

// ApplySparse adds g's bias and factor deltas directly onto the model. The
// worker already performed minibatch_size sub-steps of SGD against its own
// local copy of the touched rows and shipped the aggregate displacement, so
// the server's job is a plain accumulation, not a second optimizer pass as
// on the LR apply path. The whole
// gradient is applied under one lock acquisition, atomic the same way
// LRModel.ApplySparse is.
func (m *MFModel) ApplySparse(g wire.MFGradient) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, uid := range g.UserIDs {
		if int(uid) >= len(m.userBias) {
			return wire.NewProtocolError("MF gradient user id %d out of bounds [0,%d)", uid, len(m.userBias))
		}
		m.userBias[uid] += g.UserBiasDelta[i]
		factors := m.userFactors[uid]
		for j, d := range g.UserFactorDelta[i] {
			factors[j] += d
		}
	}
	for i, iid := range g.ItemIDs {
		if int(iid) >= len(m.itemBias) {
			return wire.NewProtocolError("MF gradient item id %d out of bounds [0,%d)", iid, len(m.itemBias))
		}
		m.itemBias[iid] += g.ItemBiasDelta[i]
		factors := m.itemFactors[iid]
		for j, d := range g.ItemFactorDelta[i] {
			factors[j] += d
		}
	}
	return nil
}

// MFSnapshot is an internally consistent copy of the entire MF model.
type MFSnapshot struct {
	GlobalBias  float32
	UserBias    []float32
	ItemBias    []float32
	UserFactors [][]float32
	ItemFactors [][]float32
}

// SerializeFull returns a snapshot with the same atomicity guarantee as
// LRModel.SerializeFull.
func (m *MFModel) SerializeFull() MFSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := MFSnapshot{
		GlobalBias:  m.globalBias,
		UserBias:    append([]float32(nil), m.userBias...),
		ItemBias:    append([]float32(nil), m.itemBias...),
		UserFactors: make([][]float32, len(m.userFactors)),
		ItemFactors: make([][]float32, len(m.itemFactors)),
	}
	for i, f := range m.userFactors {
		snap.UserFactors[i] = cloneFactors(f)
	}
	for i, f := range m.itemFactors {
		snap.ItemFactors[i] = cloneFactors(f)
	}
	return snap
}
