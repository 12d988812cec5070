package sparsemodel

import (
	"math/rand"
	"testing"

	"github.com/muchq/sparsehash/go/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMFModel_InitializationAndReadSlice(t *testing.T) {
	cfg := MFConfig{NUsers: 10, NItems: 5, K: 4, GlobalBias: 3.5}
	m := NewMFModel(cfg, rand.New(rand.NewSource(1)))

	users, items, err := m.ReadSlice(0, 3, []uint32{1, 2})
	require.NoError(t, err)
	require.Len(t, users, 3)
	require.Len(t, items, 2)

	for _, u := range users {
		assert.InDelta(t, 3.5, u.Bias, 1e-6) // userBias starts at 0, globalBias is 3.5
		assert.Len(t, u.Factors, 4)
	}
}

func TestMFModel_ReadSlice_RejectsOutOfBoundsUserRange(t *testing.T) {
	cfg := MFConfig{NUsers: 2, NItems: 2, K: 2}
	m := NewMFModel(cfg, rand.New(rand.NewSource(1)))

	_, _, err := m.ReadSlice(1, 5, nil)
	require.Error(t, err)
}

func TestMFModel_ApplySparse_AccumulatesDisplacement(t *testing.T) {
	cfg := MFConfig{NUsers: 2, NItems: 2, K: 2}
	m := NewMFModel(cfg, rand.New(rand.NewSource(1)))

	before, _, err := m.ReadSlice(0, 1, nil)
	require.NoError(t, err)
	beforeFactors := append([]float32(nil), before[0].Factors...)

	g := wire.MFGradient{
		UserIDs:         []uint32{0},
		UserBiasDelta:   []float32{0.2},
		ItemIDs:         []uint32{1},
		ItemBiasDelta:   []float32{-0.1},
		UserFactorDelta: [][]float32{{0.5, -0.5}},
		ItemFactorDelta: [][]float32{{0.1, 0.1}},
	}
	require.NoError(t, m.ApplySparse(g))

	after, items, err := m.ReadSlice(0, 1, []uint32{1})
	require.NoError(t, err)
	assert.InDelta(t, before[0].Bias+0.2, after[0].Bias, 1e-6)
	assert.InDelta(t, beforeFactors[0]+0.5, after[0].Factors[0], 1e-6)
	assert.InDelta(t, beforeFactors[1]-0.5, after[0].Factors[1], 1e-6)
	assert.InDelta(t, -0.1, items[0].Bias, 1e-6)
}

func TestMFModel_SerializeFull_Snapshot(t *testing.T) {
	cfg := MFConfig{NUsers: 3, NItems: 3, K: 2, GlobalBias: 1.0}
	m := NewMFModel(cfg, rand.New(rand.NewSource(1)))

	snap := m.SerializeFull()
	assert.Equal(t, float32(1.0), snap.GlobalBias)
	assert.Len(t, snap.UserBias, 3)
	assert.Len(t, snap.ItemFactors, 3)
}
