package worker

import (
	"gonum.org/v1/gonum/floats"

	"github.com/muchq/sparsehash/go/wire"
)

// MFGradientConfig carries the regularization scalars and learning rate
// sparse_grad needs for MF's inline local SGD sub-steps.
type MFGradientConfig struct {
	LearningRate  float32
	RegUserBias   float32
	RegItemBias   float32
	RegUserFactor float32
	RegItemFactor float32
	K             int
}

// mfRow is one user or item's mutable local copy: the pulled bias (for
// users, this already carries the model's global bias folded in - see
// DESIGN.md) plus its factor vector.
type mfRow struct {
	bias    float32
	factors []float32
}

// mfSample is one MF training example as decoded from a minibatch: a
// (user_id, item_id) pair with a real-valued rating label. MF samples are
// encoded on the wire as a 2-value sparse sample - Indices[0] is the user
// id, Indices[1] is the item id - with the rating carried as the blob's
// per-sample label (spec §3 "real-valued for MF"); see DESIGN.md.
type mfSample struct {
	userID uint32
	itemID uint32
	rating float32
}

func decodeMFSamples(mb wire.Minibatch) []mfSample {
	out := make([]mfSample, len(mb.Samples))
	for i, s := range mb.Samples {
		out[i] = mfSample{userID: s.Indices[0], itemID: s.Indices[1], rating: mb.Labels[i]}
	}
	return out
}

// mfUserBlock reports the [base, base+size) user id range to request for a
// minibatch - the PS's GET_MF_SPARSE_MODEL response is shaped as
// "minibatch_size consecutive users starting at base_user_id" (spec §4.1),
// so MF training data is produced in user-id-contiguous blocks. base is the
// lowest user id observed in samples (0 when there are none); size is
// blockSize as given. It does not check that every sample falls inside
// the returned range.
func mfUserBlock(samples []mfSample, blockSize int) (base uint32, size int) {
	if len(samples) == 0 {
		return 0, blockSize
	}
	lo := samples[0].userID
	for _, s := range samples {
		if s.userID < lo {
			lo = s.userID
		}
	}
	return lo, blockSize
}

// computeMFGradient implements §4.4's sparse_grad for MF: plain SGD
// sub-steps are applied in sample order against local copies of the
// touched rows, and the total pre-to-post displacement of every touched
// bias and factor is shipped as the gradient.
func computeMFGradient(samples []mfSample, users, items []wire.MFEntry, cfg MFGradientConfig) wire.MFGradient {
	userRows := make(map[uint32]*mfRow, len(users))
	userInit := make(map[uint32]mfRow, len(users))
	userOrder := make([]uint32, 0, len(users))
	for _, u := range users {
		row := mfRow{bias: u.Bias, factors: append([]float32(nil), u.Factors...)}
		userRows[u.ID] = &row
		userInit[u.ID] = mfRow{bias: u.Bias, factors: append([]float32(nil), u.Factors...)}
		userOrder = append(userOrder, u.ID)
	}
	itemRows := make(map[uint32]*mfRow, len(items))
	itemInit := make(map[uint32]mfRow, len(items))
	itemOrder := make([]uint32, 0, len(items))
	for _, it := range items {
		row := mfRow{bias: it.Bias, factors: append([]float32(nil), it.Factors...)}
		itemRows[it.ID] = &row
		itemInit[it.ID] = mfRow{bias: it.Bias, factors: append([]float32(nil), it.Factors...)}
		itemOrder = append(itemOrder, it.ID)
	}

	uVals := make([]float64, cfg.K)
	iVals := make([]float64, cfg.K)

	for _, s := range samples {
		u, uOK := userRows[s.userID]
		it, iOK := itemRows[s.itemID]
		if !uOK || !iOK {
			continue // outside the pulled slice; nothing to update against
		}

		for d := 0; d < cfg.K; d++ {
			uVals[d] = float64(u.factors[d])
			iVals[d] = float64(it.factors[d])
		}
		dot := float32(floats.Dot(uVals, iVals))
		pred := u.bias + it.bias + dot
		err := s.rating - pred

		lr := cfg.LearningRate
		newUserBias := u.bias + lr*(err-cfg.RegUserBias*u.bias)
		newItemBias := it.bias + lr*(err-cfg.RegItemBias*it.bias)

		newUserFactors := make([]float32, cfg.K)
		newItemFactors := make([]float32, cfg.K)
		for d := 0; d < cfg.K; d++ {
			newUserFactors[d] = u.factors[d] + lr*(err*it.factors[d]-cfg.RegUserFactor*u.factors[d])
			newItemFactors[d] = it.factors[d] + lr*(err*u.factors[d]-cfg.RegItemFactor*it.factors[d])
		}

		u.bias = newUserBias
		u.factors = newUserFactors
		it.bias = newItemBias
		it.factors = newItemFactors
	}

	g := wire.MFGradient{}
	for _, uid := range userOrder {
		init := userInit[uid]
		final := userRows[uid]
		g.UserIDs = append(g.UserIDs, uid)
		g.UserBiasDelta = append(g.UserBiasDelta, final.bias-init.bias)
		delta := make([]float32, cfg.K)
		for d := 0; d < cfg.K; d++ {
			delta[d] = final.factors[d] - init.factors[d]
		}
		g.UserFactorDelta = append(g.UserFactorDelta, delta)
	}
	for _, iid := range itemOrder {
		init := itemInit[iid]
		final := itemRows[iid]
		g.ItemIDs = append(g.ItemIDs, iid)
		g.ItemBiasDelta = append(g.ItemBiasDelta, final.bias-init.bias)
		delta := make([]float32, cfg.K)
		for d := 0; d < cfg.K; d++ {
			delta[d] = final.factors[d] - init.factors[d]
		}
		g.ItemFactorDelta = append(g.ItemFactorDelta, delta)
	}
	return g
}
