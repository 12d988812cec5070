package worker

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/muchq/sparsehash/go/wire"
)

// ErrNumeric reports a NaN/Inf produced while scoring a sample (spec §7's
// NumericError): the worker drops the offending minibatch and continues
// with the next one rather than poisoning the whole loop.
type ErrNumeric struct{}

func (ErrNumeric) Error() string { return "worker: non-finite value computing LR gradient" }

func sigmoid(z float32) float32 {
	return float32(1.0 / (1.0 + math.Exp(-float64(z))))
}

// uniqueIndices collects the distinct feature indices touched anywhere in
// mb, in first-appearance order. The spec leaves index deduplication to the
// worker (§9 Open Questions); a plain map-based pass here is what a
// hashmap-accumulating gradient implicitly does.
func uniqueIndices(mb wire.Minibatch) []uint32 {
	seen := make(map[uint32]struct{})
	var out []uint32
	for _, s := range mb.Samples {
		for _, idx := range s.Indices {
			if _, ok := seen[idx]; !ok {
				seen[idx] = struct{}{}
				out = append(out, idx)
			}
		}
	}
	return out
}

// lrLocalModel is the dense-looking facade over a pulled sparse slice that
// C6 describes: feature index -> current weight, materialized once per
// minibatch.
type lrLocalModel map[uint32]float32

func materializeLRSlice(indices []uint32, weights []float32) lrLocalModel {
	m := make(lrLocalModel, len(indices))
	for i, idx := range indices {
		m[idx] = weights[i]
	}
	return m
}

// LRGradientConfig carries the scalars sparse_grad needs beyond the model
// itself: L2 regularization and an optional small-delta threshold.
type LRGradientConfig struct {
	Epsilon       float32
	GradThreshold float32 // 0 disables thresholding
}

// computeLRGradient implements §4.4's sparse_grad for LR: per-sample
// logistic error accumulated into each touched index, then L2-regularized
// against the pulled weight before thresholding and emission.
func computeLRGradient(mb wire.Minibatch, local lrLocalModel, cfg LRGradientConfig) ([]wire.IndexDelta, error) {
	accum := make(map[uint32]float32)
	order := make([]uint32, 0)

	values := make([]float64, 0)
	weights := make([]float64, 0)

	for i, s := range mb.Samples {
		y := mb.Labels[i]

		values = values[:0]
		weights = weights[:0]
		for _, idx := range s.Indices {
			weights = append(weights, float64(local[idx]))
		}
		for _, v := range s.Values {
			values = append(values, float64(v))
		}
		z := float32(floats.Dot(values, weights))
		if math.IsNaN(float64(z)) || math.IsInf(float64(z), 0) {
			return nil, ErrNumeric{}
		}

		e := y - sigmoid(z)
		if math.IsNaN(float64(e)) || math.IsInf(float64(e), 0) {
			return nil, ErrNumeric{}
		}

		for j, idx := range s.Indices {
			if _, ok := accum[idx]; !ok {
				order = append(order, idx)
			}
			accum[idx] += s.Values[j] * e
		}
	}

	out := make([]wire.IndexDelta, 0, len(order))
	for _, idx := range order {
		total := accum[idx] + 2*cfg.Epsilon*local[idx]
		if cfg.GradThreshold > 0 && float32(math.Abs(float64(total))) < cfg.GradThreshold {
			continue
		}
		out = append(out, wire.IndexDelta{Index: idx, Delta: total})
	}
	return out, nil
}
