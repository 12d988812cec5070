// Package sparsemodel implements the authoritative sparse model the
// parameter server owns: a dense in-memory weight vector (the traffic is
// sparse, the storage is not - random-index reads and writes dominate, so a
// hash-map-backed model would be substantially slower on the hot path) plus
// the per-coordinate optimizer rules that turn an incoming gradient value
// into a new weight and new per-coordinate state.
package sparsemodel

import "math"

// Rule selects the per-coordinate update recipe applied by ApplySparse.
type Rule int

const (
	SGD Rule = iota
	Momentum
	Nesterov
	AdaGrad
)

func (r Rule) String() string {
	switch r {
	case SGD:
		return "sgd"
	case Momentum:
		return "momentum"
	case Nesterov:
		return "nesterov"
	case AdaGrad:
		return "adagrad"
	default:
		return "unknown"
	}
}

// StateWidth returns how many float32 scalars of per-coordinate state a
// rule needs: 0 for SGD, 1 for Momentum/Nesterov/AdaGrad.
func (r Rule) StateWidth() int {
	switch r {
	case SGD:
		return 0
	default:
		return 1
	}
}

// applyRule turns one incoming gradient value delta into a new weight and
// new per-coordinate state, per spec §4.2's update table. state is the
// coordinate's single scalar (momentum accumulator or AdaGrad sum of
// squares); it is ignored for SGD.
func applyRule(rule Rule, w, state, delta, lr, beta, eps float32) (newW, newState float32) {
	switch rule {
	case SGD:
		return w + lr*delta, 0
	case Momentum, Nesterov:
		var m float32
		if state == 0 {
			m = delta
		} else {
			m = beta*state + (1-beta)*lr*delta
		}
		return w + m, m
	case AdaGrad:
		g := state + delta*delta
		newW := w + lr*delta/(eps+float32(math.Sqrt(float64(g))))
		return newW, g
	default:
		return w, state
	}
}

// lookahead applies the Nesterov read-time transform w' = w + β·m. It is a
// no-op for every other rule: the transform must happen on the server at
// slice-read time because only the server holds the momentum state m.
func lookahead(rule Rule, w, state, beta float32) float32 {
	if rule == Nesterov {
		return w + beta*state
	}
	return w
}
