package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/muchq/sparsehash/go/iterator"
	"github.com/muchq/sparsehash/go/metrics"
	"github.com/muchq/sparsehash/go/objectstore"
	"github.com/muchq/sparsehash/go/wire"
)

// ModelKind selects which model family a worker trains against.
type ModelKind int

const (
	LR ModelKind = iota
	MF
)

// Config is the opaque configuration a launcher hands to New (spec §9:
// ps_host/ps_port, bucket, blob-id ranges, minibatch_size, model_bits,
// opt_method, learning_rate, momentum_beta, epsilon, grad_threshold are
// all caller-supplied; config-file/CLI parsing is out of scope here,
// exactly as for paramserver.Config).
type Config struct {
	PSAddr string
	Store  objectstore.Store
	Iter   iterator.Config
	Kind   ModelKind

	LRGrad LRGradientConfig
	MFGrad MFGradientConfig
	// MFUserBlockSize is the PS's configured GET_MF_SPARSE_MODEL
	// minibatch_size: how many consecutive user ids one request pulls.
	MFUserBlockSize int

	WorkerID int64
	Logger   *slog.Logger
	Metrics  *metrics.WorkerMetrics
}

// Worker runs the pull/compute/push loop against one parameter server
// connection and one streaming iterator.
type Worker struct {
	cfg    Config
	log    *slog.Logger
	client *psClient
	it     *iterator.Iterator

	localVersion uint32
}

// New constructs a worker ready to Run. It does not connect or start
// prefetching yet.
func New(cfg Config) *Worker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		cfg:    cfg,
		log:    logger,
		client: newPSClient(cfg.PSAddr),
	}
}

// Run drives the loop until ctx is cancelled or the iterator is
// permanently exhausted or poisoned. It always closes its iterator and PS
// connection before returning.
func (w *Worker) Run(ctx context.Context) error {
	w.it = iterator.New(w.cfg.Iter, w.cfg.Store)
	defer w.it.Close()
	defer w.client.close()

	for {
		mb, err := w.it.Next(ctx)
		if err != nil {
			var exhausted iterator.ErrExhausted
			if errors.As(err, &exhausted) {
				w.log.Info("iterator exhausted, worker stopping")
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		if err := w.step(ctx, mb); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// A minibatch that keeps failing (e.g. NumericError) is
			// dropped, matching §7's "worker aborts the current
			// minibatch; retries with the next".
			w.log.Warn("dropping minibatch", "error", err)
			if _, numeric := err.(ErrNumeric); numeric && w.cfg.Metrics != nil {
				w.cfg.Metrics.NumericErrorsDropped.Inc()
			}
		}
	}
}

// step runs one pull/compute/push cycle for a single minibatch, retrying
// the whole cycle against a fresh connection on any RPC failure (spec
// §4.4: "the worker re-establishes the connection and re-reads the
// current slice from scratch").
func (w *Worker) step(ctx context.Context, mb wire.Minibatch) error {
	for {
		err := w.tryStep(mb)
		if err == nil {
			return nil
		}
		if _, numeric := err.(ErrNumeric); numeric {
			return err
		}

		w.log.Warn("RPC failure, reconnecting", "error", err)
		w.client.close()
		if w.cfg.Metrics != nil {
			w.cfg.Metrics.ReconnectsTotal.Inc()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (w *Worker) tryStep(mb wire.Minibatch) error {
	switch w.cfg.Kind {
	case MF:
		return w.stepMF(mb)
	default:
		return w.stepLR(mb)
	}
}

func (w *Worker) stepLR(mb wire.Minibatch) error {
	indices := uniqueIndices(mb)

	weights, err := w.client.getLRSlice(indices)
	if err != nil {
		return err
	}
	if w.cfg.Metrics != nil {
		w.cfg.Metrics.SlicesPulled.Inc()
	}

	local := materializeLRSlice(indices, weights)
	deltas, err := computeLRGradient(mb, local, w.cfg.LRGrad)
	if err != nil {
		return err
	}
	if len(deltas) == 0 {
		return nil
	}

	w.localVersion++
	g := wire.LRGradient{Version: w.localVersion, Weights: deltas}
	if err := w.client.sendLRGradient(g); err != nil {
		return err
	}
	if w.cfg.Metrics != nil {
		w.cfg.Metrics.GradientsSent.Inc()
	}
	return nil
}

func (w *Worker) stepMF(mb wire.Minibatch) error {
	samples := decodeMFSamples(mb)
	base, size := mfUserBlock(samples, w.cfg.MFUserBlockSize)

	itemIDs := uniqueItemIDs(samples)
	req := wire.MFSliceRequest{BaseUserID: base, MinibatchSize: uint32(size), ItemIDs: itemIDs}

	users, items, err := w.client.getMFSlice(req, w.cfg.MFGrad.K)
	if err != nil {
		return err
	}
	if w.cfg.Metrics != nil {
		w.cfg.Metrics.SlicesPulled.Inc()
	}

	g := computeMFGradient(samples, users, items, w.cfg.MFGrad)
	if len(g.UserIDs) == 0 && len(g.ItemIDs) == 0 {
		return nil
	}

	if err := w.client.sendMFGradient(g, w.cfg.MFGrad.K); err != nil {
		return err
	}
	if w.cfg.Metrics != nil {
		w.cfg.Metrics.GradientsSent.Inc()
	}
	return nil
}

func uniqueItemIDs(samples []mfSample) []uint32 {
	seen := make(map[uint32]struct{})
	var out []uint32
	for _, s := range samples {
		if _, ok := seen[s.itemID]; !ok {
			seen[s.itemID] = struct{}{}
			out = append(out, s.itemID)
		}
	}
	return out
}
