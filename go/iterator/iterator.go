// Package iterator implements the streaming minibatch iterator (spec §4.3):
// a background prefetcher pulls blobs from an objectstore.Store, decodes
// them into minibatches, and hands them to a worker loop one at a time over
// a bounded ring. Two independent bounds govern memory footprint - how many
// blobs may be outstanding (fetched but not fully drained) and how many
// decoded minibatches may sit in the ring waiting to be consumed. The
// reference design expresses both bounds as POSIX semaphores guarding a
// fixed-capacity ring buffer; idiomatic Go expresses the same two bounds as
// buffered channels, which are simultaneously the ring, the semaphore, and
// the mutex the reference implementation hand-rolls around it.
package iterator

import (
	"bytes"
	"context"
	"math/rand"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/muchq/sparsehash/go/objectstore"
	"github.com/muchq/sparsehash/go/wire"
)

// Config parameterizes one iterator instance. A worker owns exactly one
// Iterator for the lifetime of a task.
type Config struct {
	Bucket string
	// Lo and Hi bound the half-open blob id range [Lo, Hi) this iterator
	// draws from.
	Lo, Hi int64
	// MinibatchSize is the number of samples per minibatch; every blob in
	// range must decode to a multiple of this many samples.
	MinibatchSize int
	// Labeled selects the labeled blob wire format (LR) over the unlabeled
	// one (MF).
	Labeled bool
	// Random selects uniform-random blob selection with replacement over
	// sequential sweep-and-repeat. Sequential order is deterministic;
	// random order is seeded from WorkerID so two workers never replay the
	// same sequence and one worker's sequence is reproducible across runs.
	Random bool
	// ReadAhead bounds how many blobs may be fetched-but-not-fully-drained
	// at once. Zero defaults to 1.
	ReadAhead int
	// RingCapacity bounds how many decoded minibatches may sit unconsumed
	// in the ring. Zero defaults to 64.
	RingCapacity int
	// PassLimit caps the number of full sweeps over [Lo, Hi) before Next
	// returns ErrExhausted. Zero means unbounded.
	PassLimit int
	// WorkerID seeds the random blob selector.
	WorkerID int64
	// BlobCacheSize bounds how many raw encoded blobs are retained across
	// loop-arounds so a sequential sweep over a small range doesn't refetch
	// every pass. Zero disables the cache.
	BlobCacheSize int
}

func (c Config) readAhead() int {
	if c.ReadAhead <= 0 {
		return 1
	}
	return c.ReadAhead
}

func (c Config) ringCapacity() int {
	if c.RingCapacity <= 0 {
		return 64
	}
	return c.RingCapacity
}

// envelope pairs a decoded minibatch with whether it's the last one drawn
// from its backing blob, so the consumer knows when to release a prefetch
// permit back to the pool.
type envelope struct {
	mb         wire.Minibatch
	lastInBlob bool
}

// Iterator streams minibatches from an objectstore.Store until cancelled,
// exhausted (pass limit reached), or poisoned by a malformed blob.
type Iterator struct {
	cfg   Config
	store objectstore.Store
	rng   *rand.Rand

	ring    chan envelope
	permits chan struct{}
	done    chan struct{}
	closeOnce sync.Once

	blobCache *lru.LRU[int64, []byte]

	yielded      int64
	blobsYielded int64
	poisonErr    atomic.Value // error

	wg sync.WaitGroup
}

// ErrExhausted is returned by Next once the configured pass limit has been
// reached.
type ErrExhausted struct{}

func (ErrExhausted) Error() string { return "iterator: pass limit reached" }

// New starts the background prefetch goroutine and returns a ready
// iterator. Close must be called to release its goroutine.
func New(cfg Config, store objectstore.Store) *Iterator {
	it := &Iterator{
		cfg:     cfg,
		store:   store,
		rng:     rand.New(rand.NewSource(cfg.WorkerID)),
		ring:    make(chan envelope, cfg.ringCapacity()),
		permits: make(chan struct{}, cfg.readAhead()),
		done:    make(chan struct{}),
	}
	if cfg.BlobCacheSize > 0 {
		it.blobCache = lru.NewLRU[int64, []byte](cfg.BlobCacheSize, nil, 0)
	}
	for i := 0; i < cfg.readAhead(); i++ {
		it.permits <- struct{}{}
	}

	it.wg.Add(1)
	go it.prefetchLoop()
	return it
}

// Close cancels the background prefetcher and waits for it to exit. Safe to
// call more than once.
func (it *Iterator) Close() {
	it.closeOnce.Do(func() { close(it.done) })
	it.wg.Wait()
}

// Next blocks until a minibatch is available, the iterator is exhausted, or
// ctx is cancelled. Once poisoned by a malformed blob, Next always returns
// that error.
func (it *Iterator) Next(ctx context.Context) (wire.Minibatch, error) {
	if err, ok := it.poisonErr.Load().(error); ok && err != nil {
		return wire.Minibatch{}, err
	}
	// PassLimit counts whole blobs, not minibatches: a blob yields however
	// many minibatches wire.ChunkBlob splits it into, so comparing a
	// blob-count limit against a minibatch-count tally would trip
	// ErrExhausted a fraction of the way through the configured number of
	// passes over [Lo, Hi).
	if it.cfg.PassLimit > 0 {
		span := it.cfg.Hi - it.cfg.Lo
		limit := int64(it.cfg.PassLimit) * span
		if atomic.LoadInt64(&it.blobsYielded) >= limit {
			return wire.Minibatch{}, ErrExhausted{}
		}
	}

	select {
	case env, ok := <-it.ring:
		if !ok {
			if err, ok := it.poisonErr.Load().(error); ok && err != nil {
				return wire.Minibatch{}, err
			}
			return wire.Minibatch{}, ErrExhausted{}
		}
		atomic.AddInt64(&it.yielded, 1)
		if env.lastInBlob {
			atomic.AddInt64(&it.blobsYielded, 1)
			it.releasePermit()
		}
		return env.mb, nil
	case <-it.done:
		return wire.Minibatch{}, context.Canceled
	case <-ctx.Done():
		return wire.Minibatch{}, ctx.Err()
	}
}

func (it *Iterator) releasePermit() {
	select {
	case it.permits <- struct{}{}:
	default:
		// permit pool is already full; nothing to do (shouldn't happen by
		// construction since one was taken for every blob fetched)
	}
}

func (it *Iterator) prefetchLoop() {
	defer it.wg.Done()
	defer close(it.ring)

	var seq int64 = it.cfg.Lo
	for {
		select {
		case <-it.permits:
		case <-it.done:
			return
		}

		blobID := it.pickBlob(&seq)
		raw, err := it.fetchWithRetry(blobID)
		if err != nil {
			// fetchWithRetry only returns on cancellation
			return
		}

		r := bytes.NewReader(raw)
		// The stored blob opens with total_size; DecodeBlob reads what follows.
		if _, err := wire.ReadUint32(r); err != nil {
			it.poisonErr.Store(wire.NewIoError("read blob total_size", err))
			return
		}
		samples, labels, err := wire.DecodeBlob(r, it.cfg.Labeled)
		if err != nil {
			it.poisonErr.Store(err)
			return
		}
		minibatches, err := wire.ChunkBlob(samples, labels, it.cfg.MinibatchSize)
		if err != nil {
			it.poisonErr.Store(err)
			return
		}

		for i, mb := range minibatches {
			env := envelope{mb: mb, lastInBlob: i == len(minibatches)-1}
			select {
			case it.ring <- env:
			case <-it.done:
				return
			}
		}
	}
}

// pickBlob advances seq (sequential mode) or draws uniformly from
// [Lo, Hi) (random mode).
func (it *Iterator) pickBlob(seq *int64) int64 {
	if it.cfg.Random {
		span := it.cfg.Hi - it.cfg.Lo
		return it.cfg.Lo + it.rng.Int63n(span)
	}
	id := *seq
	*seq++
	if *seq >= it.cfg.Hi {
		*seq = it.cfg.Lo
	}
	return id
}

// fetchWithRetry retries ObjectStoreError indefinitely (spec §4.3: transient
// store failures never poison the iterator), returning only when data is
// fetched or the iterator is cancelled.
func (it *Iterator) fetchWithRetry(blobID int64) ([]byte, error) {
	key := objectstore.SampleKey(blobID)

	if it.blobCache != nil {
		if cached, ok := it.blobCache.Get(blobID); ok {
			return cached, nil
		}
	}

	for {
		data, err := it.store.Get(context.Background(), it.cfg.Bucket, key)
		if err == nil {
			if it.blobCache != nil {
				it.blobCache.Add(blobID, data)
			}
			return data, nil
		}

		select {
		case <-it.done:
			return nil, context.Canceled
		default:
		}
	}
}
