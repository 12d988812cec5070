package iterator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/muchq/sparsehash/go/objectstore"
	"github.com/muchq/sparsehash/go/wire"
)

func putLabeledBlob(t *testing.T, store *objectstore.MemStore, bucket string, blobID int64, samples []wire.Sample, labels []float32) {
	t.Helper()
	data, err := wire.EncodeBlob(samples, labels)
	require.NoError(t, err)
	require.NoError(t, store.Put(context.Background(), bucket, objectstore.SampleKey(blobID), data))
}

func sample(idx uint32, val float32) wire.Sample {
	return wire.Sample{Indices: []uint32{idx}, Values: []float32{val}}
}

// sampleTag recovers the (blobID, sampleIdx) pair this test encoded into a
// sample, so assertions can read the traversal order back out.
func sampleTag(mb wire.Minibatch) uint32 {
	return mb.Samples[0].Indices[0]
}

func TestIterator_SequentialOrder_RepeatsAcrossSweeps(t *testing.T) {
	store := objectstore.NewMemStore()
	// blob 0 -> samples tagged 0, 1; blob 1 -> samples tagged 10, 11
	putLabeledBlob(t, store, "bucket", 0, []wire.Sample{sample(0, 1), sample(1, 1)}, []float32{1, 0})
	putLabeledBlob(t, store, "bucket", 1, []wire.Sample{sample(10, 1), sample(11, 1)}, []float32{1, 0})

	it := New(Config{
		Bucket:        "bucket",
		Lo:            0,
		Hi:            2,
		MinibatchSize: 1,
		Labeled:       true,
		Random:        false,
		ReadAhead:     2,
		RingCapacity:  8,
	}, store)
	defer it.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var got []uint32
	for i := 0; i < 5; i++ {
		mb, err := it.Next(ctx)
		require.NoError(t, err)
		got = append(got, sampleTag(mb))
	}

	assert.Equal(t, []uint32{0, 1, 10, 11, 0}, got)
}

func TestIterator_PassLimit_ReturnsExhausted(t *testing.T) {
	store := objectstore.NewMemStore()
	putLabeledBlob(t, store, "bucket", 0, []wire.Sample{sample(0, 1)}, []float32{1})

	it := New(Config{
		Bucket:        "bucket",
		Lo:            0,
		Hi:            1,
		MinibatchSize: 1,
		Labeled:       true,
		ReadAhead:     1,
		RingCapacity:  4,
		PassLimit:     2,
	}, store)
	defer it.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for i := 0; i < 2; i++ {
		_, err := it.Next(ctx)
		require.NoError(t, err)
	}

	_, err := it.Next(ctx)
	assert.ErrorAs(t, err, new(ErrExhausted))
}

func TestIterator_MalformedBlob_PoisonsIterator(t *testing.T) {
	store := objectstore.NewMemStore()
	require.NoError(t, store.Put(context.Background(), "bucket", objectstore.SampleKey(0), []byte("not a valid blob")))

	it := New(Config{
		Bucket:        "bucket",
		Lo:            0,
		Hi:            1,
		MinibatchSize: 1,
		Labeled:       true,
		ReadAhead:     1,
		RingCapacity:  4,
	}, store)
	defer it.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := it.Next(ctx)
	require.Error(t, err)

	// subsequent calls keep returning the same poison error
	_, err2 := it.Next(ctx)
	require.Error(t, err2)
}

func TestIterator_RandomMode_StaysWithinRange(t *testing.T) {
	store := objectstore.NewMemStore()
	for id := int64(0); id < 3; id++ {
		putLabeledBlob(t, store, "bucket", id, []wire.Sample{sample(uint32(id*10), 1)}, []float32{1})
	}

	it := New(Config{
		Bucket:        "bucket",
		Lo:            0,
		Hi:            3,
		MinibatchSize: 1,
		Labeled:       true,
		Random:        true,
		WorkerID:      7,
		ReadAhead:     2,
		RingCapacity:  8,
	}, store)
	defer it.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for i := 0; i < 10; i++ {
		mb, err := it.Next(ctx)
		require.NoError(t, err)
		tag := sampleTag(mb)
		assert.True(t, tag == 0 || tag == 10 || tag == 20)
	}
}

func TestIterator_Close_StopsPrefetchGoroutine(t *testing.T) {
	store := objectstore.NewMemStore()
	putLabeledBlob(t, store, "bucket", 0, []wire.Sample{sample(0, 1)}, []float32{1})

	it := New(Config{
		Bucket:        "bucket",
		Lo:            0,
		Hi:            1,
		MinibatchSize: 1,
		Labeled:       true,
		ReadAhead:     1,
		RingCapacity:  1,
	}, store)

	done := make(chan struct{})
	go func() {
		it.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close did not return")
	}
}
