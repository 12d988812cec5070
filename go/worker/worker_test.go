package worker

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/muchq/sparsehash/go/iterator"
	"github.com/muchq/sparsehash/go/objectstore"
	"github.com/muchq/sparsehash/go/paramserver"
	"github.com/muchq/sparsehash/go/sparsemodel"
	"github.com/muchq/sparsehash/go/wire"
)

func putBlob(t *testing.T, store *objectstore.MemStore, bucket string, blobID int64, samples []wire.Sample, labels []float32) {
	t.Helper()
	data, err := wire.EncodeBlob(samples, labels)
	require.NoError(t, err)
	require.NoError(t, store.Put(context.Background(), bucket, objectstore.SampleKey(blobID), data))
}

func TestWorker_LRRun_AppliesGradientAgainstLiveServer(t *testing.T) {
	lr := sparsemodel.NewLRModel(sparsemodel.LRConfig{Bits: 4, Rule: sparsemodel.SGD, LearningRate: 0.1})
	srv := paramserver.New(paramserver.Config{Addr: "127.0.0.1:0", LRModel: lr, NumWorkers: 2})
	go srv.Serve()
	defer srv.Shutdown()
	addr := srv.Addr()

	store := objectstore.NewMemStore()
	const bucket = "blobs"
	// One sample: feature 5 with value 1.0, label 1.0. Starting weight is
	// 0, so z=0, sigmoid(z)=0.5, e=0.5, delta=0.5, w' = 0 + 0.1*0.5 = 0.05.
	putBlob(t, store, bucket, 0, []wire.Sample{{Indices: []uint32{5}, Values: []float32{1.0}}}, []float32{1.0})

	w := New(Config{
		PSAddr: addr,
		Store:  store,
		Iter: iterator.Config{
			Bucket:        bucket,
			Lo:            0,
			Hi:            1,
			MinibatchSize: 1,
			Labeled:       true,
			PassLimit:     1,
		},
		Kind:     LR,
		WorkerID: 1,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, w.Run(ctx))

	got := lr.ReadSlice([]uint32{5})
	require.InDelta(t, 0.05, got[0], 1e-6)
}

func TestWorker_MFRun_AppliesGradientAgainstLiveServer(t *testing.T) {
	mf := sparsemodel.NewMFModel(sparsemodel.MFConfig{NUsers: 4, NItems: 4, K: 2}, rand.New(rand.NewSource(1)))
	before, _, err := mf.ReadSlice(0, 1, nil)
	require.NoError(t, err)

	srv := paramserver.New(paramserver.Config{Addr: "127.0.0.1:0", MFModel: mf, NumWorkers: 2})
	go srv.Serve()
	defer srv.Shutdown()
	addr := srv.Addr()

	store := objectstore.NewMemStore()
	const bucket = "blobs"
	putBlob(t, store, bucket, 0,
		[]wire.Sample{{Indices: []uint32{0, 0}, Values: []float32{1, 1}}},
		[]float32{3.0})

	w := New(Config{
		PSAddr: addr,
		Store:  store,
		Iter: iterator.Config{
			Bucket:        bucket,
			Lo:            0,
			Hi:            1,
			MinibatchSize: 1,
			Labeled:       true,
			PassLimit:     1,
		},
		Kind:            MF,
		MFGrad:          MFGradientConfig{LearningRate: 0.1, K: 2},
		MFUserBlockSize: 1,
		WorkerID:        1,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, w.Run(ctx))

	after, _, err := mf.ReadSlice(0, 1, nil)
	require.NoError(t, err)
	require.NotEqual(t, before[0].Bias, after[0].Bias)
}
