package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/muchq/sparsehash/go/iterator"
	"github.com/muchq/sparsehash/go/metrics"
	"github.com/muchq/sparsehash/go/objectstore"
	"github.com/muchq/sparsehash/go/worker"
)

// main wires environment configuration into a running worker loop.
// Config-file and CLI-flag parsing are out of scope (spec.md §1); a
// worker's (ps_host, ps_port, bucket, blob-id ranges, minibatch_size, ...)
// are opaque configuration per spec §9, supplied here as env vars.
func main() {
	psAddr, ok := os.LookupEnv("PS_ADDR")
	if !ok {
		psAddr = "127.0.0.1:7070"
	}
	bucket, ok := os.LookupEnv("TRAIN_BUCKET")
	if !ok {
		bucket = "train"
	}

	workerID := int64(envInt("WORKER_ID", 1))
	store := objectstore.NewMemStore()

	reg := prometheus.NewRegistry()
	workerMetrics := metrics.NewWorkerMetrics(reg)

	cfg := worker.Config{
		PSAddr: psAddr,
		Store:  store,
		Iter: iterator.Config{
			Bucket:        bucket,
			Lo:            int64(envInt("TRAIN_LO", 0)),
			Hi:            int64(envInt("TRAIN_HI", 1000)),
			MinibatchSize: envInt("MINIBATCH_SIZE", 32),
			Labeled:       true,
			Random:        envInt("RANDOM_ORDER", 1) != 0,
			WorkerID:      workerID,
		},
		Kind: worker.LR,
		LRGrad: worker.LRGradientConfig{
			Epsilon:       float32(envFloat("EPSILON", 1e-6)),
			GradThreshold: float32(envFloat("GRAD_THRESHOLD", 0)),
		},
		WorkerID: workerID,
		Metrics:  workerMetrics,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	w := worker.New(cfg)
	slog.Info("starting worker", "ps_addr", psAddr, "bucket", bucket, "worker_id", workerID)
	if err := w.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("worker exited: %v", err)
	}
}

func envInt(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Fatalf("%s must be an integer, got %q", key, v)
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Fatalf("%s must be a float, got %q", key, v)
	}
	return f
}
