package main

import (
	"log"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"net/http"

	"github.com/muchq/sparsehash/go/metrics"
	"github.com/muchq/sparsehash/go/mucks"
	"github.com/muchq/sparsehash/go/objectstore"
	"github.com/muchq/sparsehash/go/paramserver"
	"github.com/muchq/sparsehash/go/resilience4g/rate_limit"
	"github.com/muchq/sparsehash/go/sparsemodel"
)

// main wires environment configuration into a running parameter server.
// Config-file and CLI-flag parsing are out of scope (spec.md §1); this is
// the thin env-var equivalent of go/r3dr's ReadConfig.
func main() {
	addr, ok := os.LookupEnv("PS_ADDR")
	if !ok {
		addr = ":7070"
	}

	modelBits := envInt("MODEL_BITS", 20)
	learningRate := envFloat("LEARNING_RATE", 0.01)
	numWorkers := envInt("NUM_WORKERS", 4)

	lrModel := sparsemodel.NewLRModel(sparsemodel.LRConfig{
		Bits:         uint(modelBits),
		Rule:         sparsemodel.SGD,
		LearningRate: float32(learningRate),
	})

	var store objectstore.Store = objectstore.NewMemStore()

	reg := prometheus.NewRegistry()
	srvMetrics := metrics.NewServerMetrics(reg)

	if metricsAddr, ok := os.LookupEnv("METRICS_ADDR"); ok {
		router := mucks.NewMucks()
		router.HandleFunc("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}).ServeHTTP)
		router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			mucks.JsonOk(w, map[string]string{"status": "ok"})
		})
		// A scraper hitting /metrics harder than once a second is almost
		// certainly misconfigured; fail it closed rather than let it
		// compete with the TCP accept loop for CPU.
		scrapeLimiter := rate_limit.NewRateLimiterMiddleware(
			rate_limit.TokenBucketRateLimiterFactory{},
			rate_limit.ConstKeyExtractor{},
			&rate_limit.DefaultRateLimitConfig{MaxTokens: 5, RefillRate: 1, OpCost: 1},
		)
		router.Add(scrapeLimiter)

		go func() {
			if err := http.ListenAndServe(metricsAddr, router); err != nil {
				slog.Error("metrics server stopped", "error", err)
			}
		}()
	}

	cfg := paramserver.Config{
		Addr:                addr,
		LRModel:             lrModel,
		NumWorkers:          numWorkers,
		CheckpointFrequency: time.Duration(envInt("CHECKPOINT_FREQUENCY_SECONDS", 0)) * time.Second,
		CheckpointStore:     store,
		CheckpointBucket:    os.Getenv("CHECKPOINT_BUCKET"),
		CheckpointKey:       os.Getenv("CHECKPOINT_KEY"),
		Metrics:             srvMetrics,
	}

	srv := paramserver.New(cfg)
	slog.Info("starting paramserver", "addr", addr, "model_bits", modelBits, "num_workers", numWorkers)
	if err := srv.Serve(); err != nil {
		log.Fatalf("paramserver exited: %v", err)
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
