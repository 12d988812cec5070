// Package paramserver implements the TCP parameter server (C7): the
// front end that owns the authoritative model, applies sparse gradients,
// answers slice and full-model queries, and hosts the key-value side store
// (C8) and task registry (C9).
//
// The reference design runs an acceptor/poll thread pool feeding a shared
// worker-thread pool over a mutex-and-semaphore queue, with sockets
// disarmed from POLLIN until a worker re-arms them through a pipe. Go's
// runtime scheduler already multiplexes blocking I/O across OS threads, so
// one goroutine per connection blocking on Read is the idiomatic
// replacement for the poll-loop-plus-pipe machinery; the worker-thread pool
// itself is kept (as a fixed pool of goroutines draining a job channel)
// because it is genuinely load-bearing: it bounds how much concurrent
// model-mutation work the server takes on regardless of how many
// connections are open.
package paramserver

import (
	"bytes"
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/muchq/sparsehash/go/clock"
	"github.com/muchq/sparsehash/go/metrics"
	"github.com/muchq/sparsehash/go/objectstore"
	"github.com/muchq/sparsehash/go/resilience4g/rate_limit"
	"github.com/muchq/sparsehash/go/sparsemodel"
	"github.com/muchq/sparsehash/go/wire"
)

// TimeoutThreshold is the watchdog's grace period added to a task's
// declared remaining-seconds budget before it is reaped (spec §4.6).
const TimeoutThreshold = 3 * time.Second

// ScratchBufferSize is the default size of each worker goroutine's private
// decode buffer (reference: 120 MiB).
const ScratchBufferSize = wire.MaxPayloadBytes

// Config configures one parameter server instance. LRModel and MFModel are
// each optional; a deployment typically configures exactly one, and a
// request against the unconfigured model kind closes its connection.
type Config struct {
	Addr string

	LRModel *sparsemodel.LRModel
	MFModel *sparsemodel.MFModel

	// MaxConns bounds concurrent accepted connections (reference:
	// 2*N_workers + 1). Zero means unbounded.
	MaxConns int
	// NumWorkers sizes the shared worker-goroutine pool (reference
	// N_work). Must be >= 1.
	NumWorkers int
	// ConnRateLimiter, if set, bounds how fast acceptLoop admits new
	// connections - a token-bucket budget independent of and tighter than
	// MaxConns, for deployments that want to shed a connection flood
	// before it ever reaches the worker pool.
	ConnRateLimiter rate_limit.RateLimiterInterface

	CheckpointFrequency time.Duration
	CheckpointStore     objectstore.Store
	CheckpointBucket    string
	CheckpointKey       string

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.ServerMetrics
}

// Server is a running (or not-yet-started) parameter server.
type Server struct {
	cfg Config
	log *slog.Logger
	clk clock.Clock

	lrModel *sparsemodel.LRModel
	mfModel *sparsemodel.MFModel

	jobs chan *job

	conns *connRegistry
	tasks *taskRegistry
	kv    *kvStore

	listener  net.Listener
	ready     chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	updateCount   int64
	updateCountMu sync.Mutex
}

// New constructs a server ready to Serve. It does not bind a socket yet.
func New(cfg Config) *Server {
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.NewSystemUtcClock()
	}

	s := &Server{
		cfg:     cfg,
		log:     logger,
		clk:     clk,
		lrModel: cfg.LRModel,
		mfModel: cfg.MFModel,
		jobs:    make(chan *job, 64),
		conns:   newConnRegistry(),
		tasks:   newTaskRegistry(clk),
		kv:      newKVStore(),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}
	return s
}

// Serve binds the listening socket and runs until Shutdown is called or a
// KILL_SIGNAL request is handled. It blocks until the server stops.
func (s *Server) Serve() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.listener = ln
	close(s.ready)
	s.log.Info("paramserver listening", "addr", ln.Addr().String())

	for i := 0; i < s.cfg.NumWorkers; i++ {
		s.wg.Add(1)
		go s.workerLoop()
	}

	s.wg.Add(1)
	go s.watchdogLoop()

	if s.cfg.CheckpointFrequency > 0 && s.cfg.CheckpointStore != nil {
		s.wg.Add(1)
		go s.checkpointLoop()
	}

	s.acceptLoop(ln)
	s.wg.Wait()
	return nil
}

// Addr blocks until Serve has bound its listener (or returns immediately
// if it already has), then returns the bound address. Primarily useful
// when Config.Addr requests an ephemeral port (":0").
func (s *Server) Addr() string {
	<-s.ready
	return s.listener.Addr().String()
}

// Shutdown stops the accept loop, closes outstanding connections, and
// waits for background goroutines to exit. Safe to call more than once.
func (s *Server) Shutdown() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.listener != nil {
			s.listener.Close()
		}
		s.conns.closeAll()
	})
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				s.log.Error("accept failed", "error", err)
				return
			}
		}

		if s.cfg.MaxConns > 0 && s.conns.count() >= s.cfg.MaxConns {
			s.log.Warn("rejecting connection: max conns reached", "max", s.cfg.MaxConns)
			conn.Close()
			continue
		}
		if s.cfg.ConnRateLimiter != nil && !s.cfg.ConnRateLimiter.Allow(1) {
			s.log.Warn("rejecting connection: rate limited")
			conn.Close()
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	s.conns.registerConn(conn)
	defer s.conns.unregisterConn(conn)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ActiveConnections.Set(float64(s.conns.count()))
		defer s.cfg.Metrics.ActiveConnections.Set(float64(s.conns.count() - 1))
	}

	// The decode buffer starts small and grows to whatever a request
	// actually needs (ReadPayload reallocates on a capacity miss), rather
	// than preallocating the full 120 MiB scratch size per connection -
	// the one-buffer-per-worker-thread design in the reference exists to
	// avoid contending a shared allocator across threads, which a
	// per-connection buffer already achieves without the up-front cost.
	scratch := make([]byte, 0, 4096)
	for {
		opcode, err := wire.ReadOpcode(conn)
		if err != nil {
			return
		}

		var payload []byte
		switch {
		case opcode.SizePrefixed():
			size, err := wire.ReadPayloadSize(conn)
			if err != nil {
				s.log.Warn("bad payload size, dropping connection", "opcode", opcode, "error", err)
				return
			}
			payload, err = wire.ReadPayload(conn, scratch, size)
			if err != nil {
				return
			}
			scratch = payload[:0:cap(payload)]
		case opcode == wire.SetValue:
			var err error
			payload, err = wire.ReadSetValueBody(conn)
			if err != nil {
				s.log.Warn("bad set_value body, dropping connection", "error", err)
				return
			}
		default:
			if n, ok := opcodeFixedBodySize(opcode); ok {
				var err error
				payload, err = wire.ReadPayload(conn, scratch, uint32(n))
				if err != nil {
					return
				}
				scratch = payload[:0:cap(payload)]
			}
		}

		j := &job{
			conn:    conn,
			opcode:  opcode,
			payload: payload,
			done:    make(chan struct{}),
		}

		select {
		case s.jobs <- j:
		case <-s.done:
			return
		}

		select {
		case <-j.done:
		case <-s.done:
			return
		}

		if j.closeConn {
			return
		}
	}
}

func (s *Server) workerLoop() {
	defer s.wg.Done()
	for {
		select {
		case j := <-s.jobs:
			s.dispatch(j)
			close(j.done)
		case <-s.done:
			return
		}
	}
}

func (s *Server) watchdogLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			reaped := s.tasks.sweep()
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.WatchdogSweeps.Inc()
				s.cfg.Metrics.TasksReaped.Add(float64(reaped))
				s.cfg.Metrics.AliveTasks.Set(float64(s.tasks.aliveCount()))
			}
			if reaped > 0 {
				s.log.Info("watchdog reaped tasks", "count", reaped)
			}
		case <-s.done:
			return
		}
	}
}

func (s *Server) checkpointLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.CheckpointFrequency)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.checkpoint(); err != nil {
				s.log.Error("checkpoint failed, will retry next tick", "error", err)
			}
		case <-s.done:
			return
		}
	}
}

func (s *Server) checkpoint() error {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if s.lrModel != nil {
		var buf bytes.Buffer
		if err := wire.EncodeFullLRModel(&buf, s.lrModel.SerializeFull()); err != nil {
			return err
		}
		if err := s.cfg.CheckpointStore.Put(ctx, s.cfg.CheckpointBucket, s.cfg.CheckpointKey, buf.Bytes()); err != nil {
			return err
		}
	}
	if s.mfModel != nil {
		snap := s.mfModel.SerializeFull()
		var buf bytes.Buffer
		full := wire.MFFullModel{
			GlobalBias:  snap.GlobalBias,
			UserBias:    snap.UserBias,
			ItemBias:    snap.ItemBias,
			UserFactors: snap.UserFactors,
			ItemFactors: snap.ItemFactors,
		}
		if err := wire.EncodeFullMFModel(&buf, full); err != nil {
			return err
		}
		if err := s.cfg.CheckpointStore.Put(ctx, s.cfg.CheckpointBucket, s.cfg.CheckpointKey, buf.Bytes()); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) incrementUpdates() {
	s.updateCountMu.Lock()
	s.updateCount++
	s.updateCountMu.Unlock()
}

func (s *Server) numUpdates() int64 {
	s.updateCountMu.Lock()
	defer s.updateCountMu.Unlock()
	return s.updateCount
}
