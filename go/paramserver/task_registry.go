package paramserver

import (
	"sync"

	"github.com/muchq/sparsehash/go/clock"
)

// taskRegistryResult codes mirror the reference's raw integer returns
// (spec §4.5/§4.6).
const (
	taskRegisterOK       = uint32(0)
	taskRegisterRejected = uint32(1)

	taskDeregisterOK       = uint32(0)
	taskDeregisterDead     = uint32(1)
	taskDeregisterUnknown  = uint32(2)
)

type taskEntry struct {
	remainingSeconds int32
	registeredAt     int64 // unix seconds
	// consumed is set either by a successful DEREGISTER_TASK or by the
	// watchdog declaring the task dead. Either way the entry is retained
	// (never deleted) so the id can never be registered or deregistered
	// again - spec invariant 3/4: a second deregister of an
	// already-deregistered-or-dead task keeps returning 1, never 2.
	consumed bool
	status   uint32
}

// taskRegistry tracks worker liveness budgets (C9). A task is alive iff
// now - registeredAt <= remainingSeconds + TimeoutThreshold; the watchdog
// sweeps once a second and declares expired tasks dead. A task id, once
// used, is retained forever so a later REGISTER_TASK for the same id is
// rejected rather than silently resurrecting it.
type taskRegistry struct {
	mu      sync.Mutex
	clk     clock.Clock
	entries map[uint32]*taskEntry
}

func newTaskRegistry(clk clock.Clock) *taskRegistry {
	return &taskRegistry{clk: clk, entries: make(map[uint32]*taskEntry)}
}

func (r *taskRegistry) register(taskID uint32, remainingSeconds int32) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[taskID]; exists {
		return taskRegisterRejected
	}
	r.entries[taskID] = &taskEntry{
		remainingSeconds: remainingSeconds,
		registeredAt:     r.clk.Now().Unix(),
	}
	return taskRegisterOK
}

func (r *taskRegistry) deregister(taskID uint32) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.entries[taskID]
	if !exists {
		return taskDeregisterUnknown
	}
	if e.consumed {
		return taskDeregisterDead
	}
	e.consumed = true
	return taskDeregisterOK
}

func (r *taskRegistry) setStatus(taskID, status uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[taskID]; ok {
		e.status = status
	}
}

func (r *taskRegistry) getStatus(taskID uint32) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[taskID]; ok {
		return e.status
	}
	return 0
}

// sweep declares expired entries dead and returns how many were reaped.
func (r *taskRegistry) sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clk.Now().Unix()
	reaped := 0
	for _, e := range r.entries {
		if e.consumed {
			continue
		}
		age := now - e.registeredAt
		if age > int64(e.remainingSeconds)+int64(TimeoutThreshold.Seconds()) {
			e.consumed = true
			reaped++
		}
	}
	return reaped
}

func (r *taskRegistry) aliveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	alive := 0
	for _, e := range r.entries {
		if !e.consumed {
			alive++
		}
	}
	return alive
}
