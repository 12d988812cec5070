package paramserver

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/muchq/sparsehash/go/clock"
)

func TestTaskRegistry_RegisterDeregister_S2(t *testing.T) {
	clk := clock.NewTestClock()
	r := newTaskRegistry(clk)

	assert.Equal(t, taskRegisterOK, r.register(17, 100))
	assert.Equal(t, taskRegisterRejected, r.register(17, 100))
	assert.Equal(t, taskDeregisterOK, r.deregister(17))
	assert.Equal(t, taskDeregisterUnknown, r.deregister(99))
}

func TestTaskRegistry_DeregisterAfterDeregister_ReturnsDead(t *testing.T) {
	clk := clock.NewTestClock()
	r := newTaskRegistry(clk)

	assert.Equal(t, taskRegisterOK, r.register(1, 100))
	assert.Equal(t, taskDeregisterOK, r.deregister(1))
	assert.Equal(t, taskDeregisterDead, r.deregister(1))
}

func TestTaskRegistry_WatchdogReapsExpiredTask(t *testing.T) {
	clk := clock.NewTestClock()
	r := newTaskRegistry(clk)

	assert.Equal(t, taskRegisterOK, r.register(1, 0))
	clk.Tick(int64(TimeoutThreshold.Seconds()) + 1)

	assert.Equal(t, 1, r.sweep())
	assert.Equal(t, taskDeregisterDead, r.deregister(1))
}

func TestTaskRegistry_WatchdogDoesNotReapWithinBudget(t *testing.T) {
	clk := clock.NewTestClock()
	r := newTaskRegistry(clk)

	assert.Equal(t, taskRegisterOK, r.register(1, 100))
	clk.Tick(1)

	assert.Equal(t, 0, r.sweep())
	assert.Equal(t, taskDeregisterOK, r.deregister(1))
}

func TestTaskRegistry_AliveCount(t *testing.T) {
	clk := clock.NewTestClock()
	r := newTaskRegistry(clk)

	r.register(1, 100)
	r.register(2, 100)
	assert.Equal(t, 2, r.aliveCount())

	r.deregister(1)
	assert.Equal(t, 1, r.aliveCount())
}
