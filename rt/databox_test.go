package rt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestPool(budget uint64) *DataBoxPool {
	return NewDataBoxPool(budget, zap.NewNop(), nil)
}

func TestDataBoxPoolAccounting(t *testing.T) {
	pool := newTestPool(1024)

	a, err := pool.Get(16, ModeInt32)
	require.NoError(t, err)
	b, err := pool.Get(16, ModeInt32)
	require.NoError(t, err)
	c, err := pool.Get(16, ModeInt32)
	require.NoError(t, err)

	assert.Equal(t, 3, pool.Unresolved())
	require.NoError(t, pool.Finish(a))
	require.NoError(t, pool.Discard(b))
	require.NoError(t, pool.Finish(c))
	assert.Zero(t, pool.Unresolved())

	finished := pool.Finished()
	require.Len(t, finished, 2)
	assert.Same(t, a, finished[0])
	assert.Same(t, c, finished[1])
}

func TestDataBoxDoubleResolveFails(t *testing.T) {
	pool := newTestPool(1024)
	box, err := pool.Get(4, ModeUint32)
	require.NoError(t, err)
	require.NoError(t, pool.Finish(box))

	assert.Error(t, pool.Finish(box))
	assert.Error(t, pool.Discard(box))
}

func TestDataBoxBudgetExhaustion(t *testing.T) {
	pool := newTestPool(64)

	a, err := pool.Get(8, ModeInt32) // 32 bytes
	require.NoError(t, err)
	_, err = pool.Get(16, ModeInt32) // would need 64 more
	require.Error(t, err)
	assert.Contains(t, err.Error(), "heap exhausted")

	// Discarding frees the budget again.
	require.NoError(t, pool.Discard(a))
	b, err := pool.Get(16, ModeInt32)
	require.NoError(t, err)
	require.NoError(t, pool.Finish(b))
}

func TestDataBoxRejectsEmptyAllocation(t *testing.T) {
	pool := newTestPool(64)
	_, err := pool.Get(0, ModeInt32)
	assert.Error(t, err)
}

func TestFinishGroupIsAtomic(t *testing.T) {
	pool := newTestPool(1024)
	a, err := pool.Get(4, ModeInt64)
	require.NoError(t, err)
	b, err := pool.Get(4, ModeInt64)
	require.NoError(t, err)
	require.NoError(t, pool.Discard(b))

	// One member already resolved: nothing becomes visible.
	require.Error(t, pool.FinishGroup(a, b))
	assert.Empty(t, pool.Finished())
	assert.Equal(t, 1, pool.Unresolved())

	c, err := pool.Get(4, ModeInt64)
	require.NoError(t, err)
	require.NoError(t, pool.FinishGroup(a, c))
	assert.Len(t, pool.Finished(), 2)
	assert.Zero(t, pool.Unresolved())
}

func TestDiscardUnresolvedFreesBudget(t *testing.T) {
	pool := newTestPool(64)
	_, err := pool.Get(16, ModeInt32)
	require.NoError(t, err)
	keep, err := pool.Get(4, ModeInt32)
	require.NoError(t, err)
	require.NoError(t, pool.Finish(keep))

	pool.DiscardUnresolved()
	assert.Zero(t, pool.Unresolved())
	assert.Len(t, pool.Finished(), 1)

	// The abandoned 64 bytes are back.
	box, err := pool.Get(12, ModeInt32)
	require.NoError(t, err)
	require.NoError(t, pool.Discard(box))
}

func TestDataBoxElementAccess(t *testing.T) {
	pool := newTestPool(1024)
	box, err := pool.Get(4, ModeInt32)
	require.NoError(t, err)
	assert.Equal(t, 4, box.Len())
	assert.Equal(t, ModeInt32, box.Mode())

	box.SetInt32(0, -7)
	box.AddInt32(0, 10)
	assert.Equal(t, int32(3), box.Int32(0))

	wide, err := pool.Get(2, ModeInt64)
	require.NoError(t, err)
	wide.SetInt64(1, -1)
	wide.AddInt64(1, 3)
	assert.Equal(t, int64(2), wide.Int64(1))

	require.NoError(t, pool.Discard(box))
	require.NoError(t, pool.Discard(wide))
}

func TestPoolResetClearsEverything(t *testing.T) {
	pool := newTestPool(64)
	box, err := pool.Get(16, ModeInt32)
	require.NoError(t, err)
	require.NoError(t, pool.Finish(box))

	pool.Reset()
	assert.Empty(t, pool.Finished())
	assert.Zero(t, pool.Unresolved())

	again, err := pool.Get(16, ModeInt32)
	require.NoError(t, err)
	assert.Zero(t, again.ID())
}
