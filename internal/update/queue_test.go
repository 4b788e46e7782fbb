package update

import (
	"testing"
	"time"

	"github.com/amine-amaach/opcua-bridge/internal/model"
	"github.com/awcullen/opcua/ua"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func data(v int) *Update[int] {
	return NewData(time.Now(), model.ReasonIncomingData, v, ua.Good)
}

func fill(t *testing.T, q *Queue[int], values ...int) {
	t.Helper()
	for _, v := range values {
		q.PushUpdate(data(v))
	}
}

func pop(t *testing.T, q *Queue[int]) (int, uint64) {
	t.Helper()
	u, _ := q.PopUpdate()
	require.NotNil(t, u)
	v, ok := u.Data()
	require.True(t, ok)
	return v, u.Overrides
}

func TestQueueOrderAndWasFirst(t *testing.T) {
	q := NewQueue[int](5, true)

	assert.True(t, q.PushUpdate(data(1)))
	assert.False(t, q.PushUpdate(data(2)))
	assert.False(t, q.PushUpdate(data(3)))
	assert.Equal(t, 3, q.Len())

	u, next := q.PopUpdate()
	v, _ := u.Data()
	assert.Equal(t, 1, v)
	assert.Equal(t, model.ReasonIncomingData, next)

	q.PopUpdate()
	_, next = q.PopUpdate()
	assert.Equal(t, model.ReasonNone, next)
	assert.True(t, q.Empty())

	// empty -> non-empty again reports first exactly once
	assert.True(t, q.PushUpdate(data(4)))
	assert.False(t, q.PushUpdate(data(5)))
}

func TestQueuePopEmpty(t *testing.T) {
	q := NewQueue[int](2, true)
	u, next := q.PopUpdate()
	assert.Nil(t, u)
	assert.Equal(t, model.ReasonNone, next)
}

func TestQueueDiscardOldest(t *testing.T) {
	q := NewQueue[int](3, true)
	fill(t, q, 0, 1, 2)
	fill(t, q, 10, 11, 12)
	require.Equal(t, 3, q.Len())

	v, ov := pop(t, q)
	assert.Equal(t, 10, v)
	assert.EqualValues(t, 3, ov)

	v, ov = pop(t, q)
	assert.Equal(t, 11, v)
	assert.EqualValues(t, 0, ov)

	v, ov = pop(t, q)
	assert.Equal(t, 12, v)
	assert.EqualValues(t, 0, ov)
}

func TestQueueDiscardNewest(t *testing.T) {
	q := NewQueue[int](3, false)
	fill(t, q, 0, 1, 2)
	fill(t, q, 10, 11, 12)
	require.Equal(t, 3, q.Len())

	v, ov := pop(t, q)
	assert.Equal(t, 0, v)
	assert.EqualValues(t, 0, ov)

	v, ov = pop(t, q)
	assert.Equal(t, 1, v)
	assert.EqualValues(t, 0, ov)

	v, ov = pop(t, q)
	assert.Equal(t, 12, v)
	assert.EqualValues(t, 3, ov)
}

func TestQueueCapacityOne(t *testing.T) {
	q := NewQueue[int](1, true)
	assert.True(t, q.PushUpdate(data(1)))
	assert.False(t, q.PushUpdate(data(2)))
	assert.False(t, q.PushUpdate(data(3)))

	v, ov := pop(t, q)
	assert.Equal(t, 3, v)
	assert.EqualValues(t, 2, ov)
	assert.True(t, q.Empty())
}

func TestQueueOverridesAccumulate(t *testing.T) {
	q := NewQueue[int](2, false)
	fill(t, q, 0, 1)
	for i := 0; i < 100; i++ {
		q.PushUpdate(data(100 + i))
	}
	_, ov := pop(t, q)
	assert.EqualValues(t, 0, ov)
	v, ov := pop(t, q)
	assert.Equal(t, 199, v)
	assert.EqualValues(t, 100, ov)
}

func TestEventsKeepReason(t *testing.T) {
	q := NewQueue[int](2, true)
	q.PushUpdate(data(1))
	q.PushUpdate(NewEvent[int](time.Now(), model.ReasonConnectionLoss, ua.BadSecureChannelClosed))

	_, next := q.PopUpdate()
	assert.Equal(t, model.ReasonConnectionLoss, next)
	u, _ := q.PopUpdate()
	assert.False(t, u.HasData())
	assert.Equal(t, ua.BadSecureChannelClosed, u.Status)
}

func TestClear(t *testing.T) {
	q := NewQueue[int](4, true)
	fill(t, q, 1, 2, 3)
	q.Clear()
	assert.True(t, q.Empty())
	assert.Equal(t, 4, q.Capacity())
}
