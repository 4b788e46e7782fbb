package update

import (
	"time"

	"github.com/amine-amaach/opcua-bridge/internal/model"
	"github.com/awcullen/opcua/ua"
)

// Update is one value or event travelling from the protocol side to a consumer.
// Overrides counts the updates that were folded into this one because the
// queue was full.
type Update[T any] struct {
	TimeStamp time.Time
	Reason    model.ProcessReason
	Status    ua.StatusCode
	Overrides uint64

	data    T
	hasData bool
}

// NewData makes an update that carries a value.
func NewData[T any](ts time.Time, reason model.ProcessReason, data T, status ua.StatusCode) *Update[T] {
	return &Update[T]{
		TimeStamp: ts,
		Reason:    reason,
		Status:    status,
		data:      data,
		hasData:   true,
	}
}

// NewEvent makes an update without a value, e.g. a connection loss.
func NewEvent[T any](ts time.Time, reason model.ProcessReason, status ua.StatusCode) *Update[T] {
	return &Update[T]{
		TimeStamp: ts,
		Reason:    reason,
		Status:    status,
	}
}

// Data returns the value and whether there is one.
func (u *Update[T]) Data() (T, bool) {
	return u.data, u.hasData
}

func (u *Update[T]) HasData() bool {
	return u.hasData
}

// Override replaces the payload of u with the one of other and accounts for
// other and everything other itself had absorbed.
func (u *Update[T]) Override(other *Update[T]) {
	u.TimeStamp = other.TimeStamp
	u.Reason = other.Reason
	u.Status = other.Status
	u.data = other.data
	u.hasData = other.hasData
	u.Overrides += other.Overrides + 1
}

// OverrideCount adds n dropped updates to u without touching its payload.
func (u *Update[T]) OverrideCount(n uint64) {
	u.Overrides += n
}
