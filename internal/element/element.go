// Package element maps one protocol value onto the consumers bound to it.
//
// Each item owns a tree. Scalar items have a single leaf as root; structured
// items have a node root whose children are matched by member name against the
// type description of the first value received. Leaves queue updates for
// their consumer; consumer writes mark leaves dirty and are folded back into a
// composite value by the nodes above them.
package element

import (
	"io"
	"time"

	"github.com/amine-amaach/opcua-bridge/internal/model"
	"github.com/awcullen/opcua/ua"
	"github.com/pkg/errors"
)

var (
	ErrPathConflict = errors.New("element path conflict")
	ErrNoValue      = errors.New("no value received yet")
)

// Element is a leaf or a node of an item's data element tree.
type Element interface {
	Name() string
	IsLeaf() bool

	// SetIncomingData distributes a value received from the server.
	SetIncomingData(value ua.Variant, reason model.ProcessReason)
	// SetIncomingEvent distributes a value-less event (failure, connection loss).
	SetIncomingEvent(reason model.ProcessReason, status ua.StatusCode)
	SetState(state model.ConnectionStatus)

	// IsDirty and OutgoingData must be called with the tree write lock held.
	IsDirty() bool
	// OutgoingData returns the value to write and whether any consumer
	// changed it. Dirty flags below are cleared. On error the incoming value
	// is returned and all dirty flags are kept.
	OutgoingData() (ua.Variant, bool, error)

	Show(w io.Writer, level int, indent int)
	leaves(fn func(*Leaf))
	compose() (ua.Variant, bool, error)
	clearDirty()
}

// Source is the item side of a tree: timestamps, status and type lookup.
type Source interface {
	Name() string
	IncomingTimestamp(sel model.TimestampSource) time.Time
	IncomingStatus() ua.StatusCode
	SetDataTimestamp(ts time.Time)
	Dictionary() *Dictionary
}

// Consumer is notified when a leaf queue goes from empty to non-empty.
type Consumer interface {
	Name() string
	RequestProcessing(reason model.ProcessReason)
}
