package services

import (
	"github.com/awcullen/opcua/ua"
)

type OpKind int

const (
	OpRead OpKind = iota
	OpWrite
)

func (k OpKind) String() string {
	if k == OpWrite {
		return "write"
	}
	return "read"
}

// PendingOp is one read or write waiting in a session batcher, then in the
// outstanding map until its transaction completes.
type PendingOp struct {
	Item   *ItemSvc
	NodeID ua.NodeID
	Kind   OpKind
	// Taken from the item tree when the batch is flushed.
	Value         ua.Variant
	TransactionID uint32
}

func newReadOp(it *ItemSvc) *PendingOp {
	return &PendingOp{Item: it, NodeID: it.NodeID(), Kind: OpRead}
}

func newWriteOp(it *ItemSvc) *PendingOp {
	return &PendingOp{Item: it, NodeID: it.NodeID(), Kind: OpWrite}
}
