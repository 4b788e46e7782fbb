package model

// ProcessReason tags why an update was produced or why a consumer is asked
// to process.
type ProcessReason int

const (
	ReasonNone ProcessReason = iota
	ReasonIncomingData
	ReasonConnectionLoss
	ReasonReadComplete
	ReasonReadFailure
	ReasonWriteComplete
	ReasonWriteFailure
	// Request tags, only used for logging.
	ReasonReadRequest
	ReasonWriteRequest
)

func (r ProcessReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonIncomingData:
		return "incomingData"
	case ReasonConnectionLoss:
		return "connectionLoss"
	case ReasonReadComplete:
		return "readComplete"
	case ReasonReadFailure:
		return "readFailure"
	case ReasonWriteComplete:
		return "writeComplete"
	case ReasonWriteFailure:
		return "writeFailure"
	case ReasonReadRequest:
		return "readRequest"
	case ReasonWriteRequest:
		return "writeRequest"
	}
	return "unknown"
}

// IsFailure reports whether the reason carries a failure alarm.
func (r ProcessReason) IsFailure() bool {
	return r == ReasonConnectionLoss || r == ReasonReadFailure || r == ReasonWriteFailure
}

// IsRead reports whether the reason is a read result.
func (r ProcessReason) IsRead() bool {
	return r == ReasonReadComplete || r == ReasonReadFailure
}
