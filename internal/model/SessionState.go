package model

type SessionState int

const (
	SessionDisconnected SessionState = iota
	SessionConnecting
	SessionConnected
	// Connected, but the last publish or keep-alive timed out.
	SessionDegraded
)

func (s SessionState) String() string {
	switch s {
	case SessionDisconnected:
		return "disconnected"
	case SessionConnecting:
		return "connecting"
	case SessionConnected:
		return "connected"
	case SessionDegraded:
		return "degraded"
	}
	return "unknown"
}

// IsEstablished reports whether service calls can be issued.
func (s SessionState) IsEstablished() bool {
	return s == SessionConnected || s == SessionDegraded
}
