package model

import (
	"strings"

	"github.com/pkg/errors"
)

// ConnectionStatus is the per-item view of the session connection.
type ConnectionStatus int

const (
	StatusDown ConnectionStatus = iota
	StatusInitialRead
	StatusInitialWrite
	StatusUp
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusDown:
		return "down"
	case StatusInitialRead:
		return "initialRead"
	case StatusInitialWrite:
		return "initialWrite"
	case StatusUp:
		return "up"
	}
	return "unknown"
}

// InitialValue selects what an item does right after (re)connect.
type InitialValue int

const (
	InitialRead InitialValue = iota
	InitialWrite
	InitialIgnore
)

func (v InitialValue) String() string {
	switch v {
	case InitialWrite:
		return "write"
	case InitialIgnore:
		return "ignore"
	}
	return "read"
}

// TimestampSource selects which timestamp a binding reports.
type TimestampSource int

const (
	TsServer TimestampSource = iota
	TsSource
	TsData
)

func (t TimestampSource) String() string {
	switch t {
	case TsSource:
		return "source"
	case TsData:
		return "data"
	}
	return "server"
}

var (
	ErrUnknownInitialValue = errors.New("unknown initial value policy")
	ErrUnknownTimestamp    = errors.New("unknown timestamp source")
)

// ParseInitialValue accepts "read", "write" or "ignore"; empty means read.
func ParseInitialValue(s string) (InitialValue, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "read":
		return InitialRead, nil
	case "write":
		return InitialWrite, nil
	case "ignore":
		return InitialIgnore, nil
	}
	return InitialRead, errors.Wrap(ErrUnknownInitialValue, s)
}

// ParseTimestampSource accepts "server", "source" or "data"; empty means server.
func ParseTimestampSource(s string) (TimestampSource, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "server":
		return TsServer, nil
	case "source":
		return TsSource, nil
	case "data":
		return TsData, nil
	}
	return TsServer, errors.Wrap(ErrUnknownTimestamp, s)
}
