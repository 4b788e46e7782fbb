package services

import (
	"context"
	"fmt"

	"github.com/awcullen/opcua/ua"
	"github.com/pkg/errors"
)

// statusOf digs the protocol status out of a service call error.
func statusOf(err error) ua.StatusCode {
	if err == nil {
		return ua.Good
	}
	var sc ua.StatusCode
	if errors.As(err, &sc) {
		return sc
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ua.BadTimeout
	}
	return ua.BadInternalError
}

func isTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || statusOf(err) == ua.BadTimeout
}

func statusText(sc ua.StatusCode) string {
	switch {
	case sc.IsGood():
		return "Good"
	case sc.IsUncertain():
		return fmt.Sprintf("Uncertain(0x%08X)", uint32(sc))
	}
	return fmt.Sprintf("Bad(0x%08X)", uint32(sc))
}
