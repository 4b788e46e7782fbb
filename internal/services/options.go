package services

import (
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

var ErrInvalidOption = errors.New("invalid option")

type option struct {
	key   string
	value string
}

// parseOptions splits "key=value:key=value". A key without value is an error.
func parseOptions(s string) ([]option, error) {
	var opts []option
	for _, part := range strings.Split(s, ":") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, v, ok := strings.Cut(part, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, errors.Wrapf(ErrInvalidOption, "%q is not key=value", part)
		}
		opts = append(opts, option{key: strings.ToLower(strings.TrimSpace(k)), value: strings.TrimSpace(v)})
	}
	return opts, nil
}

func parseFlag(key, v string) (bool, error) {
	switch strings.ToLower(v) {
	case "y", "yes", "true", "1", "on":
		return true, nil
	case "n", "no", "false", "0", "off":
		return false, nil
	}
	return false, errors.Wrapf(ErrInvalidOption, "%s=%s: expected y or n", key, v)
}

func parseCount(key, v string) (int, error) {
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.Wrapf(ErrInvalidOption, "%s=%s: expected a non-negative integer", key, v)
	}
	return n, nil
}

// parseMillis reads a duration given in (fractional) milliseconds.
func parseMillis(key, v string) (time.Duration, error) {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		return 0, errors.Wrapf(ErrInvalidOption, "%s=%s: expected milliseconds", key, v)
	}
	return time.Duration(f * float64(time.Millisecond)), nil
}

// store returns a setter that keeps the current value of dst when parsing failed.
func store[T any](dst *T) func(T, error) error {
	return func(v T, err error) error {
		if err == nil {
			*dst = v
		}
		return err
	}
}
