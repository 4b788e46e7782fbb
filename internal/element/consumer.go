package element

import (
	"time"
	"unicode/utf8"

	"github.com/amine-amaach/opcua-bridge/internal/model"
	"github.com/awcullen/opcua/ua"
	"github.com/pkg/errors"
)

// Reading is one update popped from a leaf and converted for a consumer.
type Reading[T any] struct {
	Value     T
	HasValue  bool
	Reason    model.ProcessReason
	Next      model.ProcessReason
	Status    ua.StatusCode
	TimeStamp time.Time
	Overrides uint64
	// Err and ConvStatus are set when the value could not be converted.
	// The update is consumed anyway.
	Err        error
	ConvStatus ua.StatusCode
}

func pop[T any](l *Leaf) (Reading[T], ua.Variant, bool) {
	u, next := l.Pop()
	if u == nil {
		return Reading[T]{}, nil, false
	}
	r := Reading[T]{
		Reason:    u.Reason,
		Next:      next,
		Status:    u.Status,
		TimeStamp: u.TimeStamp,
		Overrides: u.Overrides,
	}
	v, ok := u.Data()
	if !ok {
		return r, nil, true
	}
	return r, v, true
}

func (r *Reading[T]) fail(err error) {
	r.Err = err
	r.ConvStatus = StatusOf(err)
}

// ReadScalar pops the next update and converts its value to T.
// ok is false when nothing was queued.
func ReadScalar[T any](l *Leaf) (r Reading[T], ok bool) {
	r, v, ok := pop[T](l)
	if !ok || v == nil {
		return r, ok
	}
	val, err := Convert[T](v)
	if err != nil {
		r.fail(err)
		return r, true
	}
	r.Value = val
	r.HasValue = true
	return r, true
}

// ReadString pops the next update as text, truncated to at most maxLen bytes
// on a rune boundary. maxLen <= 0 means unbounded.
func ReadString(l *Leaf, maxLen int) (r Reading[string], ok bool) {
	r, ok = ReadScalar[string](l)
	if !ok || !r.HasValue {
		return r, ok
	}
	r.Value = truncate(r.Value, maxLen)
	return r, true
}

func truncate(s string, maxLen int) string {
	if maxLen <= 0 || len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// ReadArray pops the next update into dst. The value of the reading is the
// number of elements copied; the rest of dst is zeroed. Longer arrays are
// truncated to len(dst).
func ReadArray[T any](l *Leaf, dst []T) (r Reading[int], ok bool) {
	r, v, ok := pop[int](l)
	if !ok || v == nil {
		return r, ok
	}
	src, err := Convert[[]T](v)
	if err != nil {
		r.fail(err)
		return r, true
	}
	n := copy(dst, src)
	var zero T
	for i := n; i < len(dst); i++ {
		dst[i] = zero
	}
	r.Value = n
	r.HasValue = true
	return r, true
}

// WriteScalar stores v as the leaf's outgoing value.
func WriteScalar[T any](l *Leaf, v T) error {
	return l.WriteValue(v)
}

// WriteString stores s, truncated to maxLen bytes (maxLen <= 0: unbounded).
func WriteString(l *Leaf, s string, maxLen int) error {
	return l.WriteValue(truncate(s, maxLen))
}

// WriteArray stores a copy of src as the leaf's outgoing array value.
func WriteArray[T any](l *Leaf, src []T) error {
	if src == nil {
		return errors.Wrap(ErrTypeMismatch, "nil array")
	}
	cp := make([]T, len(src))
	copy(cp, src)
	return l.WriteValue(cp)
}
