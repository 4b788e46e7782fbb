package element

import (
	"fmt"
	"math"
	"reflect"
	"strconv"

	"github.com/awcullen/opcua/ua"
	"github.com/pkg/errors"
)

var (
	ErrOutOfRange   = errors.New("value out of range")
	ErrTypeMismatch = errors.New("type mismatch")
)

// StatusOf maps a conversion error onto the protocol status reported to
// consumers.
func StatusOf(err error) ua.StatusCode {
	switch {
	case err == nil:
		return ua.Good
	case errors.Is(err, ErrOutOfRange):
		return ua.BadOutOfRange
	default:
		return ua.BadTypeMismatch
	}
}

// Convert turns a protocol value into T, refusing lossy range conversions.
func Convert[T any](v any) (T, error) {
	var zero T
	out, err := convertValue(reflect.ValueOf(v), reflect.TypeOf(&zero).Elem())
	if err != nil {
		return zero, err
	}
	return out.Interface().(T), nil
}

// ConvertLike turns v into the dynamic type of like.
func ConvertLike(v any, like any) (any, error) {
	if like == nil {
		return nil, errors.Wrap(ErrTypeMismatch, "no reference type")
	}
	out, err := convertValue(reflect.ValueOf(v), reflect.TypeOf(like))
	if err != nil {
		return nil, err
	}
	return out.Interface(), nil
}

func convertValue(src reflect.Value, dt reflect.Type) (reflect.Value, error) {
	for src.IsValid() && (src.Kind() == reflect.Interface || src.Kind() == reflect.Pointer) {
		if src.IsNil() {
			return reflect.Value{}, errors.Wrap(ErrTypeMismatch, "nil value")
		}
		src = src.Elem()
	}
	if !src.IsValid() {
		return reflect.Value{}, errors.Wrap(ErrTypeMismatch, "no value")
	}
	if dt.Kind() == reflect.Interface {
		if src.Type().Implements(dt) {
			return src, nil
		}
		return reflect.Value{}, mismatch(src.Type(), dt)
	}
	if src.Type() == dt {
		return src, nil
	}

	out := reflect.New(dt).Elem()
	switch dt.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		i, err := toInt64(src)
		if err != nil {
			return reflect.Value{}, err
		}
		if out.OverflowInt(i) {
			return reflect.Value{}, errors.Wrapf(ErrOutOfRange, "%d does not fit %s", i, dt)
		}
		out.SetInt(i)

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := toUint64(src)
		if err != nil {
			return reflect.Value{}, err
		}
		if out.OverflowUint(u) {
			return reflect.Value{}, errors.Wrapf(ErrOutOfRange, "%d does not fit %s", u, dt)
		}
		out.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := toFloat64(src)
		if err != nil {
			return reflect.Value{}, err
		}
		if !math.IsInf(f, 0) && !math.IsNaN(f) && out.OverflowFloat(f) {
			return reflect.Value{}, errors.Wrapf(ErrOutOfRange, "%g does not fit %s", f, dt)
		}
		out.SetFloat(f)

	case reflect.Bool:
		switch {
		case isInt(src):
			out.SetBool(src.Int() != 0)
		case isUint(src):
			out.SetBool(src.Uint() != 0)
		case isFloat(src):
			out.SetBool(src.Float() != 0)
		case src.Kind() == reflect.String:
			b, err := strconv.ParseBool(src.String())
			if err != nil {
				return reflect.Value{}, mismatch(src.Type(), dt)
			}
			out.SetBool(b)
		default:
			return reflect.Value{}, mismatch(src.Type(), dt)
		}

	case reflect.String:
		s, err := toString(src)
		if err != nil {
			return reflect.Value{}, err
		}
		out.SetString(s)

	case reflect.Slice:
		if src.Kind() != reflect.Slice && src.Kind() != reflect.Array {
			return reflect.Value{}, mismatch(src.Type(), dt)
		}
		out = reflect.MakeSlice(dt, src.Len(), src.Len())
		for i := 0; i < src.Len(); i++ {
			e, err := convertValue(src.Index(i), dt.Elem())
			if err != nil {
				return reflect.Value{}, errors.Wrapf(err, "element %d", i)
			}
			out.Index(i).Set(e)
		}

	case reflect.Struct:
		switch {
		case dt == localizedTextType && src.Kind() == reflect.String:
			out.Set(reflect.ValueOf(ua.LocalizedText{Text: src.String()}))
		case dt == qualifiedNameType && src.Kind() == reflect.String:
			out.Set(reflect.ValueOf(ua.QualifiedName{Name: src.String()}))
		case src.Type().ConvertibleTo(dt):
			out.Set(src.Convert(dt))
		default:
			return reflect.Value{}, mismatch(src.Type(), dt)
		}

	default:
		if !src.Type().ConvertibleTo(dt) {
			return reflect.Value{}, mismatch(src.Type(), dt)
		}
		out.Set(src.Convert(dt))
	}
	return out, nil
}

func mismatch(from, to reflect.Type) error {
	return errors.Wrapf(ErrTypeMismatch, "cannot convert %s to %s", from, to)
}

func isInt(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return true
	}
	return false
}

func isUint(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return true
	}
	return false
}

func isFloat(v reflect.Value) bool {
	return v.Kind() == reflect.Float32 || v.Kind() == reflect.Float64
}

func toInt64(v reflect.Value) (int64, error) {
	switch {
	case isInt(v):
		return v.Int(), nil
	case isUint(v):
		u := v.Uint()
		if u > math.MaxInt64 {
			return 0, errors.Wrapf(ErrOutOfRange, "%d", u)
		}
		return int64(u), nil
	case isFloat(v):
		f := v.Float()
		if math.IsNaN(f) || f < math.MinInt64 || f >= math.MaxInt64 {
			return 0, errors.Wrapf(ErrOutOfRange, "%g", f)
		}
		return int64(f), nil
	case v.Kind() == reflect.Bool:
		if v.Bool() {
			return 1, nil
		}
		return 0, nil
	case v.Kind() == reflect.String:
		i, err := strconv.ParseInt(v.String(), 0, 64)
		if err != nil {
			if errors.Is(err, strconv.ErrRange) {
				return 0, errors.Wrap(ErrOutOfRange, v.String())
			}
			return 0, errors.Wrapf(ErrTypeMismatch, "%q is not an integer", v.String())
		}
		return i, nil
	}
	return 0, errors.Wrapf(ErrTypeMismatch, "%s is not numeric", v.Type())
}

func toUint64(v reflect.Value) (uint64, error) {
	switch {
	case isUint(v):
		return v.Uint(), nil
	case isInt(v):
		i := v.Int()
		if i < 0 {
			return 0, errors.Wrapf(ErrOutOfRange, "%d is negative", i)
		}
		return uint64(i), nil
	case isFloat(v):
		f := v.Float()
		if math.IsNaN(f) || f < 0 || f >= math.MaxUint64 {
			return 0, errors.Wrapf(ErrOutOfRange, "%g", f)
		}
		return uint64(f), nil
	case v.Kind() == reflect.Bool:
		if v.Bool() {
			return 1, nil
		}
		return 0, nil
	case v.Kind() == reflect.String:
		u, err := strconv.ParseUint(v.String(), 0, 64)
		if err != nil {
			if errors.Is(err, strconv.ErrRange) {
				return 0, errors.Wrap(ErrOutOfRange, v.String())
			}
			return 0, errors.Wrapf(ErrTypeMismatch, "%q is not an unsigned integer", v.String())
		}
		return u, nil
	}
	return 0, errors.Wrapf(ErrTypeMismatch, "%s is not numeric", v.Type())
}

func toFloat64(v reflect.Value) (float64, error) {
	switch {
	case isFloat(v):
		return v.Float(), nil
	case isInt(v):
		return float64(v.Int()), nil
	case isUint(v):
		return float64(v.Uint()), nil
	case v.Kind() == reflect.Bool:
		if v.Bool() {
			return 1, nil
		}
		return 0, nil
	case v.Kind() == reflect.String:
		f, err := strconv.ParseFloat(v.String(), 64)
		if err != nil {
			if errors.Is(err, strconv.ErrRange) {
				return 0, errors.Wrap(ErrOutOfRange, v.String())
			}
			return 0, errors.Wrapf(ErrTypeMismatch, "%q is not a number", v.String())
		}
		return f, nil
	}
	return 0, errors.Wrapf(ErrTypeMismatch, "%s is not numeric", v.Type())
}

func toString(v reflect.Value) (string, error) {
	switch {
	case v.Kind() == reflect.String:
		return v.String(), nil
	case isInt(v):
		return strconv.FormatInt(v.Int(), 10), nil
	case isUint(v):
		return strconv.FormatUint(v.Uint(), 10), nil
	case v.Kind() == reflect.Float32:
		return strconv.FormatFloat(v.Float(), 'g', -1, 32), nil
	case v.Kind() == reflect.Float64:
		return strconv.FormatFloat(v.Float(), 'g', -1, 64), nil
	case v.Kind() == reflect.Bool:
		return strconv.FormatBool(v.Bool()), nil
	case v.Type() == localizedTextType:
		return v.Interface().(ua.LocalizedText).Text, nil
	case v.Type() == qualifiedNameType:
		return v.Interface().(ua.QualifiedName).Name, nil
	}
	if s, ok := v.Interface().(fmt.Stringer); ok {
		return s.String(), nil
	}
	return "", errors.Wrapf(ErrTypeMismatch, "%s has no text form", v.Type())
}
