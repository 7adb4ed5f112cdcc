// Package store implements the persistent array store backing acquisition
// metadata files. A store holds named, typed, resizable 1-D arrays inside a
// single self-describing file. Writes are buffered; Flush makes them durable
// and visible to concurrent readers (single-writer/multi-reader).
package store

import (
	"fmt"
	"math"

	"github.com/dls-controls/odin-data/errors"
)

// Unbounded marks an array with no declared extent bound.
const Unbounded int64 = -1

// DType identifies the element type of an array.
type DType uint8

// Supported element types.
const (
	Int32 DType = iota + 1
	Int64
	Float64
	String
)

// String returns the string representation of a DType
func (d DType) String() string {
	switch d {
	case Int32:
		return "int32"
	case Int64:
		return "int64"
	case Float64:
		return "float64"
	case String:
		return "string"
	default:
		return "unknown"
	}
}

// Value is a tagged union holding one array element. The zero Value is
// invalid; construct through the typed helpers.
type Value struct {
	dtype DType
	i     int64
	f     float64
	s     string
}

// Int32Value wraps an int32 element.
func Int32Value(v int32) Value { return Value{dtype: Int32, i: int64(v)} }

// Int64Value wraps an int64 element.
func Int64Value(v int64) Value { return Value{dtype: Int64, i: v} }

// Float64Value wraps a float64 element.
func Float64Value(v float64) Value { return Value{dtype: Float64, f: v} }

// StringValue wraps a string element.
func StringValue(v string) Value { return Value{dtype: String, s: v} }

// DType returns the element type of the value.
func (v Value) DType() DType { return v.dtype }

// Int64 returns the integer payload. Valid for Int32 and Int64 values.
func (v Value) Int64() int64 { return v.i }

// Float64 returns the float payload. Valid for Float64 values.
func (v Value) Float64() float64 { return v.f }

// Str returns the string payload. Valid for String values.
func (v Value) Str() string { return v.s }

// IsZero reports whether the value was never constructed.
func (v Value) IsZero() bool { return v.dtype == 0 }

// Equal reports whether two values have the same type and payload.
func (v Value) Equal(o Value) bool {
	return v.dtype == o.dtype && v.i == o.i && v.f == o.f && v.s == o.s
}

// Native returns the element as its natural Go type.
func (v Value) Native() any {
	switch v.dtype {
	case Int32:
		return int32(v.i)
	case Int64:
		return v.i
	case Float64:
		return v.f
	case String:
		return v.s
	default:
		return nil
	}
}

// Coerce converts a dynamically typed value (typically decoded JSON) into a
// Value of the requested element type. JSON numbers arrive as float64; whole
// floats coerce losslessly into the integer types.
func Coerce(dtype DType, raw any) (Value, error) {
	if v, ok := raw.(Value); ok {
		if v.dtype != dtype {
			return Value{}, fmt.Errorf("%w: have %s, want %s", errors.ErrTypeMismatch, v.dtype, dtype)
		}
		return v, nil
	}

	switch dtype {
	case Int32, Int64:
		i, ok := toInt64(raw)
		if !ok {
			return Value{}, fmt.Errorf("%w: %T is not an integer", errors.ErrTypeMismatch, raw)
		}
		if dtype == Int32 {
			if i > math.MaxInt32 || i < math.MinInt32 {
				return Value{}, fmt.Errorf("%w: %d overflows int32", errors.ErrTypeMismatch, i)
			}
			return Int32Value(int32(i)), nil
		}
		return Int64Value(i), nil
	case Float64:
		switch n := raw.(type) {
		case float64:
			return Float64Value(n), nil
		case float32:
			return Float64Value(float64(n)), nil
		case int:
			return Float64Value(float64(n)), nil
		case int64:
			return Float64Value(float64(n)), nil
		}
		return Value{}, fmt.Errorf("%w: %T is not a float", errors.ErrTypeMismatch, raw)
	case String:
		if s, ok := raw.(string); ok {
			return StringValue(s), nil
		}
		return Value{}, fmt.Errorf("%w: %T is not a string", errors.ErrTypeMismatch, raw)
	default:
		return Value{}, fmt.Errorf("%w: unknown dtype %d", errors.ErrTypeMismatch, dtype)
	}
}

func toInt64(raw any) (int64, bool) {
	switch n := raw.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint32:
		return int64(n), true
	case float64:
		if n == math.Trunc(n) && !math.IsInf(n, 0) {
			return int64(n), true
		}
	case float32:
		f := float64(n)
		if f == math.Trunc(f) {
			return int64(f), true
		}
	}
	return 0, false
}

// ArrayDef describes an array to create in a store.
type ArrayDef struct {
	Name         string
	DType        DType
	Shape        int64 // initial extent along the growable axis
	MaxShape     int64 // extent bound; Unbounded for no bound
	Fill         Value // default element, must match DType
	StringLength int   // byte bound for String elements; 0 = unbounded
}

// Validate checks the definition for internal consistency.
func (d ArrayDef) Validate() error {
	if d.Name == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "ArrayDef", "Validate", "array name is required")
	}
	if d.DType < Int32 || d.DType > String {
		return errors.WrapInvalid(errors.ErrInvalidData, "ArrayDef", "Validate",
			fmt.Sprintf("array %s has unknown dtype %d", d.Name, d.DType))
	}
	if d.Shape < 0 {
		return errors.WrapInvalid(errors.ErrInvalidData, "ArrayDef", "Validate",
			fmt.Sprintf("array %s has negative shape %d", d.Name, d.Shape))
	}
	if !d.Fill.IsZero() && d.Fill.DType() != d.DType {
		return errors.WrapInvalid(errors.ErrTypeMismatch, "ArrayDef", "Validate",
			fmt.Sprintf("array %s fill value is %s, element type is %s", d.Name, d.Fill.DType(), d.DType))
	}
	return nil
}

// DefaultFill returns the declared fill value, or the conventional default
// for the element type when none was declared (-1 for numbers, "" for strings).
func (d ArrayDef) DefaultFill() Value {
	if !d.Fill.IsZero() {
		return d.Fill
	}
	switch d.DType {
	case Int32:
		return Int32Value(-1)
	case Int64:
		return Int64Value(-1)
	case Float64:
		return Float64Value(-1)
	default:
		return StringValue("")
	}
}

// Array is a named, typed, resizable 1-D array inside an open store.
type Array interface {
	// Name returns the array's unique key within the store.
	Name() string
	// DType returns the element type.
	DType() DType
	// Len returns the current extent along the growable axis.
	Len() int64
	// Resize sets the extent along the growable axis. New elements read as
	// the fill value until written.
	Resize(n int64) error
	// WriteAt overwrites the region [offset, offset+len(values)).
	WriteAt(offset int64, values []Value) error
	// Append extends the array by len(values), writing them at the tail.
	Append(values ...Value) error
	// Flush makes all buffered writes durable and visible to readers.
	Flush() error
}

// Store is an open metadata file holding a set of arrays. It is exclusively
// owned by a single writer.
type Store interface {
	// CreateArray adds a new array. Creation happens once per acquisition,
	// before any write.
	CreateArray(def ArrayDef) (Array, error)
	// Array looks up a previously created array by name.
	Array(name string) (Array, bool)
	// Flush commits all buffered writes.
	Flush() error
	// Close flushes and closes the underlying file.
	Close() error
	// Path returns the location of the backing file.
	Path() string
}
