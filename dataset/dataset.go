// Package dataset provides the buffered dataset engine of the metadata
// writer: typed, resizable arrays with an optional write-through cache, and
// an ordered registry that manages one set of datasets per acquisition.
//
// A dataset created with caching enabled preallocates an in-memory buffer of
// exactly the declared acquisition size, turning random-offset per-frame
// writes into index assignments; Flush publishes the whole buffer to the
// persistent store in one batch. Datasets with caching disabled append every
// value directly, which supports streams of unknown length at the cost of
// batching.
package dataset

import (
	"fmt"
	"log/slog"

	"github.com/dls-controls/odin-data/errors"
	"github.com/dls-controls/odin-data/store"
)

// Dataset is a named, typed array with an optional write-through cache.
type Dataset struct {
	name      string
	dtype     store.DType
	fill      store.Value
	shape     int64
	strLength int

	cacheWanted bool
	cache       []store.Value // nil when caching is disabled
	array       store.Array
	logger      *slog.Logger
}

// Option configures a Dataset at construction.
type Option func(*Dataset)

// WithShape sets a fixed initial extent.
func WithShape(n int64) Option {
	return func(d *Dataset) { d.shape = n }
}

// WithoutCache disables the write-through cache; every value is appended
// directly to the persistent array.
func WithoutCache() Option {
	return func(d *Dataset) { d.cacheWanted = false }
}

// WithFill overrides the default fill value.
func WithFill(v store.Value) Option {
	return func(d *Dataset) { d.fill = v }
}

// WithStringLength bounds string elements to n bytes.
func WithStringLength(n int) Option {
	return func(d *Dataset) { d.strLength = n }
}

// WithLogger sets the logger used for non-fatal write reporting.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dataset) { d.logger = logger }
}

func newDataset(name string, dtype store.DType, opts ...Option) *Dataset {
	d := &Dataset{
		name:        name,
		dtype:       dtype,
		cacheWanted: true,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.fill.IsZero() {
		d.fill = store.ArrayDef{DType: dtype}.DefaultFill()
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	d.logger = d.logger.With("dataset", name)
	return d
}

// Int32 constructs an int32 dataset.
func Int32(name string, opts ...Option) *Dataset {
	return newDataset(name, store.Int32, opts...)
}

// Int64 constructs an int64 dataset.
func Int64(name string, opts ...Option) *Dataset {
	return newDataset(name, store.Int64, opts...)
}

// Float64 constructs a float64 dataset.
func Float64(name string, opts ...Option) *Dataset {
	return newDataset(name, store.Float64, opts...)
}

// String constructs a string dataset.
func String(name string, opts ...Option) *Dataset {
	return newDataset(name, store.String, opts...)
}

// Name returns the dataset's unique key.
func (d *Dataset) Name() string { return d.name }

// DType returns the element type.
func (d *Dataset) DType() store.DType { return d.dtype }

// Cached reports whether the write-through cache is active.
func (d *Dataset) Cached() bool { return d.cache != nil }

// CacheLen returns the allocated cache extent, or 0 when caching is disabled.
func (d *Dataset) CacheLen() int64 { return int64(len(d.cache)) }

// Def returns the store definition used to create the backing array.
func (d *Dataset) Def() store.ArrayDef {
	return store.ArrayDef{
		Name:         d.name,
		DType:        d.dtype,
		Shape:        d.shape,
		MaxShape:     store.Unbounded,
		Fill:         d.fill,
		StringLength: d.strLength,
	}
}

// Initialise binds the dataset to a live persistent array. A declaredSize of
// zero is the unbounded sentinel: caching is disabled for the remainder of
// the dataset's life and every write becomes a direct append. Otherwise,
// when caching is enabled, a fresh cache of exactly declaredSize elements is
// allocated (pre-filled with the fill value) and the persistent array is
// resized to match.
func (d *Dataset) Initialise(array store.Array, declaredSize int64) error {
	if declaredSize < 0 {
		return errors.WrapInvalid(errors.ErrInvalidData, "Dataset", "Initialise",
			fmt.Sprintf("dataset %s: negative size %d", d.name, declaredSize))
	}
	d.array = array

	if declaredSize == 0 {
		d.cacheWanted = false
		d.cache = nil
		return nil
	}

	if d.cacheWanted {
		d.cache = make([]store.Value, declaredSize)
		for i := range d.cache {
			d.cache[i] = d.fill
		}
		if err := array.Resize(declaredSize); err != nil {
			return errors.Wrap(err, "Dataset", "Initialise", "resize array")
		}
	}
	return nil
}

// AddValue writes a value at the given offset. With caching enabled the
// write lands in the cache (last write at an offset wins); an offset outside
// the allocated extent is rejected and reported, leaving the cache
// unchanged. With caching disabled the value is appended as a new trailing
// element regardless of offset.
func (d *Dataset) AddValue(value any, offset int64) error {
	if d.array == nil {
		return errors.WrapInvalid(errors.ErrStoreNotOpen, "Dataset", "AddValue", "check array handle")
	}

	v, err := store.Coerce(d.dtype, value)
	if err != nil {
		d.logger.Error("Value rejected", "error", err)
		return errors.WrapInvalid(err, "Dataset", "AddValue", "coerce value")
	}

	if d.cache == nil {
		if err := d.array.Append(v); err != nil {
			return errors.Wrap(err, "Dataset", "AddValue", "append value")
		}
		return nil
	}

	if offset < 0 || offset >= int64(len(d.cache)) {
		d.logger.Error("Cannot add value, offset outside cache",
			"offset", offset,
			"cache_length", len(d.cache))
		return errors.WrapInvalid(errors.ErrOffsetOutOfRange, "Dataset", "AddValue",
			fmt.Sprintf("offset %d, cache length %d", offset, len(d.cache)))
	}

	d.cache[offset] = v
	return nil
}

// Flush publishes cached values to the persistent array and makes them
// durable and visible to concurrent readers. This is the sole mechanism by
// which cached values reach the store.
func (d *Dataset) Flush() error {
	if d.array == nil {
		return errors.WrapInvalid(errors.ErrStoreNotOpen, "Dataset", "Flush", "check array handle")
	}

	if d.cache != nil {
		if err := d.array.WriteAt(0, d.cache); err != nil {
			return errors.Wrap(err, "Dataset", "Flush", "write cache")
		}
	}
	if err := d.array.Flush(); err != nil {
		return errors.Wrap(err, "Dataset", "Flush", "flush array")
	}
	return nil
}
