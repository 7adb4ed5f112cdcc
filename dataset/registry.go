package dataset

import (
	"fmt"
	"log/slog"

	"github.com/dls-controls/odin-data/errors"
	"github.com/dls-controls/odin-data/store"
)

// Registry is an insertion-ordered collection of datasets, keyed by name.
// It is built once per acquisition from the writer's base set unioned with
// the detector-specific set; further datasets may be added dynamically after
// the store is open.
type Registry struct {
	order  []*Dataset
	byName map[string]*Dataset
	store  store.Store
	logger *slog.Logger
}

// NewRegistry builds a registry from an ordered set of dataset definitions.
// Dataset names must be unique.
func NewRegistry(logger *slog.Logger, datasets ...*Dataset) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		byName: make(map[string]*Dataset, len(datasets)),
		logger: logger.With("component", "Registry"),
	}
	for _, d := range datasets {
		if _, exists := r.byName[d.name]; exists {
			return nil, errors.WrapInvalid(errors.ErrInvalidData, "Registry", "NewRegistry",
				fmt.Sprintf("duplicate dataset %s", d.name))
		}
		r.order = append(r.order, d)
		r.byName[d.name] = d
	}
	return r, nil
}

// Len returns the number of registered datasets.
func (r *Registry) Len() int {
	return len(r.order)
}

// Names returns the dataset names in registry order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.order))
	for i, d := range r.order {
		names[i] = d.name
	}
	return names
}

// Dataset looks up a dataset by name.
func (r *Registry) Dataset(name string) (*Dataset, bool) {
	d, ok := r.byName[name]
	return d, ok
}

// CreateAll creates one persistent array per registered dataset and
// initialises each with the declared acquisition size. Store failures here
// are fatal: a partially created file invalidates the run.
func (r *Registry) CreateAll(s store.Store, declaredSize int64) error {
	if declaredSize < 0 {
		return errors.WrapInvalid(errors.ErrInvalidData, "Registry", "CreateAll",
			fmt.Sprintf("negative size %d", declaredSize))
	}
	r.store = s
	for _, d := range r.order {
		array, err := s.CreateArray(d.Def())
		if err != nil {
			return errors.WrapFatal(err, "Registry", "CreateAll", "create array "+d.name)
		}
		if err := d.Initialise(array, declaredSize); err != nil {
			return errors.WrapFatal(err, "Registry", "CreateAll", "initialise "+d.name)
		}
	}
	return nil
}

// AddDynamic registers a new cache-disabled dataset seeded with the given
// values, for detector data whose shape and type are unknown until first
// occurrence. Adding a name that already exists is a no-op.
func (r *Registry) AddDynamic(name string, values []store.Value, declaredSize int64) error {
	if r.store == nil {
		return errors.WrapInvalid(errors.ErrStoreNotOpen, "Registry", "AddDynamic", "check store")
	}
	if _, exists := r.byName[name]; exists {
		r.logger.Debug("Dataset already created", "dataset", name)
		return nil
	}
	if len(values) == 0 {
		return errors.WrapInvalid(errors.ErrInvalidData, "Registry", "AddDynamic",
			fmt.Sprintf("dataset %s: no seed values", name))
	}

	dtype := values[0].DType()
	for _, v := range values[1:] {
		if v.DType() != dtype {
			return errors.WrapInvalid(errors.ErrTypeMismatch, "Registry", "AddDynamic",
				fmt.Sprintf("dataset %s: mixed element types", name))
		}
	}

	r.logger.Debug("Creating dataset with data", "dataset", name, "elements", len(values))

	d := newDataset(name, dtype, WithoutCache(), WithLogger(r.logger))
	array, err := r.store.CreateArray(d.Def())
	if err != nil {
		return errors.WrapFatal(err, "Registry", "AddDynamic", "create array "+name)
	}
	if err := d.Initialise(array, declaredSize); err != nil {
		return errors.WrapFatal(err, "Registry", "AddDynamic", "initialise "+name)
	}
	if err := array.Append(values...); err != nil {
		return errors.WrapFatal(err, "Registry", "AddDynamic", "seed values")
	}

	r.order = append(r.order, d)
	r.byName[name] = d
	return nil
}

// WriteValue writes a single value into the named dataset at the given
// offset. A lookup miss is reported and dropped.
func (r *Registry) WriteValue(name string, value any, offset int64) error {
	d, ok := r.byName[name]
	if !ok {
		r.logger.Error("No such dataset", "dataset", name)
		return errors.WrapInvalid(errors.ErrNoSuchDataset, "Registry", "WriteValue", name)
	}
	return d.AddValue(value, offset)
}

// WriteValues takes the named parameters from data and writes each into its
// dataset at the given offset. A missing parameter or a rejected write is
// reported per field; the remaining fields are still attempted. The number
// of failed fields is returned.
func (r *Registry) WriteValues(parameters []string, data map[string]any, offset int64) int {
	failed := 0
	for _, parameter := range parameters {
		value, ok := data[parameter]
		if !ok {
			r.logger.Error("Expected parameter not found in data", "parameter", parameter)
			failed++
			continue
		}
		if err := r.WriteValue(parameter, value, offset); err != nil {
			failed++
		}
	}
	return failed
}

// FlushAll flushes every dataset in registry order. All datasets are
// attempted even if one fails; the first error is returned.
func (r *Registry) FlushAll() error {
	var firstErr error
	for _, d := range r.order {
		if err := d.Flush(); err != nil {
			r.logger.Error("Dataset flush failed", "dataset", d.name, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
