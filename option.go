package datamapper

import (
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type MapperOption func(o *mapperOption)

type mapperOption struct {
	hydrator     Hydrator
	logger       zerolog.Logger
	keyGenerator KeyGenerator
}

// WithHydrator overrides the hydrator picked from the entity type.
func WithHydrator(h Hydrator) MapperOption {
	return func(o *mapperOption) {
		o.hydrator = h
	}
}

func WithLogger(logger zerolog.Logger) MapperOption {
	return func(o *mapperOption) {
		o.logger = logger
	}
}

// KeyGenerator returns a value for a single column primary key that an
// entity did not carry on insert.
type KeyGenerator func() any

// WithKeyGenerator sets the generator used by InsertEntity when the entity has
// no primary key value. Only single column keys are generated.
func WithKeyGenerator(gen KeyGenerator) MapperOption {
	return func(o *mapperOption) {
		o.keyGenerator = gen
	}
}

// UUIDKeyGenerator generates random (version 4) UUID strings.
func UUIDKeyGenerator() any {
	return uuid.NewString()
}

type QueryOption func(o *queryOption)

type queryOption struct {
	Tx                  Transaction
	Where               *Condition
	Limit               int
	Offset              int64
	Sorter              []string
	Hydrator            Hydrator
	SkipPrimaryKeyCheck bool
}

func newQueryOption(options []QueryOption) *queryOption {
	opt := &queryOption{}
	for _, op := range options {
		op(opt)
	}
	return opt
}

// WithTransaction returns a QueryOption that sets the transaction
// to use for the query.
func WithTransaction(tx Transaction) QueryOption {
	return func(o *queryOption) {
		o.Tx = tx
	}
}

// WithWhere adds a condition that is AND-combined with the primary key
// predicate of Find, or used as the filter of FetchAll.
func WithWhere(cond *Condition) QueryOption {
	return func(o *queryOption) {
		o.Where = And(o.Where, cond)
	}
}

// WithFilter is WithWhere for a store style filter map, see FilterCondition.
func WithFilter(filterMap map[string]any) QueryOption {
	return WithWhere(FilterCondition(filterMap))
}

// WithLimit returns a QueryOption that sets the limit for the
// number of rows to return.
func WithLimit(limit int) QueryOption {
	return func(o *queryOption) {
		o.Limit = limit
	}
}

// WithOffset returns a QueryOption that sets the offset for the
// rows returned.
func WithOffset(offset int64) QueryOption {
	return func(o *queryOption) {
		o.Offset = offset
	}
}

// WithSorter returns a QueryOption that sets the sorting order for the query.
// The sorter parameter is a variadic slice of field names to sort by, prefixed by "-" for descending order, and prefixed by "+" for ascending order.
//
// example:
//
//	WithSorter("-name", "+age")
func WithSorter(sorter ...string) QueryOption {
	return func(o *queryOption) {
		o.Sorter = sorter
	}
}

// WithRowHydrator uses h instead of the mapper hydrator when an entity is
// turned into a row for this call.
func WithRowHydrator(h Hydrator) QueryOption {
	return func(o *queryOption) {
		o.Hydrator = h
	}
}

// SkipPrimaryKeyCheck disables primary key validation for this call only.
// Unlike Mapper.DisablePrimaryKeyCheckOnce it touches no shared state: a
// pending one shot bypass is left for the next validation.
func SkipPrimaryKeyCheck() QueryOption {
	return func(o *queryOption) {
		o.SkipPrimaryKeyCheck = true
	}
}
