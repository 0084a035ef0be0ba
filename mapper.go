package datamapper

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

// Mapper moves entities of type T in and out of one table through a Querier.
type Mapper[T any] struct {
	table    TableDef
	querier  Querier
	hydrator Hydrator
	logger   zerolog.Logger
	keyGen   KeyGenerator

	skipNextKeyCheck atomic.Bool
}

func New[T any](q Querier, table TableDef, options ...MapperOption) (*Mapper[T], error) {
	opt := &mapperOption{logger: zerolog.Nop()}
	for _, op := range options {
		op(opt)
	}

	if q == nil {
		return nil, fmt.Errorf("%w: nil querier", ErrInvalidConfig)
	}

	tb := table.clone()
	if err := tb.Validate(); err != nil {
		return nil, err
	}

	h := opt.hydrator
	if h == nil {
		var err error
		if h, err = defaultHydrator[T](); err != nil {
			return nil, err
		}
	}

	return &Mapper[T]{
		table:    tb,
		querier:  q,
		hydrator: h,
		logger:   opt.logger.With().Str("table", tb.FullTableName()).Logger(),
		keyGen:   opt.keyGenerator,
	}, nil
}

func defaultHydrator[T any]() (Hydrator, error) {
	var entity T
	switch any(entity).(type) {
	case Record, map[string]any:
		return RecordHydrator{}, nil
	}

	t := reflect.TypeOf((*T)(nil)).Elem()
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("%w: no default hydrator for %s, use WithHydrator", ErrInvalidConfig, t)
	}

	return TagHydrator{}, nil
}

// Table returns a copy of the mapper configuration.
func (m *Mapper[T]) Table() TableDef {
	return m.table.clone()
}

// PrimaryKeyValues returns the primary key values of an entity, or the key
// mapping for a scalar shorthand. The result is not validated.
func (m *Mapper[T]) PrimaryKeyValues(entityOrScalar any) (KeyValues, error) {
	return m.extractPrimaryKey(entityOrScalar)
}

// Find returns the row matching the primary key. key is a KeyValues (or
// map[string]any), an entity, or a scalar standing for the first primary key
// column. WithWhere conditions are AND-combined with the key.
//
// When several rows match, the first one is returned without notice.
func (m *Mapper[T]) Find(ctx context.Context, key any, options ...QueryOption) (*T, error) {
	opt := newQueryOption(options)

	kv, err := m.normalizeKey(key)
	if err != nil {
		return nil, err
	}

	if err := m.assertValidPrimaryKey(kv, opt.SkipPrimaryKeyCheck); err != nil {
		return nil, err
	}

	rows, err := m.querier.Select(ctx, SelectQuery{
		Table: m.table,
		Where: And(KeyCondition(m.qualified(kv)), opt.Where),
		Tx:    opt.Tx,
	})
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s %v", ErrKeynotFound, m.table.FullTableName(), map[string]any(kv))
	}

	return m.scanEntity(rows)
}

// FetchAll reads every row selected by the options into memory.
func (m *Mapper[T]) FetchAll(ctx context.Context, options ...QueryOption) ([]T, error) {
	iter, err := m.Iterate(ctx, options...)
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var result []T
	for {
		entity, err := iter.Next()
		if errors.Is(err, ErrIteratorDone) {
			return result, nil
		}
		if err != nil {
			return nil, err
		}
		result = append(result, *entity)
	}
}

// Iterate is the lazy form of FetchAll. The caller closes the iterator.
func (m *Mapper[T]) Iterate(ctx context.Context, options ...QueryOption) (RowIterator[T], error) {
	opt := newQueryOption(options)

	rows, err := m.querier.Select(ctx, SelectQuery{
		Table:  m.table,
		Where:  opt.Where,
		Sorter: opt.Sorter,
		Limit:  opt.Limit,
		Offset: opt.Offset,
		Tx:     opt.Tx,
	})
	if err != nil {
		return nil, err
	}

	return &rowIterator[T]{mapper: m, rows: rows}, nil
}

// InsertEntity writes the entity as a new row and returns the generated key.
// When the backend reports no generated key, the key the entity carried is
// returned for single column keys.
func (m *Mapper[T]) InsertEntity(ctx context.Context, entity T, options ...QueryOption) (any, error) {
	opt := newQueryOption(options)

	row, err := m.entityToRow(entity, opt.Hydrator)
	if err != nil {
		return nil, err
	}

	keyCol := m.table.PrimaryKey[0]
	if m.keyGen != nil && len(m.table.PrimaryKey) == 1 && isEmptyValue(row[keyCol]) {
		row[keyCol] = m.keyGen()
	}

	id, err := m.querier.Insert(ctx, m.table, row, opt.Tx)
	if err != nil {
		return nil, err
	}

	if id == nil && len(m.table.PrimaryKey) == 1 {
		id = row[keyCol]
	}

	return id, nil
}

// InsertAll inserts the entities one by one and returns their keys. It stops
// at the first failure and returns the keys inserted so far; pass
// WithTransaction to make the batch all or nothing.
func (m *Mapper[T]) InsertAll(ctx context.Context, entities []T, options ...QueryOption) ([]any, error) {
	ids := make([]any, 0, len(entities))
	for i, entity := range entities {
		id, err := m.InsertEntity(ctx, entity, options...)
		if err != nil {
			return ids, fmt.Errorf("insert entity %d: %w", i, err)
		}
		ids = append(ids, id)
	}

	return ids, nil
}

// UpdateEntity writes the entity over the row with the same primary key.
// Primary key columns are not part of the SET list. Updating a row that does
// not exist is not an error.
func (m *Mapper[T]) UpdateEntity(ctx context.Context, entity T, options ...QueryOption) error {
	opt := newQueryOption(options)

	kv, err := m.extractPrimaryKey(entity)
	if err != nil {
		return err
	}

	if err := m.assertValidPrimaryKey(kv, opt.SkipPrimaryKeyCheck); err != nil {
		return err
	}

	if err := m.requireKey(kv); err != nil {
		return err
	}

	row, err := m.entityToRow(entity, opt.Hydrator)
	if err != nil {
		return err
	}

	for col := range kv {
		delete(row, col)
	}

	if len(row) == 0 {
		m.logger.Debug().Interface("key", kv).Msg("nothing to update")
		return nil
	}

	n, err := m.querier.Update(ctx, m.table, row, KeyCondition(kv), opt.Tx)
	if err != nil {
		return err
	}

	if n == 0 {
		m.logger.Debug().Interface("key", kv).Msg("update matched no row")
	}

	return nil
}

// SaveEntity inserts the entity and falls back to UpdateEntity when the
// insert reports ErrKeyAlreadyExists. The generated key is returned for an
// insert, nil after the fallback.
//
// The two statements are not atomic: a concurrent delete between them turns
// the save into an update of nothing.
func (m *Mapper[T]) SaveEntity(ctx context.Context, entity T, options ...QueryOption) (any, error) {
	id, err := m.InsertEntity(ctx, entity, options...)
	if err == nil {
		return id, nil
	}

	if !errors.Is(err, ErrKeyAlreadyExists) {
		return nil, err
	}

	m.logger.Debug().Err(err).Msg("insert found an existing row, updating instead")
	return nil, m.UpdateEntity(ctx, entity, options...)
}

// DeleteEntity removes the row identified by an entity, a key mapping or a
// scalar key. Deleting a row that does not exist is not an error; an empty
// key is refused even when validation is bypassed.
func (m *Mapper[T]) DeleteEntity(ctx context.Context, entityOrKey any, options ...QueryOption) error {
	opt := newQueryOption(options)

	kv, err := m.extractPrimaryKey(entityOrKey)
	if err != nil {
		return err
	}

	if err := m.assertValidPrimaryKey(kv, opt.SkipPrimaryKeyCheck); err != nil {
		return err
	}

	if err := m.requireKey(kv); err != nil {
		return err
	}

	n, err := m.querier.Delete(ctx, m.table, KeyCondition(kv), opt.Tx)
	if err != nil {
		return err
	}

	if n == 0 {
		m.logger.Debug().Interface("key", kv).Msg("delete matched no row")
	}

	return nil
}

// requireKey refuses an empty key mapping, which a bypassed validation lets
// through and which would otherwise match every row.
func (m *Mapper[T]) requireKey(kv KeyValues) error {
	if len(kv) == 0 {
		return fmt.Errorf("%w: %s: empty primary key", ErrInvalidQuery, m.table.FullTableName())
	}
	return nil
}

// qualified prefixes key columns with the table name once joins make bare
// names ambiguous.
func (m *Mapper[T]) qualified(kv KeyValues) map[string]any {
	if len(m.table.Joins) == 0 {
		return kv
	}

	out := make(map[string]any, len(kv))
	for k, v := range kv {
		if !strings.Contains(k, ".") {
			k = m.table.FullTableName() + "." + k
		}
		out[k] = v
	}
	return out
}

func (m *Mapper[T]) scanEntity(rows Rows) (*T, error) {
	data := make(map[string]any)
	if err := rows.Scan(data); err != nil {
		return nil, err
	}

	var entity T
	if err := m.hydrator.Hydrate(data, &entity); err != nil {
		return nil, fmt.Errorf("%s: hydrate entity: %w", m.table.Name, err)
	}

	return &entity, nil
}

type rowIterator[T any] struct {
	mapper *Mapper[T]
	rows   Rows
}

func (it *rowIterator[T]) Next() (*T, error) {
	if !it.rows.Next() {
		if err := it.rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrIteratorDone
	}

	return it.mapper.scanEntity(it.rows)
}

func (it *rowIterator[T]) Close() error {
	return it.rows.Close()
}

func isEmptyValue(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}
