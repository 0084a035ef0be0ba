package datamapper

import (
	"database/sql/driver"
	"fmt"
	"reflect"
)

// KeyValues maps primary key columns to their values.
type KeyValues map[string]any

// normalizeKey turns the key argument of Find into a key mapping. Maps are
// taken as they are so extra columns reach the validator, scalars are the
// shorthand for the first primary key column and entities go through
// extractPrimaryKey.
func (m *Mapper[T]) normalizeKey(key any) (KeyValues, error) {
	switch k := key.(type) {
	case KeyValues:
		return withoutEmpty(k), nil
	case map[string]any:
		return withoutEmpty(k), nil
	case T, *T:
		return m.extractPrimaryKey(k)
	}

	if isScalar(key) {
		return KeyValues{m.table.PrimaryKey[0]: key}, nil
	}

	return m.extractPrimaryKey(key)
}

// extractPrimaryKey returns the primary key part of an entity, or wraps a
// scalar as the value of the first primary key column. A key mapping that
// is not the entity type is taken as it is. Empty strings count as absent.
// Nothing is validated here.
func (m *Mapper[T]) extractPrimaryKey(entityOrScalar any) (KeyValues, error) {
	if isScalar(entityOrScalar) {
		return KeyValues{m.table.PrimaryKey[0]: entityOrScalar}, nil
	}

	switch k := entityOrScalar.(type) {
	case T, *T:
		return m.projectPrimaryKey(k)
	case KeyValues:
		return withoutEmpty(k), nil
	case map[string]any:
		return withoutEmpty(k), nil
	}

	return m.projectPrimaryKey(entityOrScalar)
}

func (m *Mapper[T]) projectPrimaryKey(entity any) (KeyValues, error) {
	fields, err := m.extract(entity, nil)
	if err != nil {
		return nil, err
	}

	kv := make(KeyValues, len(m.table.PrimaryKey))
	for _, col := range m.table.PrimaryKey {
		if v, ok := fields[col]; ok {
			kv[col] = v
		}
	}

	return withoutEmpty(kv), nil
}

// entityToRow extracts the entity fields, keeps the ones allowed by the
// write filter and renames them through the rename map.
func (m *Mapper[T]) entityToRow(entity any, h Hydrator) (Row, error) {
	fields, err := m.extract(entity, h)
	if err != nil {
		return nil, err
	}

	row := make(Row, len(fields))
	for name, v := range fields {
		if m.table.WriteFilter != nil && !sliceContains(m.table.WriteFilter, name) {
			continue
		}

		if col, ok := m.table.RenameMap[name]; ok {
			name = col
		}
		row[name] = v
	}

	return row, nil
}

func (m *Mapper[T]) extract(entity any, h Hydrator) (map[string]any, error) {
	if h == nil {
		h = m.hydrator
	}

	if _, isTag := h.(TagHydrator); isTag {
		switch entity.(type) {
		case map[string]any, Record, *Record:
			h = RecordHydrator{}
		}
	}

	fields, err := h.Extract(entity)
	if err != nil {
		return nil, fmt.Errorf("%s: extract entity: %w", m.table.Name, err)
	}

	return fields, nil
}

func withoutEmpty(kv map[string]any) KeyValues {
	out := make(KeyValues, len(kv))
	for k, v := range kv {
		if s, ok := v.(string); ok && s == "" {
			continue
		}
		out[k] = v
	}

	return out
}

var valuerType = reflect.TypeOf((*driver.Valuer)(nil)).Elem()

func isScalar(v any) bool {
	if v == nil {
		return true
	}

	t := reflect.TypeOf(v)
	if t.Implements(valuerType) || t == timeType {
		return true
	}

	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	switch t.Kind() {
	case reflect.Struct:
		return t == timeType
	case reflect.Map:
		return false
	}

	return true
}
