package datamapper

import (
	"database/sql"
	"database/sql/driver"
	"fmt"
	"reflect"
	"strconv"
	"sync"
	"time"

	"github.com/iancoleman/strcase"
)

// Hydrator converts an entity to a flat field mapping and back.
type Hydrator interface {
	Extract(entity any) (map[string]any, error)
	Hydrate(data map[string]any, dest any) error
}

// Record is the entity type used when a mapper has no entity prototype.
type Record map[string]any

// RecordHydrator handles Record and map[string]any entities.
type RecordHydrator struct{}

func (RecordHydrator) Extract(entity any) (map[string]any, error) {
	var src map[string]any
	switch v := entity.(type) {
	case Record:
		src = v
	case *Record:
		if v != nil {
			src = *v
		}
	case map[string]any:
		src = v
	case *map[string]any:
		if v != nil {
			src = *v
		}
	default:
		return nil, fmt.Errorf("record hydrator: cannot extract from %T", entity)
	}

	out := make(map[string]any, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out, nil
}

func (RecordHydrator) Hydrate(data map[string]any, dest any) error {
	out := make(map[string]any, len(data))
	for k, v := range data {
		if b, ok := v.([]byte); ok {
			v = string(b)
		}
		out[k] = v
	}

	switch d := dest.(type) {
	case *Record:
		*d = out
	case *map[string]any:
		*d = out
	default:
		return fmt.Errorf("record hydrator: cannot hydrate into %T", dest)
	}
	return nil
}

// TagHydrator maps exported struct fields to columns using a struct tag
// (`db` when Tag is empty). Untagged fields use the snake_case field name,
// `-` skips a field, and `auto` fields holding their zero value are left out
// of Extract so the database can assign them.
type TagHydrator struct {
	Tag string
}

type fieldInfo struct {
	index  []int
	column string
	tag    DBTag
}

var fieldCache sync.Map

func (h TagHydrator) tagName() string {
	if h.Tag == "" {
		return "db"
	}
	return h.Tag
}

func (h TagHydrator) fields(t reflect.Type) []fieldInfo {
	key := fieldCacheKey{typ: t, tag: h.tagName()}
	if cached, ok := fieldCache.Load(key); ok {
		return cached.([]fieldInfo)
	}

	fields := h.collectFields(t, nil)
	fieldCache.Store(key, fields)
	return fields
}

type fieldCacheKey struct {
	typ reflect.Type
	tag string
}

func (h TagHydrator) collectFields(t reflect.Type, parent []int) []fieldInfo {
	var fields []fieldInfo
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		index := append(append([]int(nil), parent...), i)
		tagValue, hasTag := field.Tag.Lookup(h.tagName())

		if field.Anonymous && !hasTag {
			ft := field.Type
			if ft.Kind() == reflect.Ptr {
				ft = ft.Elem()
			}
			if ft.Kind() == reflect.Struct && ft != timeType {
				fields = append(fields, h.collectFields(ft, index)...)
				continue
			}
		}

		if !field.IsExported() {
			continue
		}

		tag := ParseDBTag(tagValue)
		if tag.Skip {
			continue
		}

		if tag.Name == "" {
			tag.Name = strcase.ToSnake(field.Name)
		}

		fields = append(fields, fieldInfo{index: index, column: tag.Name, tag: tag})
	}

	return fields
}

// Columns lists the column names of a struct type in declaration order.
func (h TagHydrator) Columns(entity any) []string {
	t := reflect.TypeOf(entity)
	for t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t == nil || t.Kind() != reflect.Struct {
		return nil
	}

	return sliceMap(h.fields(t), func(f fieldInfo) string { return f.column })
}

func (h TagHydrator) Extract(entity any) (map[string]any, error) {
	dataVal := reflect.ValueOf(entity)
	for dataVal.Kind() == reflect.Ptr {
		if dataVal.IsNil() {
			return nil, fmt.Errorf("tag hydrator: nil %T", entity)
		}
		dataVal = dataVal.Elem()
	}

	if dataVal.Kind() != reflect.Struct {
		return nil, fmt.Errorf("tag hydrator: expecting struct, got %s", dataVal.Kind())
	}

	result := make(map[string]any)
	for _, f := range h.fields(dataVal.Type()) {
		fv, ok := fieldByIndex(dataVal, f.index)
		if !ok {
			continue
		}

		if f.tag.IsAuto && fv.IsZero() {
			continue
		}

		val := fv.Interface()
		if v, ok := val.(driver.Valuer); ok {
			if fv.Kind() == reflect.Ptr && fv.IsNil() {
				result[f.column] = nil
				continue
			}

			buffVal, err := v.Value()
			if err != nil {
				return nil, fmt.Errorf("tag hydrator: field %s: %w", f.column, err)
			}
			val = buffVal
		} else if fv.Kind() == reflect.Ptr {
			if fv.IsNil() {
				val = nil
			} else {
				val = fv.Elem().Interface()
			}
		}

		result[f.column] = val
	}

	return result, nil
}

func (h TagHydrator) Hydrate(data map[string]any, dest any) error {
	destVal := reflect.ValueOf(dest)
	if destVal.Kind() != reflect.Ptr || destVal.IsNil() {
		return fmt.Errorf("tag hydrator: destination must be a non nil pointer, got %T", dest)
	}

	destVal = destVal.Elem()
	if destVal.Kind() != reflect.Struct {
		return fmt.Errorf("tag hydrator: destination must point to a struct, got %s", destVal.Kind())
	}

	for _, f := range h.fields(destVal.Type()) {
		v, ok := data[f.column]
		if !ok {
			continue
		}

		fv := fieldByIndexAlloc(destVal, f.index)
		if err := assignValue(fv, v); err != nil {
			return fmt.Errorf("tag hydrator: column %s: %w", f.column, err)
		}
	}

	return nil
}

func fieldByIndex(v reflect.Value, index []int) (reflect.Value, bool) {
	for i, x := range index {
		if i > 0 && v.Kind() == reflect.Ptr {
			if v.IsNil() {
				return reflect.Value{}, false
			}
			v = v.Elem()
		}
		v = v.Field(x)
	}
	return v, true
}

func fieldByIndexAlloc(v reflect.Value, index []int) reflect.Value {
	for i, x := range index {
		if i > 0 && v.Kind() == reflect.Ptr {
			if v.IsNil() {
				v.Set(reflect.New(v.Type().Elem()))
			}
			v = v.Elem()
		}
		v = v.Field(x)
	}
	return v
}

var (
	timeType    = reflect.TypeOf(time.Time{})
	scannerType = reflect.TypeOf((*sql.Scanner)(nil)).Elem()
)

func assignValue(field reflect.Value, value any) error {
	if field.CanAddr() && field.Addr().Type().Implements(scannerType) {
		return field.Addr().Interface().(sql.Scanner).Scan(value)
	}

	if value == nil {
		field.Set(reflect.Zero(field.Type()))
		return nil
	}

	if field.Kind() == reflect.Ptr {
		elem := reflect.New(field.Type().Elem())
		if err := assignValue(elem.Elem(), value); err != nil {
			return err
		}
		field.Set(elem)
		return nil
	}

	src := reflect.ValueOf(value)
	if src.Type().AssignableTo(field.Type()) {
		field.Set(src)
		return nil
	}

	if b, ok := value.([]byte); ok {
		value = string(b)
		src = reflect.ValueOf(value)
	}

	switch field.Kind() {
	case reflect.String:
		switch src.Kind() {
		case reflect.String:
			field.SetString(src.String())
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			field.SetString(strconv.FormatInt(src.Int(), 10))
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			field.SetString(strconv.FormatUint(src.Uint(), 10))
		default:
			field.SetString(fmt.Sprint(value))
		}
		return nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if src.Kind() == reflect.String {
			n, err := strconv.ParseInt(src.String(), 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(n)
			return nil
		}
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		if src.Kind() == reflect.String {
			n, err := strconv.ParseUint(src.String(), 10, 64)
			if err != nil {
				return err
			}
			field.SetUint(n)
			return nil
		}
	case reflect.Float32, reflect.Float64:
		if src.Kind() == reflect.String {
			n, err := strconv.ParseFloat(src.String(), 64)
			if err != nil {
				return err
			}
			field.SetFloat(n)
			return nil
		}
	case reflect.Bool:
		switch src.Kind() {
		case reflect.String:
			b, err := strconv.ParseBool(src.String())
			if err != nil {
				return err
			}
			field.SetBool(b)
			return nil
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			field.SetBool(src.Int() != 0)
			return nil
		}
	}

	if isNumber(src.Kind()) && isNumber(field.Kind()) && src.Type().ConvertibleTo(field.Type()) {
		field.Set(src.Convert(field.Type()))
		return nil
	}

	if src.Kind() == field.Kind() && src.Type().ConvertibleTo(field.Type()) {
		field.Set(src.Convert(field.Type()))
		return nil
	}

	return fmt.Errorf("cannot assign %T into %s", value, field.Type())
}

func isNumber(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}
