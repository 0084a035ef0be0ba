package datamapper

import (
	"context"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryGateway keeps tables in process memory. Rows are unique on their
// primary key columns, and a single column key missing from an inserted row
// is filled from a per table sequence. Joins, Raw conditions and
// transactions are not supported.
type MemoryGateway struct {
	mu        sync.RWMutex
	tables    map[string][]Row
	sequences map[string]int64
}

var _ Querier = (*MemoryGateway)(nil)

func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{
		tables:    make(map[string][]Row),
		sequences: make(map[string]int64),
	}
}

func (g *MemoryGateway) Select(ctx context.Context, q SelectQuery) (Rows, error) {
	if err := memoryPrecheck(ctx, q.Table, q.Tx); err != nil {
		return nil, err
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	var result []Row
	for _, row := range g.tables[q.Table.FullTableName()] {
		ok, err := matchCondition(q.Where, row)
		if err != nil {
			return nil, err
		}
		if ok {
			result = append(result, project(row, q.Table.Columns))
		}
	}

	sortRows(result, q.Sorter)

	if q.Offset > 0 {
		if q.Offset >= int64(len(result)) {
			result = nil
		} else {
			result = result[q.Offset:]
		}
	}

	if q.Limit > 0 && q.Limit < len(result) {
		result = result[:q.Limit]
	}

	return &memoryRows{rows: result, pos: -1}, nil
}

func (g *MemoryGateway) Insert(ctx context.Context, table TableDef, row Row, tx Transaction) (any, error) {
	if err := memoryPrecheck(ctx, table, tx); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	name := table.FullTableName()
	stored := copyRow(row)

	var generated any
	if len(table.PrimaryKey) == 1 {
		col := table.PrimaryKey[0]
		if isEmptyValue(stored[col]) {
			g.sequences[name]++
			generated = g.sequences[name]
			stored[col] = generated
		} else if n, ok := toInt64(stored[col]); ok && n > g.sequences[name] {
			g.sequences[name] = n
		}
	}

	for _, existing := range g.tables[name] {
		if sameKey(existing, stored, table.PrimaryKey) {
			return nil, fmt.Errorf("%w: %s %v", ErrKeyAlreadyExists, name, keyOf(stored, table.PrimaryKey))
		}
	}

	g.tables[name] = append(g.tables[name], stored)
	return generated, nil
}

func (g *MemoryGateway) Update(ctx context.Context, table TableDef, row Row, where *Condition, tx Transaction) (int64, error) {
	if err := memoryPrecheck(ctx, table, tx); err != nil {
		return 0, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	var n int64
	rows := g.tables[table.FullTableName()]
	for i, existing := range rows {
		ok, err := matchCondition(where, existing)
		if err != nil {
			return 0, err
		}
		if !ok {
			continue
		}

		updated := copyRow(existing)
		for k, v := range row {
			updated[k] = v
		}
		rows[i] = updated
		n++
	}

	return n, nil
}

func (g *MemoryGateway) Delete(ctx context.Context, table TableDef, where *Condition, tx Transaction) (int64, error) {
	if err := memoryPrecheck(ctx, table, tx); err != nil {
		return 0, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	name := table.FullTableName()
	var kept []Row
	var n int64
	for _, existing := range g.tables[name] {
		ok, err := matchCondition(where, existing)
		if err != nil {
			return 0, err
		}
		if ok {
			n++
			continue
		}
		kept = append(kept, existing)
	}

	g.tables[name] = kept
	return n, nil
}

// Seed stores rows as they are, bypassing key checks.
func (g *MemoryGateway) Seed(table TableDef, rows ...Row) {
	g.mu.Lock()
	defer g.mu.Unlock()

	name := table.FullTableName()
	for _, row := range rows {
		g.tables[name] = append(g.tables[name], copyRow(row))
	}
}

func memoryPrecheck(ctx context.Context, table TableDef, tx Transaction) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if tx != nil {
		return fmt.Errorf("%w: transactions in memory gateway", ErrUnsupported)
	}

	if len(table.Joins) > 0 {
		return fmt.Errorf("%w: joins in memory gateway", ErrUnsupported)
	}

	return nil
}

type memoryRows struct {
	rows []Row
	pos  int
}

func (r *memoryRows) Next() bool {
	r.pos++
	return r.pos < len(r.rows)
}

func (r *memoryRows) Scan(dest map[string]any) error {
	if r.pos < 0 || r.pos >= len(r.rows) {
		return ErrIteratorDone
	}

	for k, v := range r.rows[r.pos] {
		dest[k] = v
	}
	return nil
}

func (r *memoryRows) Err() error {
	return nil
}

func (r *memoryRows) Close() error {
	return nil
}

func copyRow(row Row) Row {
	out := make(Row, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}

func project(row Row, columns []string) Row {
	if len(columns) == 0 {
		return copyRow(row)
	}

	out := make(Row, len(columns))
	for _, col := range columns {
		col = unqualified(col)
		if v, ok := row[col]; ok {
			out[col] = v
		}
	}
	return out
}

func unqualified(col string) string {
	if i := strings.LastIndex(col, "."); i >= 0 {
		return col[i+1:]
	}
	return col
}

func keyOf(row Row, pk []string) map[string]any {
	out := make(map[string]any, len(pk))
	for _, col := range pk {
		out[col] = row[col]
	}
	return out
}

func sameKey(a, b Row, pk []string) bool {
	for _, col := range pk {
		if compareValues(a[col], b[col]) != 0 {
			return false
		}
	}
	return true
}

func sortRows(rows []Row, sorter []string) {
	if len(sorter) == 0 {
		return
	}

	sort.SliceStable(rows, func(i, j int) bool {
		for _, s := range sorter {
			if s == "" {
				continue
			}

			desc := false
			field := s
			if s[:1] == "-" || s[:1] == "+" {
				desc = s[:1] == "-"
				field = s[1:]
			}

			c := compareValues(rows[i][field], rows[j][field])
			if c == 0 {
				continue
			}
			if desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

func matchCondition(c *Condition, row Row) (bool, error) {
	if c == nil {
		return true, nil
	}

	switch c.Operator {
	case OpAnd:
		for _, child := range c.Children {
			ok, err := matchCondition(child, row)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case OpOr:
		for _, child := range c.Children {
			ok, err := matchCondition(child, row)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case OpNot:
		if len(c.Children) != 1 {
			return false, fmt.Errorf("%w: NOT expects exactly one condition", ErrInvalidQuery)
		}
		ok, err := matchCondition(c.Children[0], row)
		return !ok, err
	case OpRaw:
		return false, fmt.Errorf("%w: raw SQL condition %q", ErrUnsupported, c.Field)
	}

	v, present := row[unqualified(c.Field)]
	switch c.Operator {
	case OpNull:
		return !present || v == nil, nil
	case OpNotNil:
		return present && v != nil, nil
	case OpEq:
		if c.Value == nil {
			return !present || v == nil, nil
		}
		return present && compareValues(v, c.Value) == 0, nil
	case OpNe:
		return !present || compareValues(v, c.Value) != 0, nil
	case OpGt:
		return present && v != nil && compareValues(v, c.Value) > 0, nil
	case OpGte:
		return present && v != nil && compareValues(v, c.Value) >= 0, nil
	case OpLt:
		return present && v != nil && compareValues(v, c.Value) < 0, nil
	case OpLte:
		return present && v != nil && compareValues(v, c.Value) <= 0, nil
	case OpIn:
		values, _ := c.Value.([]any)
		for _, candidate := range values {
			if present && compareValues(v, candidate) == 0 {
				return true, nil
			}
		}
		return false, nil
	case OpLike:
		s, ok := v.(string)
		if !ok {
			return false, nil
		}
		pattern, _ := c.Value.(string)
		re, err := regexp.Compile("^" + likeToRegex(pattern) + "$")
		if err != nil {
			return false, err
		}
		return re.MatchString(s), nil
	}

	return false, fmt.Errorf("%w: unknown operator %q", ErrInvalidQuery, c.Operator)
}

// compareValues orders numbers by value whatever their Go type, then times,
// then values of the same kind by their formatted form. Values of different
// kinds are ordered by kind.
func compareValues(a, b any) int {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0
		case a == nil:
			return -1
		default:
			return 1
		}
	}

	if fa, ok := toFloat64(a); ok {
		if fb, ok := toFloat64(b); ok {
			switch {
			case fa < fb:
				return -1
			case fa > fb:
				return 1
			}
			return 0
		}
	}

	if ta, ok := a.(time.Time); ok {
		if tb, ok := b.(time.Time); ok {
			return ta.Compare(tb)
		}
	}

	// values of different kinds never compare equal
	ka, kb := reflect.TypeOf(a).Kind(), reflect.TypeOf(b).Kind()
	if ka != kb {
		if ka < kb {
			return -1
		}
		return 1
	}

	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func toFloat64(v any) (float64, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	}
	return 0, false
}

func toInt64(v any) (int64, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), true
	}
	return 0, false
}
