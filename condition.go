package datamapper

import (
	"fmt"
	"reflect"
	"strings"
)

type Operator string

const (
	OpAnd    Operator = "AND"
	OpOr     Operator = "OR"
	OpNot    Operator = "NOT"
	OpEq     Operator = "EQ"
	OpNe     Operator = "NE"
	OpGt     Operator = "GT"
	OpGte    Operator = "GTE"
	OpLt     Operator = "LT"
	OpLte    Operator = "LTE"
	OpIn     Operator = "IN"
	OpNull   Operator = "NULL"
	OpNotNil Operator = "NOTNULL"
	OpLike   Operator = "LIKE"
	OpRaw    Operator = "RAW"
)

// Condition is a predicate tree handed to a Querier. Leaf conditions compare
// Field with Value, branch conditions combine Children.
//
// Raw conditions carry a SQL fragment with `?` placeholders in Field and the
// arguments in Value; only SQL queriers accept them.
type Condition struct {
	Field    string
	Operator Operator
	Value    any
	Children []*Condition
}

func Eq(field string, value any) *Condition {
	return &Condition{Field: field, Operator: OpEq, Value: value}
}

func Ne(field string, value any) *Condition {
	return &Condition{Field: field, Operator: OpNe, Value: value}
}

func Gt(field string, value any) *Condition {
	return &Condition{Field: field, Operator: OpGt, Value: value}
}

func Gte(field string, value any) *Condition {
	return &Condition{Field: field, Operator: OpGte, Value: value}
}

func Lt(field string, value any) *Condition {
	return &Condition{Field: field, Operator: OpLt, Value: value}
}

func Lte(field string, value any) *Condition {
	return &Condition{Field: field, Operator: OpLte, Value: value}
}

func In(field string, values ...any) *Condition {
	return &Condition{Field: field, Operator: OpIn, Value: values}
}

// IsNull matches NULL columns when isNull is true and non NULL ones otherwise.
func IsNull(field string, isNull bool) *Condition {
	if isNull {
		return &Condition{Field: field, Operator: OpNull}
	}
	return &Condition{Field: field, Operator: OpNotNil}
}

// Like matches a SQL LIKE pattern (`%` and `_` wildcards).
func Like(field string, pattern string) *Condition {
	return &Condition{Field: field, Operator: OpLike, Value: pattern}
}

func Raw(sql string, args ...any) *Condition {
	return &Condition{Field: sql, Operator: OpRaw, Value: args}
}

// And combines conditions, skipping nil ones. It returns nil when nothing is left
// and the single condition when only one is left.
func And(conditions ...*Condition) *Condition {
	return combine(OpAnd, conditions)
}

func Or(conditions ...*Condition) *Condition {
	return combine(OpOr, conditions)
}

func Not(condition *Condition) *Condition {
	return &Condition{Operator: OpNot, Children: []*Condition{condition}}
}

func (c *Condition) And(conditions ...*Condition) *Condition {
	return And(append([]*Condition{c}, conditions...)...)
}

func (c *Condition) Or(conditions ...*Condition) *Condition {
	return Or(append([]*Condition{c}, conditions...)...)
}

func combine(op Operator, conditions []*Condition) *Condition {
	conditions = sliceFilter(conditions, func(c *Condition) bool { return c != nil })
	switch len(conditions) {
	case 0:
		return nil
	case 1:
		return conditions[0]
	}

	return &Condition{Operator: op, Children: conditions}
}

// KeyCondition turns a key mapping into an AND of equalities. Keys are
// visited in sorted order so the rendered query is stable.
func KeyCondition(kv map[string]any) *Condition {
	var conds []*Condition
	for _, k := range sortedKeys(kv) {
		conds = append(conds, Eq(k, kv[k]))
	}

	return And(conds...)
}

// FilterCondition converts a filter map the way the store filters work:
// slices become IN (or = for one element), everything else equality.
// Empty slices are ignored.
func FilterCondition(filterMap map[string]any) *Condition {
	var conds []*Condition
	for _, k := range sortedKeys(filterMap) {
		v := filterMap[k]
		if c, ok := v.(*Condition); ok {
			conds = append(conds, c)
			continue
		}

		vval := reflect.ValueOf(v)
		if v == nil || vval.Kind() != reflect.Slice || vval.Type().Elem().Kind() == reflect.Uint8 {
			conds = append(conds, Eq(k, v))
			continue
		}

		switch vval.Len() {
		case 0:
			continue
		case 1:
			conds = append(conds, Eq(k, vval.Index(0).Interface()))
		default:
			values := make([]any, vval.Len())
			for i := range values {
				values[i] = vval.Index(i).Interface()
			}
			conds = append(conds, In(k, values...))
		}
	}

	return And(conds...)
}

// renderSQL writes the condition with `?` placeholders. IN conditions keep
// their slice as one argument for sqlx.In to expand.
func (c *Condition) renderSQL(args *[]any) (string, error) {
	if c == nil {
		return "", nil
	}

	switch c.Operator {
	case OpAnd, OpOr:
		parts := make([]string, 0, len(c.Children))
		for _, child := range c.Children {
			part, err := child.renderSQL(args)
			if err != nil {
				return "", err
			}
			if part != "" {
				parts = append(parts, part)
			}
		}
		if len(parts) == 0 {
			return "", nil
		}
		return "(" + strings.Join(parts, " "+string(c.Operator)+" ") + ")", nil
	case OpNot:
		if len(c.Children) != 1 {
			return "", fmt.Errorf("%w: NOT expects exactly one condition", ErrInvalidQuery)
		}
		part, err := c.Children[0].renderSQL(args)
		if err != nil {
			return "", err
		}
		return "NOT (" + part + ")", nil
	case OpNull:
		return c.Field + " IS NULL", nil
	case OpNotNil:
		return c.Field + " IS NOT NULL", nil
	case OpIn:
		values, _ := c.Value.([]any)
		if len(values) == 0 {
			return "1=0", nil
		}
		*args = append(*args, values)
		return c.Field + " IN (?)", nil
	case OpRaw:
		values, _ := c.Value.([]any)
		*args = append(*args, values...)
		return "(" + c.Field + ")", nil
	}

	sqlOp, ok := sqlOperators[c.Operator]
	if !ok {
		return "", fmt.Errorf("%w: unknown operator %q", ErrInvalidQuery, c.Operator)
	}

	if c.Value == nil && c.Operator == OpEq {
		return c.Field + " IS NULL", nil
	}

	*args = append(*args, c.Value)
	return fmt.Sprintf("%s %s ?", c.Field, sqlOp), nil
}

var sqlOperators = map[Operator]string{
	OpEq:   "=",
	OpNe:   "<>",
	OpGt:   ">",
	OpGte:  ">=",
	OpLt:   "<",
	OpLte:  "<=",
	OpLike: "LIKE",
}
