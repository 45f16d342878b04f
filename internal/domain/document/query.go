package document

import (
	"fmt"
	"sort"
)

// Operator is a filter comparison.
type Operator string

const (
	OpEqual        Operator = "=="
	OpNotEqual     Operator = "!="
	OpLess         Operator = "<"
	OpLessEqual    Operator = "<="
	OpGreater      Operator = ">"
	OpGreaterEqual Operator = ">="
	OpIn           Operator = "in"
)

// Direction is a sort direction.
type Direction string

const (
	Asc  Direction = "asc"
	Desc Direction = "desc"
)

// Filter restricts a query to documents whose field satisfies Op against Value.
type Filter struct {
	Field string
	Op    Operator
	Value any
}

// Order sorts query results by a data field.
type Order struct {
	Field     string
	Direction Direction
}

// Query describes a collection scan.
type Query struct {
	Collection string
	Filters    []Filter
	OrderBy    []Order
	Limit      int
}

// Where appends a filter.
func (q Query) Where(field string, op Operator, value any) Query {
	q.Filters = append(q.Filters, Filter{Field: field, Op: op, Value: value})
	return q
}

// Sort appends an ordering.
func (q Query) Sort(field string, dir Direction) Query {
	q.OrderBy = append(q.OrderBy, Order{Field: field, Direction: dir})
	return q
}

// Validate rejects malformed queries before they reach a backend.
func (q Query) Validate() error {
	if q.Collection == "" {
		return fmt.Errorf("query: collection is required")
	}
	for _, f := range q.Filters {
		switch f.Op {
		case OpEqual, OpNotEqual, OpLess, OpLessEqual, OpGreater, OpGreaterEqual:
		case OpIn:
			if _, ok := f.Value.([]any); !ok {
				if _, ok := f.Value.([]string); !ok {
					return fmt.Errorf("query: %q requires a list value", OpIn)
				}
			}
		default:
			return fmt.Errorf("query: unsupported operator %q", f.Op)
		}
	}
	return nil
}

// Matches reports whether a document satisfies every filter.
func (q Query) Matches(doc *Document) bool {
	for _, f := range q.Filters {
		v, ok := doc.Field(f.Field)
		if !ok {
			if f.Op == OpNotEqual {
				continue
			}
			return false
		}
		if !f.match(v) {
			return false
		}
	}
	return true
}

func (f Filter) match(v any) bool {
	switch f.Op {
	case OpEqual:
		return Compare(v, f.Value) == 0
	case OpNotEqual:
		return Compare(v, f.Value) != 0
	case OpLess:
		return comparable(v, f.Value) && Compare(v, f.Value) < 0
	case OpLessEqual:
		return comparable(v, f.Value) && Compare(v, f.Value) <= 0
	case OpGreater:
		return comparable(v, f.Value) && Compare(v, f.Value) > 0
	case OpGreaterEqual:
		return comparable(v, f.Value) && Compare(v, f.Value) >= 0
	case OpIn:
		for _, item := range listValues(f.Value) {
			if Compare(v, item) == 0 {
				return true
			}
		}
	}
	return false
}

func listValues(v any) []any {
	switch l := v.(type) {
	case []any:
		return l
	case []string:
		out := make([]any, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out
	}
	return nil
}

func comparable(a, b any) bool {
	if _, ok := ToFloat(a); ok {
		_, ok := ToFloat(b)
		return ok
	}
	_, sa := a.(string)
	_, sb := b.(string)
	return sa && sb
}

// Compare orders two scalar values: numbers numerically, strings lexically,
// booleans false<true. Values of different kinds order by kind.
func Compare(a, b any) int {
	if fa, ok := ToFloat(a); ok {
		if fb, ok := ToFloat(b); ok {
			switch {
			case fa < fb:
				return -1
			case fa > fb:
				return 1
			}
			return 0
		}
	}
	sa, aok := a.(string)
	sb, bok := b.(string)
	if aok && bok {
		switch {
		case sa < sb:
			return -1
		case sa > sb:
			return 1
		}
		return 0
	}
	ba, aok := a.(bool)
	bb, bok := b.(bool)
	if aok && bok {
		switch {
		case ba == bb:
			return 0
		case !ba:
			return -1
		}
		return 1
	}
	if a == nil && b == nil {
		return 0
	}
	ka, kb := kind(a), kind(b)
	switch {
	case ka < kb:
		return -1
	case ka > kb:
		return 1
	}
	return 0
}

func kind(v any) int {
	if v == nil {
		return 0
	}
	if _, ok := ToFloat(v); ok {
		return 2
	}
	switch v.(type) {
	case bool:
		return 1
	case string:
		return 3
	}
	return 4
}

// Apply filters, sorts and limits docs in memory.
func (q Query) Apply(docs []*Document) []*Document {
	out := make([]*Document, 0, len(docs))
	for _, d := range docs {
		if q.Matches(d) {
			out = append(out, d)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		for _, o := range q.OrderBy {
			vi, _ := out[i].Field(o.Field)
			vj, _ := out[j].Field(o.Field)
			c := Compare(vi, vj)
			if c == 0 {
				continue
			}
			if o.Direction == Desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}
