// Package condition implements transition guards: a role gate plus a small,
// sandboxed boolean expression language evaluated over a fixed set of work
// item fields.
package condition

import (
	"fmt"
	"strconv"
	"strings"
)

// Expr is a node of a parsed guard expression. The set of node types is
// closed: Literal, Field, Compare, Logical and Not.
type Expr interface {
	fmt.Stringer
	node()
}

// Literal is a constant number, string or boolean.
type Literal struct {
	Value any
}

// Field references a work item signal by name, e.g. priority_score or
// attributes.region.
type Field struct {
	Name string
}

// CompareOp is a comparison operator.
type CompareOp string

// Comparison operators.
const (
	OpEq CompareOp = "=="
	OpNe CompareOp = "!="
	OpLt CompareOp = "<"
	OpLe CompareOp = "<="
	OpGt CompareOp = ">"
	OpGe CompareOp = ">="
)

// Compare applies a comparison operator to two operands.
type Compare struct {
	Op    CompareOp
	Left  Expr
	Right Expr
}

// LogicalOp is a boolean combinator.
type LogicalOp string

// Boolean combinators.
const (
	OpAnd LogicalOp = "&&"
	OpOr  LogicalOp = "||"
)

// Logical combines two boolean operands with short-circuit semantics.
type Logical struct {
	Op    LogicalOp
	Left  Expr
	Right Expr
}

// Not negates a boolean operand.
type Not struct {
	Operand Expr
}

func (Literal) node() {}
func (Field) node()   {}
func (Compare) node() {}
func (Logical) node() {}
func (Not) node()     {}

func (l Literal) String() string {
	switch v := l.Value.(type) {
	case string:
		return strconv.Quote(v)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

func (f Field) String() string { return f.Name }

func (c Compare) String() string {
	return fmt.Sprintf("(%s %s %s)", c.Left, c.Op, c.Right)
}

func (l Logical) String() string {
	return fmt.Sprintf("(%s %s %s)", l.Left, l.Op, l.Right)
}

func (n Not) String() string { return "!" + n.Operand.String() }

// Work item fields available to guard expressions.
const (
	FieldPriorityScore = "priority_score"
	FieldBusinessValue = "business_value"
	FieldUrgency       = "urgency"
	FieldCapacity      = "capacity"
	FieldAgeHours      = "age_hours"
	FieldStageAgeHours = "stage_age_hours"

	attributePrefix = "attributes."
)

var numericFields = map[string]bool{
	FieldPriorityScore: true,
	FieldBusinessValue: true,
	FieldUrgency:       true,
	FieldCapacity:      true,
	FieldAgeHours:      true,
	FieldStageAgeHours: true,
}

// KnownField reports whether name may be referenced by an expression.
func KnownField(name string) bool {
	if numericFields[name] {
		return true
	}
	return strings.HasPrefix(name, attributePrefix) && len(name) > len(attributePrefix)
}

// Fields returns the field names referenced by expr, in order of appearance.
func Fields(expr Expr) []string {
	var out []string
	var walk func(Expr)
	walk = func(e Expr) {
		switch n := e.(type) {
		case Field:
			out = append(out, n.Name)
		case Compare:
			walk(n.Left)
			walk(n.Right)
		case Logical:
			walk(n.Left)
			walk(n.Right)
		case Not:
			walk(n.Operand)
		}
	}
	walk(expr)
	return out
}
