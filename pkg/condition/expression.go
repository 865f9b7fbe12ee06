// Package condition evaluates structured boolean expressions against an execution context.
package condition

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
)

// Operator is the node type of an expression tree.
type Operator string

const (
	OpAnd      Operator = "and"
	OpOr       Operator = "or"
	OpNot      Operator = "not"
	OpEquals   Operator = "eq"
	OpNotEqual Operator = "neq"
	OpContains Operator = "contains"
	OpGreater  Operator = "gt"
	OpGreaterE Operator = "gte"
	OpLess     Operator = "lt"
	OpLessE    Operator = "lte"
	OpRegex    Operator = "regex"
	OpExists   Operator = "exists"
	OpExpr     Operator = "expr"
)

var (
	ErrUnknownOperator = errors.New("unknown operator")
	ErrInvalidOperand  = errors.New("invalid operand")
)

// Operand is either a dotted reference into the context or a literal value.
type Operand struct {
	Ref   string `json:"ref,omitempty"`
	Value any    `json:"value,omitempty"`
}

// Expression is a node of the condition tree. Logical operators use Args; comparisons use
// Left and Right; exists uses Left only; expr uses Source, an expr-lang program evaluated
// with the context as environment.
type Expression struct {
	Op            Operator     `json:"op"`
	Args          []Expression `json:"args,omitempty"`
	Left          *Operand     `json:"left,omitempty"`
	Right         *Operand     `json:"right,omitempty"`
	CaseSensitive bool         `json:"case_sensitive,omitempty"`
	Source        string       `json:"source,omitempty"`
}

// Case is one labelled branch of a multi-way condition.
type Case struct {
	Label string     `json:"label"`
	When  Expression `json:"when"`
}

// Parse decodes an expression from its JSON-shaped configuration value.
func Parse(raw any) (Expression, error) {
	var expr Expression

	if err := decode(raw, &expr); err != nil {
		return Expression{}, fmt.Errorf("failed to parse expression: %w", err)
	}

	return expr, nil
}

// ParseCases decodes a list of cases from its JSON-shaped configuration value.
func ParseCases(raw any) ([]Case, error) {
	var cases []Case

	if err := decode(raw, &cases); err != nil {
		return nil, fmt.Errorf("failed to parse cases: %w", err)
	}

	return cases, nil
}

func decode(raw any, target any) error {
	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}

	return json.Unmarshal(data, target)
}

// Validate checks the tree structure, operand presence and that regex and expr sources compile.
func (e *Evaluator) Validate(expr Expression) error {
	switch expr.Op {
	case OpAnd, OpOr:
		if len(expr.Args) == 0 {
			return fmt.Errorf("%w: %s requires at least one argument", ErrInvalidOperand, expr.Op)
		}

		for _, arg := range expr.Args {
			if err := e.Validate(arg); err != nil {
				return err
			}
		}

		return nil
	case OpNot:
		if len(expr.Args) != 1 {
			return fmt.Errorf("%w: not requires exactly one argument", ErrInvalidOperand)
		}

		return e.Validate(expr.Args[0])
	case OpExists:
		if expr.Left == nil || expr.Left.Ref == "" {
			return fmt.Errorf("%w: exists requires a left reference", ErrInvalidOperand)
		}

		return nil
	case OpEquals, OpNotEqual, OpContains, OpGreater, OpGreaterE, OpLess, OpLessE:
		if expr.Left == nil || expr.Right == nil {
			return fmt.Errorf("%w: %s requires left and right operands", ErrInvalidOperand, expr.Op)
		}

		return nil
	case OpRegex:
		if expr.Left == nil || expr.Right == nil {
			return fmt.Errorf("%w: regex requires left and right operands", ErrInvalidOperand)
		}

		if expr.Right.Ref == "" {
			pattern, ok := expr.Right.Value.(string)
			if !ok {
				return fmt.Errorf("%w: regex pattern must be a string", ErrInvalidOperand)
			}

			if _, err := regexp.Compile(pattern); err != nil {
				return fmt.Errorf("%w: %w", ErrInvalidOperand, err)
			}
		}

		return nil
	case OpExpr:
		if expr.Source == "" {
			return fmt.Errorf("%w: expr requires a source", ErrInvalidOperand)
		}

		_, err := e.program(expr.Source)

		return err
	default:
		return fmt.Errorf("%w: %q", ErrUnknownOperator, expr.Op)
	}
}
