package condition

import (
	"fmt"
	"math"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Result is the outcome of an evaluation. Warnings never change the boolean; they record
// why a comparison was forced to false.
type Result struct {
	Value    bool
	Warnings []string
}

// Evaluator evaluates expressions. It holds only compiled-program caches, so evaluation is
// a pure function of the expression and the context.
type Evaluator struct {
	mu       sync.RWMutex
	programs map[string]*vm.Program
	patterns map[string]*regexp.Regexp
}

func NewEvaluator() *Evaluator {
	return &Evaluator{
		programs: make(map[string]*vm.Program),
		patterns: make(map[string]*regexp.Regexp),
	}
}

// Evaluate evaluates ex against ctx. It never returns an error: missing fields, type
// mismatches and invalid sub-expressions evaluate to false with a warning.
func (e *Evaluator) Evaluate(ex Expression, ctx map[string]any) Result {
	var warnings []string

	value := e.eval(ex, ctx, &warnings)

	return Result{Value: value, Warnings: warnings}
}

// Select returns the label of the first case whose condition holds. matched is false when
// no case holds and the caller should take its default edge.
func (e *Evaluator) Select(cases []Case, ctx map[string]any) (string, bool, []string) {
	var warnings []string

	for _, c := range cases {
		if e.eval(c.When, ctx, &warnings) {
			return c.Label, true, warnings
		}
	}

	return "", false, warnings
}

func (e *Evaluator) eval(ex Expression, ctx map[string]any, warnings *[]string) bool {
	switch ex.Op {
	case OpAnd:
		for _, arg := range ex.Args {
			if !e.eval(arg, ctx, warnings) {
				return false
			}
		}

		return len(ex.Args) > 0
	case OpOr:
		for _, arg := range ex.Args {
			if e.eval(arg, ctx, warnings) {
				return true
			}
		}

		return false
	case OpNot:
		if len(ex.Args) != 1 {
			*warnings = append(*warnings, "not requires exactly one argument")

			return false
		}

		return !e.eval(ex.Args[0], ctx, warnings)
	case OpExists:
		if ex.Left == nil || ex.Left.Ref == "" {
			*warnings = append(*warnings, "exists requires a left reference")

			return false
		}

		_, found := Lookup(ctx, ex.Left.Ref)

		return found
	case OpExpr:
		return e.evalProgram(ex.Source, ctx, warnings)
	default:
		return e.compare(ex, ctx, warnings)
	}
}

func (e *Evaluator) compare(ex Expression, ctx map[string]any, warnings *[]string) bool {
	if ex.Left == nil || ex.Right == nil {
		*warnings = append(*warnings, fmt.Sprintf("%s requires left and right operands", ex.Op))

		return false
	}

	left, ok := resolve(*ex.Left, ctx, warnings)
	if !ok {
		return false
	}

	right, ok := resolve(*ex.Right, ctx, warnings)
	if !ok {
		return false
	}

	switch ex.Op {
	case OpEquals, OpNotEqual:
		if !sameKind(left, right) {
			*warnings = append(*warnings, fmt.Sprintf("cannot compare %T with %T using %s", left, right, ex.Op))

			return false
		}

		if ex.Op == OpNotEqual {
			return !equals(left, right, ex.CaseSensitive)
		}

		return equals(left, right, ex.CaseSensitive)
	case OpContains:
		return contains(left, right, ex.CaseSensitive)
	case OpGreater, OpGreaterE, OpLess, OpLessE:
		return e.order(ex.Op, left, right, warnings)
	case OpRegex:
		return e.match(left, right, ex.CaseSensitive, warnings)
	default:
		*warnings = append(*warnings, fmt.Sprintf("unknown operator %q", ex.Op))

		return false
	}
}

func resolve(op Operand, ctx map[string]any, warnings *[]string) (any, bool) {
	if op.Ref == "" {
		return op.Value, true
	}

	value, found := Lookup(ctx, op.Ref)
	if !found {
		*warnings = append(*warnings, fmt.Sprintf("field %q not found in context", op.Ref))

		return nil, false
	}

	return value, true
}

// sameKind reports whether equality between the two values is meaningful: both coerce to
// numbers, or both have the same dynamic kind.
func sameKind(left, right any) bool {
	if left == nil || right == nil {
		return true
	}

	if _, ok := toNumber(left); ok {
		if _, ok := toNumber(right); ok {
			return true
		}
	}

	return reflect.TypeOf(left).Kind() == reflect.TypeOf(right).Kind()
}

func equals(left, right any, caseSensitive bool) bool {
	if l, ok := toNumber(left); ok {
		if r, ok := toNumber(right); ok {
			return l == r
		}
	}

	ls, lok := left.(string)
	rs, rok := right.(string)

	if lok && rok {
		if caseSensitive {
			return ls == rs
		}

		return strings.EqualFold(ls, rs)
	}

	return reflect.DeepEqual(left, right)
}

func contains(left, right any, caseSensitive bool) bool {
	switch l := left.(type) {
	case string:
		r, ok := right.(string)
		if !ok {
			return false
		}

		if caseSensitive {
			return strings.Contains(l, r)
		}

		return strings.Contains(strings.ToLower(l), strings.ToLower(r))
	case []any:
		for _, item := range l {
			if equals(item, right, caseSensitive) {
				return true
			}
		}

		return false
	case []string:
		for _, item := range l {
			if equals(item, right, caseSensitive) {
				return true
			}
		}

		return false
	case map[string]any:
		key, ok := right.(string)
		if !ok {
			return false
		}

		_, found := l[key]

		return found
	default:
		return false
	}
}

func (e *Evaluator) order(op Operator, left, right any, warnings *[]string) bool {
	l, lok := toNumber(left)
	r, rok := toNumber(right)

	if !lok || !rok {
		ls, lsok := left.(string)
		rs, rsok := right.(string)

		if lsok && rsok && !lok && !rok {
			return cmp(op, strings.Compare(ls, rs))
		}

		*warnings = append(*warnings, fmt.Sprintf("cannot compare %T with %T using %s", left, right, op))

		return false
	}

	switch {
	case l < r:
		return cmp(op, -1)
	case l > r:
		return cmp(op, 1)
	default:
		return cmp(op, 0)
	}
}

func cmp(op Operator, sign int) bool {
	switch op {
	case OpGreater:
		return sign > 0
	case OpGreaterE:
		return sign >= 0
	case OpLess:
		return sign < 0
	case OpLessE:
		return sign <= 0
	default:
		return false
	}
}

func (e *Evaluator) match(left, right any, caseSensitive bool, warnings *[]string) bool {
	subject, ok := left.(string)
	if !ok {
		if n, isNumber := toNumber(left); isNumber {
			subject = strconv.FormatFloat(n, 'f', -1, 64)
		} else {
			*warnings = append(*warnings, fmt.Sprintf("regex subject must be a string, got %T", left))

			return false
		}
	}

	pattern, ok := right.(string)
	if !ok {
		*warnings = append(*warnings, fmt.Sprintf("regex pattern must be a string, got %T", right))

		return false
	}

	if !caseSensitive {
		pattern = "(?i)" + pattern
	}

	re, err := e.regex(pattern)
	if err != nil {
		*warnings = append(*warnings, fmt.Sprintf("invalid regex %q: %v", pattern, err))

		return false
	}

	return re.MatchString(subject)
}

func (e *Evaluator) regex(pattern string) (*regexp.Regexp, error) {
	e.mu.RLock()
	re, ok := e.patterns[pattern]
	e.mu.RUnlock()

	if ok {
		return re, nil
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.patterns[pattern] = re
	e.mu.Unlock()

	return re, nil
}

func (e *Evaluator) program(source string) (*vm.Program, error) {
	e.mu.RLock()
	program, ok := e.programs[source]
	e.mu.RUnlock()

	if ok {
		return program, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if program, ok = e.programs[source]; ok {
		return program, nil
	}

	program, err := expr.Compile(source, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidOperand, err)
	}

	e.programs[source] = program

	return program, nil
}

func (e *Evaluator) evalProgram(source string, ctx map[string]any, warnings *[]string) bool {
	program, err := e.program(source)
	if err != nil {
		*warnings = append(*warnings, err.Error())

		return false
	}

	env := make(map[string]any, len(ctx))
	for k, v := range ctx {
		env[k] = v
	}

	out, err := expr.Run(program, env)
	if err != nil {
		*warnings = append(*warnings, fmt.Sprintf("expression %q failed: %v", source, err))

		return false
	}

	result, ok := out.(bool)
	if !ok {
		*warnings = append(*warnings, fmt.Sprintf("expression %q did not evaluate to a boolean, got %T", source, out))

		return false
	}

	return result
}

// toNumber converts numbers and numeric strings to float64.
func toNumber(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint64:
		return float64(v), true
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil || math.IsNaN(n) || math.IsInf(n, 0) {
			return 0, false
		}

		return n, true
	default:
		return 0, false
	}
}
