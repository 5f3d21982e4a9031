package urgency

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

const (
	// DefaultFormula is used when no formula setting exists or the stored one fails.
	DefaultFormula            = "(effort * importance) / max(0.1, pow(daysLeft, 1.5))"
	DefaultFormulaDescription = "default: (effort x importance) / daysLeft^1.5"
	MaxFormulaLength          = 1024
)

// Variables are the only identifiers a formula may reference.
var Variables = []string{"effort", "importance", "daysLeft"}

// Inputs are the bindings a formula is evaluated against.
type Inputs struct {
	Effort     float64 `json:"effort"`
	Importance float64 `json:"importance"`
	DaysLeft   float64 `json:"daysLeft"`
}

func (in Inputs) env() map[string]any {
	return map[string]any{"effort": in.Effort, "importance": in.Importance, "daysLeft": in.DaysLeft}
}

// Math.max style calls compile unchanged.
var mathPrefix = regexp.MustCompile(`\bMath\.`)

func normalize(formula string) string {
	return strings.TrimSpace(mathPrefix.ReplaceAllString(formula, ""))
}

// Compile checks formula against the sandboxed environment and returns the
// program ready to run.
func Compile(formula string) (*vm.Program, error) {
	src := normalize(formula)
	if src == "" {
		return nil, errors.New("formula is empty")
	}
	if len(src) > MaxFormulaLength {
		return nil, fmt.Errorf("formula longer than %d characters", MaxFormulaLength)
	}
	return expr.Compile(src,
		expr.Env(Inputs{}.env()),
		expr.AsFloat64(),
		expr.DisableAllBuiltins(),
		expr.Function("max", variadic("max", math.Max)),
		expr.Function("min", variadic("min", math.Min)),
		expr.Function("pow", binary("pow", math.Pow)),
		expr.Function("abs", unary("abs", math.Abs)),
		expr.Function("sqrt", unary("sqrt", math.Sqrt)),
	)
}

func run(program *vm.Program, in Inputs) (float64, error) {
	out, err := expr.Run(program, in.env())
	if err != nil {
		return 0, err
	}
	score, ok := out.(float64)
	if !ok {
		return 0, fmt.Errorf("formula produced %T, want a number", out)
	}
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return 0, fmt.Errorf("formula produced %v", score)
	}
	return score, nil
}

// defaultScore computes DefaultFormula without the expression engine.
func defaultScore(in Inputs) float64 {
	return (in.Effort * in.Importance) / math.Max(0.1, math.Pow(in.DaysLeft, 1.5))
}

func toFloat(name string, v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case int32:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("%s: argument %v is not a number", name, v)
	}
}

func unary(name string, fn func(float64) float64) func(params ...any) (any, error) {
	return func(params ...any) (any, error) {
		if len(params) != 1 {
			return nil, fmt.Errorf("%s takes 1 argument, got %d", name, len(params))
		}
		x, err := toFloat(name, params[0])
		if err != nil {
			return nil, err
		}
		return fn(x), nil
	}
}

func binary(name string, fn func(float64, float64) float64) func(params ...any) (any, error) {
	return func(params ...any) (any, error) {
		if len(params) != 2 {
			return nil, fmt.Errorf("%s takes 2 arguments, got %d", name, len(params))
		}
		x, err := toFloat(name, params[0])
		if err != nil {
			return nil, err
		}
		y, err := toFloat(name, params[1])
		if err != nil {
			return nil, err
		}
		return fn(x, y), nil
	}
}

func variadic(name string, fn func(float64, float64) float64) func(params ...any) (any, error) {
	return func(params ...any) (any, error) {
		if len(params) == 0 {
			return nil, fmt.Errorf("%s needs at least 1 argument", name)
		}
		acc, err := toFloat(name, params[0])
		if err != nil {
			return nil, err
		}
		for _, p := range params[1:] {
			x, err := toFloat(name, p)
			if err != nil {
				return nil, err
			}
			acc = fn(acc, x)
		}
		return acc, nil
	}
}
