package statemachine

import (
	"errors"
	"strings"

	"github.com/Knetic/govaluate"

	"github.com/bountyhub/bountyhub/internal/domain/statemachine"
)

// EvaluateCondition evaluates a condition expression against parameters.
// Empty condition returns true. Supports "true"/"false" literals.
func EvaluateCondition(condition string, params map[string]interface{}) (bool, error) {
	cond := strings.TrimSpace(condition)
	if cond == "" {
		return true, nil
	}
	switch strings.ToLower(cond) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}

	expr, err := govaluate.NewEvaluableExpression(cond)
	if err != nil {
		return false, err
	}
	result, err := expr.Evaluate(params)
	if err != nil {
		return false, err
	}
	switch v := result.(type) {
	case bool:
		return v, nil
	default:
		return false, errors.New("condition did not evaluate to boolean")
	}
}

// compileCondition parses expr once and returns a guard over the transition
// context. Evaluation errors (for example a missing field) fail the guard.
func compileCondition(expr string) (statemachine.Condition, error) {
	cond := strings.TrimSpace(expr)
	if cond == "" {
		return nil, nil
	}
	if _, err := govaluate.NewEvaluableExpression(cond); err != nil && !isLiteral(cond) {
		return nil, err
	}
	return func(c statemachine.Context) bool {
		ok, err := EvaluateCondition(cond, contextParams(c))
		return err == nil && ok
	}, nil
}

func compileValidator(expr string) (statemachine.Validator, error) {
	cond, err := compileCondition(expr)
	if err != nil || cond == nil {
		return nil, err
	}
	return func(data map[string]any) bool {
		return cond(statemachine.Context{Data: data})
	}, nil
}

func isLiteral(cond string) bool {
	l := strings.ToLower(cond)
	return l == "true" || l == "false"
}

// contextParams exposes entity data (flattened with dotted keys) plus the
// acting role, actor, flags and the current time in unix milliseconds.
func contextParams(c statemachine.Context) map[string]interface{} {
	params := map[string]interface{}{}
	for k, v := range c.Data {
		params[k] = v
	}
	flattenContext("", c.Data, params)
	params["role"] = string(c.Role)
	params["actor"] = c.Actor
	params["forced"] = c.Forced
	params["automated"] = c.Automated
	params["now"] = float64(c.Now.UnixMilli())
	return params
}

func flattenContext(prefix string, m map[string]interface{}, out map[string]interface{}) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch vv := v.(type) {
		case map[string]interface{}:
			flattenContext(key, vv, out)
		default:
			out[key] = vv
		}
	}
}
