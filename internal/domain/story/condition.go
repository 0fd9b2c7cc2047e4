package story

import (
	"errors"
	"strings"

	"github.com/Knetic/govaluate"
)

// EvaluateCondition evaluates a choice condition against the session flags.
// Empty condition returns true. Supports "true"/"false" literals.
func EvaluateCondition(condition string, flags map[string]any) (bool, error) {
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
	params := make(map[string]interface{}, len(flags))
	for k, v := range flags {
		params[k] = normalizeNumber(v)
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

// ValidateCondition reports whether a condition expression parses.
func ValidateCondition(condition string) error {
	cond := strings.TrimSpace(condition)
	if cond == "" {
		return nil
	}
	_, err := govaluate.NewEvaluableExpression(cond)
	return err
}

// AvailableChoices returns the choices of p whose condition holds for flags.
// A condition that fails to evaluate (for example an unset flag) hides the choice.
func AvailableChoices(p *Page, flags map[string]any) []Choice {
	if p == nil {
		return nil
	}
	out := make([]Choice, 0, len(p.Choices))
	for _, c := range p.Choices {
		ok, err := EvaluateCondition(c.Condition, flags)
		if err != nil || !ok {
			continue
		}
		out = append(out, c)
	}
	return out
}

// govaluate compares numbers as float64 only.
func normalizeNumber(v any) any {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case uint:
		return float64(n)
	case uint32:
		return float64(n)
	case uint64:
		return float64(n)
	case float32:
		return float64(n)
	default:
		return v
	}
}
