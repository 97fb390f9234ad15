package eval

import (
	"strings"

	"github.com/copyleftdev/oxide-ci-sub000/internal/core"
)

// EvaluateCondition decides whether a stage or step should run. A nil
// condition always runs. The if expression must hold and the unless
// expression must not.
func EvaluateCondition(c *core.Condition, ctx *Context) bool {
	if c == nil {
		return true
	}
	if c.If != "" && !evalExpr(Interpolate(c.If, ctx)) {
		return false
	}
	if c.Unless != "" && evalExpr(Interpolate(c.Unless, ctx)) {
		return false
	}
	return true
}

// EvaluateContinueOnError decides whether a failing step lets the stage
// proceed. Lookups referencing the failing step's own outputs resolve to the
// empty string because those outputs never materialized.
func EvaluateContinueOnError(c *core.ContinueOnError, ctx *Context) bool {
	if c == nil {
		return false
	}
	if c.Bool != nil {
		return *c.Bool
	}
	return evalExpr(Interpolate(c.Expr, ctx))
}

// evalExpr evaluates an already-interpolated boolean expression. Supported
// forms: true/false literals, a == b, a != b, a contains b. Anything else
// evaluates to false, the safe default.
func evalExpr(expr string) bool {
	expr = strings.TrimSpace(expr)

	switch strings.ToLower(expr) {
	case "true":
		return true
	case "false", "":
		return false
	}

	if left, right, found := strings.Cut(expr, "!="); found {
		return operand(left) != operand(right)
	}
	if left, right, found := strings.Cut(expr, "=="); found {
		return operand(left) == operand(right)
	}
	if left, right, found := strings.Cut(expr, " contains "); found {
		return strings.Contains(operand(left), operand(right))
	}

	return false
}

// operand trims whitespace and one level of quoting.
func operand(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 {
		if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
