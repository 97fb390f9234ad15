// Package eval implements expression evaluation for pipeline definitions:
// ${{ }} variable interpolation, stage and step conditions, and the glob
// dialect used by trigger filters.
package eval

import (
	"regexp"
	"strings"
)

var interpolationRe = regexp.MustCompile(`\$\{\{\s*([^}]+)\s*\}\}`)

// Context carries the variable scopes visible to an expression.
type Context struct {
	// Env holds environment variables, addressed as env.NAME.
	Env map[string]string
	// Variables holds pipeline and stage variables, addressed bare.
	Variables map[string]string
	// Matrix holds the job's matrix values, addressed as matrix.key.
	Matrix map[string]string
	// StepOutputs holds declared outputs of completed steps, addressed as
	// steps.<name>.outputs.<key>.
	StepOutputs map[string]map[string]string
}

// Interpolate replaces every ${{ ... }} occurrence with its resolved value.
// Missing lookups resolve to the empty string.
func Interpolate(s string, ctx *Context) string {
	if !strings.Contains(s, "${{") {
		return s
	}
	return interpolationRe.ReplaceAllStringFunc(s, func(match string) string {
		expr := strings.TrimSpace(interpolationRe.FindStringSubmatch(match)[1])
		return ctx.Lookup(expr)
	})
}

// InterpolateMap interpolates every value of the map.
func InterpolateMap(m map[string]string, ctx *Context) map[string]string {
	if len(m) == 0 {
		return m
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = Interpolate(v, ctx)
	}
	return out
}

// Lookup resolves a single expression path against the context.
func (c *Context) Lookup(expr string) string {
	if name, ok := strings.CutPrefix(expr, "env."); ok {
		return c.Env[name]
	}
	if key, ok := strings.CutPrefix(expr, "matrix."); ok {
		return c.Matrix[key]
	}
	if rest, ok := strings.CutPrefix(expr, "steps."); ok {
		step, key, found := strings.Cut(rest, ".outputs.")
		if !found {
			return ""
		}
		return c.StepOutputs[step][key]
	}
	if v, ok := c.Variables[expr]; ok {
		return v
	}
	return c.Env[expr]
}
