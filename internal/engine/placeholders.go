package engine

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/davidmoltin/record-automation/pkg/logger"
)

// placeholderToken matches ${path} and {{path}} tokens, each optionally followed by |filter names
var placeholderToken = regexp.MustCompile(
	`\$\{\s*([A-Za-z0-9_.\-]+)((?:\s*\|\s*[A-Za-z_]+)*)\s*\}|\{\{\s*([A-Za-z0-9_.\-]+)((?:\s*\|\s*[A-Za-z_]+)*)\s*\}\}`,
)

// UnresolvedMarker is what a token becomes when substitution fails
func UnresolvedMarker(path string) string {
	return "[unresolved:" + path + "]"
}

// textRenderer resolves placeholders in message bodies. Resolution never fails
// an action: on error every token is replaced with its unresolved marker.
type textRenderer struct {
	resolver PlaceholderResolver
	logger   *logger.Logger
}

func (r *textRenderer) render(ctx context.Context, tmpl string, ec *ExecutionContext) string {
	if tmpl == "" || !placeholderToken.MatchString(tmpl) {
		return tmpl
	}
	data := ec.Data()
	if r.resolver == nil {
		return substitute(tmpl, data)
	}
	out, err := r.resolver.Resolve(ctx, tmpl, data)
	if err != nil {
		r.logger.Warnf("Placeholder resolution failed for execution %s: %v", ec.ExecutionID, err)
		return markUnresolved(tmpl)
	}
	return out
}

// renderMap resolves every string value of a nested map
func (r *textRenderer) renderMap(ctx context.Context, in map[string]interface{}, ec *ExecutionContext) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = r.renderValue(ctx, v, ec)
	}
	return out
}

func (r *textRenderer) renderValue(ctx context.Context, v interface{}, ec *ExecutionContext) interface{} {
	switch val := v.(type) {
	case string:
		return r.render(ctx, val, ec)
	case map[string]interface{}:
		return r.renderMap(ctx, val, ec)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = r.renderValue(ctx, item, ec)
		}
		return out
	}
	return v
}

// substitute replaces tokens from data, marking paths that do not resolve
func substitute(tmpl string, data map[string]interface{}) string {
	return placeholderToken.ReplaceAllStringFunc(tmpl, func(tok string) string {
		path := tokenPath(tok)
		val, ok := lookupPath(data, path)
		if !ok {
			return UnresolvedMarker(path)
		}
		return FormatValue(val)
	})
}

func markUnresolved(tmpl string) string {
	return placeholderToken.ReplaceAllStringFunc(tmpl, func(tok string) string {
		return UnresolvedMarker(tokenPath(tok))
	})
}

func tokenPath(tok string) string {
	path, _ := parseToken(tok)
	return path
}

// parseToken splits a token into its data path and filter names
func parseToken(tok string) (string, []string) {
	m := placeholderToken.FindStringSubmatch(tok)
	if len(m) < 5 {
		return tok, nil
	}
	path, chain := m[1], m[2]
	if path == "" {
		path, chain = m[3], m[4]
	}
	var filters []string
	for _, f := range strings.Split(chain, "|") {
		if f = strings.TrimSpace(f); f != "" {
			filters = append(filters, f)
		}
	}
	return path, filters
}

// Substitute is the default placeholder substitution, exported for the resolver service
func Substitute(tmpl string, data map[string]interface{}) string {
	return substitute(tmpl, data)
}

// ReplaceTokens calls fn for every placeholder token in tmpl and splices in its result
func ReplaceTokens(tmpl string, fn func(path string, filters []string) string) string {
	return placeholderToken.ReplaceAllStringFunc(tmpl, func(tok string) string {
		path, filters := parseToken(tok)
		return fn(path, filters)
	})
}

// HasTokens reports whether tmpl contains any placeholder
func HasTokens(tmpl string) bool {
	return placeholderToken.MatchString(tmpl)
}

// LookupPath reads a dotted path from nested maps
func LookupPath(data map[string]interface{}, path string) (interface{}, bool) {
	return lookupPath(data, path)
}

// FormatValue renders a resolved value the way substitution does
func FormatValue(val interface{}) string {
	switch v := val.(type) {
	case string:
		return v
	case []interface{}:
		parts := make([]string, len(v))
		for i, p := range v {
			parts[i] = fmt.Sprint(p)
		}
		return strings.Join(parts, ", ")
	case []string:
		return strings.Join(v, ", ")
	}
	return fmt.Sprint(val)
}
