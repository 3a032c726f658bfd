package rls

import (
	"regexp"
	"strings"
)

var placeholderRe = regexp.MustCompile(`\$\{([A-Za-z0-9_]+)\}`)

// ResolveValue substitutes ${...} placeholders in v against the evaluation
// context. A string that is exactly one placeholder resolves to the looked-up
// value with its type preserved; placeholders embedded in longer strings are
// substituted textually. Arrays and maps are resolved recursively. Unknown
// placeholders are left verbatim, which makes resolution idempotent.
func ResolveValue(v any, ctx *EvalContext) any {
	switch vv := v.(type) {
	case string:
		return resolveString(vv, ctx)
	case []any:
		out := make([]any, len(vv))
		for i, item := range vv {
			out[i] = ResolveValue(item, ctx)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(vv))
		for k, item := range vv {
			out[k] = ResolveValue(item, ctx)
		}
		return out
	default:
		return v
	}
}

func resolveString(s string, ctx *EvalContext) any {
	if !strings.Contains(s, "${") {
		return s
	}
	// A value that is exactly one token keeps the resolved type.
	if m := placeholderRe.FindStringSubmatch(s); m != nil && m[0] == s {
		if val, ok := lookupPlaceholder(m[1], ctx); ok {
			return val
		}
		return s
	}
	return placeholderRe.ReplaceAllStringFunc(s, func(tok string) string {
		name := tok[2 : len(tok)-1]
		if val, ok := lookupPlaceholder(name, ctx); ok {
			return toString(val)
		}
		return tok
	})
}

func lookupPlaceholder(name string, ctx *EvalContext) (any, bool) {
	if ctx == nil {
		return nil, false
	}
	switch name {
	case "userId":
		return ctx.UserID, true
	case "orgUnitId":
		return ctx.OrgUnitID, true
	case "role":
		return ctx.Role, true
	case "tenantId":
		return ctx.TenantID, true
	}
	if ctx.ContextData != nil {
		if v, ok := ctx.ContextData[name]; ok {
			return v, true
		}
	}
	return nil, false
}
