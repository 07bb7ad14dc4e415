package ui

import (
	"log/slog"
	"regexp"
	"strings"
)

// safeCSSProperties is the allowlist of CSS properties safe for dynamic
// styling from untrusted component props.
var safeCSSProperties = map[string]struct{}{
	// Colors
	"color": {}, "background-color": {}, "border-color": {}, "text-color": {},
	// Layout
	"display": {}, "width": {}, "height": {}, "padding": {}, "margin": {}, "gap": {},
	// Typography
	"font-size": {}, "font-weight": {}, "text-align": {}, "line-height": {},
	// Borders and shadows
	"border": {}, "border-radius": {}, "box-shadow": {},
	// Visibility
	"opacity": {}, "visibility": {}, "pointer-events": {},
	// Transitions
	"transition": {}, "transform": {},
}

// blockedCSSProperties are rejected even if someone adds them to a custom
// allowlist (legacy script-execution vectors).
var blockedCSSProperties = map[string]struct{}{
	"behavior":     {},
	"binding":      {},
	"-moz-binding": {},
	"expression":   {},
}

var blockedCSSValues = []*regexp.Regexp{
	regexp.MustCompile(`javascript:`),
	regexp.MustCompile(`vbscript:`),
	regexp.MustCompile(`eval\(`),
	regexp.MustCompile(`expression\(`),
}

// StyleValidator filters inline style maps against the CSS allowlist.
type StyleValidator struct {
	allowed map[string]struct{}
	logger  *slog.Logger
}

// NewStyleValidator returns a validator using the default allowlist.
// Pass a non-nil allowed set to override it.
func NewStyleValidator(allowed map[string]struct{}, logger *slog.Logger) *StyleValidator {
	if allowed == nil {
		allowed = safeCSSProperties
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StyleValidator{allowed: allowed, logger: logger.With("component", "style_validator")}
}

// PropertyAllowed reports whether the CSS property is allowlisted.
func (v *StyleValidator) PropertyAllowed(prop string) bool {
	p := strings.ToLower(strings.TrimSpace(prop))
	if _, blocked := blockedCSSProperties[p]; blocked {
		return false
	}
	_, ok := v.allowed[p]
	return ok
}

// ValueSafe reports whether the CSS value contains no unsafe patterns.
func (v *StyleValidator) ValueSafe(value string) bool {
	lower := strings.ToLower(value)
	for _, re := range blockedCSSValues {
		if re.MatchString(lower) {
			return false
		}
	}
	return true
}

// Clean returns a copy of styles with unsafe properties and values removed.
func (v *StyleValidator) Clean(styles map[string]string) map[string]string {
	cleaned := make(map[string]string, len(styles))
	for prop, value := range styles {
		if !v.PropertyAllowed(prop) {
			v.logger.Warn("blocked css property", "property", prop)
			continue
		}
		if !v.ValueSafe(value) {
			v.logger.Warn("blocked css value", "property", prop, "value", value)
			continue
		}
		cleaned[prop] = value
	}
	return cleaned
}

// SanitizeStyles walks a component tree and cleans every "style" prop in
// place. Props decoded from JSON carry styles as map[string]any.
func (v *StyleValidator) SanitizeStyles(root *ComponentNode) {
	root.Walk(func(n *ComponentNode) bool {
		raw, ok := n.Props["style"]
		if !ok {
			return true
		}

		styles := make(map[string]string)
		switch m := raw.(type) {
		case map[string]string:
			styles = m
		case map[string]any:
			for prop, val := range m {
				if s, ok := val.(string); ok {
					styles[prop] = s
				}
			}
		default:
			return true
		}

		cleaned := v.Clean(styles)
		out := make(map[string]any, len(cleaned))
		for prop, val := range cleaned {
			out[prop] = val
		}
		n.Props["style"] = out
		return true
	})
}

// PropValidator checks component props against a name → JSON-type schema.
type PropValidator struct {
	logger *slog.Logger
}

// NewPropValidator returns a prop validator.
func NewPropValidator(logger *slog.Logger) *PropValidator {
	if logger == nil {
		logger = slog.Default()
	}
	return &PropValidator{logger: logger.With("component", "prop_validator")}
}

// typeMatches checks a value against a JSON Schema primitive type name.
// Unknown type names are permissive.
func typeMatches(value any, expected string) bool {
	switch expected {
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		switch value.(type) {
		case int, int64, float64:
			return true
		}
		return false
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	}
	return true
}

// Validate returns a copy of props with unknown names and mistyped values
// removed.
func (v *PropValidator) Validate(props map[string]any, schema map[string]string) map[string]any {
	validated := make(map[string]any, len(props))
	for name, value := range props {
		expected, known := schema[name]
		if !known {
			v.logger.Warn("unknown prop", "prop", name)
			continue
		}
		if !typeMatches(value, expected) {
			v.logger.Warn("invalid prop type", "prop", name, "expected", expected)
			continue
		}
		validated[name] = value
	}
	return validated
}
