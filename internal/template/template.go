// Package template provides locale-aware lookup and rendering of
// notification message templates.
//
// The template language is deliberately tiny: `{{path}}` substitutions with
// dotted paths into nested maps, and `{{#flag}}...{{/flag}}` conditional
// blocks. Missing keys render as empty strings so one absent field never
// aborts a delivery.
package template

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cartloop/notifier/internal/models"
	"github.com/cartloop/notifier/internal/store"
)

// DefaultLocale is the fallback locale when no template exists for the
// requested one.
const DefaultLocale = "en"

// ResolverOpts holds configuration options for the template resolver.
type ResolverOpts struct {
	DefaultLocale string
}

// ResolverOption defines a configuration option for the template resolver.
type ResolverOption func(*ResolverOpts)

// WithDefaultLocale overrides the fallback locale.
func WithDefaultLocale(locale string) ResolverOption {
	return func(o *ResolverOpts) { o.DefaultLocale = locale }
}

// Resolver looks up notification templates with locale fallback.
type Resolver struct {
	store         store.TemplateStore
	defaultLocale string
}

// NewResolver creates a resolver over the given template store.
func NewResolver(ts store.TemplateStore, opts ...ResolverOption) *Resolver {
	cfg := ResolverOpts{DefaultLocale: DefaultLocale}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Resolver{store: ts, defaultLocale: cfg.DefaultLocale}
}

// FindTemplate returns the active template for the exact locale, falling
// back to the default locale on a miss. Returns (nil, nil) when neither
// exists; callers must treat that as a configuration error, not a
// transient failure.
func (r *Resolver) FindTemplate(ctx context.Context, tenantID, eventType string, channel models.Channel, locale string) (*models.NotificationTemplate, error) {
	if locale == "" {
		locale = r.defaultLocale
	}
	t, err := r.store.GetNotificationTemplate(ctx, tenantID, eventType, channel, locale)
	if err != nil {
		return nil, err
	}
	if t != nil {
		return t, nil
	}
	if locale == r.defaultLocale {
		return nil, nil
	}
	slog.Debug("Resolver.FindTemplate: falling back to default locale",
		"tenantID", tenantID, "eventType", eventType, "channel", channel,
		"requested", locale, "fallback", r.defaultLocale)
	return r.store.GetNotificationTemplate(ctx, tenantID, eventType, channel, r.defaultLocale)
}

// Render substitutes `{{path}}` references and `{{#flag}}...{{/flag}}`
// conditional blocks in tmpl against the variable map. Unknown keys render
// as empty strings.
func Render(tmpl string, vars map[string]interface{}) string {
	var b strings.Builder
	i := 0
	for i < len(tmpl) {
		open := strings.Index(tmpl[i:], "{{")
		if open < 0 {
			b.WriteString(tmpl[i:])
			break
		}
		open += i
		b.WriteString(tmpl[i:open])
		end := strings.Index(tmpl[open+2:], "}}")
		if end < 0 {
			// Unterminated placeholder; emit the rest verbatim.
			b.WriteString(tmpl[open:])
			break
		}
		tag := strings.TrimSpace(tmpl[open+2 : open+2+end])
		after := open + 2 + end + 2

		switch {
		case strings.HasPrefix(tag, "#"):
			name := strings.TrimSpace(tag[1:])
			closeTag := "{{/" + name + "}}"
			closeIdx := strings.Index(tmpl[after:], closeTag)
			if closeIdx < 0 {
				// Unclosed block; Validate rejects this at authoring time.
				i = after
				continue
			}
			if truthy(lookup(vars, name)) {
				b.WriteString(Render(tmpl[after:after+closeIdx], vars))
			}
			i = after + closeIdx + len(closeTag)
		case strings.HasPrefix(tag, "/"):
			// Stray close tag; skip.
			i = after
		default:
			b.WriteString(stringify(lookup(vars, tag)))
			i = after
		}
	}
	return b.String()
}

// Validate rejects malformed placeholder syntax at template-authoring time:
// unbalanced braces and unclosed or mismatched conditional blocks.
func Validate(tmpl string) error {
	var blocks []string
	rest := tmpl
	offset := 0
	for {
		open := strings.Index(rest, "{{")
		stray := strings.Index(rest, "}}")
		if open < 0 {
			if stray >= 0 {
				return fmt.Errorf("unbalanced braces: '}}' without '{{' at offset %d", offset+stray)
			}
			break
		}
		if stray >= 0 && stray < open {
			return fmt.Errorf("unbalanced braces: '}}' without '{{' at offset %d", offset+stray)
		}
		end := strings.Index(rest[open+2:], "}}")
		if end < 0 {
			return fmt.Errorf("unbalanced braces: '{{' without '}}' at offset %d", offset+open)
		}
		tag := strings.TrimSpace(rest[open+2 : open+2+end])
		if strings.Contains(tag, "{{") {
			return fmt.Errorf("nested '{{' inside placeholder at offset %d", offset+open)
		}
		switch {
		case tag == "":
			return fmt.Errorf("empty placeholder at offset %d", offset+open)
		case strings.HasPrefix(tag, "#"):
			blocks = append(blocks, strings.TrimSpace(tag[1:]))
		case strings.HasPrefix(tag, "/"):
			name := strings.TrimSpace(tag[1:])
			if len(blocks) == 0 {
				return fmt.Errorf("close tag {{/%s}} without open block", name)
			}
			top := blocks[len(blocks)-1]
			if top != name {
				return fmt.Errorf("mismatched block tags: {{#%s}} closed by {{/%s}}", top, name)
			}
			blocks = blocks[:len(blocks)-1]
		}
		advance := open + 2 + end + 2
		rest = rest[advance:]
		offset += advance
	}
	if len(blocks) > 0 {
		return fmt.Errorf("unclosed block {{#%s}}", blocks[len(blocks)-1])
	}
	return nil
}

// lookup walks a dotted path through nested maps. Returns nil when any
// segment is missing or the value is not traversable.
func lookup(vars map[string]interface{}, path string) interface{} {
	segments := strings.Split(path, ".")
	var current interface{} = vars
	for _, seg := range segments {
		switch m := current.(type) {
		case map[string]interface{}:
			current = m[seg]
		case map[string]string:
			current = m[seg]
		default:
			return nil
		}
	}
	return current
}

// stringify formats a template value for output. nil renders empty.
func stringify(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		// JSON numbers decode as float64; %v prints integers without a
		// trailing .0.
		return fmt.Sprintf("%v", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// truthy evaluates a value for `{{#flag}}` blocks: false, nil, zero, empty
// string/collection, and "false" are falsy; everything else is truthy.
func truthy(v interface{}) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != "" && !strings.EqualFold(val, "false")
	case float64:
		return val != 0
	case int:
		return val != 0
	case int64:
		return val != 0
	case map[string]interface{}:
		return len(val) > 0
	case map[string]string:
		return len(val) > 0
	case []interface{}:
		return len(val) > 0
	default:
		return true
	}
}
