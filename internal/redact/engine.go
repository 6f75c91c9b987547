// Package redact scrubs secrets out of captured telemetry before it is stored.
//
// Redaction is context aware: a field's own key and the name, label and type
// attributes of the object holding it decide how aggressively its string value
// is treated. Values with unmistakable secret shapes (JWTs, vendor API keys)
// are always replaced.
package redact

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/dgnsrekt/tabtrace/internal/policy"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	defaultCacheSize = 4096
	defaultCacheTTL  = 30 * time.Minute
)

// Options tune an Engine.
type Options struct {
	// CacheSize bounds the per-identity skip-decision cache.
	CacheSize int
	// CacheTTL expires cached skip decisions.
	CacheTTL time.Duration
	// Location returns the page URL used when DeepRedact is called without one.
	Location func() string
}

// Engine walks arbitrary JSON-shaped values and redacts sensitive strings.
// It is safe for concurrent use.
type Engine struct {
	policy   *policy.Holder
	cascade  *Cascade
	cache    *expirable.LRU[string, bool]
	location func() string
}

// NewEngine builds an engine reading keyword sets from holder.
func NewEngine(holder *policy.Holder, opts Options) *Engine {
	if holder == nil {
		holder = policy.NewHolder(nil)
	}
	size := opts.CacheSize
	if size <= 0 {
		size = defaultCacheSize
	}
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	location := opts.Location
	if location == nil {
		location = func() string { return "" }
	}
	return &Engine{
		policy:   holder,
		cascade:  NewCascade(),
		cache:    expirable.NewLRU[string, bool](size, nil, ttl),
		location: location,
	}
}

// DeepRedact returns a redacted copy of input. Redaction is skipped entirely when
// rawURL (or the current location, when rawURL is empty) is a non-production
// host. When input is an object carrying a "uuid", the skip decision is cached
// for that identity and environment class.
func (e *Engine) DeepRedact(input any, rawURL string) any {
	p := e.policy.Load()
	if rawURL == "" {
		rawURL = e.location()
	}
	nonProd := p.IsNonProduction(rawURL)

	skip := nonProd
	if key := cacheKey(input, nonProd); key != "" {
		if cached, ok := e.cache.Get(key); ok {
			skip = cached
		} else {
			e.cache.Add(key, skip)
		}
	}
	return e.redact(p, input, skip, Unknown)
}

// Redact walks input with an explicit skip decision and starting strength.
func (e *Engine) Redact(input any, skip bool, strength Strength) any {
	return e.redact(e.policy.Load(), input, skip, strength)
}

// RedactString runs the value-pattern cascade on a single string.
func (e *Engine) RedactString(value string, strength Strength) string {
	return e.cascade.Redact(value, strength, e.policy.Load().PIIEnabled)
}

// CacheLen reports how many skip decisions are cached.
func (e *Engine) CacheLen() int {
	return e.cache.Len()
}

func cacheKey(input any, nonProd bool) string {
	obj, ok := input.(map[string]any)
	if !ok {
		return ""
	}
	id, ok := obj["uuid"].(string)
	if !ok || id == "" {
		return ""
	}
	if nonProd {
		return id + "::nonprod"
	}
	return id + "::prod"
}

func (e *Engine) redact(p *policy.Policy, input any, skip bool, strength Strength) any {
	if skip || input == nil {
		return input
	}

	switch v := input.(type) {
	case string:
		return e.redactPossiblyJSON(p, v, strength)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = e.redact(p, item, skip, strength)
		}
		return out
	case map[string]any:
		return e.redactObject(p, v, skip)
	case bool, float64, float32, int, int64, int32, json.Number:
		return v
	default:
		generic, ok := toGeneric(v)
		if !ok {
			return v
		}
		return e.redact(p, generic, skip, strength)
	}
}

func (e *Engine) redactObject(p *policy.Policy, obj map[string]any, skip bool) map[string]any {
	kw := p.Keywords
	parent := FieldContext{
		Name:  stringAttr(obj, "name"),
		Label: stringAttr(obj, "label"),
		Type:  stringAttr(obj, "type"),
	}
	parentKey := stringAttr(obj, "key")

	out := make(map[string]any, len(obj))
	for key, value := range obj {
		ctx := parent
		ctx.Key = key
		strength := Classify(kw, ctx)

		s, isString := value.(string)
		switch {
		case key == "value" && isString:
			// {key|name: "password", value: "..."} as produced by form and header captures.
			if kw.IsStrong(parent.Name) || kw.IsStrong(parentKey) {
				out[key] = Marker
				continue
			}
			out[key] = e.redactPossiblyJSON(p, s, strength)
		case isString:
			switch {
			case kw.IsStrong(key):
				out[key] = Marker
			case kw.IsAllowed(key):
				out[key] = s
			default:
				out[key] = e.redactPossiblyJSON(p, s, strength)
			}
		default:
			out[key] = e.redact(p, value, skip, strength)
		}
	}
	return out
}

// redactPossiblyJSON keeps the value a string: JSON-looking input is parsed,
// redacted structurally and re-encoded; anything else goes through the cascade.
func (e *Engine) redactPossiblyJSON(p *policy.Policy, s string, strength Strength) string {
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		var parsed any
		dec := json.NewDecoder(strings.NewReader(s))
		dec.UseNumber()
		if err := dec.Decode(&parsed); err == nil && !dec.More() {
			encoded, err := encodeJSON(e.redact(p, parsed, false, strength))
			if err == nil {
				return encoded
			}
			slog.Debug("redact: re-encode failed, falling back to text", "error", err)
		}
	}
	return e.cascade.Redact(s, strength, p.PIIEnabled)
}

func encodeJSON(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

// toGeneric converts typed structs, maps and slices into the map[string]any /
// []any form the walker understands.
func toGeneric(v any) (any, bool) {
	switch reflect.ValueOf(v).Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct, reflect.Pointer:
	default:
		return nil, false
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	var out any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, false
	}
	return out, true
}

func stringAttr(obj map[string]any, name string) string {
	s, _ := obj[name].(string)
	return s
}
