package redact

import (
	"regexp"
	"strings"
)

// Marker replaces every redacted span. It contains no character that any
// matcher accepts as part of a secret, so redaction is idempotent.
const Marker = "<REDACTED>"

// Matcher is one value-level redaction rule.
type Matcher interface {
	Name() string
	// TryRedact returns the rewritten value and true when the rule changed it.
	TryRedact(value string) (string, bool)
}

// regexMatcher replaces capture group `group` of every match with Marker, or the
// whole match when group is 0 or did not participate.
type regexMatcher struct {
	name  string
	re    *regexp.Regexp
	group int
}

func newRegexMatcher(name, pattern string, group int) *regexMatcher {
	return &regexMatcher{name: name, re: regexp.MustCompile(pattern), group: group}
}

func (m *regexMatcher) Name() string { return m.name }

func (m *regexMatcher) TryRedact(value string) (string, bool) {
	locs := m.re.FindAllStringSubmatchIndex(value, -1)
	if len(locs) == 0 {
		return value, false
	}

	var b strings.Builder
	b.Grow(len(value))
	last := 0
	for _, loc := range locs {
		start, end := loc[0], loc[1]
		if m.group > 0 && 2*m.group+1 < len(loc) && loc[2*m.group] >= 0 {
			start, end = loc[2*m.group], loc[2*m.group+1]
		}
		if start < last {
			continue
		}
		b.WriteString(value[last:start])
		b.WriteString(Marker)
		last = end
	}
	b.WriteString(value[last:])

	out := b.String()
	return out, out != value
}

// Tier is an ordered group of matchers applied together.
type Tier struct {
	Name     string
	Matchers []Matcher
}

// apply runs matchers in order and returns the output of the first one that
// changes the value.
func (t Tier) apply(value string) (string, bool) {
	for _, m := range t.Matchers {
		if out, ok := m.TryRedact(value); ok {
			return out, true
		}
	}
	return value, false
}

// Cascade is the ordered value-pattern redactor: high-risk token shapes, then
// keyed secrets, then (for strong fields only, and only when enabled) PII.
type Cascade struct {
	HighRisk Tier
	Keyed    Tier
	PII      Tier
}

// NewCascade returns the built-in rule set.
func NewCascade() *Cascade {
	return &Cascade{
		HighRisk: Tier{Name: "high-risk", Matchers: highRiskMatchers()},
		Keyed:    Tier{Name: "keyed-secret", Matchers: keyedSecretMatchers()},
		PII:      Tier{Name: "pii", Matchers: piiMatchers()},
	}
}

// Redact applies the first rule that changes value. Allow-strength values are
// returned as is; the PII tier only runs for Strong values when piiEnabled.
func (c *Cascade) Redact(value string, strength Strength, piiEnabled bool) string {
	if value == "" || strength == Allow {
		return value
	}
	if out, ok := c.HighRisk.apply(value); ok {
		return out
	}
	if out, ok := c.Keyed.apply(value); ok {
		return out
	}
	if strength == Strong && piiEnabled {
		if out, ok := c.PII.apply(value); ok {
			return out
		}
	}
	return value
}
