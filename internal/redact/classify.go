package redact

import "github.com/dgnsrekt/tabtrace/internal/policy"

// Strength is how sensitive a field is believed to be, judged from its name.
type Strength int

const (
	Unknown Strength = iota
	Allow
	Strong
)

func (s Strength) String() string {
	switch s {
	case Allow:
		return "allow"
	case Strong:
		return "strong"
	default:
		return "unknown"
	}
}

// FieldContext is what is known about a field: its own key and the name, label
// and type attributes of the object that holds it.
type FieldContext struct {
	Key   string
	Name  string
	Label string
	Type  string
}

func (c FieldContext) fields() [4]string {
	return [4]string{c.Key, c.Name, c.Label, c.Type}
}

// Classify returns Strong when any context field looks like a secret, Allow when a
// field is exempt or known to be harmless, and Unknown otherwise. Strong is
// checked across all fields before any allow-list is consulted.
func Classify(kw policy.Keywords, ctx FieldContext) Strength {
	fields := ctx.fields()
	for _, f := range fields {
		if f != "" && kw.IsStrong(f) {
			return Strong
		}
	}
	for _, f := range fields {
		if f != "" && kw.Exempt.Equals(f) {
			return Allow
		}
	}
	for _, f := range fields {
		if f != "" && kw.NonSensitive.Equals(f) {
			return Allow
		}
	}
	return Unknown
}
