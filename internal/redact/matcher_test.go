package redact

import (
	"testing"

	"github.com/dgnsrekt/tabtrace/internal/policy"
)

func TestClassify(t *testing.T) {
	kw := policy.Default().Keywords
	tests := []struct {
		name string
		ctx  FieldContext
		want Strength
	}{
		{"strong_key", FieldContext{Key: "password"}, Strong},
		{"strong_camel_case", FieldContext{Key: "clientSecret"}, Strong},
		{"strong_from_parent_name", FieldContext{Key: "value", Name: "X-API-Key"}, Strong},
		{"exempt_name_is_not_strong", FieldContext{Key: "tokenCount"}, Allow},
		{"strong_label_beats_exempt_key", FieldContext{Key: "tokenCount", Label: "Access token"}, Strong},
		{"non_sensitive", FieldContext{Key: "email"}, Allow},
		{"unknown", FieldContext{Key: "comment"}, Unknown},
		{"empty", FieldContext{}, Unknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(kw, tt.ctx); got != tt.want {
				t.Fatalf("Classify(%+v) = %v; want %v", tt.ctx, got, tt.want)
			}
		})
	}
}

func TestMatchersInIsolation(t *testing.T) {
	tests := []struct {
		matcher Matcher
		in      string
		want    string
		changed bool
	}{
		{highRiskMatchers()[0], "Bearer eyJa.eyJb.c", "Bearer " + Marker, true},
		{highRiskMatchers()[1], "jwt=eyJa.eyJb.c;", "jwt=" + Marker + ";", true},
		{highRiskMatchers()[2], "key sk-" + repeat("a", 32), "key " + Marker, true},
		{highRiskMatchers()[2], "key sk-short", "key sk-short", false},
		{keyedSecretMatchers()[0], `{"password": "hunter2"}`, `{"password": "` + Marker + `"}`, true},
		{keyedSecretMatchers()[1], "client_id=abcdefghijklmnop", "client_id=" + Marker, true},
		{keyedSecretMatchers()[2], "apikey: abcdefghijklmnopq", "apikey: " + Marker, true},
		{keyedSecretMatchers()[3], "/login?pwd=s3cret&next=/", "/login?pwd=" + Marker + "&next=/", true},
		{keyedSecretMatchers()[0], `"password": "` + Marker + `"`, `"password": "` + Marker + `"`, false},
	}
	for _, tt := range tests {
		t.Run(tt.matcher.Name(), func(t *testing.T) {
			got, changed := tt.matcher.TryRedact(tt.in)
			if got != tt.want || changed != tt.changed {
				t.Fatalf("TryRedact(%q) = (%q, %v); want (%q, %v)", tt.in, got, changed, tt.want, tt.changed)
			}
		})
	}
}

func TestCascadeFirstRuleWins(t *testing.T) {
	c := NewCascade()

	// The JWT is handled by the high-risk tier, so the keyed password in the
	// same string is left for a later pass.
	in := `Bearer eyJa.eyJb.c password="hunter2"`
	got := c.Redact(in, Unknown, false)
	want := `Bearer ` + Marker + ` password="hunter2"`
	if got != want {
		t.Fatalf("Redact() = %q; want %q", got, want)
	}
}

func TestCascadeAllowAndPII(t *testing.T) {
	c := NewCascade()

	if got := c.Redact("Bearer eyJa.eyJb.c", Allow, true); got != "Bearer eyJa.eyJb.c" {
		t.Fatalf("Redact(Allow) = %q; want unchanged", got)
	}
	if got := c.Redact("mail bob@example.com", Unknown, true); got != "mail bob@example.com" {
		t.Fatalf("Redact(Unknown, pii) = %q; want unchanged", got)
	}
	if got := c.Redact("mail bob@example.com", Strong, false); got != "mail bob@example.com" {
		t.Fatalf("Redact(Strong, pii disabled) = %q; want unchanged", got)
	}
	if got := c.Redact("mail bob@example.com", Strong, true); got != "mail "+Marker {
		t.Fatalf("Redact(Strong, pii) = %q; want email redacted", got)
	}
}

func repeat(s string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += s
	}
	return out
}
