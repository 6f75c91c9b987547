// Package policy holds the operator-tunable inputs of redaction and record
// admission: field keyword sets, non-production host labels and the
// restricted-domain list that keeps the service from recording its own traffic.
package policy

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"
)

// Policy is the YAML document loaded from TABTRACE_POLICY_FILE.
type Policy struct {
	Keywords          Keywords `yaml:"keywords"`
	NonProduction     []string `yaml:"non_production"`
	RestrictedDomains []string `yaml:"restricted_domains"`
	PIIEnabled        bool     `yaml:"pii_enabled"`
}

// Keywords are the three disjoint field-name sets used by the classifier.
type Keywords struct {
	Strong       KeywordSet `yaml:"strong"`
	Exempt       KeywordSet `yaml:"exempt"`
	NonSensitive KeywordSet `yaml:"non_sensitive"`
}

// KeywordSet is a list of normalized field-name fragments.
type KeywordSet []string

// UnmarshalYAML normalizes entries as they are read.
func (s *KeywordSet) UnmarshalYAML(node *yaml.Node) error {
	var raw []string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	*s = NewKeywordSet(raw...)
	return nil
}

// NewKeywordSet normalizes and de-duplicates words.
func NewKeywordSet(words ...string) KeywordSet {
	seen := make(map[string]bool, len(words))
	out := make(KeywordSet, 0, len(words))
	for _, w := range words {
		n := Normalize(w)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

// Contains reports whether the normalized field contains any keyword.
func (s KeywordSet) Contains(field string) bool {
	n := Normalize(field)
	if n == "" {
		return false
	}
	for _, kw := range s {
		if strings.Contains(n, kw) {
			return true
		}
	}
	return false
}

// Equals reports whether the normalized field is exactly one of the keywords.
func (s KeywordSet) Equals(field string) bool {
	n := Normalize(field)
	if n == "" {
		return false
	}
	for _, kw := range s {
		if n == kw {
			return true
		}
	}
	return false
}

// IsStrong reports whether a single field name looks like it holds a secret.
// A name that is exactly on the exempt list never matches, so allow-listed
// names such as "tokenCount" cannot collide with the loose strong match.
func (k Keywords) IsStrong(field string) bool {
	if k.Exempt.Equals(field) {
		return false
	}
	return k.Strong.Contains(field)
}

// IsAllowed reports whether a field name is explicitly exempt or known to be harmless.
func (k Keywords) IsAllowed(field string) bool {
	return k.Exempt.Equals(field) || k.NonSensitive.Equals(field)
}

// Normalize lowercases s and drops everything that is not a letter or digit, so
// "API-Key", "api_key" and "apiKey" compare equal.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}

// IsNonProduction reports whether rawURL points at a development, test or staging
// host. Hosts are compared label by label ("api.staging.example.com",
// "shop-dev.example.com"), loopback addresses always count.
func (p *Policy) IsNonProduction(rawURL string) bool {
	if rawURL == "" {
		return false
	}
	host := hostOf(rawURL)
	if host == "" {
		return false
	}
	switch host {
	case "localhost", "127.0.0.1", "0.0.0.0", "::1":
		return true
	}
	labels := strings.FieldsFunc(host, func(r rune) bool { return r == '.' || r == '-' })
	for _, label := range labels {
		for _, kw := range p.NonProduction {
			if label == kw {
				return true
			}
		}
	}
	return false
}

// IsRestricted reports whether the URL contains one of the restricted domains.
func (p *Policy) IsRestricted(rawURL string) bool {
	if rawURL == "" {
		return false
	}
	for _, d := range p.RestrictedDomains {
		if d != "" && strings.Contains(rawURL, d) {
			return true
		}
	}
	return false
}

// WithRestricted returns a copy of p with extra restricted domains appended.
func (p *Policy) WithRestricted(domains ...string) *Policy {
	out := *p
	out.RestrictedDomains = append(append([]string(nil), p.RestrictedDomains...), domains...)
	return &out
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// builtinRestricted covers the API's default listen addresses so a monitored tab
// that opens /docs or the record stream is not recorded. serve adds the address
// it actually bound.
var builtinRestricted = []string{
	"127.0.0.1:8190", "localhost:8190",
	"127.0.0.1:8191", "127.0.0.1:8192", "127.0.0.1:8193",
}

// Default returns the built-in policy.
func Default() *Policy {
	return &Policy{
		Keywords: Keywords{
			Strong: NewKeywordSet(
				"password", "passwd", "passphrase", "secret", "token", "api key", "apikey",
				"access key", "private key", "client secret", "authorization", "bearer",
				"cookie", "session id", "sessid", "csrf", "xsrf", "otp code", "totp",
				"pin code", "cvv", "cvc", "card number", "credit card", "iban",
				"social security", "signature", "credential",
			),
			Exempt: NewKeywordSet(
				"tokenCount", "token_type", "tokenType", "maxTokens", "totalTokens",
				"tokenLimit", "secretary", "passwordPolicy", "passwordStrength",
				"showPassword", "signatureAlgorithm",
			),
			NonSensitive: NewKeywordSet(
				"name", "email", "username", "login", "first name", "last name",
				"id", "uuid", "url", "method", "type", "status", "statusCode", "domain",
				"label", "title", "description", "timestamp", "locale", "language",
				"theme", "page", "limit", "offset", "count",
			),
		},
		NonProduction: []string{
			"localhost", "local", "dev", "develop", "development", "staging", "stage",
			"stg", "sandbox", "test", "testing", "qa", "uat", "preview",
		},
		RestrictedDomains: append([]string(nil), builtinRestricted...),
		PIIEnabled:        false,
	}
}

// LoadFile reads a policy file. Sections missing from the file keep their
// built-in defaults. restricted_domains extends the built-in list rather than
// replacing it. An empty path returns the defaults.
func LoadFile(path string) (*Policy, error) {
	p := Default()
	if path == "" {
		return p, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: read %s: %w", path, err)
	}

	var file struct {
		Keywords struct {
			Strong       *KeywordSet `yaml:"strong"`
			Exempt       *KeywordSet `yaml:"exempt"`
			NonSensitive *KeywordSet `yaml:"non_sensitive"`
		} `yaml:"keywords"`
		NonProduction     []string `yaml:"non_production"`
		RestrictedDomains []string `yaml:"restricted_domains"`
		PIIEnabled        *bool    `yaml:"pii_enabled"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("policy: parse %s: %w", path, err)
	}

	if file.Keywords.Strong != nil {
		p.Keywords.Strong = *file.Keywords.Strong
	}
	if file.Keywords.Exempt != nil {
		p.Keywords.Exempt = *file.Keywords.Exempt
	}
	if file.Keywords.NonSensitive != nil {
		p.Keywords.NonSensitive = *file.Keywords.NonSensitive
	}
	if file.NonProduction != nil {
		p.NonProduction = make([]string, 0, len(file.NonProduction))
		for _, kw := range file.NonProduction {
			if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
				p.NonProduction = append(p.NonProduction, kw)
			}
		}
	}
	for _, d := range file.RestrictedDomains {
		if d = strings.TrimSpace(d); d != "" {
			p.RestrictedDomains = append(p.RestrictedDomains, d)
		}
	}
	if file.PIIEnabled != nil {
		p.PIIEnabled = *file.PIIEnabled
	}

	if len(p.Keywords.Strong) == 0 {
		return nil, fmt.Errorf("policy: %s: keywords.strong must not be empty", path)
	}
	return p, nil
}
