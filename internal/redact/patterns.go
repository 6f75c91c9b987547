package redact

const jwtShape = `eyJ[A-Za-z0-9\-_]+\.[A-Za-z0-9\-_]+\.[A-Za-z0-9\-_]+`

// High-risk shapes are redacted whatever the field context says.
func highRiskMatchers() []Matcher {
	return []Matcher{
		newRegexMatcher("bearer-jwt", `(?i)(?:Authorization["'\s:]*Bearer\s+|Bearer\s+)(`+jwtShape+`)`, 1),
		newRegexMatcher("jwt", `\b(`+jwtShape+`)\b`, 1),
		newRegexMatcher("openai-key", `\b(sk-[a-zA-Z0-9]{32,})\b`, 1),
		newRegexMatcher("anthropic-key", `\b(cla-[a-zA-Z0-9]{32,})\b`, 1),
		newRegexMatcher("huggingface-key", `\b(hf_[a-zA-Z0-9]{32,})\b`, 1),
	}
}

func keyedSecretMatchers() []Matcher {
	return []Matcher{
		newRegexMatcher("quoted-secret",
			`(?i)["']?(password|token|api[_-]?key|access[_-]?token|secret)["']?\s*[:=]\s*["']([^"'`+"`"+`]+)["']`, 2),
		newRegexMatcher("client-credential",
			`(?i)(?:client[_-]?(id|secret))["']?\s*[:=]\s*["']?([A-Za-z0-9_-]{16,})["']?`, 2),
		newRegexMatcher("loose-api-token",
			`(?i)(?:api[_-]?key|access[_-]?token|client[_-]?secret)["']?\s*[:=]\s*["']?([a-zA-Z0-9_\-.]{16,64})["']?`, 1),
		newRegexMatcher("query-password",
			`(?i)\b(?:password|passwd|pwd)=([^\s&"'<>]+)`, 1),
	}
}

// PII rules only run when the policy enables them.
func piiMatchers() []Matcher {
	return []Matcher{
		newRegexMatcher("email", `([a-zA-Z0-9._%+-]+(?:%40|@)[a-zA-Z0-9-]+\.[a-zA-Z]{2,})`, 1),
		newRegexMatcher("phone", `(\+?\d{1,3}[-.\s]?)?\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}`, 0),
		newRegexMatcher("ipv4", `\b(?:\d{1,3}\.){3}\d{1,3}\b`, 0),
	}
}
