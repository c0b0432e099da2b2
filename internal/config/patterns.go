package config

// DefaultPatterns are the built-in regex patterns for the Regex Detector,
// keyed by the entity kinds spec §3/§4.4 names. Grounded on the teacher's
// src/backend/pii/detectors/regex_patterns.go, renamed from the teacher's
// ad hoc labels (EMAIL, SOCIALNUM, TELEPHONENUM, CREDITCARDNUMBER) to this
// program's kind vocabulary, with hostname/url/ip_address added since the
// teacher's ONNX-backed PII set has no network-identifier patterns at all.
var DefaultPatterns = map[string]string{
	"email":       `\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Z|a-z]{2,}\b`,
	"phone":       `\b(?:\+?1[-.]?)?\(?([0-9]{3})\)?[-.]?([0-9]{3})[-.]?([0-9]{4})\b`,
	"ssn":         `\b\d{3}-\d{2}-\d{4}\b`,
	"credit_card": `\b\d{4}[\s-]?\d{4}[\s-]?\d{4}[\s-]?\d{4}\b`,
	"ip_address":  `\b(?:\d{1,3}\.){3}\d{1,3}\b`,
	"url":         `\bhttps?://[^\s"'<>]+\b`,
	"hostname":    `\b[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(?:\.[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?){1,}\b`,
}

// ResolvedPatterns merges DefaultPatterns with the [detection.patterns]
// overrides from a loaded Config: an override replaces the built-in
// pattern for that kind; a kind with no built-in and no override is simply
// absent, which the Regex Detector treats as "never matches that kind".
func (c *Config) ResolvedPatterns() map[string]string {
	merged := make(map[string]string, len(DefaultPatterns)+len(c.Detection.Patterns))
	for kind, pattern := range DefaultPatterns {
		merged[kind] = pattern
	}
	for kind, pattern := range c.Detection.Patterns {
		merged[kind] = pattern
	}
	return merged
}
