package extract

import "github.com/microcosm-cc/bluemonday"

// Sanitizer strips scripts, event handlers and unsafe URLs from extracted HTML.
// Safe for concurrent use.
type Sanitizer struct {
	policy *bluemonday.Policy
}

func NewSanitizer() *Sanitizer {
	return &Sanitizer{policy: bluemonday.UGCPolicy()}
}

func (s *Sanitizer) Sanitize(html string) string {
	return s.policy.Sanitize(html)
}
