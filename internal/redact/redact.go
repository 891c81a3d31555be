// Package redact detects and masks personally identifying information in
// free text. The FUJI gate uses Scan for its PII risk signal; the trust log
// uses Redact before persisting payloads when the active policy sets
// log_retention.redact_before_log.
package redact

import (
	"regexp"
	"strings"
)

// Finding is one detected PII span.
type Finding struct {
	Type  string `json:"type"`
	Start int    `json:"start"`
	End   int    `json:"end"`
}

const (
	TypeEmail      = "email"
	TypePhone      = "phone"
	TypeCreditCard = "credit_card"
	TypeNationalID = "national_id"
	TypeIPAddress  = "ip_address"
)

var (
	emailRe = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phoneRe = regexp.MustCompile(`(?:\+?\d{1,3}[-. ]?)?(?:\(\d{2,4}\)[-. ]?)?\d{2,4}[-. ]\d{2,4}[-. ]\d{3,4}`)
	// Candidate card numbers are 13-19 digits with optional separators;
	// only Luhn-valid candidates count.
	cardRe = regexp.MustCompile(`\b(?:\d[ \-]?){13,19}\b`)
	// US SSN shape and Japanese My Number (12 digits with separators).
	ssnRe      = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	myNumberRe = regexp.MustCompile(`\b\d{4}[ \-]\d{4}[ \-]\d{4}\b`)
	ipRe       = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
)

// Scan returns every PII span found in text, in encounter order.
func Scan(text string) []Finding {
	var out []Finding
	for _, loc := range emailRe.FindAllStringIndex(text, -1) {
		out = append(out, Finding{Type: TypeEmail, Start: loc[0], End: loc[1]})
	}
	for _, loc := range cardRe.FindAllStringIndex(text, -1) {
		if luhnValid(digitsOf(text[loc[0]:loc[1]])) {
			out = append(out, Finding{Type: TypeCreditCard, Start: loc[0], End: loc[1]})
		}
	}
	for _, loc := range ssnRe.FindAllStringIndex(text, -1) {
		out = append(out, Finding{Type: TypeNationalID, Start: loc[0], End: loc[1]})
	}
	for _, loc := range myNumberRe.FindAllStringIndex(text, -1) {
		if !overlapsAny(out, loc[0], loc[1]) {
			out = append(out, Finding{Type: TypeNationalID, Start: loc[0], End: loc[1]})
		}
	}
	for _, loc := range phoneRe.FindAllStringIndex(text, -1) {
		if !overlapsAny(out, loc[0], loc[1]) {
			out = append(out, Finding{Type: TypePhone, Start: loc[0], End: loc[1]})
		}
	}
	for _, loc := range ipRe.FindAllStringIndex(text, -1) {
		if !overlapsAny(out, loc[0], loc[1]) {
			out = append(out, Finding{Type: TypeIPAddress, Start: loc[0], End: loc[1]})
		}
	}
	return out
}

// HasPII reports whether text contains at least one PII span.
func HasPII(text string) bool {
	return len(Scan(text)) > 0
}

// Redact replaces every detected PII span with a typed placeholder such
// as [REDACTED:email].
func Redact(text string) string {
	findings := Scan(text)
	if len(findings) == 0 {
		return text
	}
	// Replace from the end so earlier offsets stay valid.
	for i := len(findings) - 1; i >= 0; i-- {
		f := findings[i]
		text = text[:f.Start] + "[REDACTED:" + f.Type + "]" + text[f.End:]
	}
	return text
}

// RedactMap returns a deep copy of m with every string value redacted.
func RedactMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = redactValue(v)
	}
	return out
}

func redactValue(v any) any {
	switch t := v.(type) {
	case string:
		return Redact(t)
	case map[string]any:
		return RedactMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = redactValue(e)
		}
		return out
	default:
		return v
	}
}

func overlapsAny(fs []Finding, start, end int) bool {
	for _, f := range fs {
		if start < f.End && end > f.Start {
			return true
		}
	}
	return false
}

func digitsOf(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func luhnValid(digits string) bool {
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}
