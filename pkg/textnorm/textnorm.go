// Package textnorm canonicalizes raw spreadsheet text before validation
// and export. Input rows arrive typed by humans across Persian and Arabic
// keyboard layouts; every cell passes through Normalize exactly once so
// the rest of the pipeline only ever sees one spelling of a value.
package textnorm

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizationError reports a value that failed enum validation after
// normalization. RuleCode names the allocation rule the field feeds.
type NormalizationError struct {
	RuleCode string
	Details  map[string]any
}

func (e *NormalizationError) Error() string {
	return fmt.Sprintf("normalization failed for %s: %v", e.RuleCode, e.Details)
}

// Normalize applies the full canonicalization sequence to one cell:
// NFKC, Persian/Arabic digit folding, ك/ي unification, zero-width
// stripping, CR/LF/TAB to space, remaining C0 controls dropped, outer
// whitespace trimmed. Empty input stays empty.
func Normalize(s string) string {
	if s == "" {
		return ""
	}
	s = norm.NFKC.String(s)

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= '۰' && r <= '۹': // Persian digits
			b.WriteRune('0' + (r - '۰'))
		case r >= '٠' && r <= '٩': // Arabic-Indic digits
			b.WriteRune('0' + (r - '٠'))
		case r == 'ك': // ك
			b.WriteRune('ک') // ک
		case r == 'ي': // ي
			b.WriteRune('ی') // ی
		case isZeroWidth(r):
			// dropped
		case r == '\r' || r == '\n' || r == '\t':
			b.WriteRune(' ')
		case r < 0x20:
			// remaining C0 controls dropped
		default:
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

// NormalizePhone normalizes then strips everything but ASCII digits, so
// "۰۹۱۲-۳۴۵ ۶۷۸۹" and "09123456789" compare equal.
func NormalizePhone(s string) string {
	return Digits(Normalize(s))
}

// StripZeroWidth removes zero-width and bidi-control runes and trims
// outer whitespace, leaving everything else intact. Suitable for opaque
// secrets where digit folding would change the value.
func StripZeroWidth(s string) string {
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if isZeroWidth(r) {
			continue
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}

// Digits keeps only ASCII digits.
func Digits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// IsFormulaRisky reports whether a cell would be interpreted as a
// spreadsheet formula when opened in Excel.
func IsFormulaRisky(s string) bool {
	if s == "" {
		return false
	}
	switch s[0] {
	case '=', '+', '-', '@', '\t':
		return true
	}
	return false
}

// GuardFormula prepends a single apostrophe to formula-risky cells so
// Excel stores them as text. Already-guarded cells pass through.
func GuardFormula(s string) string {
	if IsFormulaRisky(s) {
		return "'" + s
	}
	return s
}

// Enum normalizes value, parses it as an integer and confirms membership
// in allowed. Failures carry ruleCode so the caller can attribute the
// rejection to the right allocation rule.
func Enum(ruleCode, value string, allowed ...int) (int, error) {
	folded := Normalize(value)
	n, err := strconv.Atoi(folded)
	if err != nil {
		return 0, &NormalizationError{
			RuleCode: ruleCode,
			Details:  map[string]any{"value": value, "reason": "not_an_integer"},
		}
	}
	for _, a := range allowed {
		if n == a {
			return n, nil
		}
	}
	return 0, &NormalizationError{
		RuleCode: ruleCode,
		Details:  map[string]any{"value": n, "allowed": allowed},
	}
}

func isZeroWidth(r rune) bool {
	switch r {
	case '\u200b', '\u200c', '\u200d', '\ufeff', '\u202a', '\u202b', '\u202c':
		return true
	}
	return false
}
