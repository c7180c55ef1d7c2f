//go:build property
// +build property

// Property-based checks for the cell canonicalization invariants.
package textnorm

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestNormalizeIdempotent verifies Normalize(Normalize(x)) == Normalize(x).
func TestNormalizeIdempotent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("normalization is idempotent", prop.ForAll(
		func(s string) bool {
			once := Normalize(s)
			return Normalize(once) == once
		},
		gen.AnyString(),
	))

	properties.TestingRun(t)
}

// TestGuardedCellsNeverExecute verifies guarded output never starts with a
// formula trigger.
func TestGuardedCellsNeverExecute(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("guarded cells never lead with a formula byte", prop.ForAll(
		func(s string) bool {
			out := GuardFormula(s)
			if out == "" {
				return true
			}
			return !strings.ContainsRune("=+-@\t", rune(out[0]))
		},
		gen.AnyString(),
	))

	properties.TestingRun(t)
}

// TestDigitFoldingRoundTrip verifies Persian and Arabic digit spellings of
// the same number normalize identically.
func TestDigitFoldingRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	toPersian := func(n uint32) string {
		var b strings.Builder
		for _, d := range []rune(intString(n)) {
			b.WriteRune('۰' + (d - '0'))
		}
		return b.String()
	}
	toArabic := func(n uint32) string {
		var b strings.Builder
		for _, d := range []rune(intString(n)) {
			b.WriteRune('٠' + (d - '0'))
		}
		return b.String()
	}

	properties.Property("digit spellings converge", prop.ForAll(
		func(n uint32) bool {
			ascii := intString(n)
			return Normalize(toPersian(n)) == ascii && Normalize(toArabic(n)) == ascii
		},
		gen.UInt32(),
	))

	properties.TestingRun(t)
}

func intString(n uint32) string {
	const digits = "0123456789"
	if n == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = digits[n%10]
		n /= 10
	}
	return string(buf[i:])
}
