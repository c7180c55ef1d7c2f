package textnorm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeDigitFolding(t *testing.T) {
	cases := map[string]string{
		"۰۹۱۲۳۴۵۶۷۸۹":  "09123456789", // Persian digits
		"٠٩١٢٣٤٥٦٧٨٩":  "09123456789", // Arabic-Indic digits
		"۱۴۰۳":         "1403",
		"code ۱۲ / ٣٤": "code 12 / 34",
	}
	for in, want := range cases {
		assert.Equal(t, want, Normalize(in), "input %q", in)
	}
}

func TestNormalizeLetterUnification(t *testing.T) {
	// Arabic kaf/yeh fold into their Persian forms.
	assert.Equal(t, "کی", Normalize("كي"))
}

func TestNormalizeZeroWidthStripping(t *testing.T) {
	assert.Equal(t, "علیرضا", Normalize("علی‌رضا"))
	assert.Equal(t, "abc", Normalize("\ufeffa​b‪c‬"))
}

func TestNormalizeControlCharacters(t *testing.T) {
	assert.Equal(t, "a b c", Normalize("a\rb\nc"))
	assert.Equal(t, "a b", Normalize("a\tb"))
	assert.Equal(t, "ab", Normalize("a\x00\x01b"))
	// leading/trailing CR/LF become spaces and are trimmed away
	assert.Equal(t, "x", Normalize("\r\nx\t\r\n"))
}

func TestNormalizeEmptyAndWhitespace(t *testing.T) {
	assert.Equal(t, "", Normalize(""))
	assert.Equal(t, "", Normalize("  \r\n\t "))
}

func TestNormalizePhone(t *testing.T) {
	assert.Equal(t, "09123456789", NormalizePhone("۰۹۱۲-۳۴۵ ۶۷۸۹"))
	assert.Equal(t, "09123456789", NormalizePhone(" 0912 345 6789 "))
	assert.Equal(t, "", NormalizePhone("tel"))
}

func TestGuardFormula(t *testing.T) {
	cases := map[string]string{
		"=SUM(A1:A2)": "'=SUM(A1:A2)",
		"+98":         "'+98",
		"-note":       "'-note",
		"@here":       "'@here",
		"\tx":         "'\tx",
		"plain":       "plain",
		"":            "",
	}
	for in, want := range cases {
		assert.Equal(t, want, GuardFormula(in), "input %q", in)
	}
}

func TestEnum(t *testing.T) {
	n, err := Enum("CENTER_ALLOWED", "۲", 0, 1, 2)
	assert.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = Enum("CENTER_ALLOWED", "7", 0, 1, 2)
	var nerr *NormalizationError
	assert.ErrorAs(t, err, &nerr)
	assert.Equal(t, "CENTER_ALLOWED", nerr.RuleCode)

	_, err = Enum("GENDER_MATCH", "x", 0, 1)
	assert.ErrorAs(t, err, &nerr)
	assert.Equal(t, "GENDER_MATCH", nerr.RuleCode)
	assert.Equal(t, "not_an_integer", nerr.Details["reason"])
}
