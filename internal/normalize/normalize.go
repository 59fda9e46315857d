// Package normalize canonicalizes raw lead attributes into comparable
// forms. Every function is pure and idempotent, and returns the empty
// string for blank input so downstream equality checks can treat
// "absent" uniformly.
package normalize

import (
	"strings"
	"unicode"

	"github.com/opensource-crm/shrike/internal/domain"
)

// Email lowercases and trims. Blank input normalizes to absent.
func Email(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Phone strips everything but digits, keeping track of an
// international prefix. Danish numbers come out as +45 followed by
// eight digits whether they arrived local ("12 34 56 78"),
// prefixed ("+45 12 34 56 78"), or decorated ("(+45) 12 34 56 78").
// Anything else is reduced to its digit sequence, with a leading +
// preserved.
func Phone(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	var digits strings.Builder
	plus := false
	for _, r := range s {
		switch {
		case unicode.IsDigit(r):
			digits.WriteRune(r)
		case r == '+' && digits.Len() == 0:
			plus = true
		}
	}
	cleaned := digits.String()
	if cleaned == "" {
		return ""
	}

	switch {
	case len(cleaned) == 8 && !plus:
		// Local Danish subscriber number.
		return "+45" + cleaned
	case len(cleaned) == 10 && strings.HasPrefix(cleaned, "45"):
		return "+45" + cleaned[2:]
	case plus:
		return "+" + cleaned
	}
	return cleaned
}

// Name lowercases, trims, and collapses internal whitespace runs to a
// single space.
func Name(s string) string {
	return collapseSpace(strings.ToLower(s))
}

// Address uses the same whitespace and case rule as Name.
func Address(s string) string {
	return collapseSpace(strings.ToLower(s))
}

// PostalCode trims, uppercases, and strips whitespace entirely, so
// country-prefixed codes like "dk-2100" compare as "DK-2100".
func PostalCode(s string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(strings.TrimSpace(s)) {
		if !unicode.IsSpace(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Field normalizes a value according to its attribute name. Unknown
// attributes are trimmed only.
func Field(field, s string) string {
	switch field {
	case domain.FieldEmail:
		return Email(s)
	case domain.FieldPhone:
		return Phone(s)
	case domain.FieldName:
		return Name(s)
	case domain.FieldAddress:
		return Address(s)
	case domain.FieldPostalCode:
		return PostalCode(s)
	}
	return strings.TrimSpace(s)
}

// Payload returns the normalized view of a payload's identifying
// attributes. The view is derived on every call, never persisted.
func Payload(payload map[string]string) map[string]string {
	n := make(map[string]string, 5)
	for _, f := range []string{domain.FieldEmail, domain.FieldPhone, domain.FieldName, domain.FieldAddress, domain.FieldPostalCode} {
		if v := Field(f, payload[f]); v != "" {
			n[f] = v
		}
	}
	return n
}

// Equal reports whether two raw values of the same attribute are
// equal after normalization. Two absent values are not equal; absence
// never matches anything.
func Equal(field, a, b string) bool {
	na, nb := Field(field, a), Field(field, b)
	return na != "" && na == nb
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
