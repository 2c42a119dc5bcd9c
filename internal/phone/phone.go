// Package phone validates and canonicalizes international phone numbers used
// as the primary identity key for clients.
//
// Normalization is a pure function: it is idempotent, side-effect free and
// safe to call concurrently without synchronization.
package phone

import (
	"fmt"
	"strings"

	"github.com/citabot/citabot/internal/models"
)

// Number is a canonicalized phone identity plus country metadata.
type Number struct {
	// Canonical is the full international form, e.g. "+34600111222".
	Canonical string
	// CountryCode is the ISO 3166-1 alpha-2 code, e.g. "ES".
	CountryCode string
	// CountryName is the English country name.
	CountryName string
}

// country describes one served market: its dialing prefix and the permitted
// national number length range (digits after the prefix).
type country struct {
	prefix string
	iso    string
	name   string
	minLen int
	maxLen int
}

// countries lists the served markets. Longest prefixes are matched first so
// "+351" never resolves as "+35"+"1...".
var countries = []country{
	{prefix: "351", iso: "PT", name: "Portugal", minLen: 9, maxLen: 9},
	{prefix: "353", iso: "IE", name: "Ireland", minLen: 7, maxLen: 9},
	{prefix: "34", iso: "ES", name: "Spain", minLen: 9, maxLen: 9},
	{prefix: "33", iso: "FR", name: "France", minLen: 9, maxLen: 9},
	{prefix: "39", iso: "IT", name: "Italy", minLen: 8, maxLen: 11},
	{prefix: "49", iso: "DE", name: "Germany", minLen: 7, maxLen: 11},
	{prefix: "44", iso: "GB", name: "United Kingdom", minLen: 9, maxLen: 10},
	{prefix: "31", iso: "NL", name: "Netherlands", minLen: 9, maxLen: 9},
	{prefix: "52", iso: "MX", name: "Mexico", minLen: 10, maxLen: 11},
	{prefix: "54", iso: "AR", name: "Argentina", minLen: 10, maxLen: 11},
	{prefix: "55", iso: "BR", name: "Brazil", minLen: 10, maxLen: 11},
	{prefix: "56", iso: "CL", name: "Chile", minLen: 9, maxLen: 9},
	{prefix: "57", iso: "CO", name: "Colombia", minLen: 10, maxLen: 10},
	{prefix: "51", iso: "PE", name: "Peru", minLen: 9, maxLen: 9},
	{prefix: "1", iso: "US", name: "United States/Canada", minLen: 10, maxLen: 10},
}

// Normalize validates raw and returns its canonical international form with
// country metadata. It fails with models.ErrInvalidPhoneNumber when the input
// has no digits, no inferable country prefix, or the wrong digit count for
// the detected country. It never returns a partial canonical value on error.
func Normalize(raw string) (Number, error) {
	s := strings.TrimSpace(raw)
	// Twilio delivers WhatsApp senders as "whatsapp:+34600111222".
	s = strings.TrimPrefix(s, "whatsapp:")

	hasPlus := strings.HasPrefix(s, "+")
	var digits strings.Builder
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits.WriteRune(r)
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.' || r == '/' || r == '+':
			// formatting punctuation, dropped
		default:
			return Number{}, fmt.Errorf("%w: unexpected character %q in %q", models.ErrInvalidPhoneNumber, r, raw)
		}
	}
	d := digits.String()
	if d == "" {
		return Number{}, fmt.Errorf("%w: no digits in %q", models.ErrInvalidPhoneNumber, raw)
	}

	// "00" is the international call prefix equivalent of "+".
	if !hasPlus {
		if strings.HasPrefix(d, "00") {
			d = d[2:]
			hasPlus = true
		}
	}
	if !hasPlus {
		return Number{}, fmt.Errorf("%w: no country prefix inferable from %q", models.ErrInvalidPhoneNumber, raw)
	}

	for _, c := range countries {
		if !strings.HasPrefix(d, c.prefix) {
			continue
		}
		national := d[len(c.prefix):]
		if len(national) < c.minLen {
			return Number{}, fmt.Errorf("%w: too few digits for %s in %q", models.ErrInvalidPhoneNumber, c.iso, raw)
		}
		if len(national) > c.maxLen {
			return Number{}, fmt.Errorf("%w: too many digits for %s in %q", models.ErrInvalidPhoneNumber, c.iso, raw)
		}
		return Number{
			Canonical:   "+" + d,
			CountryCode: c.iso,
			CountryName: c.name,
		}, nil
	}
	return Number{}, fmt.Errorf("%w: unsupported country prefix in %q", models.ErrInvalidPhoneNumber, raw)
}

// IsSupported reports whether raw normalizes to a served market.
func IsSupported(raw string) bool {
	_, err := Normalize(raw)
	return err == nil
}
