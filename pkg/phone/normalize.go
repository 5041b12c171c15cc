// Package phone canonicalizes phone numbers into the digit strings stored by the call records.
package phone

import (
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// DefaultRegion is used when a number carries no country prefix.
const DefaultRegion = "IN"

// Normalizer turns raw phone input into a canonical digit string.
type Normalizer struct {
	region string
}

func NewNormalizer(region string) Normalizer {
	region = strings.ToUpper(strings.TrimSpace(region))
	if region == "" {
		region = DefaultRegion
	}
	return Normalizer{region: region}
}

// Canonical returns E.164 digits without the leading '+' for valid numbers.
// Numbers that do not parse are reduced to their digits. The result is empty
// when the input holds no digits at all.
func (n Normalizer) Canonical(input string) string {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return ""
	}

	region := n.region
	if region == "" {
		region = DefaultRegion
	}
	if num, err := phonenumbers.Parse(trimmed, region); err == nil && phonenumbers.IsValidNumber(num) {
		return strings.TrimPrefix(phonenumbers.Format(num, phonenumbers.E164), "+")
	}
	return digitsOnly(trimmed)
}

// Display renders a canonical digit string for presentation.
func Display(canonical string) string {
	if canonical == "" {
		return ""
	}
	return "+" + canonical
}

func digitsOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
