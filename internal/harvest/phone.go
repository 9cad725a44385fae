package harvest

import (
	"fmt"

	"github.com/nyaruka/phonenumbers"
)

// FormatPhone parses a phone number written with its country code and renders
// it in international format, e.g. "+1 800-200-0000".
func FormatPhone(raw string) (string, error) {
	num, err := phonenumbers.Parse(raw, "")
	if err != nil {
		return "", fmt.Errorf("parse phone %q: %w", raw, err)
	}
	if !phonenumbers.IsValidNumber(num) {
		return "", fmt.Errorf("phone %q is not a valid number", raw)
	}
	return phonenumbers.Format(num, phonenumbers.INTERNATIONAL), nil
}

// Normalized returns a copy whose phone is in international format. A phone
// that does not parse is left unchanged; Validate reports it.
func (i Institution) Normalized() Institution {
	if i.Phone == nil {
		return i
	}
	if formatted, err := FormatPhone(*i.Phone); err == nil {
		i.Phone = &formatted
	}
	return i
}
