package twilio

import (
	"fmt"
	"strings"

	"callbridge/internal/domain"
)

// NormalizePhone converts a dialable number into E.164.
//
// Spaces, dashes, dots and parentheses are dropped. Ten bare digits are
// treated as a North American number; eleven digits starting with 1 get a
// "+" prefix; a "+" followed by 8-15 digits with a non-zero country code
// is kept as is. Normalizing an E.164 result again returns it unchanged.
func NormalizePhone(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	plus := strings.HasPrefix(s, "+")
	if plus {
		s = s[1:]
	}

	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '.' || r == '(' || r == ')':
		default:
			return "", invalidPhone(raw, fmt.Sprintf("unexpected character %q", r))
		}
	}
	digits := b.String()

	switch {
	case plus:
		if len(digits) < 8 || len(digits) > 15 || digits[0] == '0' {
			return "", invalidPhone(raw, "international numbers need 8-15 digits and a non-zero country code")
		}
		return "+" + digits, nil
	case len(digits) == 10:
		return "+1" + digits, nil
	case len(digits) == 11 && digits[0] == '1':
		return "+" + digits, nil
	default:
		return "", invalidPhone(raw, "expected 10 digits, 11 digits starting with 1, or a +country number")
	}
}

func invalidPhone(raw, detail string) error {
	return domain.NewSubSystemError("twilio", "NormalizePhone", domain.ErrInvalidInput,
		fmt.Sprintf("%q: %s", raw, detail))
}
