package bestoffer

import (
	"fmt"
	"unicode/utf8"

	"github.com/dedis/bestoffer/state"
)

// checkGtin accepts GTIN-8, GTIN-12, GTIN-13 and GTIN-14 codes with a
// correct check digit.
func checkGtin(gtin uint64) error {
	var digits []uint64
	for v := gtin; v > 0; v /= 10 {
		digits = append(digits, v%10)
	}
	// Leading zeros are lost in the integer form, so any length between the
	// shortest and the longest code is accepted.
	if len(digits) < 8 || len(digits) > 14 {
		return fmt.Errorf("%w: gtin %d has %d digits", ErrInvalidInput, gtin, len(digits))
	}
	// digits[0] is the check digit, weights alternate 3, 1 from its left.
	sum := uint64(0)
	for i, d := range digits[1:] {
		if i%2 == 0 {
			sum += 3 * d
		} else {
			sum += d
		}
	}
	if (10-sum%10)%10 != digits[0] {
		return fmt.Errorf("%w: gtin %d has a wrong check digit", ErrInvalidInput, gtin)
	}
	return nil
}

func isUpperAlpha(s string) bool {
	for _, c := range []byte(s) {
		if c < 'A' || c > 'Z' {
			return false
		}
	}
	return true
}

func checkCountryCode(code string) error {
	if len(code) != state.CountryCodeLen || !isUpperAlpha(code) {
		return fmt.Errorf("%w: country code %q is not two uppercase letters", ErrInvalidInput, code)
	}
	return nil
}

func checkStateCode(code *string) error {
	if code == nil {
		return nil
	}
	if n := len(*code); n == 0 || n > state.MaxStateCodeLen || !isUpperAlpha(*code) {
		return fmt.Errorf("%w: state code %q is not one to %d uppercase letters",
			ErrInvalidInput, *code, state.MaxStateCodeLen)
	}
	return nil
}

// checkText requires s to be valid utf-8 of 1 to max characters, or 0 to
// max when empty is allowed.
func checkText(s string, max int, allowEmpty bool) error {
	if !utf8.ValidString(s) {
		return fmt.Errorf("%w: not valid utf-8", ErrInvalidInput)
	}
	n := utf8.RuneCountInString(s)
	if n == 0 && !allowEmpty {
		return fmt.Errorf("%w: empty", ErrInvalidInput)
	}
	if n > max {
		return fmt.Errorf("%w: %d characters, at most %d", ErrInvalidInput, n, max)
	}
	return nil
}
