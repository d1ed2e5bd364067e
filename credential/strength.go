package credential

import (
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/silversage/guard/internal/util"
)

const (
	MinPasswordLength = 8
	specialChars      = `!@#$%^&*(),.?":{}|<>`
)

var commonPasswords = []string{"password", "12345678", "qwerty", "admin123", "letmein"}

// ValidateStrength checks a candidate password against the strength rules
// and returns a *WeakPasswordError listing every failed rule.
func ValidateStrength(password string) error {
	pw := util.Normalize(password)
	var reasons []string
	if utf8.RuneCountInString(pw) < MinPasswordLength {
		reasons = append(reasons, "must be at least 8 characters long")
	}
	var upper, lower, digit, special bool
	for _, r := range pw {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		}
		if strings.ContainsRune(specialChars, r) {
			special = true
		}
	}
	if !upper {
		reasons = append(reasons, "must contain at least one uppercase letter")
	}
	if !lower {
		reasons = append(reasons, "must contain at least one lowercase letter")
	}
	if !digit {
		reasons = append(reasons, "must contain at least one number")
	}
	if !special {
		reasons = append(reasons, "must contain at least one special character")
	}
	if slices.Contains(commonPasswords, strings.ToLower(pw)) {
		reasons = append(reasons, "is too common")
	}
	if len(reasons) > 0 {
		return &WeakPasswordError{Reasons: reasons}
	}
	return nil
}
