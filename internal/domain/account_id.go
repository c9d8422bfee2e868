package domain

import "fmt"

// MaxAccountIDLength bounds account identifiers so they fit store keys and cache keys.
const MaxAccountIDLength = 64

// ValidateAccountID accepts 1-64 characters of [A-Za-z0-9_.-].
func ValidateAccountID(id string) error {
	if id == "" || len(id) > MaxAccountIDLength {
		return fmt.Errorf("%w: id must be 1-%d characters", ErrUnknownAccount, MaxAccountIDLength)
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.', r == '-':
		default:
			return fmt.Errorf("%w: invalid character %q in %q", ErrUnknownAccount, r, id)
		}
	}
	return nil
}
