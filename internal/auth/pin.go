package auth

import (
	"crypto/subtle"
	"errors"
	"strings"
)

var (
	ErrMissingPIN = errors.New("pin verifier: pin required")
	ErrInvalidPIN = errors.New("pin verifier: invalid pin")
)

// PINVerifier checks the admin PIN in constant time.
type PINVerifier struct {
	pin []byte
}

// NewPINVerifier constructs a verifier for pin.
func NewPINVerifier(pin string) (*PINVerifier, error) {
	trimmed := strings.TrimSpace(pin)
	if trimmed == "" {
		return nil, ErrMissingPIN
	}
	return &PINVerifier{pin: []byte(trimmed)}, nil
}

// Verify returns ErrInvalidPIN unless candidate matches.
func (v *PINVerifier) Verify(candidate string) error {
	if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(candidate)), v.pin) != 1 {
		return ErrInvalidPIN
	}
	return nil
}
