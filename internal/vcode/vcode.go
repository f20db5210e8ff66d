// Package vcode issues verification codes and order numbers.
//
// Verification codes are shared between buyer and seller to confirm an
// in-person exchange. They are drawn uniformly from an alphabet without
// look-alike characters (no 0/O, 1/I/L), so 8 symbols give 31^8 ≈ 8.5e11
// values. Uniqueness is still enforced by the orders table; callers retry on
// a collision.
package vcode

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"
)

// Alphabet is the symbol set for verification codes.
const Alphabet = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"

// CodeLength is the number of symbols in a verification code.
const CodeLength = 8

// MaxAttempts bounds how often callers regenerate after a collision.
const MaxAttempts = 5

// NewVerificationCode returns a random verification code.
func NewVerificationCode() (string, error) {
	return randomString(Alphabet, CodeLength)
}

// NewOrderNumber returns a human-readable order number such as
// SJ-20261016-7KQ2MX.
func NewOrderNumber(now time.Time) (string, error) {
	suffix, err := randomString(Alphabet, 6)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("SJ-%s-%s", now.UTC().Format("20060102"), suffix), nil
}

// Valid reports whether s has the shape of a verification code.
func Valid(s string) bool {
	if len(s) != CodeLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !inAlphabet(s[i]) {
			return false
		}
	}
	return true
}

func inAlphabet(c byte) bool {
	for i := 0; i < len(Alphabet); i++ {
		if Alphabet[i] == c {
			return true
		}
	}
	return false
}

func randomString(charset string, length int) (string, error) {
	result := make([]byte, length)
	max := big.NewInt(int64(len(charset)))
	for i := range result {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("reading random: %w", err)
		}
		result[i] = charset[n.Int64()]
	}
	return string(result), nil
}
