// Package pin generates the short numeric join codes players type in.
package pin

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

// Length is the number of digits in a join code.
const Length = 6

// Generate returns a random 6-digit code as a string. Leading zeros are
// kept, so codes are always exactly Length characters.
func Generate() (string, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	n := binary.BigEndian.Uint64(buf[:]) % 1000000
	return fmt.Sprintf("%06d", n), nil
}

// Valid reports whether s looks like a join code: exactly Length ASCII
// digits.
func Valid(s string) bool {
	if len(s) != Length {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
