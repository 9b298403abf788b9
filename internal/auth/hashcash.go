package auth

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"
)

// maxHashcashAttempts bounds both the client-token and Login5 solve
// loops (spec.md §4.11: "repeat up to 3 attempts").
const maxHashcashAttempts = 3

// solveHashcash finds a 16-byte suffix such that SHA1(prefix||suffix)
// has at least length trailing-zero bits within its last 8 bytes,
// returning the suffix hex-encoded uppercase (spec.md §4.11 step 3).
func solveHashcash(prefixHex string, length int) (string, error) {
	prefix, err := hex.DecodeString(prefixHex)
	if err != nil {
		return "", fmt.Errorf("auth: decode hashcash prefix: %w", err)
	}

	for attempt := 0; attempt < maxHashcashAttempts; attempt++ {
		var suffix [16]byte
		if _, err := rand.Read(suffix[:]); err != nil {
			return "", fmt.Errorf("auth: hashcash suffix entropy: %w", err)
		}
		// Linear search from the random starting point so repeated
		// attempts don't retread the same suffix space.
		for i := 0; i < 1<<20; i++ {
			sum := sha1.Sum(append(append([]byte{}, prefix...), suffix[:]...))
			if trailingZeroBits(sum[len(sum)-8:]) >= length {
				return strings.ToUpper(hex.EncodeToString(suffix[:])), nil
			}
			incrementSuffix(&suffix)
		}
	}
	return "", fmt.Errorf("auth: failed to solve hashcash after %d attempts", maxHashcashAttempts)
}

// trailingZeroBits counts trailing zero bits across b, scanning from
// its last byte backward.
func trailingZeroBits(b []byte) int {
	count := 0
	for i := len(b) - 1; i >= 0; i-- {
		byt := b[i]
		if byt == 0 {
			count += 8
			continue
		}
		for bit := 0; bit < 8; bit++ {
			if byt&(1<<bit) != 0 {
				return count + bit
			}
		}
	}
	return count
}

func incrementSuffix(suffix *[16]byte) {
	for i := len(suffix) - 1; i >= 0; i-- {
		suffix[i]++
		if suffix[i] != 0 {
			return
		}
	}
}
