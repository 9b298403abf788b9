package auth

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"
	"testing"
	"time"
)

func TestTrailingZeroBitsAllZero(t *testing.T) {
	if got := trailingZeroBits([]byte{0, 0, 0, 0}); got != 32 {
		t.Fatalf("got %d, want 32", got)
	}
}

func TestTrailingZeroBitsCountsFromLastByte(t *testing.T) {
	// 0b00010000 has 4 trailing zero bits.
	if got := trailingZeroBits([]byte{0xFF, 0x10}); got != 4 {
		t.Fatalf("got %d, want 4", got)
	}
}

func TestTrailingZeroBitsNonZeroLastByte(t *testing.T) {
	if got := trailingZeroBits([]byte{0x01}); got != 0 {
		t.Fatalf("got %d, want 0", got)
	}
}

func TestSolveHashcashProducesValidSolution(t *testing.T) {
	prefix := []byte("test-prefix")
	prefixHex := hex.EncodeToString(prefix)

	suffixHex, err := solveHashcash(prefixHex, 4)
	if err != nil {
		t.Fatalf("solveHashcash: %v", err)
	}
	if suffixHex != strings.ToUpper(suffixHex) {
		t.Fatalf("suffix %q is not uppercase hex", suffixHex)
	}

	suffix, err := hex.DecodeString(suffixHex)
	if err != nil {
		t.Fatalf("decode returned suffix: %v", err)
	}
	sum := sha1.Sum(append(append([]byte{}, prefix...), suffix...))
	if trailingZeroBits(sum[len(sum)-8:]) < 4 {
		t.Fatalf("solution does not satisfy required trailing zero bits")
	}
}

func TestTokenIsExpired(t *testing.T) {
	now := time.Now()
	tok := Token{IssuedAt: now, ExpiresIn: time.Hour}

	if tok.IsExpired(now.Add(time.Minute)) {
		t.Fatalf("token well within its duration should not be expired")
	}
	if !tok.IsExpired(now.Add(2 * time.Hour)) {
		t.Fatalf("token past its duration should be expired")
	}
}
