package game

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

const (
	MinMultiplier = 1.00
	MaxMultiplier = 1000000.00
	HouseEdge     = 0.01 // 1% instant-crash share
)

// Outcome is one round's committed result. The seed stays secret until the
// round crashes; the commitment is published before betting opens.
type Outcome struct {
	RoundNumber     int64
	Seed            string
	Commitment      string
	CrashMultiplier float64
}

// NewOutcome draws a fresh 32-byte seed and derives the round's crash
// multiplier from it. An error here halts new-round creation: a round must
// never start without a committed outcome.
func NewOutcome(roundNumber int64) (*Outcome, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to generate server seed: %w", err)
	}
	seed := hex.EncodeToString(b)
	return &Outcome{
		RoundNumber:     roundNumber,
		Seed:            seed,
		Commitment:      Commitment(seed, roundNumber),
		CrashMultiplier: MultiplierFromSeed(seed, roundNumber),
	}, nil
}

// Commitment hashes the seed together with the round number. Published at
// round start, checked by clients after the seed is revealed.
func Commitment(seed string, roundNumber int64) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s:%d", seed, roundNumber)
	return hex.EncodeToString(h.Sum(nil))
}

// MultiplierFromSeed maps (seed, roundNumber) to a crash multiplier using
// HMAC-SHA256 and an inverse-exponential distribution. It is a pure function
// of its inputs so any client can recompute the result after the reveal.
func MultiplierFromSeed(seed string, roundNumber int64) float64 {
	mac := hmac.New(sha256.New, []byte(seed))
	fmt.Fprintf(mac, "%d", roundNumber)
	sum := mac.Sum(nil)

	// First 8 bytes as a uniform value in [0, 1).
	const maxUint64 = 18446744073709551616.0
	r := float64(binary.BigEndian.Uint64(sum[:8])) / maxUint64

	if r < HouseEdge {
		return MinMultiplier
	}

	// Inverse-exponential map: higher multipliers are progressively rarer.
	crashValue := (100.0 - HouseEdge*100) / (100.0 - r*100.0)
	if crashValue > MaxMultiplier {
		return MaxMultiplier
	}

	finalMultiplier := float64(int(crashValue*100)) / 100.0

	if finalMultiplier < MinMultiplier {
		return MinMultiplier
	}
	if finalMultiplier > MaxMultiplier {
		return MaxMultiplier
	}
	return finalMultiplier
}

// Verify recomputes the commitment and multiplier for a revealed seed.
// Multipliers are quantized to 2 decimals so a small tolerance covers
// floating point noise in client-side recomputation.
func Verify(seed string, roundNumber int64, commitment string, claimedMultiplier float64) bool {
	if Commitment(seed, roundNumber) != commitment {
		return false
	}
	diff := MultiplierFromSeed(seed, roundNumber) - claimedMultiplier
	if diff < 0 {
		diff = -diff
	}
	return diff < 0.01
}
