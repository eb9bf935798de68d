// Package random provides cryptographically strong randomness helpers.
//
// It uses crypto/rand so dice outcomes cannot be predicted or exploited by
// participants racing to resubmit rolls.
package random

import (
	crand "crypto/rand"
	"fmt"
	"math/big"
)

// Uniform draws a uniform integer in [1, sides] using crypto/rand.
func Uniform(sides int) (int, error) {
	if sides < 1 {
		return 0, fmt.Errorf("uniform draw requires at least one side, got %d", sides)
	}
	n, err := crand.Int(crand.Reader, big.NewInt(int64(sides)))
	if err != nil {
		return 0, fmt.Errorf("read random die roll: %w", err)
	}
	return int(n.Int64()) + 1, nil
}
