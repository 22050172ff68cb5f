package circuit

import (
	"crypto/rand"
	"math/big"
)

// randIntn returns a uniform random integer in [0,n) using crypto/rand,
// the same unbiased-sampling idiom as pathselect.weightedRandom's
// all-zero-weights fallback.
func randIntn(n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, err
	}
	return int(v.Int64()), nil
}
