package router

import (
	"crypto/rand"
	"math/big"
	"time"
)

// jitterDelay returns a uniformly sampled duration in [0, max), the delay
// spec.md §4.6 requires before every forwarded or originated frame so a
// link-level observer cannot correlate a received frame with its resend by
// timing alone.
func jitterDelay(max time.Duration) (time.Duration, error) {
	if max <= 0 {
		return 0, nil
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		return 0, err
	}
	return time.Duration(n.Int64()), nil
}
