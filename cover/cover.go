// Package cover implements the traffic-analysis countermeasure from
// spec.md §4.6: a periodic dummy frame, wrapped through the sender's active
// circuit identically to a real payload and sent to the first hop, so an
// observer cannot distinguish cover from real traffic by size, timing, or
// framing once it is encrypted.
//
// The scheduler only produces frame payloads and decides when to emit them;
// package router owns wrapping them through a circuit and sending them on,
// using the exact same onion-layering code path as a real Send. A generated
// payload is cover.Magic followed by random bytes, sized to the same
// aorp.PaddingBoundary multiples a real inner AORP frame would be, so the
// two are indistinguishable at every layer except the innermost one, which
// only the final hop ever sees.
package cover

import (
	"context"
	"crypto/rand"
	"log/slog"
	"math/big"
	"time"
)

// Magic tags the innermost content of a cover frame. A hop that peels an
// onion layer down to plaintext starting with Magic has reached the end of
// a cover frame's circuit and drops it rather than treating it as an AORP
// frame or a next-hop forward.
const Magic byte = 0xFF

// minFrameLen and maxFrameLen bound the dummy frame sizes spec.md §4.6
// describes ("uniformly random size in [512, 2048]"), read as the same
// 512-byte buckets aorp.Build pads real frames to, so a cover frame's size
// always lands exactly where a real frame's could.
const (
	minFrameLen = 512
	maxFrameLen = 2048
)

// SendFunc hands one cover frame's payload to the caller for wrapping and
// transmission. It returns an error only when the send could not be
// attempted at all; Scheduler logs and continues regardless.
type SendFunc func(payload []byte) error

// Scheduler periodically invokes a SendFunc with freshly generated random
// payloads at a jittered interval derived from a target rate.
type Scheduler struct {
	send   SendFunc
	logger *slog.Logger

	rate float64 // packets per second
}

// New constructs a Scheduler that calls send at approximately rate
// packets/second once Run is started.
func New(rate float64, send SendFunc, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{send: send, logger: logger, rate: rate}
}

// Run drives the cover-traffic loop until ctx is cancelled. A 500ms check
// timer decides, on each tick, whether the jittered next-send deadline has
// arrived; this is spec.md §4.6's "periodic timer fires every 500ms" layered
// with "jittered interval (1/rate) +/- 25%" between actual emissions.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	next, err := s.nextDeadline(time.Now())
	if err != nil {
		s.logger.Warn("cover: failed to schedule first frame", "error", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if now.Before(next) {
				continue
			}
			payload, err := randomFrame()
			if err != nil {
				s.logger.Warn("cover: failed to generate frame", "error", err)
			} else if err := s.send(payload); err != nil {
				s.logger.Debug("cover: send suppressed", "error", err)
			}
			next, err = s.nextDeadline(now)
			if err != nil {
				s.logger.Warn("cover: failed to schedule next frame", "error", err)
				return
			}
		}
	}
}

// nextDeadline samples the jittered interval (1/rate) +/- 25% around from.
func (s *Scheduler) nextDeadline(from time.Time) (time.Time, error) {
	if s.rate <= 0 {
		return from.Add(time.Hour), nil
	}
	mean := time.Duration(float64(time.Second) / s.rate)
	lo := mean - mean/4
	span := mean / 2
	if span <= 0 {
		return from.Add(mean), nil
	}
	jitter, err := rand.Int(rand.Reader, big.NewInt(int64(span)))
	if err != nil {
		return time.Time{}, err
	}
	return from.Add(lo + time.Duration(jitter.Int64())), nil
}

// randomFrame returns a Magic-tagged frame whose size is uniformly chosen
// among the multiples of minFrameLen up to maxFrameLen (512, 1024, 1536,
// 2048), matching the buckets aorp.Build pads real frames to so the two
// are never distinguishable by size alone.
func randomFrame() ([]byte, error) {
	buckets := int64(maxFrameLen / minFrameLen)
	n, err := rand.Int(rand.Reader, big.NewInt(buckets))
	if err != nil {
		return nil, err
	}
	size := minFrameLen * (int(n.Int64()) + 1)
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	buf[0] = Magic
	return buf, nil
}
