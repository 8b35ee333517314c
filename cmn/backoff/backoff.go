// Package backoff implements the bounded, jittered reconnect schedule
// used by the cluster/peer manager (spec §4.G, Design Notes open
// question "bounded backoff"). The shape — base delay, multiplicative
// growth, a hard cap, and proportional jitter — follows
// k8s.io/apimachinery/pkg/util/wait's Backoff/Step idiom, the retry shape
// used throughout the corpus's cluster-orchestration code, without
// pulling in the full k8s client machinery for a handful of fields.
package backoff

import (
	"math/rand"
	"time"
)

// Policy describes one bounded-backoff schedule.
type Policy struct {
	Base       time.Duration
	Multiplier float64
	Cap        time.Duration
	Jitter     float64 // fraction, e.g. 0.2 == +/-20%
}

// DefaultPeerReconnect is flowbroker's reconnect schedule: 250ms base,
// doubling, capped at 30s, +/-20% jitter.
var DefaultPeerReconnect = Policy{
	Base:       250 * time.Millisecond,
	Multiplier: 2,
	Cap:        30 * time.Second,
	Jitter:     0.2,
}

// Schedule tracks the attempt count for one backing-off actor (e.g. one
// peer address) and yields successive delays.
type Schedule struct {
	policy  Policy
	attempt int
}

func NewSchedule(p Policy) *Schedule { return &Schedule{policy: p} }

// Next returns the delay before the next attempt and advances the
// internal attempt counter.
func (s *Schedule) Next() time.Duration {
	d := float64(s.policy.Base) * pow(s.policy.Multiplier, s.attempt)
	if cap := float64(s.policy.Cap); d > cap {
		d = cap
	}
	s.attempt++
	if s.policy.Jitter > 0 {
		delta := d * s.policy.Jitter
		d += (rand.Float64()*2 - 1) * delta
		if d < 0 {
			d = 0
		}
	}
	return time.Duration(d)
}

// Reset clears the attempt counter, used once a connection succeeds.
func (s *Schedule) Reset() { s.attempt = 0 }

func pow(base float64, exp int) float64 {
	r := 1.0
	for i := 0; i < exp; i++ {
		r *= base
	}
	return r
}
