// Package backoff computes exponential cooldowns with jitter. The account
// router uses it to decide how long a rate-limited account sits out when the
// backend gave no retry hint.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// Initial is the cooldown after the first failure.
	Initial time.Duration `yaml:"initial"`
	// Max caps the cooldown.
	Max time.Duration `yaml:"max"`
	// Factor is the exponential factor applied to each consecutive failure.
	Factor float64 `yaml:"factor"`
	// Jitter is the randomization factor (0.0 to 1.0) added on top of the base.
	Jitter float64 `yaml:"jitter"`
}

// Compute returns the backoff for the given attempt (1-indexed).
func (p Policy) Compute(attempt int) time.Duration {
	return p.ComputeWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// ComputeWithRand is Compute with a caller-supplied random value in [0, 1).
// base = initial * factor^(attempt-1); result = min(max, base + base*jitter*r).
func (p Policy) ComputeWithRand(attempt int, randomValue float64) time.Duration {
	p = p.withDefaults()
	exp := math.Max(float64(attempt-1), 0)

	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	total := math.Min(float64(p.Max), base+base*p.Jitter*randomValue)

	return time.Duration(total).Round(time.Millisecond)
}

func (p Policy) withDefaults() Policy {
	def := DefaultCooldownPolicy()
	if p.Initial <= 0 {
		p.Initial = def.Initial
	}
	if p.Max <= 0 {
		p.Max = def.Max
	}
	if p.Max < p.Initial {
		p.Max = p.Initial
	}
	if p.Factor < 1 {
		p.Factor = def.Factor
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	return p
}

// DefaultCooldownPolicy is the account cooldown used when a backend reports
// rate limiting without a retry hint.
// Initial: 30s, Max: 30m, Factor: 2, Jitter: 10%
func DefaultCooldownPolicy() Policy {
	return Policy{
		Initial: 30 * time.Second,
		Max:     30 * time.Minute,
		Factor:  2,
		Jitter:  0.1,
	}
}

// QuotaCooldownPolicy is the cooldown for quota exhaustion, which typically
// lasts until a billing window resets.
// Initial: 15m, Max: 5h, Factor: 2, Jitter: 0
func QuotaCooldownPolicy() Policy {
	return Policy{
		Initial: 15 * time.Minute,
		Max:     5 * time.Hour,
		Factor:  2,
	}
}
