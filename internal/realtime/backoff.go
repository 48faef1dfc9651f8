package realtime

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// reconnectPolicy produces the delay before each reconnect attempt:
// exponential growth with jitter, clamped to [min, max]. Reset returns the
// policy to its base delay after a successful connect.
type reconnectPolicy struct {
	exp *backoff.ExponentialBackOff
	min time.Duration
	max time.Duration
}

func newReconnectPolicy(min, max time.Duration) *reconnectPolicy {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = min
	exp.MaxInterval = max
	exp.Multiplier = 2
	exp.RandomizationFactor = 0.25
	exp.MaxElapsedTime = 0 // the attempt cap lives in the Manager
	exp.Reset()
	return &reconnectPolicy{exp: exp, min: min, max: max}
}

// Next returns the delay for the upcoming attempt.
func (p *reconnectPolicy) Next() time.Duration {
	d := p.exp.NextBackOff()
	// Randomization can overshoot MaxInterval; keep the contract strict.
	if d < p.min {
		d = p.min
	}
	if d > p.max {
		d = p.max
	}
	return d
}

// Reset returns the policy to its base delay.
func (p *reconnectPolicy) Reset() {
	p.exp.Reset()
}
