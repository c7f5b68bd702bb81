// Package backoff provides exponential backoff schedules and context-aware sleeping.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters of an exponential backoff schedule.
type Policy struct {
	// Initial is the delay before the second attempt.
	Initial time.Duration
	// Max caps every computed delay.
	Max time.Duration
	// Factor multiplies the delay after each attempt.
	Factor float64
	// Jitter is the randomization factor (0.0 to 1.0) added on top of the base delay.
	Jitter float64
}

// Compute returns the delay after the given attempt. Attempt numbers start at 1.
func Compute(policy Policy, attempt int) time.Duration {
	return ComputeWithRand(policy, attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// ComputeWithRand is Compute with a caller-supplied random value in [0, 1).
func ComputeWithRand(policy Policy, attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	factor := policy.Factor
	if factor < 1 {
		factor = 1
	}

	base := float64(policy.Initial) * math.Pow(factor, exp)
	total := base + base*policy.Jitter*randomValue
	if policy.Max > 0 {
		total = math.Min(float64(policy.Max), total)
	}
	return time.Duration(math.Round(total/float64(time.Millisecond))) * time.Millisecond
}

// Schedule yields successive delays of a policy.
type Schedule struct {
	policy  Policy
	attempt int
}

// NewSchedule starts a schedule at attempt 1.
func NewSchedule(policy Policy) *Schedule {
	return &Schedule{policy: policy}
}

// Next returns the next delay in the schedule.
func (s *Schedule) Next() time.Duration {
	s.attempt++
	return Compute(s.policy, s.attempt)
}

// Reset rewinds the schedule to its first delay.
func (s *Schedule) Reset() {
	s.attempt = 0
}

// ApprovalPollPolicy is the schedule used while waiting on a human decision:
// 500ms growing by 1.5x up to 3s, without jitter.
func ApprovalPollPolicy() Policy {
	return Policy{
		Initial: 500 * time.Millisecond,
		Max:     3 * time.Second,
		Factor:  1.5,
	}
}
