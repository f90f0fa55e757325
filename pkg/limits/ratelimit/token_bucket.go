package ratelimit

import (
	"math"
	"time"

	"mercator-hq/gatekeeper/pkg/limits/policy"
	"mercator-hq/gatekeeper/pkg/limits/storage"
)

// The bucket arithmetic below is pure: it operates on a BucketState value
// and the current time, and never touches storage. The Limiter runs it
// inside a backend Update so each step is atomic per key.
//
// # Algorithm
//
//  1. Add elapsed*rate tokens, capped at capacity
//  2. Compare the available tokens with the requested cost
//  3. Deduct on success; report the time until the cost fits on failure
//
// Tokens are fractional. A bucket only goes negative through Record, which
// deducts unconditionally.

// newBucket returns a full bucket for p.
func newBucket(p policy.Policy, now time.Time) *storage.BucketState {
	return &storage.BucketState{
		Capacity:   float64(p.Quota),
		Tokens:     float64(p.Quota),
		RefillRate: p.RefillRate(),
		LastRefill: now,
		UpdatedAt:  now,
	}
}

// refill brings state up to now. A nil state yields a full bucket.
// Capacity and rate always follow p so a bucket never outlives its policy
// parameters.
func refill(state *storage.BucketState, p policy.Policy, now time.Time) *storage.BucketState {
	if state == nil {
		return newBucket(p, now)
	}

	state.Capacity = float64(p.Quota)
	state.RefillRate = p.RefillRate()

	elapsed := now.Sub(state.LastRefill).Seconds()
	if elapsed > 0 {
		state.Tokens = math.Min(state.Capacity, state.Tokens+elapsed*state.RefillRate)
		state.LastRefill = now
	}
	state.UpdatedAt = now
	return state
}

// remaining returns the whole tokens left, never below 0.
func remaining(tokens float64) uint64 {
	if tokens <= 0 {
		return 0
	}
	return uint64(math.Floor(tokens))
}

// secondsUntil returns how long until tokens reaches target, rounded up.
func secondsUntil(tokens, target, rate float64) uint64 {
	if tokens >= target || rate <= 0 {
		return 0
	}
	return uint64(math.Ceil((target - tokens) / rate))
}

// denyReset is the reset for a denied request: at least one second.
func denyReset(tokens, cost, rate float64) uint64 {
	reset := secondsUntil(tokens, cost, rate)
	if reset < 1 {
		return 1
	}
	return reset
}
