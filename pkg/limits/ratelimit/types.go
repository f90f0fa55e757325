package ratelimit

import (
	"errors"
	"fmt"
)

// ErrQuotaExceeded is available to callers that prefer an error over
// inspecting Result.Allowed.
var ErrQuotaExceeded = errors.New("rate limit quota exceeded")

// Result is the outcome of a limiter operation.
type Result struct {
	// Allowed indicates if the request is permitted.
	Allowed bool

	// Limit is the bucket capacity (the policy quota).
	Limit uint64

	// Remaining is the number of whole tokens left, never below 0.
	Remaining uint64

	// ResetSeconds is how long until the next whole token, or until the
	// denied cost fits. Zero when nothing needs to refill.
	ResetSeconds uint64

	// Policy is the normalized policy string.
	Policy string
}

// Err returns ErrQuotaExceeded for a denied result and nil otherwise.
func (r Result) Err() error {
	if r.Allowed {
		return nil
	}
	return fmt.Errorf("%w: policy %s, retry in %ds", ErrQuotaExceeded, r.Policy, r.ResetSeconds)
}
