// Package ratelimit implements the token bucket limiter behind
// Helicone-RateLimit-Policy headers.
//
// # Token Bucket Algorithm
//
// Each bucket holds up to Quota tokens and refills continuously at
// Quota/WindowSeconds tokens per second. A bucket seen for the first time
// starts full, so a client may burst up to the quota immediately.
//
// Refill is lazy: the elapsed time since the last refill is applied when a
// bucket is next touched. No timers run per bucket.
//
// # Operations
//
//   - Check deducts a known cost if it fits. Request policies use cost 1.
//   - Peek admits while any capacity remains and deducts nothing.
//   - Record deducts a cost learned after the fact and may drive the bucket
//     negative. Cents policies pair Peek before the upstream call with
//     Record after it.
//
// # Usage
//
//	backend := storage.NewMemoryBackend()
//	limiter := ratelimit.NewLimiter(backend)
//
//	p := policy.MustParse("1000;w=3600")
//	key, _ := policy.NewKeyResolver().Resolve(p, r.Header, orgID)
//	result, err := limiter.Check(ctx, key, p, 1)
//	if err != nil {
//	    // storage failure; apply the configured failure mode
//	}
//	if !result.Allowed {
//	    // respond 429 and advertise result.ResetSeconds
//	}
//
// # Thread Safety
//
// A Limiter is safe for concurrent use. Each operation is a single
// storage.Backend.Update, which the backend serializes per key.
package ratelimit
