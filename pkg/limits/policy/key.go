package policy

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Request header names read by the resolver.
const (
	PolicyHeader         = "Helicone-RateLimit-Policy"
	UserIDHeader         = "Helicone-User-Id"
	PropertyHeaderPrefix = "Helicone-Property-"
)

// globalSegmentValue is the fixed segment value shared by every request
// under a global policy.
const globalSegmentValue = "global"

// ErrSegmentIdentifierMissing is returned when the segment a policy names
// requires a header the request does not carry.
var ErrSegmentIdentifierMissing = errors.New("segment identifier missing")

// MissingIdentifierError names the header a segment was looking for.
type MissingIdentifierError struct {
	Header string
}

func (e *MissingIdentifierError) Error() string {
	return fmt.Sprintf("segment identifier missing: header %s not set", e.Header)
}

func (e *MissingIdentifierError) Unwrap() error {
	return ErrSegmentIdentifierMissing
}

// BucketKey identifies one token bucket instance.
type BucketKey struct {
	// Scope partitions buckets between tenants, usually the organization ID.
	// Empty means unscoped.
	Scope string

	// Signature is the normalized policy string.
	Signature string

	// SegmentValue is the resolved segment identity.
	SegmentValue string
}

// String returns the storage key for the bucket.
func (k BucketKey) String() string {
	var sb strings.Builder
	sb.WriteString("rl:")
	if k.Scope != "" {
		sb.WriteString(k.Scope)
		sb.WriteByte(':')
	}
	sb.WriteString(k.Signature)
	sb.WriteByte('|')
	sb.WriteString(k.SegmentValue)
	return sb.String()
}

// KeyResolver derives bucket keys from request headers.
type KeyResolver struct{}

// NewKeyResolver creates a new KeyResolver.
func NewKeyResolver() *KeyResolver {
	return &KeyResolver{}
}

// RequiredHeader returns the header the policy's segment reads, or "" for
// global segments.
func (r *KeyResolver) RequiredHeader(p Policy) string {
	switch p.Segment.Kind {
	case SegmentUser:
		return UserIDHeader
	case SegmentProperty:
		return PropertyHeaderPrefix + p.Segment.Property
	default:
		return ""
	}
}

// Resolve returns the bucket key for a request. A *MissingIdentifierError
// is returned when the segment header is absent or blank; callers fail open.
func (r *KeyResolver) Resolve(p Policy, h http.Header, scope string) (BucketKey, error) {
	key := BucketKey{
		Scope:     scope,
		Signature: p.String(),
	}

	if p.Segment.Kind == SegmentGlobal {
		key.SegmentValue = globalSegmentValue
		return key, nil
	}

	header := r.RequiredHeader(p)
	value := strings.TrimSpace(h.Get(header))
	if value == "" {
		return BucketKey{}, &MissingIdentifierError{Header: header}
	}

	// Prefix the kind so a user named "global" never aliases the global bucket.
	key.SegmentValue = p.Segment.String() + "=" + value
	return key, nil
}
