package policy

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Unit is the quantity a bucket counts.
type Unit string

const (
	// UnitRequest counts one token per request.
	UnitRequest Unit = "request"

	// UnitCents counts the request cost in cents.
	UnitCents Unit = "cents"
)

// SegmentKind selects the dimension a quota is tracked along.
type SegmentKind int

const (
	// SegmentGlobal shares one bucket across every request carrying the policy.
	SegmentGlobal SegmentKind = iota

	// SegmentUser tracks one bucket per Helicone-User-Id value.
	SegmentUser

	// SegmentProperty tracks one bucket per value of a custom property header.
	SegmentProperty
)

// Segment is the parsed "s=" parameter of a policy.
type Segment struct {
	Kind SegmentKind

	// Property is the lower-cased custom property name when Kind is SegmentProperty.
	Property string
}

// String returns the segment as it appears in a normalized policy string.
func (s Segment) String() string {
	switch s.Kind {
	case SegmentUser:
		return "user"
	case SegmentProperty:
		return s.Property
	default:
		return "global"
	}
}

// Window bounds, in seconds.
const (
	MinWindowSeconds = 60
	MaxWindowSeconds = 31536000 // one year
)

// maxQuota keeps quotas exactly representable as float64 token counts.
const maxQuota = 1 << 53

// Policy is a parsed Helicone-RateLimit-Policy value.
type Policy struct {
	// Quota is the bucket capacity in Unit.
	Quota uint64

	// WindowSeconds is the time it takes an empty bucket to refill completely.
	WindowSeconds uint64

	// Unit is what a token represents.
	Unit Unit

	// Segment is the dimension each bucket is tracked along.
	Segment Segment
}

// RefillRate returns the number of tokens added per second.
func (p Policy) RefillRate() float64 {
	return float64(p.Quota) / float64(p.WindowSeconds)
}

// String returns the normalized echo of the policy, e.g. "10;w=120" or
// "5000;w=3600;u=cents;s=tenant". Default unit and global segment are omitted.
func (p Policy) String() string {
	var sb strings.Builder
	sb.WriteString(strconv.FormatUint(p.Quota, 10))
	sb.WriteString(";w=")
	sb.WriteString(strconv.FormatUint(p.WindowSeconds, 10))
	if p.Unit == UnitCents {
		sb.WriteString(";u=cents")
	}
	if p.Segment.Kind != SegmentGlobal {
		sb.WriteString(";s=")
		sb.WriteString(p.Segment.String())
	}
	return sb.String()
}

// ErrPolicyInvalid is wrapped by every parse failure. Callers treat an
// invalid policy as absent and let the request through unlimited.
var ErrPolicyInvalid = errors.New("invalid rate limit policy")

// ParseError describes why a policy string was rejected.
type ParseError struct {
	Input  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid rate limit policy %q: %s", e.Input, e.Reason)
}

func (e *ParseError) Unwrap() error {
	return ErrPolicyInvalid
}

var (
	digitsPattern  = regexp.MustCompile(`^[0-9]+$`)
	segmentPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
)

// Parse parses a policy of the form "quota;w=window[;u=unit][;s=segment]".
//
// The quota must come first and carry no key. Parameters after it may appear
// in any order, at most once each. Unit and segment names are case-insensitive.
//
// Parse never panics; any structural or semantic problem yields a *ParseError.
func Parse(raw string) (Policy, error) {
	fail := func(reason string) (Policy, error) {
		return Policy{}, &ParseError{Input: raw, Reason: reason}
	}

	if strings.ContainsAny(raw, "\r\n") {
		return fail("contains a line break")
	}
	s := strings.TrimSpace(raw)
	if s == "" {
		return fail("empty")
	}

	parts := strings.Split(s, ";")
	if len(parts) > 4 {
		return fail("too many parameters")
	}

	quota, err := parsePositive(strings.TrimSpace(parts[0]))
	if err != nil {
		return fail("quota " + err.Error())
	}
	if quota > maxQuota {
		return fail("quota too large")
	}

	p := Policy{Quota: quota, Unit: UnitRequest}
	seen := make(map[string]bool, 3)

	for _, part := range parts[1:] {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return fail(fmt.Sprintf("parameter %q is not key=value", part))
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		if value == "" {
			return fail(fmt.Sprintf("parameter %q has no value", key))
		}
		if seen[key] {
			return fail(fmt.Sprintf("parameter %q repeated", key))
		}
		seen[key] = true

		switch key {
		case "w":
			window, err := parsePositive(value)
			if err != nil {
				return fail("window " + err.Error())
			}
			if window < MinWindowSeconds {
				return fail(fmt.Sprintf("window must be at least %d seconds", MinWindowSeconds))
			}
			if window > MaxWindowSeconds {
				return fail(fmt.Sprintf("window must be at most %d seconds", MaxWindowSeconds))
			}
			p.WindowSeconds = window

		case "u":
			switch strings.ToLower(value) {
			case "request":
				p.Unit = UnitRequest
			case "cents":
				p.Unit = UnitCents
			default:
				return fail(fmt.Sprintf("unknown unit %q", value))
			}

		case "s":
			if !segmentPattern.MatchString(value) {
				return fail(fmt.Sprintf("invalid segment %q", value))
			}
			switch name := strings.ToLower(value); name {
			case "global":
				p.Segment = Segment{Kind: SegmentGlobal}
			case "user":
				p.Segment = Segment{Kind: SegmentUser}
			default:
				p.Segment = Segment{Kind: SegmentProperty, Property: name}
			}

		default:
			return fail(fmt.Sprintf("unknown parameter %q", key))
		}
	}

	if !seen["w"] {
		return fail("window is required")
	}

	return p, nil
}

// MustParse is like Parse but panics on error. Intended for tests and
// static configuration.
func MustParse(raw string) Policy {
	p, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return p
}

// parsePositive accepts only plain decimal digits. Signs, decimal points and
// exponents are rejected so "1e3" or "+5" never slip through strconv.
func parsePositive(s string) (uint64, error) {
	if !digitsPattern.MatchString(s) {
		return 0, errors.New("must be a positive integer")
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, errors.New("out of range")
	}
	if n == 0 {
		return 0, errors.New("must be greater than zero")
	}
	return n, nil
}
