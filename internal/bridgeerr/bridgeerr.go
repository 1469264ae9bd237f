// Package bridgeerr implements the §7 error taxonomy: a small set of kinds,
// not Go types, each wrapped with errors.Is-compatible sentinels so callers
// can dispatch on "what kind of failure was this" without string matching.
package bridgeerr

import "fmt"

// Kind is one of the rows in spec.md §7.
type Kind int

const (
	Framing Kind = iota
	Protocol
	Negotiation
	Checksum
	Sequence
	Connection
	Resource
	Transport
)

func (k Kind) String() string {
	switch k {
	case Framing:
		return "FramingError"
	case Protocol:
		return "ProtocolError"
	case Negotiation:
		return "NegotiationError"
	case Checksum:
		return "ChecksumError"
	case Sequence:
		return "SequenceError"
	case Connection:
		return "ConnectionError"
	case Resource:
		return "ResourceError"
	case Transport:
		return "TransportError"
	default:
		return "UnknownError"
	}
}

// Error is a bridgeerr error: a kind plus context and an optional cause.
type Error struct {
	Kind    Kind
	Context string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Context, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Context)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, bridgeerr.Sentinel(bridgeerr.Framing)) work by
// comparing kinds when the target is a bare marker with no context or
// cause, as built by Sentinel(kind) or New(kind, "", nil).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Context == "" && t.Cause == nil && t.Kind == e.Kind
}

// New builds a tagged error. Context is a short description; cause may be nil.
func New(kind Kind, context string, cause error) *Error {
	return &Error{Kind: kind, Context: context, Cause: cause}
}

// Sentinel returns a bare marker usable with errors.Is(err, Sentinel(kind)).
func Sentinel(kind Kind) error {
	return &Error{Kind: kind}
}

// SessionFatal reports whether an error of this kind tears down the whole
// serial session, per §7's propagation rule: only Transport and
// Negotiation errors cross the session boundary, everything else is
// recovered locally (per-flow or per-frame).
func SessionFatal(kind Kind) bool {
	return kind == Transport || kind == Negotiation
}
