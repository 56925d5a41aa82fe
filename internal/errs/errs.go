// Package errs provides the discriminated error kind shared across the
// core's packages, so callers (RPC handlers, the sync state machine) can
// decide retry/reject policy without parsing error strings.
package errs

import "golang.org/x/xerrors"

// Kind discriminates why an operation failed.
type Kind int

const (
	// Transient failures are expected to clear on retry: a peer timeout,
	// a busy GC coordinator, a closed-but-reopenable store.
	Transient Kind = iota
	// Malformed means the input bytes don't parse as the format they
	// claim to be (a corrupt archive frame, an unparseable CBOR block).
	Malformed
	// Validation means the input parses fine but violates a protocol
	// invariant (bad signature, nonce gap, tipset that isn't a valid
	// successor).
	Validation
	// Corruption means on-disk state itself is inconsistent (a checksum
	// mismatch, a dangling index entry) and requires operator attention.
	Corruption
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Malformed:
		return "malformed"
	case Validation:
		return "validation"
	case Corruption:
		return "corruption"
	default:
		return "unknown"
	}
}

// Error wraps an underlying error with a Kind.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return e.Op + ": " + e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap builds an *Error, formatting err with xerrors.Errorf so callers get
// a %w-wrapped chain plus a caller frame, matching the wrapping style the
// rest of the pack's lotus-derived code uses.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: xerrors.Errorf("%s: %w", op, err)}
}

// Is reports whether err (or anything it wraps) carries kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if xerrors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
