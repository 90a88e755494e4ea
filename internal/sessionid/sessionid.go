// Package sessionid provides the host's globally-sortable session identifier.
//
// A SessionId wraps a 128-bit ULID (Crockford base32, 26 characters,
// lexicographically sortable by creation time). It stringifies without a
// prefix and offers a secondary UUID view over the same 128 bits so the id
// can be handed directly to backends that expect a UUID-shaped session
// identifier — one underlying value, two textual views.
package sessionid

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// SessionId is a 128-bit monotonically-sortable session identifier.
type SessionId struct {
	ulid ulid.ULID
}

// New generates a fresh SessionId seeded from the current time.
func New() SessionId {
	return SessionId{ulid: ulid.Make()}
}

// Kind distinguishes why a Parse call failed.
type Kind int

const (
	// KindEmpty means the input string was empty.
	KindEmpty Kind = iota
	// KindMalformed means the input was not a valid Crockford base32 ULID.
	KindMalformed
)

// ParseError reports why a session id string failed to parse.
type ParseError struct {
	Kind     Kind
	Provided string
	Err      error
}

func (e *ParseError) Error() string {
	switch e.Kind {
	case KindEmpty:
		return "session id is empty"
	default:
		return fmt.Sprintf("invalid session id %q: %v", e.Provided, e.Err)
	}
}

func (e *ParseError) Unwrap() error { return e.Err }

// Parse parses a 26-character Crockford base32 ULID string. Parsing is
// strict: the empty string and malformed encodings fail with a ParseError
// whose Kind distinguishes the two cases.
func Parse(s string) (SessionId, error) {
	if s == "" {
		return SessionId{}, &ParseError{Kind: KindEmpty, Provided: s}
	}
	id, err := ulid.ParseStrict(s)
	if err != nil {
		return SessionId{}, &ParseError{Kind: KindMalformed, Provided: s, Err: err}
	}
	return SessionId{ulid: id}, nil
}

// FromULID wraps an existing ulid.ULID as a SessionId.
func FromULID(id ulid.ULID) SessionId { return SessionId{ulid: id} }

// ULID returns the underlying ULID value.
func (s SessionId) ULID() ulid.ULID { return s.ulid }

// String returns the canonical 26-character Crockford base32 form.
func (s SessionId) String() string { return s.ulid.String() }

// ToUUIDString reinterprets the same 128 bits as an 8-4-4-4-12 hex UUID, for
// backends that expect a UUID-shaped session id on the wire.
func (s SessionId) ToUUIDString() string {
	return uuid.UUID(s.ulid).String()
}

// IsZero reports whether this is the zero-value SessionId.
func (s SessionId) IsZero() bool { return s.ulid == (ulid.ULID{}) }

// MarshalJSON renders the canonical 26-char string form.
func (s SessionId) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// UnmarshalJSON parses the canonical 26-char string form.
func (s *SessionId) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return fmt.Errorf("sessionid: invalid JSON string %q", data)
	}
	parsed, err := Parse(string(data[1 : len(data)-1]))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
