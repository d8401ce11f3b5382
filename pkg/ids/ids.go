// Package ids defines the opaque identifiers used throughout the core:
// nodes, pools, services, jobs, deployments, secrets, certificates,
// sessions. IDs are 128-bit, totally ordered, and never parsed for
// semantics outside this package.
package ids

import (
	"crypto/subtle"
	"fmt"

	"github.com/google/uuid"
)

// ID is an opaque 128-bit identifier with a total order. The zero value
// is not a valid ID; use New to mint one.
type ID [16]byte

// Nil is the zero ID, used as a sentinel for "absent" fields.
var Nil ID

// New mints a new, cryptographically random ID.
func New() ID {
	return ID(uuid.New())
}

// Parse decodes the canonical string form of an ID. Returns a
// Validation error on malformed input.
func Parse(s string) (ID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return Nil, NewError(Validation, fmt.Sprintf("malformed id %q", s), err)
	}
	return ID(u), nil
}

// String renders the canonical display form.
func (id ID) String() string {
	return uuid.UUID(id).String()
}

// IsNil reports whether id is the zero value.
func (id ID) IsNil() bool {
	return id == Nil
}

// Compare gives a total order over IDs: -1, 0, or 1.
func (id ID) Compare(other ID) int {
	for i := range id {
		if id[i] != other[i] {
			if id[i] < other[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// Equal reports byte-for-byte equality in constant time, matching the
// constant-time comparison discipline used for secrets and digests.
func (id ID) Equal(other ID) bool {
	return subtle.ConstantTimeCompare(id[:], other[:]) == 1
}

// MarshalText implements encoding.TextMarshaler so IDs serialise as
// their canonical string form in JSON documents.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
