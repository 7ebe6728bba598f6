// Package identity implements decentralized identifiers (DIDs) and the
// keypair/signature primitives every signed object in the mesh job
// pipeline relies on: job submissions, bids, execution receipts and
// network envelopes are all signed by a Did's verification key.
package identity

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// Did is a parsed decentralized identifier of the form did:<method>:<id>.
type Did struct {
	Method string
	ID     string
}

var (
	// ErrInvalidDid is returned when a DID string does not match the
	// did:<method>:<id> grammar required by §3.
	ErrInvalidDid = errors.New("identity: invalid did")
)

// ParseDid validates and parses s into a Did. The method must be lowercase
// alphanumeric; the id must be printable ASCII without whitespace.
func ParseDid(s string) (Did, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 || parts[0] != "did" {
		return Did{}, fmt.Errorf("%w: %q", ErrInvalidDid, s)
	}
	method, id := parts[1], parts[2]
	if method == "" || id == "" {
		return Did{}, fmt.Errorf("%w: %q", ErrInvalidDid, s)
	}
	for _, r := range method {
		if !unicode.IsLower(r) && !unicode.IsDigit(r) {
			return Did{}, fmt.Errorf("%w: method %q is not lowercase alphanumeric", ErrInvalidDid, method)
		}
	}
	for _, r := range id {
		if r > unicode.MaxASCII || !unicode.IsPrint(r) || unicode.IsSpace(r) {
			return Did{}, fmt.Errorf("%w: id contains non-printable or whitespace byte", ErrInvalidDid)
		}
	}
	return Did{Method: method, ID: id}, nil
}

// String renders the Did back into did:<method>:<id> form.
func (d Did) String() string {
	return "did:" + d.Method + ":" + d.ID
}

// IsZero reports whether d is the zero value.
func (d Did) IsZero() bool {
	return d.Method == "" && d.ID == ""
}

// Less provides the lexicographic ordering over Did strings used by the
// auction tie-break rule (§4.3): on equal score, equal cost and equal
// reputation, the lexicographically smaller executor DID wins.
func (d Did) Less(other Did) bool {
	return d.String() < other.String()
}

// PublicKey is a verification key's raw bytes, hex-encodable for logging
// and persistence. The concrete curve is an implementation detail of
// KeyPair; the rest of the pipeline only ever compares or verifies
// against this opaque form.
type PublicKey []byte

// Hex returns the 0x-prefixed hex encoding of the key.
func (k PublicKey) Hex() string {
	return "0x" + hex.EncodeToString(k)
}

// Equal reports whether two public keys are byte-identical.
func (k PublicKey) Equal(other PublicKey) bool {
	if len(k) != len(other) {
		return false
	}
	for i := range k {
		if k[i] != other[i] {
			return false
		}
	}
	return true
}
