// Package dag implements the content-addressed, append-only block log that
// execution receipts (and audit records, §7) are anchored into. Blocks are
// immutable once written; the same bytes always hash to the same Cid, so
// concurrent writers of identical content collapse onto one stored block
// without corruption (§5).
package dag

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/multiformats/go-multibase"
	"github.com/multiformats/go-multihash"
)

// Cid is a content identifier: the multihash of a block's canonical bytes,
// rendered in multibase form for stable string/log representation.
type Cid string

// ErrBlockNotFound is returned by Store.Get when no block is addressed by
// the given Cid.
var ErrBlockNotFound = errors.New("dag: block not found")

var errJobAlreadyIndexed = errors.New("dag: job already indexed with a different receipt cid")

// ComputeCid hashes data (sha2-256, per the multihash registry) and encodes
// it as a base32-lower multibase Cid string.
func ComputeCid(data []byte) (Cid, error) {
	sum := sha256.Sum256(data)
	mh, err := multihash.Encode(sum[:], multihash.SHA2_256)
	if err != nil {
		return "", fmt.Errorf("dag: encode multihash: %w", err)
	}
	s, err := multibase.Encode(multibase.Base32, mh)
	if err != nil {
		return "", fmt.Errorf("dag: encode multibase: %w", err)
	}
	return Cid(s), nil
}

// String implements fmt.Stringer.
func (c Cid) String() string { return string(c) }

// Short returns a truncated form suitable for log lines.
func (c Cid) Short() string {
	s := string(c)
	if len(s) <= 12 {
		return s
	}
	return s[:12]
}

// Kind distinguishes the logical role of a stored block. The wire bytes are
// opaque to the store either way; Kind only tags what the receipt pipeline
// anchored so readers can filter without decoding every block.
type Kind uint8

const (
	// KindReceipt tags an anchored ExecutionReceipt (§4.4).
	KindReceipt Kind = iota + 1
	// KindAudit tags a fatal-consistency-violation audit record (§7, SPEC_FULL).
	KindAudit
)

// Block is an immutable, content-addressed payload.
type Block struct {
	Cid  Cid
	Kind Kind
	Data []byte
}

// Store is the narrow persistence contract the core depends on; concrete
// backends (in-memory, pebble-backed) are plugged in at startup per §6.
// Writes are idempotent: storing the same bytes twice returns the same Cid
// and performs no duplicate work from the caller's perspective.
type Store interface {
	// Put stores data, returning its Cid. Calling Put twice with identical
	// data must return the same Cid and must not be observable as two writes.
	Put(kind Kind, data []byte) (Cid, error)
	// Get resolves cid to its stored block, or ErrBlockNotFound.
	Get(cid Cid) (Block, error)
	// Has reports whether cid resolves without fetching the payload.
	Has(cid Cid) bool
}

// JobIndex maps a job_id to the Cid(s) anchored for it (§6 persistent state
// layout: "receipt index keyed by job_id"). It is a thin secondary index
// layered on top of a Store; the store itself is only ever keyed by Cid.
type JobIndex interface {
	// IndexReceipt records that cid is the receipt anchored for jobID.
	// Calling it twice with the same (jobID, cid) pair is a no-op.
	IndexReceipt(jobID string, cid Cid) error
	// ReceiptFor returns the receipt Cid anchored for jobID, if any.
	ReceiptFor(jobID string) (Cid, bool)
}
