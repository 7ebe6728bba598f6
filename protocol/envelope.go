// Package protocol implements the versioned message envelope every mesh
// network message travels in (§6): signing, timestamp/nonce replay
// protection, and the fixed set of message kinds the core exchanges.
package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/icn-mesh/meshd/identity"
)

// Version is the current envelope wire version.
const Version uint32 = 1

// Kind enumerates the message kinds the core exchanges (§6).
type Kind uint8

const (
	KindJobAnnouncement Kind = iota + 1
	KindJobBid
	KindJobAssignment
	KindJobAck
	KindExecutionReceipt
	KindHeartbeat
)

func (k Kind) String() string {
	switch k {
	case KindJobAnnouncement:
		return "JobAnnouncement"
	case KindJobBid:
		return "JobBid"
	case KindJobAssignment:
		return "JobAssignment"
	case KindJobAck:
		return "JobAck"
	case KindExecutionReceipt:
		return "ExecutionReceipt"
	case KindHeartbeat:
		return "Heartbeat"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

var (
	// ErrUnknownVersion is returned for an envelope whose Version the
	// receiver does not understand.
	ErrUnknownVersion = errors.New("protocol: unknown envelope version")
	// ErrUnknownKind is returned for an envelope with an unrecognized Kind.
	ErrUnknownKind = errors.New("protocol: unknown message kind")
	// ErrClockSkew is returned when |now - timestamp| exceeds the
	// configured clock skew tolerance.
	ErrClockSkew = errors.New("protocol: timestamp outside clock skew tolerance")
	// ErrReplayed is returned for a (sender, nonce) pair already seen
	// within the replay window.
	ErrReplayed = errors.New("protocol: duplicate (sender, nonce) within replay window")
	// ErrBadSignature is returned when an envelope's signature does not
	// verify against the sender's published key.
	ErrBadSignature = errors.New("protocol: signature does not verify")
)

// Envelope is the wire-level message wrapper of §6. Recipient is empty for
// broadcasts.
type Envelope struct {
	Version   uint32
	Kind      Kind
	Sender    identity.Did
	Recipient identity.Did // zero value means broadcast
	Timestamp time.Time
	Nonce     uint64
	Payload   []byte
	Signature []byte
}

// signingBytes returns the canonical bytes an Envelope's Signature covers:
// every field except Signature itself, so a detached verifier can
// reconstruct exactly what was signed.
func (e *Envelope) signingBytes() ([]byte, error) {
	type signable struct {
		Version   uint32
		Kind      Kind
		Sender    string
		Recipient string
		Timestamp int64
		Nonce     uint64
		Payload   []byte
	}
	s := signable{
		Version:   e.Version,
		Kind:      e.Kind,
		Sender:    e.Sender.String(),
		Recipient: e.Recipient.String(),
		Timestamp: e.Timestamp.UnixNano(),
		Nonce:     e.Nonce,
		Payload:   e.Payload,
	}
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.BigEndian, s.Version); err != nil {
		return nil, err
	}
	enc, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	buf.Write(enc)
	return buf.Bytes(), nil
}

// Sign computes and sets e.Signature using kp, and sets Version if unset.
func (e *Envelope) Sign(kp *identity.KeyPair) error {
	if e.Version == 0 {
		e.Version = Version
	}
	e.Sender = kp.Did
	msg, err := e.signingBytes()
	if err != nil {
		return err
	}
	e.Signature = kp.Sign(msg)
	return nil
}

// NewEnvelope builds and signs an envelope for kind/payload/recipient
// (recipient's zero value means broadcast), stamping now as its timestamp
// together with the given nonce.
func NewEnvelope(kp *identity.KeyPair, kind Kind, recipient identity.Did, nonce uint64, payload []byte, now time.Time) (*Envelope, error) {
	e := &Envelope{
		Version:   Version,
		Kind:      kind,
		Recipient: recipient,
		Timestamp: now,
		Nonce:     nonce,
		Payload:   payload,
	}
	if err := e.Sign(kp); err != nil {
		return nil, err
	}
	return e, nil
}
