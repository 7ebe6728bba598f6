package identity

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
)

// ErrUnknownDid is returned by a Resolver when no verification key is on
// file for a Did.
var ErrUnknownDid = errors.New("identity: unknown did")

// ErrSignatureInvalid is returned when a signature fails to verify against
// the signer's published key.
var ErrSignatureInvalid = errors.New("identity: signature invalid")

// KeyPair holds a secp256k1 private key together with the Did it speaks for.
type KeyPair struct {
	Did Did
	priv *btcec.PrivateKey
}

// GenerateKeyPair creates a fresh keypair for method/id, e.g. method "key".
func GenerateKeyPair(method, id string) (*KeyPair, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("identity: generate key: %w", err)
	}
	did, err := ParseDid("did:" + method + ":" + id)
	if err != nil {
		return nil, err
	}
	return &KeyPair{Did: did, priv: priv}, nil
}

// PublicKey returns the compressed public key bytes for this keypair.
func (k *KeyPair) PublicKey() PublicKey {
	return PublicKey(k.priv.PubKey().SerializeCompressed())
}

// Sign produces a deterministic signature over the 32-byte digest of msg.
// Every signable object in the pipeline (bid, receipt, envelope) is signed
// this way: callers pass their canonical encoding and Sign hashes it.
func (k *KeyPair) Sign(msg []byte) []byte {
	digest := sha256.Sum256(msg)
	sig := ecdsa.Sign(k.priv, digest[:])
	return sig.Serialize()
}

// Verify checks sig against msg for the given public key.
func Verify(pub PublicKey, msg, sig []byte) bool {
	key, err := btcec.ParsePubKey(pub)
	if err != nil {
		return false
	}
	parsed, err := ecdsa.ParseDERSignature(sig)
	if err != nil {
		return false
	}
	digest := sha256.Sum256(msg)
	return parsed.Verify(digest[:], key)
}

// Resolver maps a Did to its current verification key. The mesh network
// and receipt pipeline both depend only on this narrow interface; how keys
// are discovered (gossiped, published on-chain, configured statically) is
// an external concern per §1.
type Resolver interface {
	Resolve(did Did) (PublicKey, error)
}

// KeyRegistry is an in-memory Resolver, the one concrete implementation
// the core ships: a DID-to-key map behind a lock, exactly the shape of an
// operator-maintained allowlist or a cache fed by the (external) P2P
// transport's peer discovery.
type KeyRegistry struct {
	mu   sync.RWMutex
	keys map[Did]PublicKey
}

// NewKeyRegistry creates an empty registry.
func NewKeyRegistry() *KeyRegistry {
	return &KeyRegistry{keys: make(map[Did]PublicKey)}
}

// Register publishes did's verification key.
func (r *KeyRegistry) Register(did Did, pub PublicKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[did] = pub
}

// Resolve implements Resolver.
func (r *KeyRegistry) Resolve(did Did) (PublicKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pub, ok := r.keys[did]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDid, did)
	}
	return pub, nil
}

// VerifySigned checks that sig over msg was produced by did, resolving
// did's key through resolver first. It is the one call site every
// acceptance path (bid, receipt, envelope) funnels through.
func VerifySigned(resolver Resolver, did Did, msg, sig []byte) error {
	pub, err := resolver.Resolve(did)
	if err != nil {
		return err
	}
	if !Verify(pub, msg, sig) {
		return fmt.Errorf("%w: did=%s", ErrSignatureInvalid, did)
	}
	return nil
}
