package identity

import (
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/tyler-smith/go-bip39"
)

// NewMnemonic generates a fresh BIP-39 mnemonic for an operator-run
// executor identity. Losing it means losing the ability to re-derive the
// executor's signing key across restarts.
func NewMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", fmt.Errorf("identity: generate entropy: %w", err)
	}
	return bip39.NewMnemonic(entropy)
}

// KeyPairFromMnemonic deterministically derives a keypair for method/id
// from a mnemonic and passphrase, so an executor's identity survives
// process restarts without persisting a raw private key to disk.
func KeyPairFromMnemonic(mnemonic, passphrase, method, id string) (*KeyPair, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("identity: invalid mnemonic")
	}
	seed := bip39.NewSeed(mnemonic, passphrase)
	digest := sha256.Sum256(seed)
	priv, _ := btcec.PrivKeyFromBytes(digest[:])

	did, err := ParseDid("did:" + method + ":" + id)
	if err != nil {
		return nil, err
	}
	return &KeyPair{Did: did, priv: priv}, nil
}
