package identity

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewMnemonicIsValidAndDerivesDeterministically(t *testing.T) {
	mnemonic, err := NewMnemonic()
	require.NoError(t, err)

	kp1, err := KeyPairFromMnemonic(mnemonic, "passphrase", "key", "executor-1")
	require.NoError(t, err)
	kp2, err := KeyPairFromMnemonic(mnemonic, "passphrase", "key", "executor-1")
	require.NoError(t, err)

	require.True(t, kp1.PublicKey().Equal(kp2.PublicKey()))
	require.Equal(t, "did:key:executor-1", kp1.Did.String())
}

func TestKeyPairFromMnemonicRejectsInvalidMnemonic(t *testing.T) {
	_, err := KeyPairFromMnemonic("not a real mnemonic phrase", "", "key", "executor-1")
	require.Error(t, err)
}

func TestKeyPairFromMnemonicDifferentPassphraseDifferentKey(t *testing.T) {
	mnemonic, err := NewMnemonic()
	require.NoError(t, err)

	kp1, err := KeyPairFromMnemonic(mnemonic, "alpha", "key", "executor-1")
	require.NoError(t, err)
	kp2, err := KeyPairFromMnemonic(mnemonic, "beta", "key", "executor-1")
	require.NoError(t, err)

	require.False(t, kp1.PublicKey().Equal(kp2.PublicKey()))
}
