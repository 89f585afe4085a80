package auth

import (
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"
)

func TestSignVerify(t *testing.T) {
	privateKey, err := btcec.NewPrivateKey()
	require.NoError(t, err, "failed to create private key")
	pubkey := privateKey.PubKey().SerializeCompressed()
	message := []byte("test message")
	signature, err := SignMessage(privateKey, message)
	require.NoError(t, err, "failed to sign message")
	recoveredKey, err := VerifyMessage(message, signature)
	require.NoError(t, err, "failed to verify message")
	require.Equal(t, recoveredKey.SerializeCompressed(), pubkey)
}

func TestSessionRecords(t *testing.T) {
	privateKey, err := btcec.NewPrivateKey()
	require.NoError(t, err, "failed to create private key")
	session, err := ParseSession(hex.EncodeToString(privateKey.Serialize()))
	require.NoError(t, err, "failed to parse session")
	require.Equal(t, hex.EncodeToString(privateKey.PubKey().SerializeCompressed()), session.UserID())

	signature, err := session.SignRecord("site-1", "metadata", []byte(`{"name":"plot"}`), 4)
	require.NoError(t, err, "failed to sign record")
	require.NoError(t, session.VerifyRecord("site-1", "metadata", []byte(`{"name":"plot"}`), 4, signature))

	require.Error(t, session.VerifyRecord("site-1", "metadata", []byte(`{"name":"plot"}`), 5, signature), "revision is part of the signed message")

	otherKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	other := NewSession(otherKey)
	require.ErrorIs(t, other.VerifyRecord("site-1", "metadata", []byte(`{"name":"plot"}`), 4, signature), ErrInvalidSignature)
}

func TestParseSessionRejectsBadKeys(t *testing.T) {
	_, err := ParseSession("not hex")
	require.Error(t, err)
	_, err = ParseSession("abcd")
	require.Error(t, err)
}
