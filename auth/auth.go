// Package auth identifies the signed-in account and signs the records it
// pushes, so pulled records can be checked against the account key.
package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/tv42/zbase32"
)

var ErrInvalidSignature = errors.New("invalid signature")
var SignedMsgPrefix = []byte("fieldsync:")

// Session is the account a device is signed in with.
type Session struct {
	key    *btcec.PrivateKey
	userID string
}

func NewSession(key *btcec.PrivateKey) *Session {
	return &Session{
		key:    key,
		userID: hex.EncodeToString(key.PubKey().SerializeCompressed()),
	}
}

// ParseSession builds a session from a hex encoded private key.
func ParseSession(hexKey string) (*Session, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode account key: %w", err)
	}
	if len(raw) != btcec.PrivKeyBytesLen {
		return nil, fmt.Errorf("account key must be %d bytes, got %d", btcec.PrivKeyBytesLen, len(raw))
	}
	key, _ := btcec.PrivKeyFromBytes(raw)
	return NewSession(key), nil
}

// UserID is the hex encoded compressed public key of the account.
func (s *Session) UserID() string {
	return s.userID
}

// SignRecord signs the fields that identify one revision of a record.
func (s *Session) SignRecord(id, kind string, data []byte, revision uint64) (string, error) {
	return SignMessage(s.key, []byte(RecordMessage(id, kind, data, revision)))
}

// VerifyRecord checks that signature was made by this session's key.
func (s *Session) VerifyRecord(id, kind string, data []byte, revision uint64, signature string) error {
	pubkey, err := VerifyMessage([]byte(RecordMessage(id, kind, data, revision)), signature)
	if err != nil {
		return err
	}
	if hex.EncodeToString(pubkey.SerializeCompressed()) != s.userID {
		return ErrInvalidSignature
	}
	return nil
}

func RecordMessage(id, kind string, data []byte, revision uint64) string {
	return fmt.Sprintf("%v-%v-%x-%v", id, kind, data, revision)
}

func SignMessage(key *btcec.PrivateKey, msg []byte) (string, error) {
	message := append(append([]byte(nil), SignedMsgPrefix...), msg...)
	digest := chainhash.DoubleHashB(message)
	signature, err := ecdsa.SignCompact(key, digest, true)
	if err != nil {
		return "", fmt.Errorf("failed to sign message: %v", err)
	}
	return zbase32.EncodeToString(signature), nil
}

func VerifyMessage(message []byte, signature string) (*btcec.PublicKey, error) {
	// The signature should be zbase32 encoded
	sig, err := zbase32.DecodeString(signature)
	if err != nil {
		return nil, fmt.Errorf("failed to decode signature: %v", err)
	}

	msg := append(append([]byte(nil), SignedMsgPrefix...), message...)
	first := sha256.Sum256(msg)
	second := sha256.Sum256(first[:])
	pubkey, wasCompressed, err := ecdsa.RecoverCompact(sig, second[:])
	if err != nil {
		return nil, ErrInvalidSignature
	}

	if !wasCompressed {
		return nil, ErrInvalidSignature
	}

	return pubkey, nil
}
