// Package sealer encrypts a single secret share for one recipient. A
// fresh secp256k1 keypair is generated per call; the shared point's
// x-coordinate is hashed into an AES-256-GCM key and the share bytes are
// sealed under a fresh random nonce. Only the ephemeral public key ever
// leaves the process.
package sealer

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// Algorithm identifies the sealing construction on the wire.
const Algorithm = "secp256k1-aes-256-gcm"

const nonceSize = 12

var (
	ErrMalformedRecipientKey = errors.New("malformed recipient public key")
	ErrMalformedPayload      = errors.New("malformed sealed payload")
	ErrEmptyShare            = errors.New("share payload must not be empty")
)

// SealedPayload is the wire form of an encrypted share. All fields are
// 0x-prefixed hex; EphemeralPublicKey is the 65-byte uncompressed SEC1
// encoding of the sender's one-shot key.
type SealedPayload struct {
	Algorithm          string `json:"algorithm"`
	Ciphertext         string `json:"ciphertext"`
	IV                 string `json:"iv"`
	AuthTag            string `json:"authTag"`
	EphemeralPublicKey string `json:"ephemeralPublicKey"`
}

// Seal encrypts share for the holder of recipientPublicKey (compressed or
// uncompressed hex). It is stateless and never reuses a nonce.
func Seal(share []byte, recipientPublicKey string) (*SealedPayload, error) {
	if len(share) == 0 {
		return nil, ErrEmptyShare
	}

	recipient, err := parsePublicKey(recipientPublicKey)
	if err != nil {
		return nil, err
	}

	ephemeral, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generating ephemeral key: %w", err)
	}

	key := deriveKey(ephemeral, recipient)
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, share, nil)
	tagStart := len(sealed) - aead.Overhead()

	return &SealedPayload{
		Algorithm:          Algorithm,
		Ciphertext:         encodeHex(sealed[:tagStart]),
		IV:                 encodeHex(nonce),
		AuthTag:            encodeHex(sealed[tagStart:]),
		EphemeralPublicKey: encodeHex(ephemeral.PubKey().SerializeUncompressed()),
	}, nil
}

// Open decrypts a sealed payload with the recipient's private key (hex).
// The requester runs this client-side; the committee node uses it only in
// tooling and tests.
func Open(payload *SealedPayload, recipientPrivateKey string) ([]byte, error) {
	if payload.Algorithm != Algorithm {
		return nil, fmt.Errorf("%w: unsupported algorithm %q", ErrMalformedPayload, payload.Algorithm)
	}

	keyBytes, err := decodeHex(recipientPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRecipientKey, err)
	}
	priv := secp256k1.PrivKeyFromBytes(keyBytes)

	ephemeralBytes, err := decodeHex(payload.EphemeralPublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: ephemeral key: %v", ErrMalformedPayload, err)
	}
	ephemeral, err := secp256k1.ParsePubKey(ephemeralBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: ephemeral key: %v", ErrMalformedPayload, err)
	}

	ciphertext, err := decodeHex(payload.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: ciphertext: %v", ErrMalformedPayload, err)
	}
	nonce, err := decodeHex(payload.IV)
	if err != nil {
		return nil, fmt.Errorf("%w: iv: %v", ErrMalformedPayload, err)
	}
	tag, err := decodeHex(payload.AuthTag)
	if err != nil {
		return nil, fmt.Errorf("%w: auth tag: %v", ErrMalformedPayload, err)
	}

	aead, err := newAEAD(deriveKey(priv, ephemeral))
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("%w: iv must be %d bytes", ErrMalformedPayload, aead.NonceSize())
	}

	plain, err := aead.Open(nil, nonce, append(ciphertext, tag...), nil)
	if err != nil {
		return nil, fmt.Errorf("opening sealed share: %w", err)
	}
	return plain, nil
}

func deriveKey(priv *secp256k1.PrivateKey, pub *secp256k1.PublicKey) []byte {
	shared := secp256k1.GenerateSharedSecret(priv, pub)
	key := sha256.Sum256(shared)
	return key[:]
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("initializing cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("initializing GCM: %w", err)
	}
	return aead, nil
}

func parsePublicKey(value string) (*secp256k1.PublicKey, error) {
	raw, err := decodeHex(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRecipientKey, err)
	}
	pub, err := secp256k1.ParsePubKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRecipientKey, err)
	}
	return pub, nil
}

func encodeHex(b []byte) string {
	return "0x" + hex.EncodeToString(b)
}

func decodeHex(value string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(value), "0x"))
}
