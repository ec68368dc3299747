package ed25519

import (
	stdcrypto "crypto"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/civicverse/node/crypto"
)

const (
	KeyType = "ed25519"

	PublicKeySize  = ed25519.PublicKeySize
	PrivateKeySize = ed25519.PrivateKeySize
	SignatureSize  = ed25519.SignatureSize
	SeedSize       = ed25519.SeedSize
)

var (
	ErrKeyLength   = errors.New("invalid key length")
	ErrKeyMismatch = errors.New("public half does not match private seed")
)

var (
	_ crypto.PubKey  = PublicKey(nil)
	_ crypto.PrivKey = PrivateKey(nil)
)

type PublicKey []byte

func (pubKey PublicKey) VerifySignature(msg []byte, sig []byte) bool {
	if len(pubKey) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pubKey), msg, sig)
}

func (pubKey PublicKey) Equals(other []byte) bool {
	if len(other) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.PublicKey(pubKey).Equal(ed25519.PublicKey(other))
}

func (pubKey PublicKey) Bytes() []byte {
	return pubKey
}

func (pubKey PublicKey) Type() string {
	return KeyType
}

type PrivateKey []byte

// Sign produces a pure Ed25519 signature, so the message must not be prehashed.
func (privKey PrivateKey) Sign(msg []byte) ([]byte, error) {
	return ed25519.PrivateKey(privKey).Sign(rand.Reader, msg, stdcrypto.Hash(0))
}

func (privKey PrivateKey) PubKey() crypto.PubKey {
	public := ed25519.PrivateKey(privKey).Public().(ed25519.PublicKey)
	key := make(PublicKey, ed25519.PublicKeySize)
	copy(key, public)
	return key
}

func (privKey PrivateKey) Equals(other []byte) bool {
	if len(other) != ed25519.PrivateKeySize {
		return false
	}
	return ed25519.PrivateKey(privKey).Equal(ed25519.PrivateKey(other))
}

func (privKey PrivateKey) Type() string {
	return KeyType
}

// Seed returns the 32 byte seed the key was expanded from.
func (privKey PrivateKey) Seed() []byte {
	return ed25519.PrivateKey(privKey).Seed()
}

func GenKeys() (PublicKey, PrivateKey, error) {
	pubK, privK, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}

	public := make(PublicKey, ed25519.PublicKeySize)
	copy(public, pubK)
	private := make(PrivateKey, ed25519.PrivateKeySize)
	copy(private, privK)

	return public, private, nil
}

// KeyFromSeed deterministically expands a 32 byte seed into a PrivateKey.
func KeyFromSeed(seed []byte) (PrivateKey, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed: %w: got %d, want %d", ErrKeyLength, len(seed), ed25519.SeedSize)
	}
	return PrivateKey(ed25519.NewKeyFromSeed(seed)), nil
}

// BytesToPrivKey accepts a full 64 byte private key (seed followed by public key)
// and checks that both halves belong together.
func BytesToPrivKey(b []byte) (PrivateKey, error) {
	if len(b) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("private key: %w: got %d, want %d", ErrKeyLength, len(b), ed25519.PrivateKeySize)
	}

	key, err := KeyFromSeed(b[:ed25519.SeedSize])
	if err != nil {
		return nil, err
	}
	if !key.PubKey().Equals(b[ed25519.SeedSize:]) {
		return nil, ErrKeyMismatch
	}
	return key, nil
}

func BytesToPubKey(b []byte) (PublicKey, error) {
	if len(b) != ed25519.PublicKeySize {
		return nil, ErrKeyLength
	}

	key := make(PublicKey, ed25519.PublicKeySize)
	copy(key, b)
	return key, nil
}
