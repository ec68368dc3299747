// Package identity builds the node's ed25519 identities.
//
// One operator secret can seed several identities. Each identity is derived under its own
// Purpose, so the key authenticating transport connections never signs attestations and
// vice versa.
package identity

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/zeebo/blake3"

	"github.com/civicverse/node/crypto/ed25519"
	"github.com/civicverse/node/crypto/local"
)

// Purpose is the blake3 key derivation context of an identity.
type Purpose string

const (
	// Transport identifies the node on the p2p network.
	Transport Purpose = "civicverse 2024-01-01 transport identity"
	// Attestation signs heartbeat attestations.
	Attestation Purpose = "civicverse 2024-01-01 attestation identity"
)

// ErrMalformedSecret is returned for secrets that are not base64 of a 32 byte seed
// or a 64 byte ed25519 private key.
var ErrMalformedSecret = errors.New("malformed identity secret")

// Identity is an immutable ed25519 keypair together with the peer ID derived from its public key.
type Identity struct {
	priv ed25519.PrivateKey
	id   peer.ID
}

// Generate creates a fresh random Identity.
func Generate() (*Identity, error) {
	_, priv, err := ed25519.GenKeys()
	if err != nil {
		return nil, fmt.Errorf("generating ed25519 key: %w", err)
	}
	return newIdentity(priv)
}

// Load derives the Identity for the purpose from the secret, or generates a random one
// when the secret is empty.
func Load(secret string, purpose Purpose) (*Identity, error) {
	if secret == "" {
		return Generate()
	}
	return FromSecret(secret, purpose)
}

// FromSecret deterministically derives the Identity for the purpose from a base64 secret.
func FromSecret(secret string, purpose Purpose) (*Identity, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(secret))
	if err != nil {
		return nil, fmt.Errorf("%w: decoding base64: %w", ErrMalformedSecret, err)
	}

	var seed []byte
	switch len(raw) {
	case ed25519.SeedSize:
		seed = raw
	case ed25519.PrivateKeySize:
		key, err := ed25519.BytesToPrivKey(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedSecret, err)
		}
		seed = key.Seed()
	default:
		return nil, fmt.Errorf("%w: got %d bytes, want %d or %d",
			ErrMalformedSecret, len(raw), ed25519.SeedSize, ed25519.PrivateKeySize)
	}

	derived := make([]byte, ed25519.SeedSize)
	blake3.DeriveKey(string(purpose), seed, derived)

	priv, err := ed25519.KeyFromSeed(derived)
	if err != nil {
		return nil, err
	}
	return newIdentity(priv)
}

func newIdentity(priv ed25519.PrivateKey) (*Identity, error) {
	pub, err := libp2pcrypto.UnmarshalEd25519PublicKey(priv.PubKey().Bytes())
	if err != nil {
		return nil, fmt.Errorf("converting public key: %w", err)
	}

	id, err := peer.IDFromPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("deriving peer id: %w", err)
	}

	return &Identity{priv: priv, id: id}, nil
}

// ID returns the globally unique node identifier derived from the public key.
func (i *Identity) ID() peer.ID {
	return i.id
}

func (i *Identity) PrivKey() ed25519.PrivateKey {
	return i.priv
}

func (i *Identity) PubKey() ed25519.PublicKey {
	return i.priv.PubKey().(ed25519.PublicKey)
}

// Libp2pKey converts the private key into the representation libp2p hosts are built with.
func (i *Identity) Libp2pKey() (libp2pcrypto.PrivKey, error) {
	return libp2pcrypto.UnmarshalEd25519PrivateKey(i.priv)
}

// Signer returns a local Signer over the Identity's private key.
func (i *Identity) Signer() (*local.Signer, error) {
	return local.NewSigner(i.priv)
}
