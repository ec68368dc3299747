// Package local implements crypto.Signer over keys held in process memory.
package local

import (
	"errors"
	"fmt"

	"github.com/civicverse/node/crypto"
	"github.com/civicverse/node/crypto/ed25519"
)

var (
	ErrInvalidSignature = errors.New("signature is invalid")
	ErrUnsupportedKey   = errors.New("unsupported key type")
	ErrCorruptedKey     = errors.New("private key does not verify its own signatures")
)

// probe is signed once on construction to check the key pair.
var probe = []byte("civicverse signer probe")

// Signer signs with an ed25519 private key held in process memory.
type Signer struct {
	privKey crypto.PrivKey
	id      []byte
}

func NewSigner(privKey crypto.PrivKey) (*Signer, error) {
	if privKey.Type() != ed25519.KeyType {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedKey, privKey.Type())
	}

	pubKey := privKey.PubKey()
	sig, err := privKey.Sign(probe)
	if err != nil {
		return nil, fmt.Errorf("signing probe: %w", err)
	}
	if !pubKey.VerifySignature(probe, sig) {
		return nil, ErrCorruptedKey
	}

	return &Signer{
		privKey: privKey,
		id:      pubKey.Bytes(),
	}, nil
}

// ID returns the raw ed25519 public key.
func (s *Signer) ID() []byte {
	return s.id
}

func (s *Signer) Sign(msg []byte) (crypto.Signature, error) {
	body, err := s.privKey.Sign(msg)
	if err != nil {
		return crypto.Signature{}, err
	}

	return crypto.Signature{
		Signer: s.ID(),
		Body:   body,
	}, nil
}

// Verify checks the signature against its own signer, which need not be this Signer.
func (s *Signer) Verify(msg []byte, signature crypto.Signature) error {
	pubKey, err := ed25519.BytesToPubKey(signature.Signer)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}

	if !pubKey.VerifySignature(msg, signature.Body) {
		return ErrInvalidSignature
	}
	return nil
}
