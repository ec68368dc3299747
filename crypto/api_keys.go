// Package crypto defines the key and signing abstractions attestations are built on.
package crypto

// PubKey is a public key able to verify signatures produced by its PrivKey.
type PubKey interface {
	// VerifySignature reports whether sig is a valid signature of msg.
	// Malformed signatures simply fail verification.
	VerifySignature(msg []byte, sig []byte) bool
	// Bytes returns the raw key, as carried by attestations.
	Bytes() []byte
	// Equals compares the key with a raw key of the same type.
	Equals(raw []byte) bool
	// Type names the signature scheme, e.g. "ed25519".
	Type() string
}

// PrivKey is a private signing key.
type PrivKey interface {
	// Sign signs the whole msg, which is not expected to be prehashed.
	Sign(msg []byte) ([]byte, error)
	// PubKey derives the matching public key.
	PubKey() PubKey
	// Equals compares the key with a raw key of the same type.
	Equals(raw []byte) bool
	// Type names the signature scheme, e.g. "ed25519".
	Type() string
}
