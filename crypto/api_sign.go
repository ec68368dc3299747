package crypto

// Signature pairs a raw signature with the raw public key that produced it.
type Signature struct {
	// Body is the raw signature bytes.
	Body []byte
	// Signer is the raw public key of the signing party.
	Signer []byte
}

// Signer keeps private key management away from the attestation protocol.
type Signer interface {
	// ID returns the raw public key signatures are made with.
	ID() []byte
	// Sign signs msg with the managed private key.
	Sign(msg []byte) (Signature, error)
	// Verify checks sig over msg against the key carried in sig.Signer.
	Verify(msg []byte, sig Signature) error
}
