// Package attestation implements signed heartbeat attestations and their wire format.
package attestation

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/civicverse/node/crypto"
	"github.com/civicverse/node/crypto/ed25519"
	"github.com/civicverse/node/fanout"
)

// Gossip topics of the attestation protocol. Peers must agree on them to interoperate.
const (
	// Topic carries individual attestations.
	Topic = "civicverse-attestations"
	// AggregateTopic carries aggregated batches of verified attestations.
	AggregateTopic = "civicverse-craig-aggregates"
)

var (
	// ErrMalformed signals a payload that is not an attestation at all.
	ErrMalformed = errors.New("malformed attestation")

	ErrIssuerEncoding    = errors.New("issuer is not valid base64")
	ErrIssuerKey         = errors.New("issuer is not an ed25519 public key")
	ErrSignatureEncoding = errors.New("signature is not valid base64")
	ErrSignatureLength   = errors.New("signature has unexpected length")
	ErrSignatureInvalid  = errors.New("signature verification failed")
)

// PubSub is the publish/subscribe facade the attestation protocol runs over.
type PubSub interface {
	// Publish asynchronously publishes data on the topic.
	Publish(topic string, data []byte) error
	// Subscribe returns an independent receiver of every inbound payload.
	Subscribe() *fanout.Receiver[[]byte]
}

// Message is a signed claim that Payload originated from Issuer.
// It is immutable once decoded.
type Message struct {
	// Issuer is the standard base64 encoding of the signer's ed25519 public key.
	Issuer string `json:"issuer"`
	// Payload is the attested text, "heartbeat:<unix-seconds>" for heartbeats.
	Payload string `json:"payload"`
	// Signature is the standard base64 encoding of the ed25519 signature over Payload.
	Signature string `json:"signature"`
}

// NewMessage signs the payload with the signer and wraps it into a Message.
func NewMessage(signer crypto.Signer, payload string) (Message, error) {
	sig, err := signer.Sign([]byte(payload))
	if err != nil {
		return Message{}, fmt.Errorf("signing payload: %w", err)
	}

	return Message{
		Issuer:    encodeKey(sig.Signer),
		Payload:   payload,
		Signature: base64.StdEncoding.EncodeToString(sig.Body),
	}, nil
}

// Marshal encodes the Message into its wire format.
func (m Message) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// Verify checks the Message gate by gate: issuer encoding, issuer key, signature encoding,
// signature length and finally the signature itself. The returned error wraps the sentinel
// of the first failing gate.
func (m Message) Verify() error {
	issuer, err := base64.StdEncoding.DecodeString(m.Issuer)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrIssuerEncoding, err)
	}

	pubKey, err := ed25519.BytesToPubKey(issuer)
	if err != nil {
		return fmt.Errorf("%w: %d bytes", ErrIssuerKey, len(issuer))
	}

	sig, err := base64.StdEncoding.DecodeString(m.Signature)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSignatureEncoding, err)
	}

	if len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("%w: got %d, want %d", ErrSignatureLength, len(sig), ed25519.SignatureSize)
	}

	if !pubKey.VerifySignature([]byte(m.Payload), sig) {
		return ErrSignatureInvalid
	}
	return nil
}

// wireFields is a decoded JSON object keyed by exact field names.
// Decoding into a struct would match the tags case-insensitively.
type wireFields map[string]json.RawMessage

// message extracts the Message, requiring every field under its exact name as a string.
func (w wireFields) message() (Message, error) {
	var msg Message
	for name, dst := range map[string]*string{
		"issuer":    &msg.Issuer,
		"payload":   &msg.Payload,
		"signature": &msg.Signature,
	} {
		raw, ok := w[name]
		if !ok {
			return Message{}, fmt.Errorf("%w: missing field %s", ErrMalformed, name)
		}
		// null would leave the string untouched
		if string(raw) == "null" {
			return Message{}, fmt.Errorf("%w: field %s is null", ErrMalformed, name)
		}
		if err := json.Unmarshal(raw, dst); err != nil {
			return Message{}, fmt.Errorf("%w: field %s: %w", ErrMalformed, name, err)
		}
	}
	return msg, nil
}

// Decode parses the wire format of a Message. Field names are case-sensitive.
// Unknown fields are ignored, missing ones make the payload malformed.
func Decode(data []byte) (Message, error) {
	var wire wireFields
	if err := json.Unmarshal(data, &wire); err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return wire.message()
}

// MarshalBatch encodes Messages into the aggregate batch wire format.
func MarshalBatch(msgs []Message) ([]byte, error) {
	if msgs == nil {
		msgs = []Message{}
	}
	return json.Marshal(msgs)
}

// DecodeBatch parses an aggregate batch. Every entry must decode as a Message.
func DecodeBatch(data []byte) ([]Message, error) {
	var wire []wireFields
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	msgs := make([]Message, len(wire))
	for i, w := range wire {
		msg, err := w.message()
		if err != nil {
			return nil, fmt.Errorf("batch entry %d: %w", i, err)
		}
		msgs[i] = msg
	}
	return msgs, nil
}

// encodeKey renders a raw public key the way Message.Issuer carries it.
func encodeKey(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}
