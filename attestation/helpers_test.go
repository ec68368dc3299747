package attestation

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/civicverse/node/crypto/ed25519"
	"github.com/civicverse/node/crypto/local"
)

func newSigner(t *testing.T) *local.Signer {
	_, priv, err := ed25519.GenKeys()
	require.NoError(t, err)
	signer, err := local.NewSigner(priv)
	require.NoError(t, err)
	return signer
}

func b64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func mustJSON(t *testing.T, v any) []byte {
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

// syncBuffer is a bytes.Buffer safe for a logger writing concurrently with test reads.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
