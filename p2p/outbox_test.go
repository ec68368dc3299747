package p2p

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutbox(t *testing.T) {
	o := newOutbox()

	select {
	case <-o.Ready():
		t.Fatal("empty outbox is ready")
	default:
	}

	for i := 0; i < 3; i++ {
		require.NoError(t, o.Push(publishRequest{topic: "t", data: []byte(fmt.Sprint(i))}))
	}

	// pops in push order, staying ready while anything is left
	for i := 0; i < 3; i++ {
		<-o.Ready()
		req, ok := o.Pop()
		require.True(t, ok)
		assert.Equal(t, fmt.Sprint(i), string(req.data))
	}

	select {
	case <-o.Ready():
		t.Fatal("drained outbox is ready")
	default:
	}
	_, ok := o.Pop()
	assert.False(t, ok)
}

func TestOutbox_Close(t *testing.T) {
	o := newOutbox()
	require.NoError(t, o.Push(publishRequest{topic: "a"}))
	require.NoError(t, o.Push(publishRequest{topic: "b"}))

	pending := o.Close()
	require.Len(t, pending, 2)
	assert.Equal(t, "a", pending[0].topic)
	assert.Equal(t, "b", pending[1].topic)

	assert.ErrorIs(t, o.Push(publishRequest{topic: "c"}), ErrClosed)
	assert.Empty(t, o.Close())
}

func TestOutbox_Unbounded(t *testing.T) {
	const count = 100_000

	o := newOutbox()
	for i := 0; i < count; i++ {
		require.NoError(t, o.Push(publishRequest{topic: "t"}))
	}
	assert.Len(t, o.Close(), count)
}
