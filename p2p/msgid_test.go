package p2p

import (
	"testing"

	pb "github.com/libp2p/go-libp2p-pubsub/pb"
	"github.com/stretchr/testify/assert"
)

func TestMessageID(t *testing.T) {
	msg := &pb.Message{
		From:  []byte("peer"),
		Seqno: []byte{0, 0, 0, 0, 0, 0, 0, 1},
		Data:  []byte("heartbeat:1"),
	}

	id := messageID(msg)
	assert.Len(t, id, 32)
	assert.Equal(t, id, messageID(msg))

	next := &pb.Message{From: msg.From, Seqno: []byte{0, 0, 0, 0, 0, 0, 0, 2}, Data: msg.Data}
	assert.NotEqual(t, id, messageID(next))

	// field boundaries matter
	shifted := &pb.Message{From: []byte("pee"), Seqno: []byte("r"), Data: msg.Data}
	moved := &pb.Message{From: []byte("peer"), Seqno: nil, Data: msg.Data}
	assert.NotEqual(t, messageID(shifted), messageID(moved))
}
