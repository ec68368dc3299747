package p2p

import (
	"encoding/binary"

	pb "github.com/libp2p/go-libp2p-pubsub/pb"
	"github.com/zeebo/blake3"
)

// messageID identifies a gossip message by the blake3 hash of its origin, sequence number and data.
func messageID(msg *pb.Message) string {
	h := blake3.New()
	for _, field := range [][]byte{msg.GetFrom(), msg.GetSeqno(), msg.GetData()} {
		// length prefixed, so no two distinct messages produce the same input
		_, _ = h.Write(binary.BigEndian.AppendUint64(nil, uint64(len(field))))
		_, _ = h.Write(field)
	}
	return string(h.Sum(nil))
}
