package multicast

import "github.com/dsrocha/derecho/pkg/derecho/types"

// wireMessage is what actually crosses a transport connection.
type wireMessage struct {
	SubgroupID types.SubgroupID
	SenderID   types.NodeID
	Index      int64
	Payload    []byte
	Header     types.Header
}

// BulkTransport is the block-pipelined, reliable, arbitrary-size
// multicast primitive used for payloads over the small-message
// threshold. One group exists per (subgroup, sender). The real RDMA
// block-multicast this stands in for is pinned out of scope by §1; this
// module ships a TCP fan-out implementation (tcp_transport.go).
type BulkTransport interface {
	// Send transmits one message to every other shard member.
	Send(msg wireMessage) error
	// Receive delivers messages sent by any shard member, including
	// this node's own sends looped back so the null-send scheme and
	// senderReceiveTrack.record have a single ingestion path.
	Receive() <-chan wireMessage
	Close() error
}

// SMCTransport is the lock-free shared-memory ring stand-in for small
// payloads (§4.4): each subgroup gets its own ring of fixed-size slots.
// Like BulkTransport, the real shared-memory ring is out of scope; this
// module's TCP implementation preserves the same interface so the engine
// above it is agnostic to which one it is talking to.
type SMCTransport interface {
	Send(msg wireMessage) error
	Receive() <-chan wireMessage
	Close() error
}
