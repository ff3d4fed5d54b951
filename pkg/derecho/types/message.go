package types

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the exact wire size, in bytes, of a Header: a u32 header
// size, an i32 index, a u64 timestamp in nanoseconds and a single byte
// cooked-send flag, packed with no padding.
const HeaderSize = 4 + 4 + 8 + 1

// Header is the fixed, little-endian, per-message header shared by both
// the bulk and small-message transports.
type Header struct {
	// HeaderSize repeats HeaderSize on the wire so a receiver parsing a
	// raw buffer can validate it before trusting the rest of the fields.
	HeaderSize uint32
	// Index is the sender-local, monotone message index, starting at 0.
	Index int32
	// TimestampNs is the send-side wall clock, in nanoseconds.
	TimestampNs uint64
	// CookedSend marks a multicast that carries a typed RPC invocation.
	CookedSend bool
}

// Encode serializes the header into its exact 17-byte wire form.
func (h Header) Encode() []byte {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], HeaderSize)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(h.Index))
	binary.LittleEndian.PutUint64(buf[8:16], h.TimestampNs)
	if h.CookedSend {
		buf[16] = 1
	}
	return buf
}

// DecodeHeader parses a Header from its wire form, rejecting anything
// shorter than HeaderSize or with a mismatched embedded size field.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("derecho: short header, got %d want %d bytes", len(buf), HeaderSize)
	}
	sz := binary.LittleEndian.Uint32(buf[0:4])
	if sz != HeaderSize {
		return Header{}, fmt.Errorf("derecho: header size mismatch, wire=%d expected=%d", sz, HeaderSize)
	}
	h := Header{
		HeaderSize:  sz,
		Index:       int32(binary.LittleEndian.Uint32(buf[4:8])),
		TimestampNs: binary.LittleEndian.Uint64(buf[8:16]),
		CookedSend:  buf[16] != 0,
	}
	return h, nil
}

// IsNull reports whether a message carrying this header, with the given
// total wire size, is a null message: header-only, no payload, not
// cooked. Null messages skip the stability callback and the persistence
// versioning step (§4.4).
func (h Header) IsNull(totalSize int) bool {
	return !h.CookedSend && totalSize == HeaderSize
}

// Message is the logical unit of delivery: a single sender's multicast
// to a subgroup, identified by its per-sender monotone Index.
type Message struct {
	SubgroupID SubgroupID
	SenderID   NodeID
	Index      int64
	Payload    []byte
	TimestampNs int64
	Cooked     bool
	Header     Header
}

// SequenceNumber computes the shard-relative ordering key for a message:
// seq = index*num_shard_senders + sender_rank.
func SequenceNumber(index int64, numShardSenders int, senderRank int) int64 {
	return index*int64(numShardSenders) + int64(senderRank)
}

// IsNull reports whether this message is a header-only null message,
// injected by the null-send scheme to keep senders' indices within one
// of each other so seq_num can advance.
func (m Message) IsNull() bool {
	return m.Header.IsNull(HeaderSize + len(m.Payload))
}
