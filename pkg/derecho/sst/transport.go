package sst

import "github.com/dsrocha/derecho/pkg/derecho/types"

// Transport is the SST's remote-read primitive (§6: "SST wire. Opaque;
// must implement §4.1's operations including FIFO publish and per-member
// freeze"). The RDMA-backed shared-memory implementation the original
// system uses is explicitly out of scope (§1); this module pins the
// contract and ships a TCP-backed implementation (see tcp_transport.go)
// as the concrete stand-in.
type Transport interface {
	// Publish sends this member's current row to every peer. Successive
	// Publish calls from the same member are observed in the same order
	// (FIFO) at every peer.
	Publish(row Row) error

	// PublishWithCompletion is like Publish but only returns once every
	// peer has acknowledged the write.
	PublishWithCompletion(row Row) error

	// Updates delivers rows published by peers, tagged with the
	// publishing member's rank.
	Updates() <-chan RowUpdate

	// Close releases the transport's resources.
	Close() error
}

// RowUpdate is a single peer's published row.
type RowUpdate struct {
	Rank int
	Row  Row
}

// MembershipInfo is the static addressing table a Transport needs to
// reach every peer: rank -> node id/endpoints.
type MembershipInfo struct {
	Members   []types.NodeID
	Endpoints []types.Endpoints
	MyRank    int
}
