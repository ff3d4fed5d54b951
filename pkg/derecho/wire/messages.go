package wire

import (
	"github.com/dsrocha/derecho/pkg/derecho/types"
	"github.com/dsrocha/derecho/pkg/derecho/view"
)

// JoinCode is the first thing a joiner reads back after announcing its
// id on the GMS listener (§6).
type JoinCode byte

const (
	JoinOK JoinCode = iota
	JoinIDInUse
	JoinLeaderRedirect
	JoinVersionMismatch
)

// JoinRequest is the very first frame a joiner sends: its own id and the
// protocol version it's running, so the leader can reject a reused id or
// an incompatible version before doing anything else (§4.8).
type JoinRequest struct {
	ID      types.NodeID
	Version string
}

// Redirect carries the current leader's address, sent when a follower
// mistakenly receives a join attempt (§6).
type Redirect struct {
	IP      string
	GMSPort int
}

// JoinerPorts is the joiner's four listening ports, sent once the leader
// has accepted its id. GMSPort lets the leader record where this member
// will itself listen for joins once it's a member, for
// joiner_gms_ports/the view's Endpoints.
type JoinerPorts struct {
	GMSPort  int
	RPCPort  int
	SSTPort  int
	BulkPort int
}

// Parameters is the group-wide configuration a joiner receives alongside
// the View: every field of Config that must be identical across members,
// as opposed to LocalID/LocalIP/LeaderIP which are per-node.
type Parameters struct {
	MaxPayloadSize    int
	MaxSMCPayloadSize int
	BlockSize         int
	WindowSize        int
	TimeoutMs         int
	RDMCSendAlgorithm types.RDMCAlgorithm
	Version           string
}

// FromConfig extracts the group-wide subset of a Config.
func FromConfig(c types.Config) Parameters {
	return Parameters{
		MaxPayloadSize:    c.MaxPayloadSize,
		MaxSMCPayloadSize: c.MaxSMCPayloadSize,
		BlockSize:         c.BlockSize,
		WindowSize:        c.WindowSize,
		TimeoutMs:         c.TimeoutMs,
		RDMCSendAlgorithm: c.RDMCSendAlgorithm,
		Version:           c.Version,
	}
}

// JoinOffer is what the leader sends a joiner once epoch termination has
// installed the new view: the View itself, the group Parameters, any
// RaggedTrims covering shards the joiner now belongs to, and the
// previous view's shard leaders so the joiner knows who to pull
// replicated state from.
type JoinOffer struct {
	View            view.Snapshot
	Params          Parameters
	Trims           []types.RaggedTrim
	OldShardLeaders map[types.SubgroupID]map[int]types.NodeID
}

// RejoinPayload is what a total-restart rejoiner sends the restart
// leader: its most recently persisted View and every RaggedTrim it has
// on disk (§4.6).
type RejoinPayload struct {
	View  view.Snapshot
	Trims []types.RaggedTrim
}

// RestartOffer is the restart leader's reply to a rejoiner: the restart
// View, group Parameters, the RaggedTrim(s) covering shards the
// rejoiner belongs to, and the full map of restart shard leaders so
// every rejoiner knows who to pull state from.
type RestartOffer struct {
	View         view.Snapshot
	Params       Parameters
	Trims        []types.RaggedTrim
	ShardLeaders map[types.SubgroupID]map[int]types.NodeID
	Commit       bool
}
