package types

import "fmt"

// NodeID uniquely identifies a member across the lifetime of the group.
// Ids are never reused within a run; a departed node's id is retired.
type NodeID uint32

// Vid is a view identifier. Vids installed by any surviving member form
// a prefix-closed, strictly increasing sequence with no gaps.
type Vid uint32

// SubgroupID identifies a subgroup as enumerated at group construction.
type SubgroupID uint32

// ShardNum identifies a shard within a subgroup.
type ShardNum uint32

// Endpoints holds the four ports (plus address) a member listens on.
type Endpoints struct {
	Address  string
	GMSPort  int
	RPCPort  int
	SSTPort  int
	BulkPort int
}

func (e Endpoints) String() string {
	return fmt.Sprintf("%s(gms=%d,rpc=%d,sst=%d,bulk=%d)", e.Address, e.GMSPort, e.RPCPort, e.SSTPort, e.BulkPort)
}

// GMSAddress is the dial address for the join/GMS TCP listener.
func (e Endpoints) GMSAddress() string {
	return fmt.Sprintf("%s:%d", e.Address, e.GMSPort)
}
