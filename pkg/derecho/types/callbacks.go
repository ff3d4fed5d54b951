package types

import "io"

// HLC is a hybrid logical clock reading: a physical component (derived
// from the sender's send-time timestamp) and a logical tie-breaker.
type HLC struct {
	Physical int64
	Logical  int64
}

// RPCCallback is invoked on every delivered cooked message, handing the
// raw payload to the RPC layer pinned as an external collaborator (§1).
type RPCCallback func(subgroup SubgroupID, sender NodeID, buf []byte)

// PostNextVersionFn is invoked for every delivered message, null or not,
// immediately before the RPC/stability callback, letting the persistence
// collaborator reserve the version ahead of delivery.
type PostNextVersionFn func(subgroup SubgroupID, version Version)

// MakeVersionFn requests that the persistence collaborator stage a new
// version for a delivered, non-null message.
type MakeVersionFn func(subgroup SubgroupID, version Version, hlc HLC)

// PostPersistFn requests that the persistence collaborator persist up to
// the given version.
type PostPersistFn func(subgroup SubgroupID, version Version)

// GlobalStabilityCallback notifies the user that a non-empty-payload
// message has become globally stable and been delivered.
type GlobalStabilityCallback func(subgroup SubgroupID, sender NodeID, index int64, payload []byte)

// LocalPersistenceCallback notifies the user that the local persisted_num
// has advanced for a subgroup.
type LocalPersistenceCallback func(subgroup SubgroupID, version Version)

// GlobalPersistenceCallback notifies the user that the minimum
// persisted_num across a shard's members has advanced.
type GlobalPersistenceCallback func(subgroup SubgroupID, version Version)

// ViewUpcall is invoked once per installed view, after the SST and
// Multicast Engine for that view are ready.
type ViewUpcall func(view interface{})

// PersistentLog is the external persistence backend pinned by §6. It is
// never implemented by this module; a caller supplies a concrete backend
// per subgroup that satisfies these operations.
type PersistentLog interface {
	// Truncate discards any persisted entry beyond version.
	Truncate(version Version) error
	// GetMinimumLatestPersistedVersion returns this member's durable
	// high-water mark for the subgroup.
	GetMinimumLatestPersistedVersion() Version
}

// ObjectTransfer is the external persistence backend's state-transfer
// half (§6: "send_object(socket) / receive_object(socket)"), used during
// restart to move a subgroup's replicated object from a restart shard
// leader to a rejoining member. Like PersistentLog, this module only
// pins the contract and drives the socket; the byte format is entirely
// the backend's business.
type ObjectTransfer interface {
	SendObject(conn io.Writer) error
	ReceiveObject(conn io.Reader) error
}
