// Package sst implements the Shared Status Table: a process-wide,
// remotely-readable matrix of per-member counters and flags (§4.1). Every
// other component both reads from and publishes to it.
package sst

import "github.com/dsrocha/derecho/pkg/derecho/types"

// Row holds one member's published state. The owning member is the only
// mutator; every other member only ever reads a copy. Field names mirror
// the SST column list in §3 exactly.
type Row struct {
	Vid types.Vid

	// Suspected[q] is true if the row's owner suspects member q.
	Suspected []bool
	Rip       bool
	Wedged    bool

	Changes         []types.NodeID
	JoinerIPs       []string
	JoinerGMSPorts  []int
	JoinerRPCPorts  []int
	JoinerSSTPorts  []int
	JoinerBulkPorts []int

	NumChanges   uint64
	NumAcked     uint64
	NumCommitted uint64
	NumInstalled uint64

	// NumReceived is indexed by NumReceivedOffset+senderRank across all
	// subgroups this member belongs to, from the bulk transport.
	NumReceived []int64
	// NumReceivedSST mirrors NumReceived for the small-message transport,
	// kept separate so the two transports never stomp on each other's
	// progress.
	NumReceivedSST []int64

	// SeqNum, DeliveredNum and PersistedNum are indexed per subgroup.
	SeqNum       []int64
	DeliveredNum []int64
	PersistedNum []int64

	// GlobalMin is indexed like NumReceived: the shard leader's
	// ragged-trim decision per sender column.
	GlobalMin []int64
	// GlobalMinReady is indexed per subgroup.
	GlobalMinReady []bool

	// LocalStabilityFrontier is indexed per subgroup: a wall-clock
	// nanosecond timestamp bounding unstable messages.
	LocalStabilityFrontier []int64
}

// Clone returns a deep copy of the row, safe to hand to a caller outside
// the table's lock.
func (r Row) Clone() Row {
	c := r
	c.Suspected = append([]bool(nil), r.Suspected...)
	c.Changes = append([]types.NodeID(nil), r.Changes...)
	c.JoinerIPs = append([]string(nil), r.JoinerIPs...)
	c.JoinerGMSPorts = append([]int(nil), r.JoinerGMSPorts...)
	c.JoinerRPCPorts = append([]int(nil), r.JoinerRPCPorts...)
	c.JoinerSSTPorts = append([]int(nil), r.JoinerSSTPorts...)
	c.JoinerBulkPorts = append([]int(nil), r.JoinerBulkPorts...)
	c.NumReceived = append([]int64(nil), r.NumReceived...)
	c.NumReceivedSST = append([]int64(nil), r.NumReceivedSST...)
	c.SeqNum = append([]int64(nil), r.SeqNum...)
	c.DeliveredNum = append([]int64(nil), r.DeliveredNum...)
	c.PersistedNum = append([]int64(nil), r.PersistedNum...)
	c.GlobalMin = append([]int64(nil), r.GlobalMin...)
	c.GlobalMinReady = append([]bool(nil), r.GlobalMinReady...)
	c.LocalStabilityFrontier = append([]int64(nil), r.LocalStabilityFrontier...)
	return c
}

// NewRow allocates a zeroed row sized for numMembers (Suspected column)
// and the given per-subgroup / per-sender-column widths.
func NewRow(numMembers, numSenderColumns, numSubgroups, numChangesCap int) Row {
	// -1 in SeqNum/DeliveredNum/PersistedNum means "nothing stable,
	// delivered, or persisted yet", distinct from the real sequence 0.
	seqNum := negativeOnes(numSubgroups)
	deliveredNum := negativeOnes(numSubgroups)
	persistedNum := negativeOnes(numSubgroups)
	return Row{
		Suspected:              make([]bool, numMembers),
		Changes:                make([]types.NodeID, numChangesCap),
		JoinerIPs:              make([]string, numChangesCap),
		JoinerGMSPorts:         make([]int, numChangesCap),
		JoinerRPCPorts:         make([]int, numChangesCap),
		JoinerSSTPorts:         make([]int, numChangesCap),
		JoinerBulkPorts:        make([]int, numChangesCap),
		NumReceived:            make([]int64, numSenderColumns),
		NumReceivedSST:         make([]int64, numSenderColumns),
		SeqNum:                 seqNum,
		DeliveredNum:           deliveredNum,
		PersistedNum:           persistedNum,
		GlobalMin:              make([]int64, numSenderColumns),
		GlobalMinReady:         make([]bool, numSubgroups),
		LocalStabilityFrontier: make([]int64, numSubgroups),
	}
}

func negativeOnes(n int) []int64 {
	out := make([]int64, n)
	for i := range out {
		out[i] = -1
	}
	return out
}
