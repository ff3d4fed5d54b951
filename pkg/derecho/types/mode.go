package types

// Mode controls whether a subgroup/shard delivers in strict sequence
// order (ORDERED) or delivers each message immediately at the receive
// site (UNORDERED).
type Mode uint8

const (
	// Ordered subgroups deliver in strictly increasing sequence order
	// without gaps.
	Ordered Mode = iota
	// Unordered subgroups deliver immediately at the receive site.
	Unordered
)

func (m Mode) String() string {
	if m == Ordered {
		return "ORDERED"
	}
	return "UNORDERED"
}

// RDMCAlgorithm selects the bulk-transport fan-out topology.
type RDMCAlgorithm uint8

const (
	BinomialSend RDMCAlgorithm = iota
	ChainSend
	SequentialSend
	TreeSend
)
