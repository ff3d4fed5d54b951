package types

// RaggedTrim is the per-shard decision, made once per dying view, of how
// many messages from each sender are delivered in that view's final cut
// (§4.5). Every surviving shard member ends the view with an identical
// RaggedTrim, hence an identical delivered prefix.
type RaggedTrim struct {
	SubgroupID SubgroupID
	Shard      int
	Vid        Vid
	// LeaderID is the shard leader that decided this trim; it is opaque
	// where a follower merely inherited an already-decided trim.
	LeaderID NodeID
	// MaxReceivedBySender[s] is the contiguous receive count agreed for
	// sender-rank s: indices 0..MaxReceivedBySender[s]-1 from that sender
	// fall within this view's cut.
	MaxReceivedBySender []int64
}
