package restart

import (
	"net"

	"github.com/dsrocha/derecho/pkg/derecho/ondisk"
	"github.com/dsrocha/derecho/pkg/derecho/types"
	"github.com/dsrocha/derecho/pkg/derecho/view"
	"github.com/dsrocha/derecho/pkg/derecho/wire"
)

// Rejoin implements the restart-follower role (§4.6): dial the restart
// leader, send this node's most recently persisted View and RaggedTrims,
// and wait for the leader's restart offer. It does not itself truncate
// any log or install the view; callers combine the returned offer with
// ApplyTrim per shard once they are ready to resume.
func Rejoin(leaderAddr string, self types.NodeID, persistDir string, subgroups []types.SubgroupID, shardsOf func(types.SubgroupID) int) (*wire.RestartOffer, error) {
	conn, err := net.Dial("tcp", leaderAddr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := wire.WriteFrame(conn, wire.JoinRequest{ID: self}); err != nil {
		return nil, err
	}

	payload, err := loadRejoinPayload(persistDir, subgroups, shardsOf)
	if err != nil {
		return nil, err
	}
	if err := wire.WriteFrame(conn, payload); err != nil {
		return nil, err
	}

	var offer wire.RestartOffer
	if err := wire.ReadFrame(conn, &offer); err != nil {
		return nil, err
	}
	return &offer, nil
}

func loadRejoinPayload(dir string, subgroups []types.SubgroupID, shardsOf func(types.SubgroupID) int) (wire.RejoinPayload, error) {
	var payload wire.RejoinPayload
	snapshot, err := ondisk.LoadView(dir)
	if err != nil {
		return payload, err
	}
	if snapshot != nil {
		payload.View = *snapshot
	}
	for _, sg := range subgroups {
		n := shardsOf(sg)
		for shard := 0; shard < n; shard++ {
			trim, err := ondisk.LoadRaggedTrim(dir, sg, shard)
			if err != nil {
				return payload, err
			}
			if trim != nil {
				payload.Trims = append(payload.Trims, *trim)
			}
		}
	}
	return payload, nil
}

// ApplyTrim persists a restart offer's trim for one shard and returns
// the version its log should be truncated to, per the follower steps in
// §4.6 ("truncate each local log to
// ragged_trim_to_latest_version(vid, max_received_by_sender)").
func ApplyTrim(dir string, trim types.RaggedTrim) (types.Version, error) {
	if err := ondisk.SaveRaggedTrim(dir, trim); err != nil {
		return 0, err
	}
	return RagedTrimToLatestVersion(trim.Vid, trim.MaxReceivedBySender), nil
}

// SaveInstalledView persists the restart view once a rejoiner has
// resolved it against its own node id, so the next restart (if any)
// starts from this vid.
func SaveInstalledView(dir string, v *view.View) error {
	return ondisk.SaveView(dir, v.Snapshot())
}
