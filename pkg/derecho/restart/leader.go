package restart

import (
	"net"
	"sort"
	"sync"

	"github.com/dsrocha/derecho/pkg/derecho/helper"
	"github.com/dsrocha/derecho/pkg/derecho/types"
	"github.com/dsrocha/derecho/pkg/derecho/view"
	"github.com/dsrocha/derecho/pkg/derecho/wire"
)

// rejoiner is one connected member waiting for the restart view.
type rejoiner struct {
	id      types.NodeID
	address string
	conn    net.Conn
	payload wire.RejoinPayload
}

// Leader runs the restart-leader role: accept rejoiners, decide the
// restart View and per-shard leaders once the group is adequately
// provisioned, and broadcast the decision (§4.6). The broadcast is a
// single round: each rejoiner gets one offer already marked committed,
// with no separate prepare or abort step. A rejoiner the offer cannot be
// written to is logged and skipped; adequacy is not rechecked.
type Leader struct {
	listener     net.Listener
	typeOrder    []string
	subgroupInfo view.SubgroupInfo
	params       wire.Parameters
	invoker      helper.Invoker
	logger       types.Logger

	mu        sync.Mutex
	rejoiners map[types.NodeID]*rejoiner
}

// NewLeader binds the restart listener and prepares to accept rejoiners.
func NewLeader(listenAddr string, typeOrder []string, subgroupInfo view.SubgroupInfo, params wire.Parameters, invoker helper.Invoker, logger types.Logger) (*Leader, error) {
	lis, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, err
	}
	l := &Leader{
		listener:     lis,
		typeOrder:    typeOrder,
		subgroupInfo: subgroupInfo,
		params:       params,
		invoker:      invoker,
		logger:       logger,
		rejoiners:    make(map[types.NodeID]*rejoiner),
	}
	invoker.Spawn(l.acceptLoop)
	return l, nil
}

func (l *Leader) acceptLoop() {
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			return
		}
		l.invoker.Spawn(func() { l.handleRejoiner(conn) })
	}
}

func (l *Leader) handleRejoiner(conn net.Conn) {
	var req wire.JoinRequest
	if err := wire.ReadFrame(conn, &req); err != nil {
		l.logger.Warnf("restart: reading rejoiner id failed: %v", err)
		conn.Close()
		return
	}
	var payload wire.RejoinPayload
	if err := wire.ReadFrame(conn, &payload); err != nil {
		l.logger.Warnf("restart: reading rejoin payload from %v failed: %v", req.ID, err)
		conn.Close()
		return
	}
	l.mu.Lock()
	l.rejoiners[req.ID] = &rejoiner{
		id:      req.ID,
		address: conn.RemoteAddr().String(),
		conn:    conn,
		payload: payload,
	}
	l.mu.Unlock()
}

// Wait blocks until at least minMembers rejoiners have connected and the
// sharding function reports adequate provisioning, then decides and
// broadcasts the restart view. It returns the installed view and the map
// of restart shard leaders.
func (l *Leader) Wait(minMembers int, poll func()) (*view.View, map[types.SubgroupID]map[int]types.NodeID, error) {
	for {
		l.mu.Lock()
		n := len(l.rejoiners)
		l.mu.Unlock()
		if n >= minMembers {
			v, leaders, ok, err := l.tryBuild()
			if err != nil {
				return nil, nil, err
			}
			if ok {
				if err := l.broadcast(v, leaders); err != nil {
					return nil, nil, err
				}
				return v, leaders, nil
			}
		}
		if poll != nil {
			poll()
		}
	}
}

// tryBuild picks the highest-vid base View among current rejoiners,
// unions their ids into a tentative membership, and checks the sharding
// function reports it adequately provisioned (§4.6).
func (l *Leader) tryBuild() (*view.View, map[types.SubgroupID]map[int]types.NodeID, bool, error) {
	l.mu.Lock()
	snapshot := make(map[types.NodeID]*rejoiner, len(l.rejoiners))
	for id, r := range l.rejoiners {
		snapshot[id] = r
	}
	l.mu.Unlock()

	var base *wire.RejoinPayload
	ids := make([]types.NodeID, 0, len(snapshot))
	endpointsByID := make(map[types.NodeID]types.Endpoints)
	for id, r := range snapshot {
		ids = append(ids, id)
		if rank := indexOfMember(r.payload.View.Members, id); rank >= 0 && rank < len(r.payload.View.Endpoints) {
			endpointsByID[id] = r.payload.View.Endpoints[rank]
		}
		if base == nil || r.payload.View.Vid > base.View.Vid {
			p := r.payload
			base = &p
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	failed := make([]bool, len(ids))
	endpoints := make([]types.Endpoints, len(ids))
	for i, id := range ids {
		endpoints[i] = endpointsByID[id]
	}
	tentative := &view.View{
		Vid:                base.View.Vid + 1,
		Members:            ids,
		Endpoints:          endpoints,
		Failed:             failed,
		MyRank:             -1,
		NextUnassignedRank: len(ids),
	}
	layout, err := l.subgroupInfo(l.typeOrder, nil, tentative)
	if err != nil {
		return nil, nil, false, nil
	}
	if !view.AdequatelyProvisioned(layout, l.typeOrder) {
		return nil, nil, false, nil
	}
	tentative.SubgroupShardViews = layout

	leaders := make(map[types.SubgroupID]map[int]types.NodeID)
	for sg, shards := range layout {
		leaders[sg] = make(map[int]types.NodeID)
		for shardNum, sub := range shards {
			best := types.NodeID(0)
			var bestLen int64 = -1
			for _, member := range sub.Members {
				r, ok := snapshot[member]
				if !ok {
					continue
				}
				for _, trim := range r.payload.Trims {
					if trim.SubgroupID != sg || trim.Shard != shardNum {
						continue
					}
					if ln := logLength(trim); ln > bestLen {
						bestLen = ln
						best = member
					}
				}
			}
			leaders[sg][shardNum] = best
		}
	}
	return tentative, leaders, true, nil
}

func (l *Leader) broadcast(v *view.View, leaders map[types.SubgroupID]map[int]types.NodeID) error {
	l.mu.Lock()
	rejoiners := make([]*rejoiner, 0, len(l.rejoiners))
	for _, r := range l.rejoiners {
		rejoiners = append(rejoiners, r)
	}
	l.mu.Unlock()

	snapshot := v.Snapshot()
	for _, r := range rejoiners {
		var trims []types.RaggedTrim
		for sg, shards := range v.SubgroupShardViews {
			for shardNum, sub := range shards {
				if indexOfMember(sub.Members, r.id) < 0 {
					continue
				}
				trims = append(trims, bestTrimFor(r, sg, shardNum))
			}
		}
		offer := wire.RestartOffer{
			View:         snapshot,
			Params:       l.params,
			Trims:        trims,
			ShardLeaders: leaders,
			Commit:       true,
		}
		if err := wire.WriteFrame(r.conn, offer); err != nil {
			l.logger.Warnf("restart: broadcasting restart view to %v failed: %v", r.id, err)
			continue
		}
	}
	return nil
}

func bestTrimFor(r *rejoiner, sg types.SubgroupID, shard int) types.RaggedTrim {
	for _, trim := range r.payload.Trims {
		if trim.SubgroupID == sg && trim.Shard == shard {
			return trim
		}
	}
	return types.RaggedTrim{SubgroupID: sg, Shard: shard}
}

func indexOfMember(members []types.NodeID, id types.NodeID) int {
	for i, m := range members {
		if m == id {
			return i
		}
	}
	return -1
}

// Close stops accepting new rejoiners.
func (l *Leader) Close() error {
	return l.listener.Close()
}
