package multicast

import (
	"fmt"
	"sync"
	"time"

	"github.com/dsrocha/derecho/pkg/derecho/helper"
	"github.com/dsrocha/derecho/pkg/derecho/sst"
	"github.com/dsrocha/derecho/pkg/derecho/types"
	"github.com/dsrocha/derecho/pkg/derecho/view"
)

// Callbacks bundles every upcall the Multicast Engine drives, pinned as
// external collaborators by §6.
type Callbacks struct {
	RPC               types.RPCCallback
	PostNextVersion   types.PostNextVersionFn
	MakeVersion       types.MakeVersionFn
	PostPersist       types.PostPersistFn
	GlobalStability   types.GlobalStabilityCallback
	LocalPersistence  types.LocalPersistenceCallback
	GlobalPersistence types.GlobalPersistenceCallback

	// PersistentLogs supplies the external persistence backend for every
	// subgroup that persists, keyed by subgroup id. deliverMessage polls
	// GetMinimumLatestPersistedVersion() right after calling PostPersist
	// to learn how far the backend has actually made it durable, and
	// publishes that as persisted_num. A subgroup with no entry here
	// never advances its persisted_num, which is correct for raw
	// (non-persistent) subgroups.
	PersistentLogs map[types.SubgroupID]types.PersistentLog
}

type fillFunc func(payload []byte)

// pendingSend is a queued bulk-transport send waiting for the sender
// thread to drain it.
type pendingSend struct {
	subgroup types.SubgroupID
	index    int64
	payload  []byte
	cooked   bool
	ts       int64
}

// subgroupState is everything the engine tracks for one subgroup this
// node belongs to.
type subgroupState struct {
	settings view.SubgroupSettings
	sub      view.SubView

	bulk BulkTransport
	smc  SMCTransport

	mu             sync.Mutex
	cond           *sync.Cond
	futureIndex    int64
	pendingQueue   []pendingSend
	locallyStable  map[int64]types.Message
	nextToDeliver  int64
	receivedTrack  map[int]*senderReceiveTrack
	oldestInFlight int64

	pool *pool
}

// Engine is the per-node Multicast Engine: it owns every subgroup this
// node belongs to in the current view, the single sender thread, and the
// stability-frontier thread (§4.4, §5).
type Engine struct {
	invoker helper.Invoker
	logger  types.Logger
	table   *sst.Table
	config  types.Config
	cb      Callbacks

	mu        sync.Mutex
	subgroups map[types.SubgroupID]*subgroupState
	order     []types.SubgroupID

	// viewRank maps every current view member to its Shared Status Table
	// row index, letting delivery code look up a shard member's row
	// without threading the full View through the multicast package.
	viewRank map[types.NodeID]int

	dedup *dedupCache

	// onSenderTimeout is invoked by the stability-frontier thread when a
	// subgroup's oldest in-flight send has stalled past timeout_ms,
	// giving the View Manager the sender-side half of the partition
	// check (§5). Nil until the caller sets it via OnSenderTimeout.
	onSenderTimeout func(sg types.SubgroupID)

	stopCh chan struct{}
	rr     int // round-robin cursor for the sender thread

	wedged helper.OneWayFlag
}

// Wedge stops this engine from admitting any further application sends.
// Already-queued and in-flight messages still drain normally: wedging a
// view must not lose messages the sender thread hasn't gotten to yet,
// only prevent new ones from being originated into a view that's about
// to be replaced (§4.3's meta-wedge).
func (e *Engine) Wedge() {
	e.wedged.Set()
}

// OnSenderTimeout registers the callback invoked when this node's own
// outstanding send for a subgroup has been unstable longer than
// timeout_ms, so the caller can run the partition check.
func (e *Engine) OnSenderTimeout(fn func(sg types.SubgroupID)) {
	e.onSenderTimeout = fn
}

// NewEngine builds an Engine for the given view's subgroup settings and
// starts its sender and stability-frontier threads.
func NewEngine(
	table *sst.Table,
	config types.Config,
	cb Callbacks,
	settings map[types.SubgroupID]view.SubgroupSettings,
	subViews map[types.SubgroupID]view.SubView,
	transports map[types.SubgroupID]struct {
		Bulk BulkTransport
		SMC  SMCTransport
	},
	viewRank map[types.NodeID]int,
	invoker helper.Invoker,
	logger types.Logger,
) *Engine {
	e := &Engine{
		invoker:   invoker,
		logger:    logger,
		table:     table,
		config:    config,
		cb:        cb,
		subgroups: make(map[types.SubgroupID]*subgroupState),
		viewRank:  viewRank,
		dedup:     newDedupCache(10 * time.Minute),
		stopCh:    make(chan struct{}),
	}
	for sg, st := range settings {
		sv := subViews[sg]
		capacity := config.WindowSize * st.NumShardMembers
		if capacity <= 0 {
			capacity = 1
		}
		s := &subgroupState{
			settings:      st,
			sub:           sv,
			bulk:          transports[sg].Bulk,
			smc:           transports[sg].SMC,
			locallyStable: make(map[int64]types.Message),
			receivedTrack: make(map[int]*senderReceiveTrack),
			pool:          newPool(capacity),
		}
		s.cond = sync.NewCond(&s.mu)
		for i := 0; i < st.NumShardSenders; i++ {
			s.receivedTrack[i] = newSenderReceiveTrack()
		}
		e.subgroups[sg] = s
		e.order = append(e.order, sg)

		if s.bulk != nil {
			invoker.Spawn(func(sg types.SubgroupID) func() { return func() { e.bulkReceiveLoop(sg) } }(sg))
		}
		if s.smc != nil {
			invoker.Spawn(func(sg types.SubgroupID) func() { return func() { e.smcReceiveLoop(sg) } }(sg))
		}
		// A blocked Send only gets woken directly by a local delivery. A
		// remote row update advancing the same counter would otherwise
		// never wake it, so a periodic broadcast keeps flow control live
		// even when this node isn't delivering anything itself.
		invoker.Spawn(func(s *subgroupState) func() { return func() { e.flowControlWaker(s) } }(s))
	}
	invoker.Spawn(e.senderLoop)
	invoker.Spawn(e.stabilityFrontierLoop)
	e.registerDeliveryPredicates()
	e.registerPersistencePredicates()
	return e
}

// msgSizeOK reports whether payloadSize+HeaderSize is within
// max_payload_size (§4.4 step 1).
func (e *Engine) msgSizeOK(payloadSize int) bool {
	return payloadSize+types.HeaderSize <= e.config.MaxPayloadSize
}

// useBulk decides the transport for a given send by comparing the total
// wire size against the SMC threshold (§4.4).
func (e *Engine) useBulk(payloadSize int) bool {
	return payloadSize+types.HeaderSize > e.config.MaxSMCPayloadSize
}

// Send implements the View Manager's send entry point (§4.3, §4.4).
func (e *Engine) Send(subgroup types.SubgroupID, payloadSize int, fill fillFunc, cooked bool) error {
	if e.wedged.IsSet() {
		return types.NewException(types.NodeFailure, "subgroup %d is wedged pending a view change", subgroup)
	}
	if !e.msgSizeOK(payloadSize) {
		return types.NewException(types.NodeFailure, "message of %d bytes exceeds max_payload_size", payloadSize)
	}
	e.mu.Lock()
	s, ok := e.subgroups[subgroup]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("derecho: not a member of subgroup %d", subgroup)
	}

	s.mu.Lock()
	for !e.flowControlSatisfied(s) {
		s.cond.Wait()
	}
	index := s.futureIndex
	s.futureIndex++
	s.mu.Unlock()

	payload := make([]byte, payloadSize)
	fill(payload)

	now := time.Now().UnixNano()
	header := types.Header{Index: int32(index), TimestampNs: uint64(now), CookedSend: cooked}
	msg := wireMessage{SubgroupID: subgroup, SenderID: e.localSenderID(s), Index: index, Payload: payload, Header: header}

	if e.useBulk(payloadSize) {
		s.mu.Lock()
		if len(s.pendingQueue) == 0 {
			s.oldestInFlight = now
		}
		s.pendingQueue = append(s.pendingQueue, pendingSend{subgroup: subgroup, index: index, payload: payload, cooked: cooked, ts: now})
		s.mu.Unlock()
		return nil
	}
	return s.smc.Send(msg)
}

func (e *Engine) localSenderID(s *subgroupState) types.NodeID {
	if s.settings.ShardRank < 0 || s.settings.ShardRank >= len(s.sub.Members) {
		return 0
	}
	return s.sub.Members[s.settings.ShardRank]
}

// flowControlSatisfied checks that, for every shard member, the relevant
// counter is within window_size of futureIndex (§4.4 step 2): a sender
// must not outrun the slowest member's consumption, so the bound is the
// minimum across the whole shard, not just this node's own row. Callers
// must hold s.mu.
func (e *Engine) flowControlSatisfied(s *subgroupState) bool {
	row := e.table.MyRow()
	if s.settings.Mode == types.Ordered {
		idx := int(s.settings.SubgroupID)
		if idx >= len(row.DeliveredNum) {
			return true
		}
		min := e.globalMinDeliveredNum(s, idx)
		return s.futureIndex-min <= int64(e.config.WindowSize)
	}
	col := s.settings.NumReceivedOffset + s.settings.SenderRank
	if s.settings.SenderRank < 0 || col >= len(row.NumReceived) {
		return true
	}
	min := e.globalMinNumReceived(s, col)
	return s.futureIndex-min <= int64(e.config.WindowSize)
}

// senderLoop is the single node-wide bulk-transport sender thread: it
// drains pendingSends round-robin across subgroups (§4.4 step 4, §5).
func (e *Engine) senderLoop() {
	for {
		select {
		case <-e.stopCh:
			return
		default:
		}
		e.mu.Lock()
		order := e.order
		e.mu.Unlock()
		if len(order) == 0 {
			time.Sleep(time.Millisecond)
			continue
		}
		sent := false
		for i := 0; i < len(order); i++ {
			sg := order[(e.rr+i)%len(order)]
			e.mu.Lock()
			s := e.subgroups[sg]
			e.mu.Unlock()
			if s == nil {
				continue
			}
			s.mu.Lock()
			if len(s.pendingQueue) == 0 {
				s.mu.Unlock()
				continue
			}
			job := s.pendingQueue[0]
			s.pendingQueue = s.pendingQueue[1:]
			if len(s.pendingQueue) == 0 {
				s.oldestInFlight = 0
			} else {
				s.oldestInFlight = s.pendingQueue[0].ts
			}
			s.mu.Unlock()

			header := types.Header{Index: int32(job.index), TimestampNs: uint64(job.ts), CookedSend: job.cooked}
			msg := wireMessage{SubgroupID: job.subgroup, SenderID: e.localSenderID(s), Index: job.index, Payload: job.payload, Header: header}
			if err := s.bulk.Send(msg); err != nil {
				e.logger.Errorf("multicast: bulk send failed for subgroup %d: %v", job.subgroup, err)
			}
			sent = true
			e.rr = (e.rr + i + 1) % len(order)
			break
		}
		if !sent {
			time.Sleep(time.Millisecond)
		}
	}
}

func (e *Engine) flowControlWaker(s *subgroupState) {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			s.mu.Lock()
			s.cond.Broadcast()
			s.mu.Unlock()
		}
	}
}

// Drain blocks until every subgroup's queued bulk sends have gone out.
// Epoch termination calls this right after wedging, so the ragged-edge
// decision that follows sees a sender's true final index rather than
// racing against messages still sitting in the pending queue.
func (e *Engine) Drain() {
	for {
		e.mu.Lock()
		subs := make([]*subgroupState, 0, len(e.subgroups))
		for _, s := range e.subgroups {
			subs = append(subs, s)
		}
		e.mu.Unlock()

		empty := true
		for _, s := range subs {
			s.mu.Lock()
			if len(s.pendingQueue) != 0 {
				empty = false
			}
			s.mu.Unlock()
		}
		if empty {
			return
		}
		time.Sleep(time.Millisecond)
	}
}

// Close stops the engine's threads. The underlying transports are closed
// by the caller (they may be reused/transferred across a view change).
func (e *Engine) Close() {
	close(e.stopCh)
	e.dedup.close()
}
