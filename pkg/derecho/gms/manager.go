// Package gms implements the View Manager: the virtually-synchronous
// membership protocol that proposes, acknowledges, and commits joins
// and failures, wedges the outgoing view, runs ragged-edge cleanup
// through the shard leaders of every affected subgroup, and installs
// the next view (§4.3).
package gms

import (
	"fmt"
	"net"
	"sort"
	"sync"

	"github.com/dsrocha/derecho/pkg/derecho/helper"
	"github.com/dsrocha/derecho/pkg/derecho/multicast"
	"github.com/dsrocha/derecho/pkg/derecho/ondisk"
	"github.com/dsrocha/derecho/pkg/derecho/sst"
	"github.com/dsrocha/derecho/pkg/derecho/types"
	"github.com/dsrocha/derecho/pkg/derecho/view"
	"github.com/dsrocha/derecho/pkg/derecho/wire"
)

// ViewManager owns the current View, the Shared Status Table backing
// it, the Multicast Engine running against it, and the join listener.
// A view change replaces the Table and Engine wholesale; the View
// itself is immutable once installed (view.View's own contract).
type ViewManager struct {
	config       types.Config
	typeOrder    []string
	subgroupInfo view.SubgroupInfo
	callbacks    multicast.Callbacks
	persistDir   string

	invoker helper.Invoker
	logger  types.Logger

	mu       sync.RWMutex
	current  *view.View
	table    *sst.Table
	engine   *multicast.Engine
	viewRank map[types.NodeID]int

	upcallsMu sync.Mutex
	upcalls   []types.ViewUpcall

	joinListener net.Listener
	pendingJoins chan *joinConn
	joins        *joinRegistry

	leaving helper.OneWayFlag

	// fatalCh carries at most one exception if the partition check trips
	// this node into aborting (§4.3, §7). Buffered so the predicate
	// trigger that raises it never blocks on a caller that isn't
	// listening.
	fatalCh chan *types.DerechoException
}

// FatalErrors returns the channel a caller should watch to learn this
// node aborted itself after losing contact with more than half the
// group. At most one value is ever sent.
func (vm *ViewManager) FatalErrors() <-chan *types.DerechoException {
	return vm.fatalCh
}

// joinConn is one accepted-but-not-yet-processed join attempt, queued
// for the start-join predicate to pick up (§4.2 step 2).
type joinConn struct {
	conn  net.Conn
	req   wire.JoinRequest
	ports wire.JoinerPorts
}

// NewLeader bootstraps a brand-new group with this node as its sole,
// leading member.
func NewLeader(config types.Config, typeOrder []string, subgroupInfo view.SubgroupInfo, invoker helper.Invoker, logger types.Logger, persistDir string) (*ViewManager, error) {
	vm := &ViewManager{
		config:       config,
		typeOrder:    typeOrder,
		subgroupInfo: subgroupInfo,
		persistDir:   persistDir,
		invoker:      invoker,
		logger:       logger,
		pendingJoins: make(chan *joinConn, 64),
		fatalCh:      make(chan *types.DerechoException, 1),
	}

	initial := view.New(0, []types.NodeID{config.LocalID}, []types.Endpoints{config.Endpoints()}, []bool{false}, 0, vm.onViewWedged)
	initial.NextUnassignedRank = 1
	layout, err := subgroupInfo(typeOrder, nil, initial)
	if err != nil {
		return nil, fmt.Errorf("gms: computing initial subgroup layout: %w", err)
	}
	if !view.AdequatelyProvisioned(layout, typeOrder) {
		return nil, types.NewException(types.InadequateProvisioning, "single-member view cannot provision every subgroup")
	}
	initial.SubgroupShardViews = layout

	if err := vm.installView(initial); err != nil {
		return nil, err
	}
	if err := vm.startJoinListener(); err != nil {
		return nil, err
	}
	vm.registerPredicates()
	return vm, nil
}

// onViewWedged is every view's onWedge callback: it halts whichever
// Multicast Engine is current at the moment the view actually wedges,
// not whichever one was current when the view was constructed.
func (vm *ViewManager) onViewWedged() {
	vm.mu.RLock()
	engine := vm.engine
	vm.mu.RUnlock()
	if engine != nil {
		engine.Wedge()
	}
}

// SetCallbacks wires the Multicast Engine callbacks used by every view
// this manager installs from now on.
func (vm *ViewManager) SetCallbacks(cb multicast.Callbacks) {
	vm.mu.Lock()
	vm.callbacks = cb
	vm.mu.Unlock()
}

// AddViewUpcall registers a function invoked once per installed view.
func (vm *ViewManager) AddViewUpcall(fn types.ViewUpcall) {
	vm.upcallsMu.Lock()
	vm.upcalls = append(vm.upcalls, fn)
	vm.upcallsMu.Unlock()
}

// GetCurrentView returns the currently installed view.
func (vm *ViewManager) GetCurrentView() *view.View {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.current
}

// Send originates a multicast in the given subgroup through the current
// Multicast Engine.
func (vm *ViewManager) Send(subgroup types.SubgroupID, payloadSize int, fill func([]byte), cooked bool) error {
	vm.mu.RLock()
	engine := vm.engine
	vm.mu.RUnlock()
	if engine == nil {
		return fmt.Errorf("gms: no multicast engine installed")
	}
	return engine.Send(subgroup, payloadSize, fill, cooked)
}

// ReportFailure lets an external liveness monitor (e.g. a failed RPC
// call) suspect a peer directly, without waiting for a connection-loss
// callback (§4.1).
func (vm *ViewManager) ReportFailure(who types.NodeID) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	rank := vm.current.RankOf(who)
	if rank < 0 {
		return
	}
	row := vm.table.MyRow()
	for len(row.Suspected) <= rank {
		row.Suspected = append(row.Suspected, false)
	}
	if row.Suspected[rank] {
		return
	}
	row.Suspected[rank] = true
	if err := vm.table.Put(row, 0, 0); err != nil {
		vm.logger.Warnf("gms: publishing suspicion of %v failed: %v", who, err)
	}
}

// Leave wedges the current view on this node's behalf and stops every
// background thread. It does not wait for the rest of the group to
// notice; that happens through the normal suspicion/failure path once
// this node stops publishing SST updates.
func (vm *ViewManager) Leave() error {
	if !vm.leaving.Set() {
		return nil
	}
	vm.mu.RLock()
	v := vm.current
	vm.mu.RUnlock()
	v.Wedge()
	if vm.joinListener != nil {
		vm.joinListener.Close()
	}
	vm.mu.RLock()
	engine := vm.engine
	table := vm.table
	vm.mu.RUnlock()
	if engine != nil {
		engine.Close()
	}
	if table != nil {
		return table.Close()
	}
	return nil
}

// installView replaces the current View, Table and Engine with fresh
// ones for v, and invokes every registered view upcall.
func (vm *ViewManager) installView(v *view.View) error {
	numSubgroups := len(v.SubgroupShardViews)
	senderColumns, subgroupOrder := columnLayout(v)
	rows := make([]sst.Row, len(v.Members))
	for i := range rows {
		rows[i] = sst.NewRow(len(v.Members), senderColumns, numSubgroups, len(v.Members))
		rows[i].Vid = v.Vid
	}

	transport, err := sst.NewTCPTransport(sst.MembershipInfo{Members: v.Members, Endpoints: v.Endpoints, MyRank: v.MyRank}, v.Endpoints[v.MyRank].SSTPort, vm.invoker, vm.logger)
	if err != nil {
		return err
	}
	table := sst.NewTable(v.MyRank, rows, transport, vm.invoker, vm.logger)

	settings := view.DeriveSettings(v, subgroupOrder)
	subViews := make(map[types.SubgroupID]view.SubView, len(settings))
	transports := make(map[types.SubgroupID]struct {
		Bulk multicast.BulkTransport
		SMC  multicast.SMCTransport
	}, len(settings))
	for sg, st := range settings {
		shards := v.SubgroupShardViews[sg]
		sub := shards[st.ShardNum]
		subViews[sg] = sub
		peers := peerAddressesForBulk(v, sub)
		bulk, err := multicast.NewBulkTCP(v.Endpoints[v.MyRank].BulkPort, peers, vm.invoker, vm.logger)
		if err != nil {
			vm.logger.Warnf("gms: starting bulk transport for subgroup %d failed: %v", sg, err)
			continue
		}
		smc, err := multicast.NewSMCTCP(v.Endpoints[v.MyRank].BulkPort+1, peers, vm.invoker, vm.logger)
		if err != nil {
			vm.logger.Warnf("gms: starting SMC transport for subgroup %d failed: %v", sg, err)
			continue
		}
		transports[sg] = struct {
			Bulk multicast.BulkTransport
			SMC  multicast.SMCTransport
		}{Bulk: bulk, SMC: smc}
	}

	viewRank := make(map[types.NodeID]int, len(v.Members))
	for i, m := range v.Members {
		viewRank[m] = i
	}

	vm.mu.Lock()
	engine := multicast.NewEngine(table, vm.config, vm.callbacks, settings, subViews, transports, viewRank, vm.invoker, vm.logger)
	oldTable, oldEngine := vm.table, vm.engine
	vm.current = v
	vm.table = table
	vm.engine = engine
	vm.viewRank = viewRank
	vm.mu.Unlock()

	// The outgoing view's table and engine are retired once the new ones
	// are live: nothing reads them again, and leaving them running would
	// leak the SST evaluator and receive-loop goroutines every view
	// change (§5's thread lifetime contract).
	if oldEngine != nil {
		oldEngine.Close()
	}
	if oldTable != nil {
		if err := oldTable.Close(); err != nil {
			vm.logger.Warnf("gms: closing retired view's table failed: %v", err)
		}
	}

	if vm.persistDir != "" {
		if err := ondisk.SaveView(vm.persistDir, v.Snapshot()); err != nil {
			vm.logger.Warnf("gms: persisting installed view failed: %v", err)
		}
	}

	vm.upcallsMu.Lock()
	upcalls := append([]types.ViewUpcall(nil), vm.upcalls...)
	vm.upcallsMu.Unlock()
	for _, up := range upcalls {
		up(v)
	}
	return nil
}

// columnLayout enumerates every subgroup id present in v in a stable
// order and returns how many num_received columns the SST needs.
func columnLayout(v *view.View) (int, []types.SubgroupID) {
	order := make([]types.SubgroupID, 0, len(v.SubgroupShardViews))
	for sg := range v.SubgroupShardViews {
		order = append(order, sg)
	}
	// Deterministic iteration: subgroup ids are dense small integers
	// assigned at construction (types.SubgroupID's own contract).
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })
	total := 0
	for _, sg := range order {
		for _, sub := range v.SubgroupShardViews[sg] {
			total += sub.NumSenders()
		}
	}
	return total, order
}

// peerAddressesForBulk resolves the bulk-transport dial address of every
// other member of sub's shard.
func peerAddressesForBulk(v *view.View, sub view.SubView) map[types.NodeID]string {
	peers := make(map[types.NodeID]string)
	for _, member := range sub.Members {
		if member == v.Members[v.MyRank] {
			continue
		}
		rank := v.RankOf(member)
		if rank < 0 {
			continue
		}
		ep := v.Endpoints[rank]
		peers[member] = fmt.Sprintf("%s:%d", ep.Address, ep.BulkPort)
	}
	return peers
}
