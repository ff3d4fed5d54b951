package gms

import (
	"fmt"
	"net"
	"sync"

	"github.com/dsrocha/derecho/pkg/derecho/types"
	"github.com/dsrocha/derecho/pkg/derecho/wire"
)

// joinRegistry holds every joiner's still-open connection between
// its start-join acceptance and the epoch-termination step that finally
// sends it the committed view (§4.2, §6).
type joinRegistry struct {
	mu    sync.Mutex
	byID  map[types.NodeID]*joinConn
}

func newJoinRegistry() *joinRegistry {
	return &joinRegistry{byID: make(map[types.NodeID]*joinConn)}
}

func (r *joinRegistry) put(jc *joinConn) {
	r.mu.Lock()
	r.byID[jc.req.ID] = jc
	r.mu.Unlock()
}

func (r *joinRegistry) take(id types.NodeID) (*joinConn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	jc, ok := r.byID[id]
	if ok {
		delete(r.byID, id)
	}
	return jc, ok
}

// startJoinListener binds this member's GMS port. Every member, leader
// or not, accepts connections: a follower simply redirects (§4.2's
// reject-join), so a joiner dialing a stale leader address is bounced
// to the current one without an extra round trip through anyone else.
func (vm *ViewManager) startJoinListener() error {
	v := vm.GetCurrentView()
	ep := v.Endpoints[v.MyRank]
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", ep.GMSPort))
	if err != nil {
		return err
	}
	vm.joinListener = lis
	vm.joins = newJoinRegistry()
	vm.invoker.Spawn(vm.acceptJoins)
	return nil
}

func (vm *ViewManager) acceptJoins() {
	for {
		conn, err := vm.joinListener.Accept()
		if err != nil {
			return
		}
		vm.invoker.Spawn(func() { vm.handleJoinAttempt(conn) })
	}
}

// handleJoinAttempt runs the fixed prefix of the join wire protocol that
// does not require touching the SST: read the joiner's id, decide
// OK/ID_IN_USE/LEADER_REDIRECT, and on OK read back its four ports
// (§6). A joiner accepted here is hedged onto pendingJoins for the
// start-join predicate to fold into the group; nothing about group
// membership changes until that predicate runs.
func (vm *ViewManager) handleJoinAttempt(conn net.Conn) {
	var req wire.JoinRequest
	if err := wire.ReadFrame(conn, &req); err != nil {
		conn.Close()
		return
	}

	v := vm.GetCurrentView()
	if !v.IsLeader() {
		leaderRank := v.RankOfLeader()
		if leaderRank < 0 {
			conn.Close()
			return
		}
		ep := v.Endpoints[leaderRank]
		wire.WriteByte(conn, byte(wire.JoinLeaderRedirect))
		wire.WriteFrame(conn, wire.Redirect{IP: ep.Address, GMSPort: ep.GMSPort})
		conn.Close()
		return
	}

	if v.RankOf(req.ID) >= 0 {
		wire.WriteByte(conn, byte(wire.JoinIDInUse))
		conn.Close()
		return
	}

	if !compatibleVersion(vm.config.Version, req.Version) {
		wire.WriteByte(conn, byte(wire.JoinVersionMismatch))
		conn.Close()
		return
	}

	if err := wire.WriteByte(conn, byte(wire.JoinOK)); err != nil {
		conn.Close()
		return
	}
	var ports wire.JoinerPorts
	if err := wire.ReadFrame(conn, &ports); err != nil {
		conn.Close()
		return
	}

	select {
	case vm.pendingJoins <- &joinConn{conn: conn, req: req, ports: ports}:
	default:
		vm.logger.Warnf("gms: pending-joins queue full, dropping join from %v", req.ID)
		conn.Close()
	}
}
