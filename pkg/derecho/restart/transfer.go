package restart

import (
	"fmt"
	"net"

	"github.com/dsrocha/derecho/pkg/derecho/helper"
	"github.com/dsrocha/derecho/pkg/derecho/types"
	"github.com/dsrocha/derecho/pkg/derecho/wire"
)

// StateRequest is the first frame a joining, non-restart-leader member
// sends when pulling state: which (subgroup, shard) it wants, and how
// much of its own log it already has. StateServer reads TailLength but
// does not act on it: it always sends the whole object state.
type StateRequest struct {
	SubgroupID types.SubgroupID
	Shard      int
	TailLength int64
}

// ObjectLookup resolves the persistence backend for one (subgroup,
// shard) this node leads, so StateServer can dispatch an incoming
// request without knowing anything about object formats itself.
type ObjectLookup func(sg types.SubgroupID, shard int) (types.ObjectTransfer, bool)

// StateServer is run by every restart shard leader: it accepts
// connections from joining members and, for each, streams the object
// state for the requested shard by handing the raw connection to the
// caller-supplied ObjectTransfer (§6's send_object/receive_object pair,
// pinned as an external persistence-backend concern).
type StateServer struct {
	listener net.Listener
	lookup   ObjectLookup
	invoker  helper.Invoker
	logger   types.Logger
}

// ServeState binds a state-transfer listener for this restart shard
// leader.
func ServeState(listenAddr string, lookup ObjectLookup, invoker helper.Invoker, logger types.Logger) (*StateServer, error) {
	lis, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, err
	}
	s := &StateServer{listener: lis, lookup: lookup, invoker: invoker, logger: logger}
	invoker.Spawn(s.acceptLoop)
	return s, nil
}

func (s *StateServer) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.invoker.Spawn(func() { s.handle(conn) })
	}
}

func (s *StateServer) handle(conn net.Conn) {
	defer conn.Close()
	var req StateRequest
	if err := wire.ReadFrame(conn, &req); err != nil {
		s.logger.Warnf("restart: reading state request failed: %v", err)
		return
	}
	obj, ok := s.lookup(req.SubgroupID, req.Shard)
	if !ok {
		s.logger.Warnf("restart: no object registered for subgroup %d shard %d", req.SubgroupID, req.Shard)
		return
	}
	if err := obj.SendObject(conn); err != nil {
		s.logger.Warnf("restart: sending object for subgroup %d shard %d failed: %v", req.SubgroupID, req.Shard, err)
	}
}

// Close stops accepting new state-transfer connections.
func (s *StateServer) Close() error {
	return s.listener.Close()
}

// PullState dials a restart shard leader and receives its object state
// for one (subgroup, shard), reporting tailLength in the request. The
// leader does not use it, so the full object state is received.
func PullState(leaderAddr string, sg types.SubgroupID, shard int, tailLength int64, obj types.ObjectTransfer) error {
	conn, err := net.Dial("tcp", leaderAddr)
	if err != nil {
		return err
	}
	defer conn.Close()
	req := StateRequest{SubgroupID: sg, Shard: shard, TailLength: tailLength}
	if err := wire.WriteFrame(conn, req); err != nil {
		return fmt.Errorf("restart: sending state request: %w", err)
	}
	return obj.ReceiveObject(conn)
}
