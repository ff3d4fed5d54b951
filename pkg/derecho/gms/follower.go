package gms

import (
	"fmt"
	"net"

	"github.com/dsrocha/derecho/pkg/derecho/helper"
	"github.com/dsrocha/derecho/pkg/derecho/ondisk"
	"github.com/dsrocha/derecho/pkg/derecho/types"
	"github.com/dsrocha/derecho/pkg/derecho/view"
	"github.com/dsrocha/derecho/pkg/derecho/wire"
)

// maxJoinRedirects bounds how many leader redirects a joiner will
// follow before giving up, so a flapping or misconfigured group can't
// wedge it in an infinite dial loop.
const maxJoinRedirects = 8

// NewFollower dials an existing group's leader, following redirects if
// necessary, and blocks until the leader's epoch-termination sequence
// commits the resulting view and hands this node its JoinOffer (§4.2,
// §6). Unlike restart.Rejoin, this is the live-join path: the group
// never stopped running.
func NewFollower(config types.Config, typeOrder []string, subgroupInfo view.SubgroupInfo, leaderAddr string, invoker helper.Invoker, logger types.Logger, persistDir string) (*ViewManager, error) {
	offer, err := joinGroup(leaderAddr, config)
	if err != nil {
		return nil, fmt.Errorf("gms: joining via %s: %w", leaderAddr, err)
	}

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

	v := view.FromSnapshot(offer.View, config.LocalID, vm.onViewWedged)
	if v.MyRank < 0 {
		return nil, fmt.Errorf("gms: committed view at vid %d does not include this node", v.Vid)
	}

	if persistDir != "" {
		for _, trim := range offer.Trims {
			if err := ondisk.SaveRaggedTrim(persistDir, trim); err != nil {
				logger.Warnf("gms: persisting trim from join offer failed: %v", err)
			}
		}
	}

	if err := vm.installView(v); err != nil {
		return nil, err
	}
	if err := vm.startJoinListener(); err != nil {
		return nil, err
	}
	vm.registerPredicates()
	return vm, nil
}

// joinGroup runs the joiner's half of the join wire protocol (§6),
// following at most maxJoinRedirects leader redirects before giving up.
func joinGroup(addr string, config types.Config) (*wire.JoinOffer, error) {
	for i := 0; i < maxJoinRedirects; i++ {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			return nil, err
		}

		if err := wire.WriteFrame(conn, wire.JoinRequest{ID: config.LocalID, Version: config.Version}); err != nil {
			conn.Close()
			return nil, err
		}
		code, err := wire.ReadByte(conn)
		if err != nil {
			conn.Close()
			return nil, err
		}

		switch wire.JoinCode(code) {
		case wire.JoinIDInUse:
			conn.Close()
			return nil, types.NewException(types.IDInUse, "node id %v already in the group", config.LocalID)

		case wire.JoinVersionMismatch:
			conn.Close()
			return nil, types.NewException(types.VersionMismatch, "protocol version %s incompatible with leader", config.Version)

		case wire.JoinLeaderRedirect:
			var redirect wire.Redirect
			err := wire.ReadFrame(conn, &redirect)
			conn.Close()
			if err != nil {
				return nil, err
			}
			addr = fmt.Sprintf("%s:%d", redirect.IP, redirect.GMSPort)
			continue

		case wire.JoinOK:
			ports := wire.JoinerPorts{GMSPort: config.GMSPort, RPCPort: config.RPCPort, SSTPort: config.SSTPort, BulkPort: config.BulkPort}
			if err := wire.WriteFrame(conn, ports); err != nil {
				conn.Close()
				return nil, err
			}
			var offer wire.JoinOffer
			err := wire.ReadFrame(conn, &offer)
			conn.Close()
			if err != nil {
				return nil, err
			}
			return &offer, nil

		default:
			conn.Close()
			return nil, fmt.Errorf("gms: unexpected join status code %d", code)
		}
	}
	return nil, fmt.Errorf("gms: too many leader redirects starting from %s", addr)
}
