package multicast

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"net"
	"sync"

	"github.com/dsrocha/derecho/pkg/derecho/helper"
	"github.com/dsrocha/derecho/pkg/derecho/types"
)

// tcpFanout is the shared plumbing behind both BulkTransport and
// SMCTransport: a length-prefixed, gob-framed, all-to-all TCP mesh among
// a shard's members. It stands in for the RDMA block-multicast and
// shared-memory ring the original system uses, both pinned out of scope
// by §1. A node's own sends loop back locally so callers see a single
// ingestion path for their own traffic, matching the null-send scheme's
// expectation that a sender also observes its own messages.
type tcpFanout struct {
	listener net.Listener

	mu    sync.Mutex
	peers map[types.NodeID]net.Conn

	inbound chan wireMessage
	logger  types.Logger
	invoker helper.Invoker
	closed  chan struct{}
}

func newTCPFanout(listenPort int, peers map[types.NodeID]string, invoker helper.Invoker, logger types.Logger) (*tcpFanout, error) {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", listenPort))
	if err != nil {
		return nil, err
	}
	f := &tcpFanout{
		listener: lis,
		peers:    make(map[types.NodeID]net.Conn),
		inbound:  make(chan wireMessage, 1024),
		logger:   logger,
		invoker:  invoker,
		closed:   make(chan struct{}),
	}
	invoker.Spawn(f.acceptLoop)
	for id, addr := range peers {
		invoker.Spawn(func(id types.NodeID, addr string) func() {
			return func() { f.dial(id, addr) }
		}(id, addr))
	}
	return f, nil
}

func (f *tcpFanout) dial(id types.NodeID, addr string) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		f.logger.Warnf("multicast: could not dial %v at %s: %v", id, addr, err)
		return
	}
	f.mu.Lock()
	f.peers[id] = conn
	f.mu.Unlock()
}

func (f *tcpFanout) acceptLoop() {
	for {
		conn, err := f.listener.Accept()
		if err != nil {
			select {
			case <-f.closed:
				return
			default:
				return
			}
		}
		f.invoker.Spawn(func() { f.readLoop(conn) })
	}
}

func (f *tcpFanout) readLoop(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	for {
		var lenBuf [4]byte
		if _, err := readFullTCP(reader, lenBuf[:]); err != nil {
			return
		}
		n := binary.LittleEndian.Uint32(lenBuf[:])
		body := make([]byte, n)
		if _, err := readFullTCP(reader, body); err != nil {
			return
		}
		var msg wireMessage
		if err := gob.NewDecoder(bytes.NewReader(body)).Decode(&msg); err != nil {
			f.logger.Warnf("multicast: decode error: %v", err)
			continue
		}
		select {
		case f.inbound <- msg:
		case <-f.closed:
			return
		}
	}
}

// send transmits msg to every known peer, plus loops it back locally.
func (f *tcpFanout) send(msg wireMessage) error {
	select {
	case f.inbound <- msg:
	case <-f.closed:
		return fmt.Errorf("derecho: multicast transport closed")
	}

	var body bytes.Buffer
	if err := gob.NewEncoder(&body).Encode(msg); err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(body.Len()))

	f.mu.Lock()
	defer f.mu.Unlock()
	var firstErr error
	for id, conn := range f.peers {
		if _, err := conn.Write(lenBuf[:]); err != nil {
			f.logger.Warnf("multicast: write to %v failed: %v", id, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if _, err := conn.Write(body.Bytes()); err != nil {
			f.logger.Warnf("multicast: write to %v failed: %v", id, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (f *tcpFanout) receive() <-chan wireMessage {
	return f.inbound
}

func (f *tcpFanout) close() error {
	close(f.closed)
	err := f.listener.Close()
	f.mu.Lock()
	for _, conn := range f.peers {
		conn.Close()
	}
	f.mu.Unlock()
	return err
}

func readFullTCP(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// BulkTCP implements BulkTransport over tcpFanout.
type BulkTCP struct{ f *tcpFanout }

// NewBulkTCP binds the bulk transport's listener on config.BulkPort.
func NewBulkTCP(listenPort int, peers map[types.NodeID]string, invoker helper.Invoker, logger types.Logger) (*BulkTCP, error) {
	f, err := newTCPFanout(listenPort, peers, invoker, logger)
	if err != nil {
		return nil, err
	}
	return &BulkTCP{f: f}, nil
}

func (b *BulkTCP) Send(msg wireMessage) error         { return b.f.send(msg) }
func (b *BulkTCP) Receive() <-chan wireMessage        { return b.f.receive() }
func (b *BulkTCP) Close() error                       { return b.f.close() }

// SMCTCP implements SMCTransport over tcpFanout. It needs a port distinct
// from the bulk transport's; since §6's config table has no dedicated SMC
// port, the View Manager binds it on BulkPort+1.
type SMCTCP struct{ f *tcpFanout }

// NewSMCTCP binds the small-message transport's listener.
func NewSMCTCP(listenPort int, peers map[types.NodeID]string, invoker helper.Invoker, logger types.Logger) (*SMCTCP, error) {
	f, err := newTCPFanout(listenPort, peers, invoker, logger)
	if err != nil {
		return nil, err
	}
	return &SMCTCP{f: f}, nil
}

func (s *SMCTCP) Send(msg wireMessage) error  { return s.f.send(msg) }
func (s *SMCTCP) Receive() <-chan wireMessage { return s.f.receive() }
func (s *SMCTCP) Close() error                { return s.f.close() }
