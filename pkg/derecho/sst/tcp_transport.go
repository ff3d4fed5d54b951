package sst

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

// wireRow is what actually crosses the network: a row plus the
// publishing member's rank, framed with a 4-byte little-endian length
// prefix ahead of a gob-encoded body.
type wireRow struct {
	Rank int
	Row  Row
}

// TCPTransport is the concrete, TCP-backed stand-in for the RDMA shared
// memory the original system publishes SST rows over (§1, §6). Each peer
// gets one persistent outbound connection; writes to that connection are
// naturally FIFO, matching the ordering contract in §4.1.
type TCPTransport struct {
	info MembershipInfo

	listener net.Listener

	mu    sync.Mutex
	conns map[int]net.Conn

	updates chan RowUpdate
	logger  types.Logger
	invoker helper.Invoker

	closed chan struct{}
}

// NewTCPTransport binds the local SST listener and starts dialing peers.
// Dialing happens best-effort in the background; Publish calls made
// before a given peer's connection is up are simply not delivered to that
// peer, matching an unreliable, best-effort publish primitive.
func NewTCPTransport(info MembershipInfo, listenPort int, invoker helper.Invoker, logger types.Logger) (*TCPTransport, error) {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", listenPort))
	if err != nil {
		return nil, err
	}
	t := &TCPTransport{
		info:    info,
		listener: lis,
		conns:   make(map[int]net.Conn),
		updates: make(chan RowUpdate, 256),
		logger:  logger,
		invoker: invoker,
		closed:  make(chan struct{}),
	}
	invoker.Spawn(t.acceptLoop)
	for rank, ep := range info.Endpoints {
		if rank == info.MyRank {
			continue
		}
		invoker.Spawn(func(rank int, ep types.Endpoints) func() {
			return func() { t.dialPeer(rank, ep) }
		}(rank, ep))
	}
	return t, nil
}

func (t *TCPTransport) dialPeer(rank int, ep types.Endpoints) {
	addr := fmt.Sprintf("%s:%d", ep.Address, ep.SSTPort)
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.logger.Warnf("sst: could not dial rank %d at %s: %v", rank, addr, err)
		return
	}
	t.mu.Lock()
	t.conns[rank] = conn
	t.mu.Unlock()
}

func (t *TCPTransport) acceptLoop() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.closed:
				return
			default:
				t.logger.Warnf("sst: accept error: %v", err)
				return
			}
		}
		t.invoker.Spawn(func() { t.readLoop(conn) })
	}
}

func (t *TCPTransport) readLoop(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	for {
		var lenBuf [4]byte
		if _, err := readFull(reader, lenBuf[:]); err != nil {
			return
		}
		n := binary.LittleEndian.Uint32(lenBuf[:])
		body := make([]byte, n)
		if _, err := readFull(reader, body); err != nil {
			return
		}
		var wr wireRow
		dec := gob.NewDecoder(bytes.NewReader(body))
		if err := dec.Decode(&wr); err != nil {
			t.logger.Warnf("sst: decode error: %v", err)
			continue
		}
		select {
		case t.updates <- RowUpdate{Rank: wr.Rank, Row: wr.Row}:
		case <-t.closed:
			return
		}
	}
}

// Publish implements Transport.
func (t *TCPTransport) Publish(row Row) error {
	return t.broadcast(row)
}

// PublishWithCompletion implements Transport. This simplified
// implementation is synchronous with the write syscall for every reached
// peer, which is the best a TCP stand-in can promise without a
// peer-side application-level ack.
func (t *TCPTransport) PublishWithCompletion(row Row) error {
	return t.broadcast(row)
}

func (t *TCPTransport) broadcast(row Row) error {
	wr := wireRow{Rank: t.info.MyRank, Row: row}
	var body bytes.Buffer
	enc := gob.NewEncoder(&body)
	if err := enc.Encode(wr); err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(body.Len()))

	t.mu.Lock()
	defer t.mu.Unlock()
	var firstErr error
	for rank, conn := range t.conns {
		if _, err := conn.Write(lenBuf[:]); err != nil {
			t.logger.Warnf("sst: write to rank %d failed: %v", rank, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if _, err := conn.Write(body.Bytes()); err != nil {
			t.logger.Warnf("sst: write to rank %d failed: %v", rank, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Updates implements Transport.
func (t *TCPTransport) Updates() <-chan RowUpdate {
	return t.updates
}

// Close implements Transport.
func (t *TCPTransport) Close() error {
	close(t.closed)
	err := t.listener.Close()
	t.mu.Lock()
	for _, conn := range t.conns {
		conn.Close()
	}
	t.mu.Unlock()
	return err
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
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
