// Package network implements the Network Transport component: a
// connection-oriented, best-effort message transport between validator
// addresses. It adapts the per-connection Run-loop and peer-map shape of
// go-ethereum's p2p.Protocol pattern onto plain TCP sockets, since
// devp2p's RLPx handshake requires dialing peers by their node identity
// (an enode URL carrying a secp256k1 public key), which does not fit a
// validator set addressed purely by IP:port the way this protocol's
// Connect handshake works (see DESIGN.md).
package network

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/rechain/rechain/internal/consensus"
)

// maxFrameLen bounds a single framed message; larger frames are dropped
// and the connection closed (§4.2).
const maxFrameLen = 4 << 20

var errFrameTooLarge = errors.New("network: frame exceeds maximum size")

// Transport implements consensus.Network over TCP.
type Transport struct {
	logger *log.Logger

	mu    sync.Mutex
	local consensus.Addr
	ln    net.Listener
	conns map[consensus.Addr]net.Conn

	incoming chan *consensus.Envelope
	ioEvents chan consensus.IOEvent

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates an unbound Transport. Call Bind before use.
func New(logger *log.Logger) *Transport {
	if logger == nil {
		logger = log.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		logger:   logger,
		conns:    make(map[consensus.Addr]net.Conn),
		incoming: make(chan *consensus.Envelope, 256),
		ioEvents: make(chan consensus.IOEvent, 256),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Bind starts listening on local and begins accepting peer connections.
func (t *Transport) Bind(local consensus.Addr) error {
	ln, err := net.Listen("tcp", local.String())
	if err != nil {
		return fmt.Errorf("network: listen on %s: %w", local, err)
	}
	t.mu.Lock()
	t.ln = ln
	t.local = local
	t.mu.Unlock()

	go t.acceptLoop()
	return nil
}

func (t *Transport) LocalAddr() consensus.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.local
}

func (t *Transport) Incoming() <-chan *consensus.Envelope { return t.incoming }
func (t *Transport) IOEvents() <-chan consensus.IOEvent    { return t.ioEvents }

func (t *Transport) Close() error {
	t.cancel()
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ln != nil {
		t.ln.Close()
	}
	for addr, c := range t.conns {
		c.Close()
		delete(t.conns, addr)
	}
	return nil
}

func (t *Transport) acceptLoop() {
	for {
		conn, err := t.ln.Accept()
		if err != nil {
			if t.ctx.Err() != nil {
				return
			}
			t.logger.Printf("network: accept: %v", err)
			continue
		}
		go t.serve(conn)
	}
}

// SendTo writes payload, length-prefixed, to addr. A connection is dialed
// lazily and reused for subsequent sends; dial or write failures are
// returned to the caller, who logs and swallows them (§4.7) — the peer
// entry itself is untouched so the next send simply redials.
func (t *Transport) SendTo(addr consensus.Addr, payload []byte) error {
	conn, err := t.connFor(addr)
	if err != nil {
		return err
	}
	if err := writeFrame(conn, payload); err != nil {
		t.mu.Lock()
		delete(t.conns, addr)
		t.mu.Unlock()
		conn.Close()
		return fmt.Errorf("network: write to %s: %w", addr, err)
	}
	return nil
}

func (t *Transport) connFor(addr consensus.Addr) (net.Conn, error) {
	t.mu.Lock()
	conn, ok := t.conns[addr]
	t.mu.Unlock()
	if ok {
		return conn, nil
	}

	conn, err := net.DialTimeout("tcp", addr.String(), 3*time.Second)
	if err != nil {
		return nil, fmt.Errorf("network: dial %s: %w", addr, err)
	}
	t.mu.Lock()
	t.conns[addr] = conn
	t.mu.Unlock()
	go t.serve(conn)
	return conn, nil
}

// serve reads framed messages off conn until it closes or a frame is
// malformed/oversized, at which point the connection (but not the node)
// is torn down.
func (t *Transport) serve(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)

	for {
		frame, err := readFrame(r)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				t.logger.Printf("network: closing connection to %s: %v", conn.RemoteAddr(), err)
			}
			return
		}

		env, err := consensus.Decode(frame)
		if err != nil {
			t.logger.Printf("network: malformed message from %s: %v", conn.RemoteAddr(), err)
			return
		}

		select {
		case t.incoming <- env:
		case <-t.ctx.Done():
			return
		}
		select {
		case t.ioEvents <- consensus.IOEvent{Peer: env.SenderKey(), Readiness: consensus.Readable}:
		default:
		}
	}
}

func writeFrame(w io.Writer, payload []byte) error {
	var lenPrefix [4]byte
	binary.LittleEndian.PutUint32(lenPrefix[:], uint32(len(payload)))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenPrefix[:])
	if n > maxFrameLen {
		return nil, errFrameTooLarge
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
