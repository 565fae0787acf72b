package rpc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/storjnode/overlay/wire"
)

// Dispatcher handles an inbound request frame and produces its reply body.
// ok reports whether the RPC answers (true) or returns the wire "null"
// (false), per spec.md §7's "every RPC returns either an answer or null".
type Dispatcher func(src *net.UDPAddr, m method, body []byte) (reply []byte, ok bool)

// Transport is the UDP reactor all RPCs travel over: a single read loop
// that hands each inbound request to its own goroutine, one packet per
// datagram, request/reply correlated by a locally generated id,
// matching the inflight-channel pattern of a classic Kademlia lab network
// reactor, adapted to this spec's msgpack frame format.
type Transport struct {
	conn *net.UDPConn

	mu       sync.Mutex
	inflight map[uint64]chan frame
	nextID   uint64

	dispatch Dispatcher

	stopped chan struct{}
}

// NewTransport binds a UDP socket at ip:port. Pass port 0 to bind an
// ephemeral port (useful in tests).
func NewTransport(ip string, port int) (*Transport, error) {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", ip, port))
	if err != nil {
		return nil, fmt.Errorf("rpc: resolve bind address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("rpc: listen udp: %w", err)
	}
	t := &Transport{
		conn:     conn,
		inflight: make(map[uint64]chan frame),
		stopped:  make(chan struct{}),
	}
	go t.readLoop()
	return t, nil
}

// SetDispatch installs the request handler. Must be called before any
// datagrams are expected to arrive (the core wires itself in immediately
// after construction).
func (t *Transport) SetDispatch(d Dispatcher) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dispatch = d
}

// LocalAddr returns the bound UDP address.
func (t *Transport) LocalAddr() *net.UDPAddr {
	return t.conn.LocalAddr().(*net.UDPAddr)
}

// Close shuts down the reactor.
func (t *Transport) Close() error {
	err := t.conn.Close()
	select {
	case <-t.stopped:
	case <-time.After(200 * time.Millisecond):
	}
	return err
}

func (t *Transport) nextRequestID() uint64 {
	return atomic.AddUint64(&t.nextID, 1)
}

func (t *Transport) readLoop() {
	defer close(t.stopped)
	buf := make([]byte, 2048) // spec.md §6: 548-byte max payload; headroom for framing overhead
	for {
		n, src, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		var f frame
		if err := wire.Unmarshal(buf[:n], &f); err != nil {
			log.Trace("rpc: dropping malformed datagram", "from", src, "err", err)
			continue
		}
		if f.Reply {
			t.deliverReply(f)
			continue
		}
		go t.handleRequest(src, f)
	}
}

func (t *Transport) deliverReply(f frame) {
	t.mu.Lock()
	ch := t.inflight[f.ID]
	t.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- f:
	default:
	}
}

func (t *Transport) handleRequest(src *net.UDPAddr, f frame) {
	t.mu.Lock()
	d := t.dispatch
	t.mu.Unlock()
	if d == nil {
		return
	}
	body, ok := d(src, f.Method, f.Body)
	reply := frame{Method: f.Method, ID: f.ID, Reply: true, Null: !ok, Body: body}
	if err := t.send(src, reply); err != nil {
		log.Trace("rpc: reply send failed", "to", src, "method", f.Method, "err", err)
	}
}

func (t *Transport) send(dst *net.UDPAddr, f frame) error {
	b, err := wire.Marshal(f)
	if err != nil {
		return fmt.Errorf("rpc: marshal frame: %w", err)
	}
	_, err = t.conn.WriteToUDP(b, dst)
	return err
}

// Request sends m to dst and waits for its correlated reply, up to ctx's
// deadline (callers bound this with QUERY_TIMEOUT). ok is false when the
// peer answered with the wire "null", or ctx expired without any reply.
func (t *Transport) Request(ctx context.Context, dst *net.UDPAddr, m method, body []byte) (reply []byte, ok bool, err error) {
	id := t.nextRequestID()
	ch := make(chan frame, 1)
	t.mu.Lock()
	t.inflight[id] = ch
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.inflight, id)
		t.mu.Unlock()
	}()

	if err := t.send(dst, frame{Method: m, ID: id, Body: body}); err != nil {
		return nil, false, fmt.Errorf("rpc: send request: %w", err)
	}

	select {
	case f := <-ch:
		return f.Body, !f.Null, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}
