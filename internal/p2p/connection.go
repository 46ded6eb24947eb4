package p2p

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/kunal-geeks/bisqp2p/internal/logging"
	"github.com/kunal-geeks/bisqp2p/internal/metrics"
	"github.com/kunal-geeks/bisqp2p/internal/pb"
)

// SendQueueSize bounds the per-connection outbound queue. A full queue
// makes senders wait; it is the only flow control on a connection.
const SendQueueSize = 10

// ErrConnectionClosed is returned by sends on, and requests pending on, a
// connection that has terminated.
var ErrConnectionClosed = errors.New("p2p: connection closed")

// ConnectionOpts configures a Connection.
type ConnectionOpts struct {
	Conn           net.Conn
	Direction      Direction
	MessageVersion int32
	Dispatcher     Dispatcher

	// PeerAddress is the address we dialled, if any. Inbound connections
	// learn it later from the peer.
	PeerAddress *pb.NodeAddress

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Connection is one session with a peer. It owns a read goroutine that
// decodes and dispatches payloads and a write goroutine that drains the
// bounded send queue in order.
type Connection struct {
	id        ConnectionID
	conn      net.Conn
	direction Direction
	version   int32
	log       *zap.Logger
	metrics   *metrics.Metrics

	sendq chan pb.Payload
	done  chan struct{}

	mu         sync.Mutex
	dispatcher Dispatcher
	pending    map[pb.CorrelationID]chan pb.Payload
	peerAddr   *pb.NodeAddress
	closed     bool
	closing    CloseReason
	reason     CloseReason
	err        error
	onClose    []func(*Connection)
}

// NewConnection wraps an established stream and starts its loops.
func NewConnection(opts ConnectionOpts) *Connection {
	id := NewConnectionID()
	c := &Connection{
		id:         id,
		conn:       opts.Conn,
		direction:  opts.Direction,
		version:    opts.MessageVersion,
		metrics:    opts.Metrics,
		sendq:      make(chan pb.Payload, SendQueueSize),
		done:       make(chan struct{}),
		dispatcher: opts.Dispatcher,
		pending:    make(map[pb.CorrelationID]chan pb.Payload),
		peerAddr:   opts.PeerAddress,
	}
	c.log = logging.OrNop(opts.Logger).With(
		zap.Stringer("conn", id),
		zap.String("remote", remoteString(opts.Conn)),
		zap.Stringer("direction", opts.Direction),
	)
	c.metrics.ConnectionOpened()

	go c.writeLoop()
	go c.readLoop()
	return c
}

func remoteString(conn net.Conn) string {
	if conn == nil || conn.RemoteAddr() == nil {
		return ""
	}
	return conn.RemoteAddr().String()
}

// ID returns the locally minted connection id.
func (c *Connection) ID() ConnectionID { return c.id }

// Direction reports whether we dialled or accepted this connection.
func (c *Connection) Direction() Direction { return c.direction }

// PeerAddress returns the peer's advertised address once it is known.
func (c *Connection) PeerAddress() (pb.NodeAddress, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.peerAddr == nil {
		return pb.NodeAddress{}, false
	}
	return *c.peerAddr, true
}

// SetPeerAddress records the address the peer reported for itself.
func (c *Connection) SetPeerAddress(addr pb.NodeAddress) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.peerAddr = &addr
}

// SetDispatcher replaces the dispatcher uncorrelated payloads are offered
// to. Used when an anonymous inbound connection is promoted to a peer.
func (c *Connection) SetDispatcher(d Dispatcher) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.dispatcher = d
}

// Done is closed once the connection has terminated.
func (c *Connection) Done() <-chan struct{} { return c.done }

// IsClosed reports whether the connection has terminated.
func (c *Connection) IsClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// CloseReason returns why the connection terminated; empty while open.
func (c *Connection) CloseReason() CloseReason {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.reason
}

// Err returns the error that terminated the connection, nil for an orderly
// shutdown or while open.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.err
}

// OnClose registers fn to run once after the connection terminates. If it
// already has, fn runs immediately.
func (c *Connection) OnClose(fn func(*Connection)) {
	c.mu.Lock()
	if !c.closed {
		c.onClose = append(c.onClose, fn)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	fn(c)
}

// SendPayload enqueues p for transmission. It waits while the queue is
// full and fails once the connection has terminated. No reply is awaited.
func (c *Connection) SendPayload(ctx context.Context, p pb.Payload) error {
	if c.IsClosed() {
		return ErrConnectionClosed
	}
	select {
	case c.sendq <- p:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendRequest sends a correlated request and waits for its reply. The
// payload must carry a correlation field; sending one without is a
// programming error and panics.
func (c *Connection) SendRequest(ctx context.Context, p pb.Payload) (pb.Payload, error) {
	cid, ok := pb.CorrelationOf(p)
	if !ok {
		panic(fmt.Sprintf("p2p: %s sent as request but carries no correlation field", p.Kind()))
	}

	slot := make(chan pb.Payload, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	c.pending[cid] = slot
	c.mu.Unlock()

	if err := c.SendPayload(ctx, p); err != nil {
		c.takePending(cid)
		return nil, err
	}

	select {
	case reply, ok := <-slot:
		if !ok {
			return nil, ErrConnectionClosed
		}
		return reply, nil
	case <-ctx.Done():
		c.takePending(cid)
		return nil, ctx.Err()
	}
}

func (c *Connection) takePending(cid pb.CorrelationID) chan pb.Payload {
	c.mu.Lock()
	defer c.mu.Unlock()

	slot, ok := c.pending[cid]
	if ok {
		delete(c.pending, cid)
	}
	return slot
}

// pendingCount is used by tests to check the reply-slot table.
func (c *Connection) pendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.pending)
}

// Shutdown sends a CloseConnectionMessage carrying reason and stops the
// connection once it has been written.
func (c *Connection) Shutdown(ctx context.Context, reason CloseReason) error {
	err := c.SendPayload(ctx, &pb.CloseConnectionMessage{Reason: string(reason)})
	if errors.Is(err, ErrConnectionClosed) {
		return nil
	}
	if err != nil {
		c.terminate(reason, err)
		return err
	}

	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		c.terminate(reason, ctx.Err())
		return ctx.Err()
	}
}

// Close drops the connection without notifying the peer.
func (c *Connection) Close() error {
	c.terminate(ReasonTerminated, nil)
	return nil
}

// terminate moves the connection to Closed exactly once: it closes the
// socket, fails every pending request and runs the close callbacks.
func (c *Connection) terminate(reason CloseReason, err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.closing != "" {
		// Our own CloseConnectionMessage is on the wire; the peer hanging up
		// in response does not change why we closed.
		reason = c.closing
		err = nil
	}
	c.reason = reason
	c.err = err
	pending := c.pending
	c.pending = nil
	callbacks := c.onClose
	c.onClose = nil
	c.mu.Unlock()

	close(c.done)
	_ = c.conn.Close()
	for _, slot := range pending {
		close(slot)
	}
	c.metrics.ConnectionClosed()

	if err != nil {
		c.log.Info("connection terminated", zap.String("reason", string(reason)), zap.Error(err))
	} else {
		c.log.Debug("connection closed", zap.String("reason", string(reason)))
	}
	for _, fn := range callbacks {
		fn(c)
	}
}

func (c *Connection) writeLoop() {
	for {
		select {
		case p := <-c.sendq:
			msg, closing := p.(*pb.CloseConnectionMessage)
			if closing {
				c.mu.Lock()
				c.closing = CloseReason(msg.Reason)
				c.mu.Unlock()
			}

			env := &pb.NetworkEnvelope{MessageVersion: c.version, Payload: p}
			if err := WriteEnvelope(c.conn, env); err != nil {
				c.terminate(ReasonSendMsgFailure, err)
				return
			}
			c.metrics.MessageSent(p.Kind())

			if closing {
				c.terminate(CloseReason(msg.Reason), nil)
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Connection) readLoop() {
	dec := NewDecoder(c.conn)
	for {
		p, err := dec.Next()
		if err != nil {
			c.terminate(reasonForReadError(err), readError(err))
			return
		}
		c.metrics.MessageReceived(p.Kind())

		if msg, ok := p.(*pb.CloseConnectionMessage); ok {
			c.log.Debug("peer closed connection", zap.String("peer_reason", msg.Reason))
			c.terminate(ReasonCloseRequestedByPeer, nil)
			return
		}

		if pb.IsReply(p) {
			cid, _ := pb.CorrelationOf(p)
			if slot := c.takePending(cid); slot != nil {
				slot <- p
			} else {
				c.log.Debug("dropping reply without pending request",
					zap.Stringer("kind", p.Kind()), zap.Stringer("correlation", cid))
			}
			continue
		}

		c.mu.Lock()
		d := c.dispatcher
		c.mu.Unlock()

		if d == nil {
			c.log.Debug("no dispatcher, dropping payload", zap.Stringer("kind", p.Kind()))
			continue
		}
		if r := d.Dispatch(c.id, p); !r.IsConsumed() {
			c.log.Debug("payload retained by every dispatcher, dropping", zap.Stringer("kind", p.Kind()))
		}
	}
}

// readError hides the io.EOF of an orderly remote close.
func readError(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func reasonForReadError(err error) CloseReason {
	var netErr net.Error
	switch {
	case errors.Is(err, io.EOF):
		return ReasonSocketClosed
	case errors.Is(err, net.ErrClosed):
		return ReasonTerminated
	case errors.Is(err, ErrCorruptedData):
		return ReasonCorruptedData
	case errors.Is(err, ErrMessageTooLarge), errors.Is(err, ErrZeroLength), errors.Is(err, ErrVarintOverflow):
		return ReasonNoProtoBufferEnv
	case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, syscall.ECONNRESET):
		return ReasonReset
	case errors.As(err, &netErr) && netErr.Timeout():
		return ReasonSocketTimeout
	default:
		return ReasonUnknownException
	}
}
