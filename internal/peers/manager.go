// Package peers maintains the active peer set: the connection table, what
// we know about every peer address, the GetPeers exchange and the
// consolidation loop that keeps the number of connections within bounds.
package peers

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"sort"
	"sync"
	"time"
	"weak"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/kunal-geeks/bisqp2p/internal/config"
	"github.com/kunal-geeks/bisqp2p/internal/logging"
	"github.com/kunal-geeks/bisqp2p/internal/metrics"
	"github.com/kunal-geeks/bisqp2p/internal/p2p"
	"github.com/kunal-geeks/bisqp2p/internal/pb"
)

const (
	MaxConnections        = 12
	MaxKnownPeers         = 1000
	MinConnections        = 8
	ConsolidationInterval = 10 * time.Minute

	// ExchangeTimeout bounds one round of GetPeers requests issued by the
	// consolidation loop.
	ExchangeTimeout = 90 * time.Second
)

var (
	ErrTooManyConnections = errors.New("peers: too many connections")
	ErrManagerClosed      = errors.New("peers: manager closed")
)

// ActivitySource reports when a connection was last seen alive.
type ActivitySource interface {
	LastActive(id p2p.ConnectionID) (time.Time, bool)
}

// Opts configures a Manager.
type Opts struct {
	Network config.Network
	Dialer  p2p.Dialer

	// Dispatcher is offered every payload on a managed connection before
	// the manager's own GetPeersRequest handler.
	Dispatcher p2p.Dispatcher

	Activity ActivitySource

	MaxConnections        int
	MaxKnownPeers         int
	MinConnections        int
	ConsolidationInterval time.Duration
	ExchangeTimeout       time.Duration

	Logger  *zap.Logger
	Metrics *metrics.Metrics

	Now   func() time.Time
	Nonce func() int32
}

// Snapshot is a point-in-time view of the manager for status output.
type Snapshot struct {
	Connections int
	Identified  map[p2p.ConnectionID]pb.NodeAddress
	KnownPeers  int
	LocalAddr   *pb.NodeAddress
}

// Manager owns the strong handles of every managed connection. Observers
// registered with OnConnectionAdded receive weak handles.
type Manager struct {
	opts  Opts
	log   *zap.Logger
	infos *InfoTable
	chain p2p.Dispatcher

	mu          sync.Mutex
	connections map[p2p.ConnectionID]*p2p.Connection
	identified  map[p2p.ConnectionID]pb.NodeAddress
	localAddr   *pb.NodeAddress
	listeners   []func(p2p.ConnectionAdded)
	closed      bool
}

// New creates a Manager. Zero limits and intervals take the protocol
// defaults.
func New(opts Opts) *Manager {
	if opts.MaxConnections == 0 {
		opts.MaxConnections = MaxConnections
	}
	if opts.MinConnections == 0 {
		opts.MinConnections = MinConnections
	}
	if opts.ConsolidationInterval == 0 {
		opts.ConsolidationInterval = ConsolidationInterval
	}
	if opts.ExchangeTimeout == 0 {
		opts.ExchangeTimeout = ExchangeTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Nonce == nil {
		opts.Nonce = rand.Int32
	}

	m := &Manager{
		opts:        opts,
		log:         logging.OrNop(opts.Logger).Named("peers"),
		infos:       NewInfoTable(opts.MaxKnownPeers),
		connections: make(map[p2p.ConnectionID]*p2p.Connection),
		identified:  make(map[p2p.ConnectionID]pb.NodeAddress),
	}
	m.chain = p2p.Chain{opts.Dispatcher, p2p.Handle(m.handleGetPeersRequest)}
	return m
}

// Dispatcher returns the chain installed on every managed connection.
func (m *Manager) Dispatcher() p2p.Dispatcher { return m.chain }

// OnConnectionAdded registers fn to be told about every connection the
// manager takes on. fn must not block.
func (m *Manager) OnConnectionAdded(fn func(p2p.ConnectionAdded)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.listeners = append(m.listeners, fn)
}

// SetLocalAddress records our public address once the server has started.
func (m *Manager) SetLocalAddress(addr pb.NodeAddress) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.localAddr = &addr
}

// LocalAddress returns our public address once known.
func (m *Manager) LocalAddress() (pb.NodeAddress, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.localAddr == nil {
		return pb.NodeAddress{}, false
	}
	return *m.localAddr, true
}

// register adds conn to the table, identified by addr when non-nil.
func (m *Manager) register(conn *p2p.Connection, addr *pb.NodeAddress) error {
	if addr != nil {
		m.infos.Update(*addr, m.opts.Now(), nil, nil)
		m.opts.Metrics.SetKnownPeers(m.infos.Len())
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	if len(m.connections) >= m.opts.MaxConnections {
		m.mu.Unlock()
		return ErrTooManyConnections
	}
	m.connections[conn.ID()] = conn
	if addr != nil {
		m.identified[conn.ID()] = *addr
	}
	listeners := append([]func(p2p.ConnectionAdded){}, m.listeners...)
	count := len(m.connections)
	m.mu.Unlock()

	conn.SetDispatcher(m.chain)
	conn.OnClose(m.remove)

	m.log.Debug("connection added",
		zap.Stringer("conn", conn.ID()),
		zap.Stringer("direction", conn.Direction()),
		zap.Int("connections", count),
	)

	ev := p2p.ConnectionAdded{ID: conn.ID(), Conn: weak.Make(conn)}
	for _, fn := range listeners {
		fn(ev)
	}
	return nil
}

func (m *Manager) remove(conn *p2p.Connection) {
	m.mu.Lock()
	delete(m.connections, conn.ID())
	addr, identified := m.identified[conn.ID()]
	delete(m.identified, conn.ID())
	count := len(m.connections)
	m.mu.Unlock()

	fields := []zap.Field{
		zap.Stringer("conn", conn.ID()),
		zap.String("reason", string(conn.CloseReason())),
		zap.Int("connections", count),
	}
	if identified {
		fields = append(fields, zap.Stringer("peer", addr))
	}
	m.log.Debug("connection removed", fields...)
}

// AddSeedConnection takes over the connection bootstrap used and asks the
// seed for its peers.
func (m *Manager) AddSeedConnection(conn *p2p.Connection) {
	var addr *pb.NodeAddress
	if a, ok := conn.PeerAddress(); ok {
		addr = &a
	}
	if err := m.register(conn, addr); err != nil {
		m.log.Warn("rejecting seed connection", zap.Error(err))
		_ = conn.Close()
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.opts.ExchangeTimeout)
		defer cancel()
		if err := m.RequestPeers(ctx, conn); err != nil {
			m.log.Debug("peer request to seed failed", zap.Error(err))
		}
	}()
}

// newConnection wraps raw. Dispatch is held back until release is called,
// so nothing reaches the chain before the connection is registered.
func (m *Manager) newConnection(raw net.Conn, dir p2p.Direction, addr *pb.NodeAddress) (conn *p2p.Connection, release func()) {
	registered := make(chan struct{})
	conn = p2p.NewConnection(p2p.ConnectionOpts{
		Conn:           raw,
		Direction:      dir,
		MessageVersion: m.opts.Network.MessageVersion(),
		Dispatcher: p2p.DispatcherFunc(func(id p2p.ConnectionID, p pb.Payload) p2p.Result {
			<-registered
			return m.chain.Dispatch(id, p)
		}),
		PeerAddress: addr,
		Logger:      m.opts.Logger,
		Metrics:     m.opts.Metrics,
	})
	return conn, func() { close(registered) }
}

// AcceptIncoming wraps an accepted stream. The peer stays anonymous until
// it sends a GetPeersRequest naming itself. Beyond the connection limit
// the stream is shut down with TOO_MANY_CONNECTIONS_OPEN.
func (m *Manager) AcceptIncoming(raw net.Conn) (*p2p.Connection, error) {
	conn, release := m.newConnection(raw, p2p.Inbound, nil)
	err := m.register(conn, nil)
	release()

	switch {
	case err == nil:
		return conn, nil
	case errors.Is(err, ErrTooManyConnections):
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = conn.Shutdown(ctx, p2p.ReasonTooManyConnectionsOpen)
		}()
	default:
		_ = conn.Close()
	}
	return nil, err
}

// Connect dials addr and adds the connection as an identified peer.
func (m *Manager) Connect(ctx context.Context, addr pb.NodeAddress) (*p2p.Connection, error) {
	if m.opts.Dialer == nil {
		return nil, fmt.Errorf("Manager.Connect: no dialer configured")
	}
	raw, err := m.opts.Dialer.Dial(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("Manager.Connect: %w", err)
	}
	conn, release := m.newConnection(raw, p2p.Outbound, &addr)
	err = m.register(conn, &addr)
	release()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("Manager.Connect: %w", err)
	}
	return conn, nil
}

// RequestPeers sends a GetPeersRequest on conn and merges the answer.
func (m *Manager) RequestPeers(ctx context.Context, conn *p2p.Connection) error {
	req := &pb.GetPeersRequest{
		Nonce:                 m.opts.Nonce(),
		SupportedCapabilities: config.LocalCapabilityTags(),
		ReportedPeers:         m.peersToReport(conn.ID()),
	}
	local, haveLocal := m.LocalAddress()
	if haveLocal {
		req.SenderNodeAddress = &local
	}

	reply, err := conn.SendRequest(ctx, req)
	if err != nil {
		return fmt.Errorf("Manager.RequestPeers: %w", err)
	}
	resp, ok := reply.(*pb.GetPeersResponse)
	if !ok {
		return fmt.Errorf("Manager.RequestPeers: unexpected reply %s", reply.Kind())
	}

	now := m.opts.Now()
	if addr, ok := m.identifiedAddr(conn.ID()); ok {
		m.infos.Update(addr, now, resp.SupportedCapabilities, nil)
	}
	var self *pb.NodeAddress
	if haveLocal {
		self = &local
	}
	m.mergeReported(resp.ReportedPeers, self, now)

	m.log.Debug("received peers", zap.Stringer("conn", conn.ID()), zap.Int("peers", len(resp.ReportedPeers)))
	return nil
}

func (m *Manager) identifiedAddr(id p2p.ConnectionID) (pb.NodeAddress, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	addr, ok := m.identified[id]
	return addr, ok
}

// handleGetPeersRequest runs on the requester's read loop. The reply is
// sent from its own goroutine so a full send queue cannot stall reads.
func (m *Manager) handleGetPeersRequest(id p2p.ConnectionID, req *pb.GetPeersRequest) {
	m.mu.Lock()
	conn := m.connections[id]
	var self *pb.NodeAddress
	if m.localAddr != nil {
		local := *m.localAddr
		self = &local
	}
	m.mu.Unlock()

	if conn == nil {
		m.log.Debug("GetPeersRequest on unmanaged connection", zap.Stringer("conn", id))
		return
	}

	now := m.opts.Now()
	if sender := req.SenderNodeAddress; sender != nil && !sender.IsZero() {
		m.infos.Update(*sender, now, req.SupportedCapabilities, nil)

		m.mu.Lock()
		if _, live := m.connections[id]; live {
			m.identified[id] = *sender
		}
		m.mu.Unlock()
		conn.SetPeerAddress(*sender)
	}
	m.mergeReported(req.ReportedPeers, self, now)

	resp := &pb.GetPeersResponse{
		RequestNonce:          req.Nonce,
		ReportedPeers:         m.peersToReport(id),
		SupportedCapabilities: config.LocalCapabilityTags(),
	}
	go func() {
		if err := conn.SendPayload(context.Background(), resp); err != nil {
			m.log.Debug("sending GetPeersResponse failed", zap.Stringer("conn", id), zap.Error(err))
		}
	}()
}

// mergeReported records peers described by a third party. Our own address
// is skipped and alive times in the future are clamped to now.
func (m *Manager) mergeReported(peers []*pb.Peer, self *pb.NodeAddress, now time.Time) {
	for _, p := range peers {
		if p == nil || p.NodeAddress == nil || p.NodeAddress.IsZero() {
			continue
		}
		if self != nil && *p.NodeAddress == *self {
			continue
		}
		alive := time.UnixMilli(p.Date)
		if alive.After(now) {
			alive = now
		}
		m.infos.Update(*p.NodeAddress, alive, nil, p.SupportedCapabilities)
	}
	m.opts.Metrics.SetKnownPeers(m.infos.Len())
}

// peersToReport projects every identified connection except exclude onto
// its most recent PeerInfo.
func (m *Manager) peersToReport(exclude p2p.ConnectionID) []*pb.Peer {
	m.mu.Lock()
	addrs := make(map[pb.NodeAddress]struct{}, len(m.identified))
	for id, addr := range m.identified {
		if id != exclude {
			addrs[addr] = struct{}{}
		}
	}
	m.mu.Unlock()

	peers := make([]*pb.Peer, 0, len(addrs))
	for addr := range addrs {
		info, _ := m.infos.Get(addr)
		a := addr
		peers = append(peers, &pb.Peer{
			NodeAddress:           &a,
			Date:                  info.ReportedAliveAt.UnixMilli(),
			SupportedCapabilities: info.Capabilities(),
		})
	}
	sort.Slice(peers, func(i, j int) bool {
		return peers[i].NodeAddress.String() < peers[j].NodeAddress.String()
	})
	return peers
}

// candidates returns known addresses we hold no connection to, shuffled.
func (m *Manager) candidates() []pb.NodeAddress {
	m.mu.Lock()
	connected := make(map[pb.NodeAddress]struct{}, len(m.identified))
	for _, addr := range m.identified {
		connected[addr] = struct{}{}
	}
	self := m.localAddr
	m.mu.Unlock()

	var out []pb.NodeAddress
	for _, addr := range m.infos.Addresses() {
		if _, ok := connected[addr]; ok {
			continue
		}
		if self != nil && addr == *self {
			continue
		}
		out = append(out, addr)
	}
	rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

// Connection returns the managed connection with the given id.
func (m *Manager) Connection(id p2p.ConnectionID) (*p2p.Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.connections[id]
	return c, ok
}

func (m *Manager) liveConnections() []*p2p.Connection {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*p2p.Connection, 0, len(m.connections))
	for _, c := range m.connections {
		out = append(out, c)
	}
	return out
}

// refreshActivity copies keep-alive's view of each identified connection
// into the peer-info table.
func (m *Manager) refreshActivity() {
	if m.opts.Activity == nil {
		return
	}
	m.mu.Lock()
	identified := make(map[p2p.ConnectionID]pb.NodeAddress, len(m.identified))
	for id, addr := range m.identified {
		identified[id] = addr
	}
	m.mu.Unlock()

	for id, addr := range identified {
		if t, ok := m.opts.Activity.LastActive(id); ok {
			m.infos.Update(addr, t, nil, nil)
		}
	}
}

// exchangeWithAll asks every connection for peers and waits for the answers.
func (m *Manager) exchangeWithAll(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, m.opts.ExchangeTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, conn := range m.liveConnections() {
		wg.Add(1)
		go func(c *p2p.Connection) {
			defer wg.Done()
			if err := m.RequestPeers(ctx, c); err != nil {
				m.log.Debug("peer exchange failed", zap.Stringer("conn", c.ID()), zap.Error(err))
			}
		}(conn)
	}
	wg.Wait()
}

// Consolidate runs one round of the consolidation loop:
//
//  1. refresh last-active times from keep-alive
//  2. stop if we hold at least MinConnections
//  3. if candidates are scarce, ask every connection for more peers
//  4. connect to candidates up to MaxConnections, asking each for peers
func (m *Manager) Consolidate(ctx context.Context) {
	m.refreshActivity()

	n := len(m.liveConnections())
	if n >= m.opts.MinConnections {
		return
	}

	candidates := m.candidates()
	if len(candidates)+n < 2*m.opts.MinConnections {
		m.exchangeWithAll(ctx)
		candidates = m.candidates()
	}

	free := m.opts.MaxConnections - len(m.liveConnections())
	opened := 0
	for _, addr := range candidates {
		if free <= 0 || ctx.Err() != nil {
			break
		}
		conn, err := m.Connect(ctx, addr)
		if err != nil {
			m.log.Debug("connecting to candidate failed", zap.Stringer("peer", addr), zap.Error(err))
			continue
		}
		free--
		opened++

		rctx, cancel := context.WithTimeout(ctx, m.opts.ExchangeTimeout)
		if err := m.RequestPeers(rctx, conn); err != nil {
			m.log.Debug("peer request failed", zap.Stringer("peer", addr), zap.Error(err))
		}
		cancel()
	}

	m.log.Info("consolidated",
		zap.Int("connections", len(m.liveConnections())),
		zap.Int("candidates", len(candidates)),
		zap.Int("opened", opened),
	)
}

// Run drives the consolidation loop until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.opts.ConsolidationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Consolidate(ctx)
		}
	}
}

// PeerInfo returns what we know about addr.
func (m *Manager) PeerInfo(addr pb.NodeAddress) (PeerInfo, bool) {
	return m.infos.Get(addr)
}

// KnownPeers returns every address in the peer-info table.
func (m *Manager) KnownPeers() []pb.NodeAddress {
	return m.infos.Addresses()
}

// Snapshot returns the current state for status output.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	s := Snapshot{
		Connections: len(m.connections),
		Identified:  make(map[p2p.ConnectionID]pb.NodeAddress, len(m.identified)),
	}
	for id, addr := range m.identified {
		s.Identified[id] = addr
	}
	if m.localAddr != nil {
		local := *m.localAddr
		s.LocalAddr = &local
	}
	m.mu.Unlock()

	s.KnownPeers = m.infos.Len()
	return s
}

// Close shuts every connection down with APP_SHUT_DOWN. New connections
// are refused afterwards.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	var (
		wg   sync.WaitGroup
		emu  sync.Mutex
		errs error
	)
	for _, conn := range m.liveConnections() {
		wg.Add(1)
		go func(c *p2p.Connection) {
			defer wg.Done()
			if err := c.Shutdown(ctx, p2p.ReasonAppShutDown); err != nil {
				emu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("shutdown %s: %w", c.ID(), err))
				emu.Unlock()
			}
		}(conn)
	}
	wg.Wait()
	return errs
}
