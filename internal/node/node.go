// Package node wires the transport core together: server, bootstrap,
// peer manager, keep-alive, broadcaster and the data store.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/kunal-geeks/bisqp2p/internal/bootstrap"
	"github.com/kunal-geeks/bisqp2p/internal/broadcast"
	"github.com/kunal-geeks/bisqp2p/internal/config"
	"github.com/kunal-geeks/bisqp2p/internal/keepalive"
	"github.com/kunal-geeks/bisqp2p/internal/logging"
	"github.com/kunal-geeks/bisqp2p/internal/metrics"
	"github.com/kunal-geeks/bisqp2p/internal/p2p"
	"github.com/kunal-geeks/bisqp2p/internal/pb"
	"github.com/kunal-geeks/bisqp2p/internal/peers"
	"github.com/kunal-geeks/bisqp2p/internal/store"
)

var ErrAlreadyRunning = errors.New("node: already running")

// Opts configures a Node.
type Opts struct {
	Config config.Config
	Logger *zap.Logger

	// Registerer receives the node's collectors. Nil disables metrics.
	Registerer prometheus.Registerer

	// Dialer overrides the one derived from Config.SocksProxyPort.
	Dialer p2p.Dialer

	// KeepAliveInterval overrides the randomised keep-alive period.
	KeepAliveInterval time.Duration

	// Offers and Gossip, when set, are offered payloads from every peer
	// ahead of the store. A full mailbox stalls the connection the payload
	// arrived on.
	Offers chan<- p2p.Delivery[*pb.OfferAvailabilityRequest]
	Gossip chan<- p2p.Delivery[pb.Payload]
}

// GossipKinds are forwarded to Opts.Gossip.
var GossipKinds = []pb.Kind{
	pb.KindAddDataMessage,
	pb.KindRemoveDataMessage,
	pb.KindRemoveMailboxDataMessage,
	pb.KindRefreshOfferMessage,
	pb.KindAddPersistableNetworkPayload,
}

// Status is a point-in-time summary for status output.
type Status struct {
	Bootstrap   bootstrap.State
	Peers       peers.Snapshot
	DataItems   int
	ListenAddr  string
	Broadcaster int
}

// Node is one running instance of the transport core.
type Node struct {
	cfg     config.Config
	log     *zap.Logger
	metrics *metrics.Metrics

	store     *store.Store
	keepAlive *keepalive.KeepAlive
	peers     *peers.Manager
	broadcast *broadcast.Broadcaster
	server    *p2p.Server
	bootstrap *bootstrap.Bootstrapper

	localAddr chan pb.NodeAddress

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New validates the configuration and builds every component. Nothing is
// started until Run.
func New(opts Opts) (*Node, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("node.New: %w", err)
	}

	n := &Node{
		cfg:       cfg,
		log:       logging.OrNop(opts.Logger).Named("node"),
		localAddr: make(chan pb.NodeAddress, 1),
	}
	if opts.Registerer != nil {
		n.metrics = metrics.New(opts.Registerer)
	}

	var persist *store.FSStore
	if cfg.DataDir != "" {
		fs, err := store.NewFSStore(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("node.New: %w", err)
		}
		persist = fs
	}
	st, err := store.New(store.Opts{Persist: persist, Logger: opts.Logger})
	if err != nil {
		return nil, fmt.Errorf("node.New: %w", err)
	}
	n.store = st

	dialer := opts.Dialer
	if dialer == nil {
		dialer = p2p.NewDialer(uint16(cfg.SocksProxyPort))
	}

	n.keepAlive = keepalive.New(keepalive.Opts{
		Interval: opts.KeepAliveInterval,
		Lookup:   func(id p2p.ConnectionID) (*p2p.Connection, bool) { return n.peers.Connection(id) },
		Logger:   opts.Logger,
		Metrics:  n.metrics,
	})
	n.broadcast = broadcast.New(broadcast.Opts{Logger: opts.Logger, Metrics: n.metrics})

	n.peers = peers.New(peers.Opts{
		Network:    cfg.Network,
		Dialer:     dialer,
		Dispatcher: p2p.Chain{
			p2p.Forward(opts.Offers),
			p2p.ForwardKinds(opts.Gossip, GossipKinds...),
			n.store,
			n.keepAlive.Dispatcher(),
		},
		Activity:   n.keepAlive,
		Logger:     opts.Logger,
		Metrics:    n.metrics,
	})
	n.peers.OnConnectionAdded(n.keepAlive.Added)
	n.peers.OnConnectionAdded(n.broadcast.Added)

	n.server = p2p.NewServer(p2p.ServerOpts{
		ListenAddr: cfg.ListenAddr,
		OnIncoming: n.incomingConnection,
		Logger:     opts.Logger,
	})

	var forced *pb.NodeAddress
	if cfg.ForcedSeed != "" {
		addr, err := config.ParseNodeAddress(cfg.ForcedSeed)
		if err != nil {
			return nil, fmt.Errorf("node.New: %w", err)
		}
		forced = &addr
	}
	n.bootstrap = bootstrap.New(bootstrap.Opts{
		Network:    cfg.Network,
		ForcedSeed: forced,
		Dialer:     dialer,
		LocalAddr:  n.localAddr,
		Consumer:   n.store,
		KnownKeys:  n.store.ExcludedKeys,
		Peers:      n.peers,
		Logger:     opts.Logger,
		Metrics:    n.metrics,
	})
	return n, nil
}

// incomingConnection is the server's IncomingConnection event.
func (n *Node) incomingConnection(raw net.Conn) {
	if _, err := n.peers.AcceptIncoming(raw); err != nil {
		n.log.Info("inbound connection rejected",
			zap.String("remote", raw.RemoteAddr().String()),
			zap.Error(err),
		)
	}
}

// serverStarted is the ServerStarted event: our public address becomes
// known to bootstrap and the peer manager.
func (n *Node) serverStarted() error {
	public := n.cfg.PublicAddr
	if public == "" {
		public = n.server.Addr()
	}
	addr, err := config.ParseNodeAddress(public)
	if err != nil {
		return fmt.Errorf("public address: %w", err)
	}
	n.peers.SetLocalAddress(addr)
	n.localAddr <- addr

	n.log.Info("server started",
		zap.String("listen", n.server.Addr()),
		zap.Stringer("public", addr),
		zap.Stringer("network", n.cfg.Network),
	)
	return nil
}

// Run starts the server, the keep-alive and consolidation loops and the
// bootstrap, then blocks until ctx is done. A failed bootstrap is logged
// and leaves the node serving inbound peers.
func (n *Node) Run(ctx context.Context) error {
	n.mu.Lock()
	if n.running {
		n.mu.Unlock()
		return ErrAlreadyRunning
	}
	n.running = true
	ctx, n.cancel = context.WithCancel(ctx)
	n.mu.Unlock()

	if err := n.server.ListenAndAccept(); err != nil {
		return fmt.Errorf("Node.Run: %w", err)
	}
	if err := n.serverStarted(); err != nil {
		return fmt.Errorf("Node.Run: %w", err)
	}

	n.wg.Add(3)
	go func() {
		defer n.wg.Done()
		n.keepAlive.Run(ctx)
	}()
	go func() {
		defer n.wg.Done()
		n.peers.Run(ctx)
	}()
	go func() {
		defer n.wg.Done()
		if err := n.bootstrap.Run(ctx); err != nil && ctx.Err() == nil {
			n.log.Error("bootstrap failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	return nil
}

// Close stops the loops, shuts every connection down with APP_SHUT_DOWN
// and closes the listener.
func (n *Node) Close(ctx context.Context) error {
	n.mu.Lock()
	cancel := n.cancel
	n.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	err := n.server.Close()
	err = multierr.Append(err, n.peers.Close(ctx))
	n.wg.Wait()
	n.broadcast.Wait()
	n.log.Info("node stopped", zap.Error(err))
	return err
}

// Broadcast sends p to every live peer except exclude.
func (n *Node) Broadcast(ctx context.Context, p pb.Payload, exclude *p2p.ConnectionID) int {
	return n.broadcast.Broadcast(ctx, p, exclude)
}

// BootstrapState returns the bootstrap state cell.
func (n *Node) BootstrapState() bootstrap.State { return n.bootstrap.State() }

// Peers exposes the peer manager.
func (n *Node) Peers() *peers.Manager { return n.peers }

// Store exposes the data store.
func (n *Node) Store() *store.Store { return n.store }

// Addr returns the server's listening address.
func (n *Node) Addr() string { return n.server.Addr() }

// Status collects a summary of every component.
func (n *Node) Status() Status {
	return Status{
		Bootstrap:   n.bootstrap.State(),
		Peers:       n.peers.Snapshot(),
		DataItems:   n.store.Len(),
		ListenAddr:  n.server.Addr(),
		Broadcaster: n.broadcast.Len(),
	}
}
