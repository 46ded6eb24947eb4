// Package bootstrap performs the initial data synchronisation against a
// seed node and hands the seed connection to the peer manager.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/kunal-geeks/bisqp2p/internal/config"
	"github.com/kunal-geeks/bisqp2p/internal/logging"
	"github.com/kunal-geeks/bisqp2p/internal/metrics"
	"github.com/kunal-geeks/bisqp2p/internal/p2p"
	"github.com/kunal-geeks/bisqp2p/internal/pb"
	"github.com/kunal-geeks/bisqp2p/internal/store"
)

var (
	ErrNoSeedNodes        = errors.New("bootstrap: no seed nodes for network")
	ErrUnexpectedResponse = errors.New("bootstrap: unexpected response")
	ErrAlreadyStarted     = errors.New("bootstrap: already started")
)

// State is the observable progress of a bootstrap.
type State int32

const (
	PreBootstrap State = iota
	InitialBootstrapInProgress
	Bootstrapped
)

func (s State) String() string {
	switch s {
	case PreBootstrap:
		return "PreBootstrap"
	case InitialBootstrapInProgress:
		return "InitialBootstrapInProgress"
	case Bootstrapped:
		return "Bootstrapped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// SeedReceiver takes ownership of the seed connection once the data
// exchange is done.
type SeedReceiver interface {
	AddSeedConnection(conn *p2p.Connection)
}

// Opts configures a Bootstrapper.
type Opts struct {
	Network config.Network

	// ForcedSeed, when set, is used instead of a random seed from the list.
	ForcedSeed *pb.NodeAddress

	Dialer p2p.Dialer

	// LocalAddr delivers our public address once the server has started.
	LocalAddr <-chan pb.NodeAddress

	// Consumer receives both data responses.
	Consumer p2p.Dispatcher

	// KnownKeys, when set, returns hashes we already hold. They are excluded
	// in addition to the hashes of the preliminary response.
	KnownKeys func() [][]byte

	Peers SeedReceiver

	// OnStateChange is called synchronously on every transition.
	OnStateChange func(State)

	Logger  *zap.Logger
	Metrics *metrics.Metrics

	// Nonce and Shuffle are replaced in tests.
	Nonce   func() int32
	Shuffle func([]pb.NodeAddress)
}

// Bootstrapper runs the two-request exchange against one seed:
//
//  1. pick a seed and open a connection
//  2. PreliminaryGetDataRequest, await the GetDataResponse
//  3. hash every item of the response into the exclusion set
//  4. await our public address
//  5. GetUpdatedDataRequest with the exclusion set, await the response
//  6. hand the connection to the peer manager
//
// Any failure aborts the run; there is no retry against another seed.
type Bootstrapper struct {
	opts    Opts
	log     *zap.Logger
	state   atomic.Int32
	started atomic.Bool
}

// New creates a Bootstrapper in PreBootstrap state.
func New(opts Opts) *Bootstrapper {
	if opts.Nonce == nil {
		opts.Nonce = rand.Int32
	}
	if opts.Shuffle == nil {
		opts.Shuffle = func(s []pb.NodeAddress) {
			rand.Shuffle(len(s), func(i, j int) { s[i], s[j] = s[j], s[i] })
		}
	}
	return &Bootstrapper{
		opts: opts,
		log:  logging.OrNop(opts.Logger).Named("bootstrap"),
	}
}

// State returns the current state.
func (b *Bootstrapper) State() State {
	return State(b.state.Load())
}

func (b *Bootstrapper) setState(s State) {
	b.state.Store(int32(s))
	b.opts.Metrics.SetBootstrapState(int(s))
	b.log.Info("bootstrap state", zap.Stringer("state", s))
	if b.opts.OnStateChange != nil {
		b.opts.OnStateChange(s)
	}
}

// pickSeed returns the forced seed or a random one from the network list.
func (b *Bootstrapper) pickSeed() (pb.NodeAddress, error) {
	if b.opts.ForcedSeed != nil {
		return *b.opts.ForcedSeed, nil
	}
	seeds := config.SeedNodes(b.opts.Network)
	if len(seeds) == 0 {
		return pb.NodeAddress{}, fmt.Errorf("%w %s", ErrNoSeedNodes, b.opts.Network)
	}
	b.opts.Shuffle(seeds)
	return seeds[len(seeds)-1], nil
}

// Run performs the bootstrap. It may be called once. Cancelling ctx tears
// down the seed connection.
func (b *Bootstrapper) Run(ctx context.Context) error {
	if !b.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	b.setState(InitialBootstrapInProgress)
	if err := b.run(ctx); err != nil {
		b.log.Warn("bootstrap failed", zap.Error(err))
		b.setState(PreBootstrap)
		return err
	}
	b.setState(Bootstrapped)
	return nil
}

func (b *Bootstrapper) run(ctx context.Context) error {
	seed, err := b.pickSeed()
	if err != nil {
		return err
	}
	log := b.log.With(zap.Stringer("seed", seed))

	raw, err := b.opts.Dialer.Dial(ctx, seed)
	if err != nil {
		return fmt.Errorf("Bootstrapper.Run: dial: %w", err)
	}
	// Until hand-off the seed's Pings are answered here. Anything else the
	// consumer does not claim, a GetPeersRequest included, is dropped; the
	// peer manager runs its own exchange once it owns the connection.
	ready := make(chan struct{})
	var conn *p2p.Connection
	conn = p2p.NewConnection(p2p.ConnectionOpts{
		Conn:           raw,
		Direction:      p2p.Outbound,
		MessageVersion: b.opts.Network.MessageVersion(),
		Dispatcher: p2p.Chain{b.opts.Consumer, p2p.Handle(func(_ p2p.ConnectionID, ping *pb.Ping) {
			<-ready
			go b.pong(conn, ping)
		})},
		PeerAddress: &seed,
		Logger:      b.opts.Logger,
		Metrics:     b.opts.Metrics,
	})
	close(ready)
	handedOff := false
	defer func() {
		if !handedOff {
			_ = conn.Close()
		}
	}()
	log.Info("connected to seed")

	first, err := b.request(ctx, conn, &pb.PreliminaryGetDataRequest{
		Nonce:                 b.opts.Nonce(),
		SupportedCapabilities: config.LocalCapabilityTags(),
	})
	if err != nil {
		return fmt.Errorf("Bootstrapper.Run: preliminary data: %w", err)
	}
	excluded := b.excludedKeys(first)
	log.Info("preliminary data received",
		zap.Int("entries", len(first.DataSet)),
		zap.Int("persistable", len(first.PersistableNetworkPayloadItems)),
		zap.Int("excluded_keys", len(excluded)),
	)

	var local pb.NodeAddress
	select {
	case addr, ok := <-b.opts.LocalAddr:
		if !ok {
			return fmt.Errorf("Bootstrapper.Run: local address channel closed")
		}
		local = addr
	case <-ctx.Done():
		return ctx.Err()
	}

	second, err := b.request(ctx, conn, &pb.GetUpdatedDataRequest{
		SenderNodeAddress: &local,
		Nonce:             b.opts.Nonce(),
		ExcludedKeys:      excluded,
	})
	if err != nil {
		return fmt.Errorf("Bootstrapper.Run: updated data: %w", err)
	}
	log.Info("updated data received",
		zap.Int("entries", len(second.DataSet)),
		zap.Int("persistable", len(second.PersistableNetworkPayloadItems)),
		zap.Bool("truncated", second.WasTruncated),
	)

	if b.opts.Peers != nil {
		handedOff = true
		b.opts.Peers.AddSeedConnection(conn)
	}
	return nil
}

func (b *Bootstrapper) pong(conn *p2p.Connection, ping *pb.Ping) {
	if err := conn.SendPayload(context.Background(), &pb.Pong{RequestNonce: ping.Nonce}); err != nil {
		b.log.Debug("sending Pong to seed failed", zap.Error(err))
	}
}

// request sends a correlated request and forwards the GetDataResponse to
// the consumer.
func (b *Bootstrapper) request(ctx context.Context, conn *p2p.Connection, req pb.Payload) (*pb.GetDataResponse, error) {
	reply, err := conn.SendRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	resp, ok := reply.(*pb.GetDataResponse)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedResponse, reply.Kind())
	}
	if b.opts.Consumer != nil {
		if r := b.opts.Consumer.Dispatch(conn.ID(), resp); !r.IsConsumed() {
			b.log.Debug("data response not claimed by any consumer")
		}
	}
	return resp, nil
}

// excludedKeys hashes every item of the preliminary response, in arrival
// order, followed by known keys that were not in it.
func (b *Bootstrapper) excludedKeys(resp *pb.GetDataResponse) [][]byte {
	hashes := store.ResponseHashes(resp)
	keys := make([][]byte, 0, len(hashes))
	seen := make(map[string]struct{}, len(hashes))
	add := func(k []byte) {
		if _, ok := seen[string(k)]; ok {
			return
		}
		seen[string(k)] = struct{}{}
		keys = append(keys, k)
	}
	for _, h := range hashes {
		add(h)
	}
	if b.opts.KnownKeys != nil {
		for _, k := range b.opts.KnownKeys() {
			add(k)
		}
	}
	return keys
}
