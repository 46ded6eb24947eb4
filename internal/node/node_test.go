package node

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kunal-geeks/bisqp2p/internal/bootstrap"
	"github.com/kunal-geeks/bisqp2p/internal/config"
	"github.com/kunal-geeks/bisqp2p/internal/p2p"
	"github.com/kunal-geeks/bisqp2p/internal/pb"
)

// fakeSeed serves the two data requests, GetPeers and Ping over TCP.
type fakeSeed struct {
	server *p2p.Server

	mu    sync.Mutex
	conns []*p2p.Connection
	peers []*pb.GetPeersRequest
	pings []int32
}

func entry(s string) *pb.StorageEntryWrapper {
	return &pb.StorageEntryWrapper{Entry: &pb.ProtectedStorageEntry{StoragePayload: []byte(s)}}
}

func startSeed(t *testing.T) *fakeSeed {
	t.Helper()
	s := &fakeSeed{}
	s.server = p2p.NewServer(p2p.ServerOpts{
		ListenAddr: "127.0.0.1:0",
		OnIncoming: s.accept,
	})
	require.NoError(t, s.server.ListenAndAccept())
	t.Cleanup(func() {
		_ = s.server.Close()
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, c := range s.conns {
			_ = c.Close()
		}
	})
	return s
}

func (s *fakeSeed) accept(raw net.Conn) {
	ready := make(chan struct{})
	var conn *p2p.Connection
	conn = p2p.NewConnection(p2p.ConnectionOpts{
		Conn:      raw,
		Direction: p2p.Inbound,
		Dispatcher: p2p.DispatcherFunc(func(id p2p.ConnectionID, p pb.Payload) p2p.Result {
			<-ready
			go s.serve(conn, p)
			return p2p.Consumed()
		}),
	})
	close(ready)

	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.mu.Unlock()
}

func (s *fakeSeed) serve(conn *p2p.Connection, p pb.Payload) {
	ctx := context.Background()
	switch req := p.(type) {
	case *pb.PreliminaryGetDataRequest:
		_ = conn.SendPayload(ctx, &pb.GetDataResponse{
			RequestNonce: req.Nonce,
			DataSet:      []*pb.StorageEntryWrapper{entry("a"), entry("b")},
		})
	case *pb.GetUpdatedDataRequest:
		_ = conn.SendPayload(ctx, &pb.GetDataResponse{
			RequestNonce:             req.Nonce,
			IsGetUpdatedDataResponse: true,
			DataSet:                  []*pb.StorageEntryWrapper{entry("c")},
		})
	case *pb.GetPeersRequest:
		s.mu.Lock()
		s.peers = append(s.peers, req)
		s.mu.Unlock()
		_ = conn.SendPayload(ctx, &pb.GetPeersResponse{
			RequestNonce:          req.Nonce,
			SupportedCapabilities: config.LocalCapabilityTags(),
		})
	case *pb.Ping:
		s.mu.Lock()
		s.pings = append(s.pings, req.Nonce)
		s.mu.Unlock()
		_ = conn.SendPayload(ctx, &pb.Pong{RequestNonce: req.Nonce})
	}
}

func (s *fakeSeed) peerRequests() []*pb.GetPeersRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*pb.GetPeersRequest(nil), s.peers...)
}

func (s *fakeSeed) pingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pings)
}

func (s *fakeSeed) firstConn() *p2p.Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) == 0 {
		return nil
	}
	return s.conns[0]
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.ForcedSeed = "no-port"
	_, err := New(Opts{Config: cfg})
	assert.Error(t, err)
}

func TestNode_BootstrapsAndServes(t *testing.T) {
	seed := startSeed(t)

	cfg := config.Default()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.ForcedSeed = seed.server.Addr()
	cfg.DataDir = t.TempDir()

	offers := make(chan p2p.Delivery[*pb.OfferAvailabilityRequest], 1)
	gossip := make(chan p2p.Delivery[pb.Payload], 1)
	n, err := New(Opts{
		Config:            cfg,
		Registerer:        prometheus.NewRegistry(),
		KeepAliveInterval: 100 * time.Millisecond,
		Offers:            offers,
		Gossip:            gossip,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- n.Run(ctx) }()

	require.Eventually(t, func() bool { return n.BootstrapState() == bootstrap.Bootstrapped },
		5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 3, n.Store().Len())

	// The seed connection is handed to the peer manager, which asks for peers.
	require.Eventually(t, func() bool { return len(seed.peerRequests()) > 0 }, 5*time.Second, 10*time.Millisecond)
	req := seed.peerRequests()[0]
	require.NotNil(t, req.SenderNodeAddress)
	assert.Equal(t, n.Addr(), req.SenderNodeAddress.String())

	seedAddr, err := config.ParseNodeAddress(seed.server.Addr())
	require.NoError(t, err)
	status := n.Status()
	assert.Contains(t, values(status.Peers.Identified), seedAddr)

	// Keep-alive pings the idle seed connection.
	require.Eventually(t, func() bool { return seed.pingCount() > 0 }, 5*time.Second, 10*time.Millisecond)

	// An inbound peer gets a Pong back.
	raw, err := p2p.DirectDialer{}.Dial(context.Background(), addrOf(t, n.Addr()))
	require.NoError(t, err)
	client := p2p.NewConnection(p2p.ConnectionOpts{Conn: raw, Direction: p2p.Outbound})
	defer client.Close()

	rctx, rcancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer rcancel()
	reply, err := client.SendRequest(rctx, &pb.Ping{Nonce: 77})
	require.NoError(t, err)
	assert.Equal(t, &pb.Pong{RequestNonce: 77}, reply)
	assert.Equal(t, 2, n.Peers().Snapshot().Connections)

	// Application payloads reach their mailboxes.
	require.NoError(t, client.SendPayload(rctx, &pb.OfferAvailabilityRequest{OfferID: "offer-9"}))
	require.NoError(t, client.SendPayload(rctx, &pb.Unknown{Field: pb.KindAddDataMessage, Raw: []byte{0x0a, 0x01, 0x7f}}))
	select {
	case d := <-offers:
		assert.Equal(t, "offer-9", d.Payload.OfferID)
	case <-time.After(2 * time.Second):
		t.Fatal("offer request not forwarded")
	}
	select {
	case d := <-gossip:
		assert.Equal(t, pb.KindAddDataMessage, d.Payload.Kind())
	case <-time.After(2 * time.Second):
		t.Fatal("gossip not forwarded")
	}

	cancel()
	require.NoError(t, <-runErr)

	cctx, ccancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer ccancel()
	require.NoError(t, n.Close(cctx))

	seedConn := seed.firstConn()
	require.NotNil(t, seedConn)
	select {
	case <-seedConn.Done():
		assert.Equal(t, p2p.ReasonCloseRequestedByPeer, seedConn.CloseReason())
	case <-time.After(2 * time.Second):
		t.Fatal("seed connection not closed")
	}
	select {
	case <-client.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("inbound connection not closed")
	}
}

func TestNode_RunTwice(t *testing.T) {
	cfg := config.Default()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.ForcedSeed = "127.0.0.1:1"

	n, err := New(Opts{Config: cfg})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = n.Run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool { return n.Addr() != cfg.ListenAddr }, 2*time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, n.Run(ctx), ErrAlreadyRunning)

	cancel()
	<-done
	cctx, ccancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer ccancel()
	assert.NoError(t, n.Close(cctx))
}

func addrOf(t *testing.T, s string) pb.NodeAddress {
	t.Helper()
	a, err := config.ParseNodeAddress(s)
	require.NoError(t, err)
	return a
}

func values(m map[p2p.ConnectionID]pb.NodeAddress) []pb.NodeAddress {
	out := make([]pb.NodeAddress, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}
