// Package keepalive pings idle connections and answers pings from peers.
//
// Records are keyed by connection id and hold only weak handles; the peer
// manager owns the connections. A record whose connection has gone is
// evicted on the next tick.
package keepalive

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"
	"weak"

	"go.uber.org/zap"

	"github.com/kunal-geeks/bisqp2p/internal/logging"
	"github.com/kunal-geeks/bisqp2p/internal/metrics"
	"github.com/kunal-geeks/bisqp2p/internal/p2p"
	"github.com/kunal-geeks/bisqp2p/internal/pb"
)

const (
	BaseInterval   = 30 * time.Second
	IntervalJitter = 5 * time.Second
)

// RandomInterval returns BaseInterval plus a uniform jitter in [0, IntervalJitter).
func RandomInterval() time.Duration {
	return BaseInterval + rand.N(IntervalJitter)
}

// Opts configures a KeepAlive.
type Opts struct {
	// Interval is the loop period. Zero picks RandomInterval once.
	Interval time.Duration

	// Lookup resolves a connection that pinged us before its
	// ConnectionAdded event was seen.
	Lookup func(p2p.ConnectionID) (*p2p.Connection, bool)

	Logger  *zap.Logger
	Metrics *metrics.Metrics

	Now   func() time.Time
	Nonce func() int32
}

type record struct {
	conn       weak.Pointer[p2p.Connection]
	lastActive time.Time // zero until the first Ping or Pong
	lastRTT    time.Duration
	inFlight   bool
}

// KeepAlive runs the Ping/Pong loop for every connection it is told about.
type KeepAlive struct {
	opts     Opts
	log      *zap.Logger
	interval time.Duration

	mu      sync.Mutex
	records map[p2p.ConnectionID]*record
}

func New(opts Opts) *KeepAlive {
	if opts.Interval == 0 {
		opts.Interval = RandomInterval()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Nonce == nil {
		opts.Nonce = rand.Int32
	}
	return &KeepAlive{
		opts:     opts,
		log:      logging.OrNop(opts.Logger).Named("keepalive"),
		interval: opts.Interval,
		records:  make(map[p2p.ConnectionID]*record),
	}
}

// Interval is the loop period.
func (k *KeepAlive) Interval() time.Duration { return k.interval }

// LastActivityAge is how long a connection may stay silent before it is
// pinged.
func (k *KeepAlive) LastActivityAge() time.Duration { return k.interval / 2 }

// Added starts tracking a connection. It is registered with the peer
// manager's OnConnectionAdded.
func (k *KeepAlive) Added(ev p2p.ConnectionAdded) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if _, ok := k.records[ev.ID]; !ok {
		k.records[ev.ID] = &record{conn: ev.Conn}
	}
}

// Dispatcher claims inbound Ping payloads.
func (k *KeepAlive) Dispatcher() p2p.Dispatcher {
	return p2p.Handle(k.handlePing)
}

func (k *KeepAlive) handlePing(id p2p.ConnectionID, ping *pb.Ping) {
	now := k.opts.Now()

	var found *p2p.Connection
	k.mu.Lock()
	_, known := k.records[id]
	k.mu.Unlock()
	if !known && k.opts.Lookup != nil {
		if c, ok := k.opts.Lookup(id); ok {
			found = c
		}
	}

	var conn *p2p.Connection
	k.mu.Lock()
	rec, ok := k.records[id]
	if !ok && found != nil {
		rec = &record{conn: weak.Make(found)}
		k.records[id] = rec
	}
	if rec != nil {
		conn = rec.conn.Value()
		rec.lastActive = now
		rec.lastRTT = time.Duration(ping.LastRoundTripTime) * time.Millisecond
	}
	k.mu.Unlock()

	if conn == nil {
		k.log.Debug("Ping on unknown connection", zap.Stringer("conn", id))
		return
	}
	// Replying from the read loop could block it on a full send queue.
	go func() {
		if err := conn.SendPayload(context.Background(), &pb.Pong{RequestNonce: ping.Nonce}); err != nil {
			k.log.Debug("sending Pong failed", zap.Stringer("conn", id), zap.Error(err))
		}
	}()
}

type target struct {
	id      p2p.ConnectionID
	conn    *p2p.Connection
	lastRTT time.Duration
}

// Tick runs one round: records of dropped connections are evicted and
// every connection idle for longer than LastActivityAge is pinged. Tick
// returns once each Ping has been answered or has timed out.
func (k *KeepAlive) Tick(ctx context.Context) {
	now := k.opts.Now()
	age := k.LastActivityAge()

	var targets []target
	k.mu.Lock()
	for id, rec := range k.records {
		conn := rec.conn.Value()
		if conn == nil || conn.IsClosed() {
			delete(k.records, id)
			k.log.Debug("evicted record", zap.Stringer("conn", id))
			continue
		}
		if rec.inFlight {
			continue
		}
		if rec.lastActive.IsZero() || now.Sub(rec.lastActive) > age {
			rec.inFlight = true
			targets = append(targets, target{id: id, conn: conn, lastRTT: rec.lastRTT})
		}
	}
	k.mu.Unlock()

	var wg sync.WaitGroup
	for _, t := range targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			k.ping(ctx, t)
		}()
	}
	wg.Wait()
}

func (k *KeepAlive) ping(ctx context.Context, t target) {
	ctx, cancel := context.WithTimeout(ctx, k.LastActivityAge())
	defer cancel()

	sent := k.opts.Now()
	_, err := t.conn.SendRequest(ctx, &pb.Ping{
		Nonce:             k.opts.Nonce(),
		LastRoundTripTime: int32(t.lastRTT.Milliseconds()),
	})
	now := k.opts.Now()

	k.mu.Lock()
	defer k.mu.Unlock()

	rec, ok := k.records[t.id]
	if !ok {
		return
	}
	rec.inFlight = false
	if err != nil {
		k.log.Debug("ping failed", zap.Stringer("conn", t.id), zap.Error(err))
		return
	}
	rec.lastActive = now
	rec.lastRTT = now.Sub(sent)
	k.opts.Metrics.ObserveRoundTrip(rec.lastRTT)
}

// Run ticks every Interval until ctx is done.
func (k *KeepAlive) Run(ctx context.Context) {
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			k.Tick(ctx)
		}
	}
}

// LastActive reports when the connection last answered or sent a Ping.
func (k *KeepAlive) LastActive(id p2p.ConnectionID) (time.Time, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()

	rec, ok := k.records[id]
	if !ok || rec.lastActive.IsZero() {
		return time.Time{}, false
	}
	return rec.lastActive, true
}

// RoundTrip returns the last measured round-trip time for the connection.
func (k *KeepAlive) RoundTrip(id p2p.ConnectionID) (time.Duration, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()

	rec, ok := k.records[id]
	if !ok {
		return 0, false
	}
	return rec.lastRTT, true
}

// Len returns the number of tracked connections.
func (k *KeepAlive) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()

	return len(k.records)
}
