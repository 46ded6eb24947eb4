// Package broadcast fans a payload out to every live connection.
package broadcast

import (
	"context"
	"sync"
	"time"
	"weak"

	"go.uber.org/zap"

	"github.com/kunal-geeks/bisqp2p/internal/logging"
	"github.com/kunal-geeks/bisqp2p/internal/metrics"
	"github.com/kunal-geeks/bisqp2p/internal/p2p"
	"github.com/kunal-geeks/bisqp2p/internal/pb"
)

// DefaultSendTimeout bounds how long one connection may hold up its share
// of a broadcast.
const DefaultSendTimeout = 30 * time.Second

type Opts struct {
	SendTimeout time.Duration
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
}

// Broadcaster holds weak handles to connections announced through Added.
type Broadcaster struct {
	opts Opts
	log  *zap.Logger

	mu    sync.Mutex
	conns map[p2p.ConnectionID]weak.Pointer[p2p.Connection]
	wg    sync.WaitGroup
}

func New(opts Opts) *Broadcaster {
	if opts.SendTimeout == 0 {
		opts.SendTimeout = DefaultSendTimeout
	}
	return &Broadcaster{
		opts:  opts,
		log:   logging.OrNop(opts.Logger).Named("broadcast"),
		conns: make(map[p2p.ConnectionID]weak.Pointer[p2p.Connection]),
	}
}

// Added tracks a new connection. It is registered with the peer manager's
// OnConnectionAdded.
func (b *Broadcaster) Added(ev p2p.ConnectionAdded) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.conns[ev.ID] = ev.Conn
}

// live drops dead handles and returns the remaining connections.
func (b *Broadcaster) live() []*p2p.Connection {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]*p2p.Connection, 0, len(b.conns))
	for id, w := range b.conns {
		c := w.Value()
		if c == nil || c.IsClosed() {
			delete(b.conns, id)
			continue
		}
		out = append(out, c)
	}
	return out
}

// Broadcast enqueues p on every live connection except exclude, each from
// its own goroutine, and returns the number of connections addressed. A
// slow or failing peer never holds up the others; failures are logged.
func (b *Broadcaster) Broadcast(ctx context.Context, p pb.Payload, exclude *p2p.ConnectionID) int {
	n := 0
	for _, c := range b.live() {
		if exclude != nil && c.ID() == *exclude {
			continue
		}
		n++
		b.wg.Add(1)
		go func(c *p2p.Connection) {
			defer b.wg.Done()

			sctx, cancel := context.WithTimeout(ctx, b.opts.SendTimeout)
			defer cancel()
			if err := c.SendPayload(sctx, p); err != nil {
				b.opts.Metrics.BroadcastFailed()
				b.log.Debug("broadcast send failed",
					zap.Stringer("conn", c.ID()),
					zap.Stringer("kind", p.Kind()),
					zap.Error(err),
				)
			}
		}(c)
	}
	b.log.Debug("broadcast", zap.Stringer("kind", p.Kind()), zap.Int("connections", n))
	return n
}

// Wait blocks until every send started by Broadcast has finished.
func (b *Broadcaster) Wait() { b.wg.Wait() }

// Len returns the number of tracked handles, dead ones included until the
// next Broadcast.
func (b *Broadcaster) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.conns)
}
