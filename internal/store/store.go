// Package store computes data-item hashes and keeps the data received from
// peers, keyed by hash.
package store

import (
	"sync"

	"go.uber.org/zap"

	"github.com/kunal-geeks/bisqp2p/internal/logging"
	"github.com/kunal-geeks/bisqp2p/internal/p2p"
	"github.com/kunal-geeks/bisqp2p/internal/pb"
)

// Opts configures a Store.
type Opts struct {
	// Persist, when set, receives the raw bytes of every new item and is
	// read once at startup so previously seen hashes count as known.
	Persist *FSStore
	Logger  *zap.Logger
}

// Store holds the storage entries and persistable payloads delivered by
// GetDataResponse messages. It is the application-side consumer of seed
// data.
type Store struct {
	persist *FSStore
	log     *zap.Logger

	mu     sync.Mutex
	known  map[string]struct{}
	order  []Hash
	raw    map[string][]byte
	counts map[pb.PersistableKind]int
}

// New creates a Store and loads the hashes already on disk, if persistence
// is configured.
func New(opts Opts) (*Store, error) {
	s := &Store{
		persist: opts.Persist,
		log:     logging.OrNop(opts.Logger).Named("store"),
		known:   make(map[string]struct{}),
		raw:     make(map[string][]byte),
		counts:  make(map[pb.PersistableKind]int),
	}
	if s.persist == nil {
		return s, nil
	}

	hashes, err := s.persist.List()
	if err != nil {
		return nil, err
	}
	for _, h := range hashes {
		s.markKnown(h)
	}
	s.log.Info("loaded persisted data items", zap.Int("count", len(hashes)))
	return s, nil
}

func (s *Store) markKnown(h Hash) bool {
	k := string(h)
	if _, ok := s.known[k]; ok {
		return false
	}
	s.known[k] = struct{}{}
	s.order = append(s.order, h)
	return true
}

// Dispatch claims GetDataResponse payloads and retains everything else.
func (s *Store) Dispatch(id p2p.ConnectionID, p pb.Payload) p2p.Result {
	resp, ok := p.(*pb.GetDataResponse)
	if !ok {
		return p2p.Retained(p)
	}
	added := s.AddResponse(resp)
	s.log.Debug("data response stored",
		zap.Stringer("conn", id),
		zap.Int("items", len(resp.DataSet)+len(resp.PersistableNetworkPayloadItems)),
		zap.Int("new", added),
		zap.Bool("updated", resp.IsGetUpdatedDataResponse),
		zap.Bool("truncated", resp.WasTruncated),
	)
	return p2p.Consumed()
}

// AddResponse stores every hashable item of resp and returns how many were
// new.
func (s *Store) AddResponse(resp *pb.GetDataResponse) int {
	type item struct {
		hash Hash
		data []byte
		kind pb.PersistableKind
	}
	var items []item
	for _, w := range resp.DataSet {
		h, err := HashStorageEntry(w)
		if err != nil {
			s.log.Debug("skipping storage entry", zap.Error(err))
			continue
		}
		items = append(items, item{hash: h, data: w.Entry.StoragePayload})
	}
	for _, p := range resp.PersistableNetworkPayloadItems {
		h, err := HashPersistable(p)
		if err != nil {
			s.log.Debug("skipping persistable payload", zap.Error(err))
			continue
		}
		items = append(items, item{hash: h, data: p.Raw, kind: p.Kind})
	}

	var fresh []item
	s.mu.Lock()
	for _, it := range items {
		if !s.markKnown(it.hash) {
			continue
		}
		s.raw[string(it.hash)] = it.data
		if it.kind != 0 {
			s.counts[it.kind]++
		}
		fresh = append(fresh, it)
	}
	s.mu.Unlock()

	if s.persist != nil {
		for _, it := range fresh {
			if err := s.persist.Put(it.hash, it.data); err != nil {
				s.log.Warn("persisting data item failed", zap.Stringer("hash", it.hash), zap.Error(err))
			}
		}
	}
	return len(fresh)
}

// ExcludedKeys returns every known hash in arrival order, in the form a
// GetUpdatedDataRequest carries them.
func (s *Store) ExcludedKeys() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([][]byte, len(s.order))
	for i, h := range s.order {
		keys[i] = h
	}
	return keys
}

// Has reports whether an item with hash h is known.
func (s *Store) Has(h Hash) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.known[string(h)]
	return ok
}

// Get returns the raw bytes of an item. Items received in an earlier run
// are read back from disk.
func (s *Store) Get(h Hash) ([]byte, bool) {
	s.mu.Lock()
	data, ok := s.raw[string(h)]
	s.mu.Unlock()
	if ok || s.persist == nil {
		return data, ok
	}

	data, ok, err := s.persist.Load(h)
	if err != nil {
		s.log.Warn("loading data item failed", zap.Stringer("hash", h), zap.Error(err))
		return nil, false
	}
	return data, ok
}

// Len returns the number of known items.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.order)
}

// Count returns how many persistable payloads of kind k were received.
func (s *Store) Count(k pb.PersistableKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.counts[k]
}
