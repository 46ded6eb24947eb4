package peers

import (
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/kunal-geeks/bisqp2p/internal/pb"
)

// PeerInfo is what we know about one peer address. A nil capability slice
// means "not known"; an empty non-nil slice is a known empty set.
type PeerInfo struct {
	ReportedAliveAt      time.Time
	GossipedCapabilities []int32
	ReportedCapabilities []int32
}

// Capabilities prefers what the peer reported about itself over what a
// third peer gossiped about it.
func (i PeerInfo) Capabilities() []int32 {
	if i.ReportedCapabilities != nil {
		return i.ReportedCapabilities
	}
	return i.GossipedCapabilities
}

// update applies one observation:
//
//	reported_alive_at     <- max(existing, alive)
//	reported_capabilities <- reported, if known
//	gossiped_capabilities <- gossiped, if known
//
// Applying the same observation twice leaves the same state.
func (i *PeerInfo) update(alive time.Time, reported, gossiped []int32) {
	if alive.After(i.ReportedAliveAt) {
		i.ReportedAliveAt = alive
	}
	if reported != nil {
		i.ReportedCapabilities = slices.Clone(reported)
	}
	if gossiped != nil {
		i.GossipedCapabilities = slices.Clone(gossiped)
	}
}

func (i PeerInfo) clone() PeerInfo {
	return PeerInfo{
		ReportedAliveAt:      i.ReportedAliveAt,
		GossipedCapabilities: slices.Clone(i.GossipedCapabilities),
		ReportedCapabilities: slices.Clone(i.ReportedCapabilities),
	}
}

// InfoTable maps peer addresses to PeerInfo. A peer we lost a connection
// to stays a candidate for reconnection. Once the table holds more than its
// limit, the entry reported alive longest ago is evicted.
type InfoTable struct {
	limit int

	mu    sync.RWMutex
	infos map[pb.NodeAddress]*PeerInfo
}

// NewInfoTable returns an empty table holding at most limit addresses.
// Zero means MaxKnownPeers.
func NewInfoTable(limit int) *InfoTable {
	if limit <= 0 {
		limit = MaxKnownPeers
	}
	return &InfoTable{limit: limit, infos: make(map[pb.NodeAddress]*PeerInfo)}
}

// Update adds or refreshes the record for addr.
func (t *InfoTable) Update(addr pb.NodeAddress, alive time.Time, reported, gossiped []int32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	info, ok := t.infos[addr]
	if !ok {
		info = &PeerInfo{}
		t.infos[addr] = info
	}
	info.update(alive, reported, gossiped)
	if !ok && len(t.infos) > t.limit {
		t.evictOldest(addr)
	}
}

// evictOldest drops the entry with the oldest ReportedAliveAt other than
// keep.
func (t *InfoTable) evictOldest(keep pb.NodeAddress) {
	var (
		victim pb.NodeAddress
		oldest time.Time
		found  bool
	)
	for addr, info := range t.infos {
		if addr == keep {
			continue
		}
		if !found || info.ReportedAliveAt.Before(oldest) {
			victim, oldest, found = addr, info.ReportedAliveAt, true
		}
	}
	if found {
		delete(t.infos, victim)
	}
}

// Get returns a copy of the record for addr.
func (t *InfoTable) Get(addr pb.NodeAddress) (PeerInfo, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	info, ok := t.infos[addr]
	if !ok {
		return PeerInfo{}, false
	}
	return info.clone(), true
}

// Addresses returns every known address, sorted for stable output.
func (t *InfoTable) Addresses() []pb.NodeAddress {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]pb.NodeAddress, 0, len(t.infos))
	for addr := range t.infos {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].HostName != out[j].HostName {
			return out[i].HostName < out[j].HostName
		}
		return out[i].Port < out[j].Port
	})
	return out
}

// Len returns the number of known addresses.
func (t *InfoTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.infos)
}
