package pb

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrInvalidPort is returned when a NodeAddress carries a port outside the
// u16 range.
var ErrInvalidPort = errors.New("pb: port out of range")

// NodeAddress is a peer endpoint: a DNS name, an IPv4 literal or an .onion
// name, plus a port. Two addresses are the same peer only if both fields match.
type NodeAddress struct {
	HostName string
	Port     uint16
}

// String renders the address as host:port.
func (a NodeAddress) String() string {
	return net.JoinHostPort(a.HostName, strconv.Itoa(int(a.Port)))
}

// IsZero reports whether the address is unset.
func (a NodeAddress) IsZero() bool {
	return a.HostName == "" && a.Port == 0
}

func (a *NodeAddress) appendProto(b []byte) []byte {
	b = appendString(b, 1, a.HostName)
	return appendInt32(b, 2, int32(a.Port))
}

func (a *NodeAddress) unmarshalProto(b []byte) error {
	return forEachField(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			a.HostName, err = f.string()
		case 2:
			var port int32
			if port, err = f.int32(); err == nil {
				if port < 0 || port > 0xffff {
					return fmt.Errorf("%w: %d", ErrInvalidPort, port)
				}
				a.Port = uint16(port)
			}
		}
		return err
	})
}

func decodeNodeAddress(f field) (*NodeAddress, error) {
	raw, err := f.bytes()
	if err != nil {
		return nil, err
	}
	a := &NodeAddress{}
	if err := a.unmarshalProto(raw); err != nil {
		return nil, err
	}
	return a, nil
}

// Peer is an entry of a reported peer list.
type Peer struct {
	NodeAddress           *NodeAddress
	Date                  int64 // epoch millis
	SupportedCapabilities []int32
}

func (p *Peer) appendProto(b []byte) []byte {
	if p.NodeAddress != nil {
		b = appendMessage(b, 1, p.NodeAddress.appendProto(nil))
	}
	b = appendInt64(b, 2, p.Date)
	return appendPackedInt32(b, 3, p.SupportedCapabilities)
}

func (p *Peer) unmarshalProto(b []byte) error {
	return forEachField(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			p.NodeAddress, err = decodeNodeAddress(f)
		case 2:
			p.Date, err = f.int64()
		case 3:
			p.SupportedCapabilities, err = f.int32s(p.SupportedCapabilities)
		}
		return err
	})
}

func appendPeers(b []byte, num protowire.Number, peers []*Peer) []byte {
	for _, p := range peers {
		b = appendMessage(b, num, p.appendProto(nil))
	}
	return b
}

func decodePeer(f field) (*Peer, error) {
	raw, err := f.bytes()
	if err != nil {
		return nil, err
	}
	p := &Peer{}
	if err := p.unmarshalProto(raw); err != nil {
		return nil, err
	}
	return p, nil
}

// PreliminaryGetDataRequest is the first request of the seed bootstrap.
type PreliminaryGetDataRequest struct {
	Nonce                 int32
	ExcludedKeys          [][]byte
	SupportedCapabilities []int32
	Version               string
}

func (*PreliminaryGetDataRequest) Kind() Kind { return KindPreliminaryGetDataRequest }

func (m *PreliminaryGetDataRequest) appendProto(b []byte) []byte {
	b = appendRepeatedBytes(b, 2, m.ExcludedKeys)
	b = appendPackedInt32(b, 3, m.SupportedCapabilities)
	b = appendString(b, 4, m.Version)
	return appendInt32(b, 21, m.Nonce)
}

func (m *PreliminaryGetDataRequest) unmarshalProto(b []byte) error {
	return forEachField(b, func(f field) error {
		var err error
		switch f.num {
		case 21:
			m.Nonce, err = f.int32()
		case 2:
			var key []byte
			if key, err = f.bytes(); err == nil {
				m.ExcludedKeys = append(m.ExcludedKeys, key)
			}
		case 3:
			m.SupportedCapabilities, err = f.int32s(m.SupportedCapabilities)
		case 4:
			m.Version, err = f.string()
		}
		return err
	})
}

// GetUpdatedDataRequest is the second request of the seed bootstrap; it
// carries the sender's public address.
type GetUpdatedDataRequest struct {
	SenderNodeAddress *NodeAddress
	Nonce             int32
	ExcludedKeys      [][]byte
	Version           string
}

func (*GetUpdatedDataRequest) Kind() Kind { return KindGetUpdatedDataRequest }

func (m *GetUpdatedDataRequest) appendProto(b []byte) []byte {
	if m.SenderNodeAddress != nil {
		b = appendMessage(b, 1, m.SenderNodeAddress.appendProto(nil))
	}
	b = appendInt32(b, 2, m.Nonce)
	b = appendRepeatedBytes(b, 3, m.ExcludedKeys)
	return appendString(b, 4, m.Version)
}

func (m *GetUpdatedDataRequest) unmarshalProto(b []byte) error {
	return forEachField(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			m.SenderNodeAddress, err = decodeNodeAddress(f)
		case 2:
			m.Nonce, err = f.int32()
		case 3:
			var key []byte
			if key, err = f.bytes(); err == nil {
				m.ExcludedKeys = append(m.ExcludedKeys, key)
			}
		case 4:
			m.Version, err = f.string()
		}
		return err
	})
}

// GetPeersRequest asks a peer for its peer list and reports our own.
type GetPeersRequest struct {
	SenderNodeAddress     *NodeAddress
	Nonce                 int32
	SupportedCapabilities []int32
	ReportedPeers         []*Peer
}

func (*GetPeersRequest) Kind() Kind { return KindGetPeersRequest }

func (m *GetPeersRequest) appendProto(b []byte) []byte {
	if m.SenderNodeAddress != nil {
		b = appendMessage(b, 1, m.SenderNodeAddress.appendProto(nil))
	}
	b = appendInt32(b, 2, m.Nonce)
	b = appendPackedInt32(b, 3, m.SupportedCapabilities)
	return appendPeers(b, 4, m.ReportedPeers)
}

func (m *GetPeersRequest) unmarshalProto(b []byte) error {
	return forEachField(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			m.SenderNodeAddress, err = decodeNodeAddress(f)
		case 2:
			m.Nonce, err = f.int32()
		case 3:
			m.SupportedCapabilities, err = f.int32s(m.SupportedCapabilities)
		case 4:
			var p *Peer
			if p, err = decodePeer(f); err == nil {
				m.ReportedPeers = append(m.ReportedPeers, p)
			}
		}
		return err
	})
}

// GetPeersResponse answers a GetPeersRequest.
type GetPeersResponse struct {
	RequestNonce          int32
	ReportedPeers         []*Peer
	SupportedCapabilities []int32
}

func (*GetPeersResponse) Kind() Kind { return KindGetPeersResponse }

func (m *GetPeersResponse) appendProto(b []byte) []byte {
	b = appendInt32(b, 1, m.RequestNonce)
	b = appendPeers(b, 2, m.ReportedPeers)
	return appendPackedInt32(b, 3, m.SupportedCapabilities)
}

func (m *GetPeersResponse) unmarshalProto(b []byte) error {
	return forEachField(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			m.RequestNonce, err = f.int32()
		case 2:
			var p *Peer
			if p, err = decodePeer(f); err == nil {
				m.ReportedPeers = append(m.ReportedPeers, p)
			}
		case 3:
			m.SupportedCapabilities, err = f.int32s(m.SupportedCapabilities)
		}
		return err
	})
}

// Ping is the keep-alive probe.
type Ping struct {
	Nonce             int32
	LastRoundTripTime int32 // millis
}

func (*Ping) Kind() Kind { return KindPing }

func (m *Ping) appendProto(b []byte) []byte {
	b = appendInt32(b, 1, m.Nonce)
	return appendInt32(b, 2, m.LastRoundTripTime)
}

func (m *Ping) unmarshalProto(b []byte) error {
	return forEachField(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			m.Nonce, err = f.int32()
		case 2:
			m.LastRoundTripTime, err = f.int32()
		}
		return err
	})
}

// Pong answers a Ping.
type Pong struct {
	RequestNonce int32
}

func (*Pong) Kind() Kind { return KindPong }

func (m *Pong) appendProto(b []byte) []byte {
	return appendInt32(b, 1, m.RequestNonce)
}

func (m *Pong) unmarshalProto(b []byte) error {
	return forEachField(b, func(f field) error {
		var err error
		if f.num == 1 {
			m.RequestNonce, err = f.int32()
		}
		return err
	})
}

// CloseConnectionMessage announces that the sender is closing the
// connection. Reason is one of the CloseReason strings.
type CloseConnectionMessage struct {
	Reason string
}

func (*CloseConnectionMessage) Kind() Kind { return KindCloseConnectionMessage }

func (m *CloseConnectionMessage) appendProto(b []byte) []byte {
	return appendString(b, 1, m.Reason)
}

func (m *CloseConnectionMessage) unmarshalProto(b []byte) error {
	return forEachField(b, func(f field) error {
		var err error
		if f.num == 1 {
			m.Reason, err = f.string()
		}
		return err
	})
}

// OfferAvailabilityRequest is keyed by offer id. The remaining fields belong
// to the trade protocol and are kept opaque.
type OfferAvailabilityRequest struct {
	OfferID string
	unknown []byte
}

func (*OfferAvailabilityRequest) Kind() Kind { return KindOfferAvailabilityRequest }

func (m *OfferAvailabilityRequest) appendProto(b []byte) []byte {
	b = appendString(b, 1, m.OfferID)
	return append(b, m.unknown...)
}

func (m *OfferAvailabilityRequest) unmarshalProto(b []byte) error {
	return forEachField(b, func(f field) error {
		if f.num != 1 {
			m.unknown = append(m.unknown, f.raw...)
			return nil
		}
		var err error
		m.OfferID, err = f.string()
		return err
	})
}

// OfferAvailabilityResponse answers an OfferAvailabilityRequest.
type OfferAvailabilityResponse struct {
	OfferID string
	unknown []byte
}

func (*OfferAvailabilityResponse) Kind() Kind { return KindOfferAvailabilityResponse }

func (m *OfferAvailabilityResponse) appendProto(b []byte) []byte {
	b = appendString(b, 1, m.OfferID)
	return append(b, m.unknown...)
}

func (m *OfferAvailabilityResponse) unmarshalProto(b []byte) error {
	return forEachField(b, func(f field) error {
		if f.num != 1 {
			m.unknown = append(m.unknown, f.raw...)
			return nil
		}
		var err error
		m.OfferID, err = f.string()
		return err
	})
}

// GetBlocksRequest asks for DAO blocks starting at a height.
type GetBlocksRequest struct {
	FromBlockHeight int32
	Nonce           int32
	unknown         []byte
}

func (*GetBlocksRequest) Kind() Kind { return KindGetBlocksRequest }

func (m *GetBlocksRequest) appendProto(b []byte) []byte {
	b = appendInt32(b, 1, m.FromBlockHeight)
	b = appendInt32(b, 2, m.Nonce)
	return append(b, m.unknown...)
}

func (m *GetBlocksRequest) unmarshalProto(b []byte) error {
	return forEachField(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			m.FromBlockHeight, err = f.int32()
		case 2:
			m.Nonce, err = f.int32()
		default:
			m.unknown = append(m.unknown, f.raw...)
		}
		return err
	})
}

// GetBlocksResponse carries DAO blocks; the blocks themselves stay opaque.
type GetBlocksResponse struct {
	RequestNonce int32
	unknown      []byte
}

func (*GetBlocksResponse) Kind() Kind { return KindGetBlocksResponse }

func (m *GetBlocksResponse) appendProto(b []byte) []byte {
	b = append(b, m.unknown...)
	return appendInt32(b, 2, m.RequestNonce)
}

func (m *GetBlocksResponse) unmarshalProto(b []byte) error {
	return forEachField(b, func(f field) error {
		if f.num != 2 {
			m.unknown = append(m.unknown, f.raw...)
			return nil
		}
		var err error
		m.RequestNonce, err = f.int32()
		return err
	})
}

// StateHashesRequest covers the DAO, proposal and blind-vote state hash
// requests, which share one layout.
type StateHashesRequest struct {
	kind    Kind
	Height  int32
	Nonce   int32
	unknown []byte
}

// NewStateHashesRequest builds a request of one of the three state hash kinds.
func NewStateHashesRequest(kind Kind, height, nonce int32) *StateHashesRequest {
	return &StateHashesRequest{kind: kind, Height: height, Nonce: nonce}
}

func (m *StateHashesRequest) Kind() Kind { return m.kind }

func (m *StateHashesRequest) appendProto(b []byte) []byte {
	b = appendInt32(b, 1, m.Height)
	b = appendInt32(b, 2, m.Nonce)
	return append(b, m.unknown...)
}

func (m *StateHashesRequest) unmarshalProto(b []byte) error {
	return forEachField(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			m.Height, err = f.int32()
		case 2:
			m.Nonce, err = f.int32()
		default:
			m.unknown = append(m.unknown, f.raw...)
		}
		return err
	})
}

// StateHashesResponse answers a StateHashesRequest of the matching kind.
type StateHashesResponse struct {
	kind         Kind
	RequestNonce int32
	unknown      []byte
}

// NewStateHashesResponse builds a response of one of the three state hash kinds.
func NewStateHashesResponse(kind Kind, requestNonce int32) *StateHashesResponse {
	return &StateHashesResponse{kind: kind, RequestNonce: requestNonce}
}

func (m *StateHashesResponse) Kind() Kind { return m.kind }

func (m *StateHashesResponse) appendProto(b []byte) []byte {
	b = append(b, m.unknown...)
	return appendInt32(b, 2, m.RequestNonce)
}

func (m *StateHashesResponse) unmarshalProto(b []byte) error {
	return forEachField(b, func(f field) error {
		if f.num != 2 {
			m.unknown = append(m.unknown, f.raw...)
			return nil
		}
		var err error
		m.RequestNonce, err = f.int32()
		return err
	})
}

// Unknown is any payload kind the core does not model. Raw is the payload
// message encoding without the envelope tag.
type Unknown struct {
	Field Kind
	Raw   []byte
}

func (m *Unknown) Kind() Kind { return m.Field }

func (m *Unknown) appendProto(b []byte) []byte {
	return append(b, m.Raw...)
}

func (m *Unknown) unmarshalProto(b []byte) error {
	m.Raw = append(m.Raw[:0], b...)
	return nil
}
