package pb

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// P2PNetworkVersion is the protocol generation folded into every
// message_version.
const P2PNetworkVersion = 1

// MessageVersion derives the envelope version from the base-currency
// network ordinal.
func MessageVersion(networkOrdinal int32) int32 {
	return networkOrdinal + 10*P2PNetworkVersion
}

// NetworkEnvelope is the unit on the wire. A nil Payload means the oneof
// was not set.
type NetworkEnvelope struct {
	MessageVersion int32
	Payload        Payload
}

// Marshal encodes the envelope with the standard protobuf binary encoding.
func (e *NetworkEnvelope) Marshal() []byte {
	return e.appendProto(nil)
}

func (e *NetworkEnvelope) appendProto(b []byte) []byte {
	b = appendInt32(b, 1, e.MessageVersion)
	if e.Payload != nil {
		b = appendMessage(b, protowire.Number(e.Payload.Kind()), e.Payload.appendProto(nil))
	}
	return b
}

// UnmarshalEnvelope decodes one envelope.
func UnmarshalEnvelope(b []byte) (*NetworkEnvelope, error) {
	e := &NetworkEnvelope{}
	err := forEachField(b, func(f field) error {
		if f.num == 1 {
			v, err := f.int32()
			e.MessageVersion = v
			return err
		}
		raw, err := f.bytes()
		if err != nil {
			return err
		}
		p := newPayload(Kind(f.num))
		if err := p.unmarshalProto(raw); err != nil {
			return fmt.Errorf("pb: %s: %w", Kind(f.num), err)
		}
		e.Payload = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// BundleOfEnvelopes batches several envelopes into one frame.
type BundleOfEnvelopes struct {
	Envelopes []*NetworkEnvelope
}

func (*BundleOfEnvelopes) Kind() Kind { return KindBundleOfEnvelopes }

func (m *BundleOfEnvelopes) appendProto(b []byte) []byte {
	for _, e := range m.Envelopes {
		b = appendMessage(b, 1, e.appendProto(nil))
	}
	return b
}

func (m *BundleOfEnvelopes) unmarshalProto(b []byte) error {
	return forEachField(b, func(f field) error {
		if f.num != 1 {
			return nil
		}
		raw, err := f.bytes()
		if err != nil {
			return err
		}
		e, err := UnmarshalEnvelope(raw)
		if err != nil {
			return err
		}
		m.Envelopes = append(m.Envelopes, e)
		return nil
	})
}
