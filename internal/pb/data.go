package pb

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ProtectedStorageEntry wraps a signed storage payload. StoragePayload is
// the encoded StoragePayload message, kept verbatim so its hash can be
// taken over the bytes the owner signed.
type ProtectedStorageEntry struct {
	StoragePayload    []byte
	OwnerPubKeyBytes  []byte
	SequenceNumber    int32
	Signature         []byte
	CreationTimeStamp int64
}

func (e *ProtectedStorageEntry) appendProto(b []byte) []byte {
	if e.StoragePayload != nil {
		b = appendMessage(b, 1, e.StoragePayload)
	}
	b = appendBytes(b, 2, e.OwnerPubKeyBytes)
	b = appendInt32(b, 3, e.SequenceNumber)
	b = appendBytes(b, 4, e.Signature)
	return appendInt64(b, 5, e.CreationTimeStamp)
}

func (e *ProtectedStorageEntry) unmarshalProto(b []byte) error {
	return forEachField(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			e.StoragePayload, err = f.bytes()
		case 2:
			e.OwnerPubKeyBytes, err = f.bytes()
		case 3:
			e.SequenceNumber, err = f.int32()
		case 4:
			e.Signature, err = f.bytes()
		case 5:
			e.CreationTimeStamp, err = f.int64()
		}
		return err
	})
}

// StorageEntryWrapper is one element of GetDataResponse.data_set: either a
// plain protected entry or a mailbox entry addressed to a receiver key.
type StorageEntryWrapper struct {
	Entry                *ProtectedStorageEntry
	Mailbox              bool
	ReceiversPubKeyBytes []byte
}

func (w *StorageEntryWrapper) appendProto(b []byte) []byte {
	var entry []byte
	if w.Entry != nil {
		entry = w.Entry.appendProto(nil)
	}
	if !w.Mailbox {
		return appendMessage(b, 1, entry)
	}
	var mailbox []byte
	if w.Entry != nil {
		mailbox = appendMessage(mailbox, 1, entry)
	}
	mailbox = appendBytes(mailbox, 2, w.ReceiversPubKeyBytes)
	return appendMessage(b, 2, mailbox)
}

func (w *StorageEntryWrapper) unmarshalProto(b []byte) error {
	return forEachField(b, func(f field) error {
		raw, err := f.bytes()
		if err != nil {
			return err
		}
		switch f.num {
		case 1:
			w.Mailbox = false
			w.Entry = &ProtectedStorageEntry{}
			return w.Entry.unmarshalProto(raw)
		case 2:
			w.Mailbox = true
			return forEachField(raw, func(mf field) error {
				var err error
				switch mf.num {
				case 1:
					var inner []byte
					if inner, err = mf.bytes(); err == nil {
						w.Entry = &ProtectedStorageEntry{}
						err = w.Entry.unmarshalProto(inner)
					}
				case 2:
					w.ReceiversPubKeyBytes, err = mf.bytes()
				}
				return err
			})
		}
		return nil
	})
}

// PersistableKind is the oneof arm of a PersistableNetworkPayload.
type PersistableKind int32

const (
	PersistableAccountAgeWitness PersistableKind = 1
	PersistableTradeStatistics2  PersistableKind = 2
	PersistableProposalPayload   PersistableKind = 3
	PersistableBlindVotePayload  PersistableKind = 4
	PersistableSignedWitness     PersistableKind = 5
	PersistableTradeStatistics3  PersistableKind = 6
)

// PersistableNetworkPayload is an append-only data item. Raw is the encoding
// of the inner message selected by Kind.
type PersistableNetworkPayload struct {
	Kind PersistableKind
	Raw  []byte
}

// BytesField returns the last occurrence of a bytes field of the inner
// message, or nil if absent.
func (p *PersistableNetworkPayload) BytesField(num int32) []byte {
	var out []byte
	_ = forEachField(p.Raw, func(f field) error {
		if f.num == protowire.Number(num) && f.typ == protowire.BytesType {
			if v, err := f.bytes(); err == nil {
				out = v
			}
		}
		return nil
	})
	return out
}

func (p *PersistableNetworkPayload) appendProto(b []byte) []byte {
	return appendMessage(b, protowire.Number(p.Kind), p.Raw)
}

func (p *PersistableNetworkPayload) unmarshalProto(b []byte) error {
	return forEachField(b, func(f field) error {
		raw, err := f.bytes()
		if err != nil {
			return err
		}
		if f.num < 1 || f.num > protowire.Number(PersistableTradeStatistics3) {
			return fmt.Errorf("pb: unknown persistable payload kind %d", f.num)
		}
		p.Kind = PersistableKind(f.num)
		p.Raw = raw
		return nil
	})
}

// GetDataResponse answers both bootstrap requests.
type GetDataResponse struct {
	DataSet                        []*StorageEntryWrapper
	RequestNonce                   int32
	IsGetUpdatedDataResponse       bool
	SupportedCapabilities          []int32
	PersistableNetworkPayloadItems []*PersistableNetworkPayload
	WasTruncated                   bool
}

func (*GetDataResponse) Kind() Kind { return KindGetDataResponse }

func (m *GetDataResponse) appendProto(b []byte) []byte {
	for _, w := range m.DataSet {
		b = appendMessage(b, 1, w.appendProto(nil))
	}
	b = appendInt32(b, 2, m.RequestNonce)
	b = appendBool(b, 3, m.IsGetUpdatedDataResponse)
	b = appendPackedInt32(b, 4, m.SupportedCapabilities)
	for _, p := range m.PersistableNetworkPayloadItems {
		b = appendMessage(b, 5, p.appendProto(nil))
	}
	return appendBool(b, 6, m.WasTruncated)
}

func (m *GetDataResponse) unmarshalProto(b []byte) error {
	return forEachField(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			var raw []byte
			if raw, err = f.bytes(); err == nil {
				w := &StorageEntryWrapper{}
				if err = w.unmarshalProto(raw); err == nil {
					m.DataSet = append(m.DataSet, w)
				}
			}
		case 2:
			m.RequestNonce, err = f.int32()
		case 3:
			m.IsGetUpdatedDataResponse, err = f.bool()
		case 4:
			m.SupportedCapabilities, err = f.int32s(m.SupportedCapabilities)
		case 5:
			var raw []byte
			if raw, err = f.bytes(); err == nil {
				p := &PersistableNetworkPayload{}
				if err = p.unmarshalProto(raw); err == nil {
					m.PersistableNetworkPayloadItems = append(m.PersistableNetworkPayloadItems, p)
				}
			}
		case 6:
			m.WasTruncated, err = f.bool()
		}
		return err
	})
}
