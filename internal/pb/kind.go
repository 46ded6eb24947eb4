// Package pb holds the Bisq wire types the transport core switches on.
//
// Only the payload kinds the core needs to inspect are modelled as Go
// structs. Every other NetworkEnvelope payload is decoded into Unknown and
// re-encoded byte for byte, so consumers further up the stack receive it
// exactly as the peer sent it.
package pb

import "fmt"

// Kind identifies a payload by its field number inside the
// NetworkEnvelope oneof.
type Kind int32

const (
	KindPreliminaryGetDataRequest       Kind = 2
	KindGetDataResponse                 Kind = 3
	KindGetUpdatedDataRequest           Kind = 4
	KindGetPeersRequest                 Kind = 5
	KindGetPeersResponse                Kind = 6
	KindPing                            Kind = 7
	KindPong                            Kind = 8
	KindOfferAvailabilityRequest        Kind = 9
	KindOfferAvailabilityResponse       Kind = 10
	KindRefreshOfferMessage             Kind = 11
	KindAddDataMessage                  Kind = 12
	KindRemoveDataMessage               Kind = 13
	KindRemoveMailboxDataMessage        Kind = 14
	KindCloseConnectionMessage          Kind = 15
	KindPrefixedSealedAndSignedMessage  Kind = 16
	KindGetBlocksRequest                Kind = 28
	KindGetBlocksResponse               Kind = 29
	KindNewBlockBroadcastMessage        Kind = 30
	KindAddPersistableNetworkPayload    Kind = 31
	KindAckMessage                      Kind = 32
	KindGetDaoStateHashesRequest        Kind = 35
	KindGetDaoStateHashesResponse       Kind = 36
	KindGetProposalStateHashesRequest   Kind = 38
	KindGetProposalStateHashesResponse  Kind = 39
	KindGetBlindVoteStateHashesRequest  Kind = 41
	KindGetBlindVoteStateHashesResponse Kind = 42
	KindBundleOfEnvelopes               Kind = 43
)

var kindNames = map[Kind]string{
	KindPreliminaryGetDataRequest:       "PreliminaryGetDataRequest",
	KindGetDataResponse:                 "GetDataResponse",
	KindGetUpdatedDataRequest:           "GetUpdatedDataRequest",
	KindGetPeersRequest:                 "GetPeersRequest",
	KindGetPeersResponse:                "GetPeersResponse",
	KindPing:                            "Ping",
	KindPong:                            "Pong",
	KindOfferAvailabilityRequest:        "OfferAvailabilityRequest",
	KindOfferAvailabilityResponse:       "OfferAvailabilityResponse",
	KindRefreshOfferMessage:             "RefreshOfferMessage",
	KindAddDataMessage:                  "AddDataMessage",
	KindRemoveDataMessage:               "RemoveDataMessage",
	KindRemoveMailboxDataMessage:        "RemoveMailboxDataMessage",
	KindCloseConnectionMessage:          "CloseConnectionMessage",
	KindPrefixedSealedAndSignedMessage:  "PrefixedSealedAndSignedMessage",
	KindGetBlocksRequest:                "GetBlocksRequest",
	KindGetBlocksResponse:               "GetBlocksResponse",
	KindNewBlockBroadcastMessage:        "NewBlockBroadcastMessage",
	KindAddPersistableNetworkPayload:    "AddPersistableNetworkPayloadMessage",
	KindAckMessage:                      "AckMessage",
	KindGetDaoStateHashesRequest:        "GetDaoStateHashesRequest",
	KindGetDaoStateHashesResponse:       "GetDaoStateHashesResponse",
	KindGetProposalStateHashesRequest:   "GetProposalStateHashesRequest",
	KindGetProposalStateHashesResponse:  "GetProposalStateHashesResponse",
	KindGetBlindVoteStateHashesRequest:  "GetBlindVoteStateHashesRequest",
	KindGetBlindVoteStateHashesResponse: "GetBlindVoteStateHashesResponse",
	KindBundleOfEnvelopes:               "BundleOfEnvelopes",
}

// Known reports whether k is a NetworkEnvelope field this package names.
func (k Kind) Known() bool {
	_, ok := kindNames[k]
	return ok
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int32(k))
}

// Payload is one arm of the NetworkEnvelope oneof.
type Payload interface {
	Kind() Kind

	appendProto(b []byte) []byte
	unmarshalProto(b []byte) error
}

// newPayload returns an empty payload for the given oneof field.
func newPayload(k Kind) Payload {
	switch k {
	case KindPreliminaryGetDataRequest:
		return &PreliminaryGetDataRequest{}
	case KindGetDataResponse:
		return &GetDataResponse{}
	case KindGetUpdatedDataRequest:
		return &GetUpdatedDataRequest{}
	case KindGetPeersRequest:
		return &GetPeersRequest{}
	case KindGetPeersResponse:
		return &GetPeersResponse{}
	case KindPing:
		return &Ping{}
	case KindPong:
		return &Pong{}
	case KindOfferAvailabilityRequest:
		return &OfferAvailabilityRequest{}
	case KindOfferAvailabilityResponse:
		return &OfferAvailabilityResponse{}
	case KindCloseConnectionMessage:
		return &CloseConnectionMessage{}
	case KindGetBlocksRequest:
		return &GetBlocksRequest{}
	case KindGetBlocksResponse:
		return &GetBlocksResponse{}
	case KindGetDaoStateHashesRequest, KindGetProposalStateHashesRequest, KindGetBlindVoteStateHashesRequest:
		return &StateHashesRequest{kind: k}
	case KindGetDaoStateHashesResponse, KindGetProposalStateHashesResponse, KindGetBlindVoteStateHashesResponse:
		return &StateHashesResponse{kind: k}
	case KindBundleOfEnvelopes:
		return &BundleOfEnvelopes{}
	default:
		return &Unknown{Field: k}
	}
}
