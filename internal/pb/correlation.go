package pb

import "strconv"

// CorrelationID links a request to its reply. Nonce-bearing exchanges use
// the integer form; offer-availability exchanges use the offer id.
type CorrelationID struct {
	nonce   int32
	offerID string
	str     bool
}

// NonceCorrelation returns an integer correlation id.
func NonceCorrelation(nonce int32) CorrelationID {
	return CorrelationID{nonce: nonce}
}

// OfferCorrelation returns a string correlation id.
func OfferCorrelation(offerID string) CorrelationID {
	return CorrelationID{offerID: offerID, str: true}
}

func (c CorrelationID) String() string {
	if c.str {
		return "offer:" + c.offerID
	}
	return "nonce:" + strconv.FormatInt(int64(c.nonce), 10)
}

// CorrelationOf extracts the correlation field of a payload. Payload kinds
// without one report ok=false.
func CorrelationOf(p Payload) (id CorrelationID, ok bool) {
	switch m := p.(type) {
	case *PreliminaryGetDataRequest:
		return NonceCorrelation(m.Nonce), true
	case *GetUpdatedDataRequest:
		return NonceCorrelation(m.Nonce), true
	case *GetPeersRequest:
		return NonceCorrelation(m.Nonce), true
	case *Ping:
		return NonceCorrelation(m.Nonce), true
	case *GetBlocksRequest:
		return NonceCorrelation(m.Nonce), true
	case *StateHashesRequest:
		return NonceCorrelation(m.Nonce), true
	case *GetDataResponse:
		return NonceCorrelation(m.RequestNonce), true
	case *GetPeersResponse:
		return NonceCorrelation(m.RequestNonce), true
	case *Pong:
		return NonceCorrelation(m.RequestNonce), true
	case *GetBlocksResponse:
		return NonceCorrelation(m.RequestNonce), true
	case *StateHashesResponse:
		return NonceCorrelation(m.RequestNonce), true
	case *OfferAvailabilityRequest:
		return OfferCorrelation(m.OfferID), true
	case *OfferAvailabilityResponse:
		return OfferCorrelation(m.OfferID), true
	default:
		return CorrelationID{}, false
	}
}

// IsReply reports whether a payload kind answers a correlated request.
func IsReply(p Payload) bool {
	switch p.Kind() {
	case KindGetDataResponse, KindGetPeersResponse, KindPong, KindGetBlocksResponse,
		KindGetDaoStateHashesResponse, KindGetProposalStateHashesResponse,
		KindGetBlindVoteStateHashesResponse, KindOfferAvailabilityResponse:
		return true
	default:
		return false
	}
}
