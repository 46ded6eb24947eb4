package config

// Capability is a feature tag peers advertise to each other. The values are
// positional and shared with every other Bisq implementation; never
// reorder or renumber them.
type Capability int32

const (
	TradeStatistics Capability = iota // deprecated
	TradeStatistics2
	AccountAgeWitness
	SeedNode
	DaoFullNode
	Proposal
	BlindVote
	AckMsg
	ReceiveBsqBlock
	DaoState
	BundleOfEnvelopes
	SignedAccountAgeWitness
	Mediation
	RefundAgent
	TradeStatisticsHashUpdate
	NoAddressPreFix
	TradeStatistics3
	BsqSwapOffer
)

var capabilityNames = [...]string{
	TradeStatistics:           "TRADE_STATISTICS",
	TradeStatistics2:          "TRADE_STATISTICS_2",
	AccountAgeWitness:         "ACCOUNT_AGE_WITNESS",
	SeedNode:                  "SEED_NODE",
	DaoFullNode:               "DAO_FULL_NODE",
	Proposal:                  "PROPOSAL",
	BlindVote:                 "BLIND_VOTE",
	AckMsg:                    "ACK_MSG",
	ReceiveBsqBlock:           "RECEIVE_BSQ_BLOCK",
	DaoState:                  "DAO_STATE",
	BundleOfEnvelopes:         "BUNDLE_OF_ENVELOPES",
	SignedAccountAgeWitness:   "SIGNED_ACCOUNT_AGE_WITNESS",
	Mediation:                 "MEDIATION",
	RefundAgent:               "REFUND_AGENT",
	TradeStatisticsHashUpdate: "TRADE_STATISTICS_HASH_UPDATE",
	NoAddressPreFix:           "NO_ADDRESS_PRE_FIX",
	TradeStatistics3:          "TRADE_STATISTICS_3",
	BsqSwapOffer:              "BSQ_SWAP_OFFER",
}

func (c Capability) String() string {
	if c >= 0 && int(c) < len(capabilityNames) {
		return capabilityNames[c]
	}
	return "UNKNOWN"
}

// LocalCapabilities is what this node advertises, in order.
var LocalCapabilities = []Capability{
	TradeStatistics,
	TradeStatistics2,
	AccountAgeWitness,
	AckMsg,
	Proposal,
	BlindVote,
	DaoState,
	BundleOfEnvelopes,
	Mediation,
	SignedAccountAgeWitness,
	RefundAgent,
	TradeStatisticsHashUpdate,
	NoAddressPreFix,
	TradeStatistics3,
	BsqSwapOffer,
}

// CapabilityTags converts capabilities to the integers carried on the wire.
func CapabilityTags(caps []Capability) []int32 {
	tags := make([]int32, len(caps))
	for i, c := range caps {
		tags[i] = int32(c)
	}
	return tags
}

// LocalCapabilityTags returns LocalCapabilities as wire integers.
func LocalCapabilityTags() []int32 {
	return CapabilityTags(LocalCapabilities)
}
