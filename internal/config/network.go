package config

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kunal-geeks/bisqp2p/internal/pb"
)

// Network is the base-currency network a node belongs to. The numeric value
// is the network ordinal that goes into the message version.
type Network int32

const (
	BtcMainnet Network = iota
	BtcTestnet
	BtcRegtest
)

var networkNames = map[Network]string{
	BtcMainnet: "BTC_MAINNET",
	BtcTestnet: "BTC_TESTNET",
	BtcRegtest: "BTC_REGTEST",
}

// Networks lists every supported network in ordinal order.
var Networks = []Network{BtcMainnet, BtcTestnet, BtcRegtest}

func (n Network) String() string {
	if name, ok := networkNames[n]; ok {
		return name
	}
	return fmt.Sprintf("Network(%d)", int32(n))
}

// Valid reports whether n is one of the supported networks.
func (n Network) Valid() bool {
	_, ok := networkNames[n]
	return ok
}

// MessageVersion is the version stamped on every outbound envelope.
func (n Network) MessageVersion() int32 {
	return pb.MessageVersion(int32(n))
}

// ParseNetwork accepts the canonical upper-case names, case-insensitively.
func ParseNetwork(s string) (Network, error) {
	want := strings.ToUpper(strings.TrimSpace(s))
	for n, name := range networkNames {
		if name == want {
			return n, nil
		}
	}
	return 0, fmt.Errorf("unknown network %q", s)
}

func (n Network) MarshalYAML() (any, error) {
	return n.String(), nil
}

func (n *Network) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := ParseNetwork(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*n = parsed
	return nil
}
