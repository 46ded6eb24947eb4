package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/kunal-geeks/bisqp2p/internal/pb"
)

func TestNetwork_MessageVersion(t *testing.T) {
	assert.Equal(t, int32(10), BtcMainnet.MessageVersion())
	assert.Equal(t, int32(11), BtcTestnet.MessageVersion())
	assert.Equal(t, int32(12), BtcRegtest.MessageVersion())
}

func TestParseNetwork(t *testing.T) {
	for _, n := range Networks {
		got, err := ParseNetwork(n.String())
		require.NoError(t, err)
		assert.Equal(t, n, got)
	}

	got, err := ParseNetwork(" btc_regtest ")
	require.NoError(t, err)
	assert.Equal(t, BtcRegtest, got)

	_, err = ParseNetwork("LTC_MAINNET")
	assert.Error(t, err)
}

// The numeric values are a contract with the rest of the network.
func TestCapability_Mapping(t *testing.T) {
	want := map[Capability]int32{
		TradeStatistics:           0,
		TradeStatistics2:          1,
		AccountAgeWitness:         2,
		SeedNode:                  3,
		DaoFullNode:               4,
		Proposal:                  5,
		BlindVote:                 6,
		AckMsg:                    7,
		ReceiveBsqBlock:           8,
		DaoState:                  9,
		BundleOfEnvelopes:         10,
		SignedAccountAgeWitness:   11,
		Mediation:                 12,
		RefundAgent:               13,
		TradeStatisticsHashUpdate: 14,
		NoAddressPreFix:           15,
		TradeStatistics3:          16,
		BsqSwapOffer:              17,
	}
	for c, v := range want {
		assert.Equal(t, v, int32(c), c.String())
	}
	assert.Equal(t, "BSQ_SWAP_OFFER", BsqSwapOffer.String())
	assert.Equal(t, "UNKNOWN", Capability(99).String())
}

func TestLocalCapabilityTags(t *testing.T) {
	tags := LocalCapabilityTags()
	require.Len(t, tags, len(LocalCapabilities))
	assert.Equal(t, int32(0), tags[0])
	assert.NotContains(t, tags, int32(SeedNode), "a regular node must not claim to be a seed")
	assert.NotContains(t, tags, int32(DaoFullNode))
}

func TestSeedNodes(t *testing.T) {
	regtest := SeedNodes(BtcRegtest)
	assert.Equal(t, []pb.NodeAddress{
		{HostName: "localhost", Port: 2002},
		{HostName: "localhost", Port: 3002},
	}, regtest)

	// Callers may shuffle their copy freely.
	regtest[0], regtest[1] = regtest[1], regtest[0]
	assert.Equal(t, uint16(2002), SeedNodes(BtcRegtest)[0].Port)

	for _, n := range []Network{BtcMainnet, BtcTestnet} {
		seeds := SeedNodes(n)
		require.NotEmpty(t, seeds, n.String())
		for _, s := range seeds {
			assert.Contains(t, s.HostName, ".onion")
		}
	}
}

func TestParseNodeAddress(t *testing.T) {
	addr, err := ParseNodeAddress("abcdef.onion:8000")
	require.NoError(t, err)
	assert.Equal(t, pb.NodeAddress{HostName: "abcdef.onion", Port: 8000}, addr)

	_, err = ParseNodeAddress("localhost:70000")
	assert.ErrorIs(t, err, pb.ErrInvalidPort)

	_, err = ParseNodeAddress("localhost")
	assert.Error(t, err)

	_, err = ParseNodeAddress(":2002")
	assert.Error(t, err)
}

func TestLoad(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	path := filepath.Join(t.TempDir(), "node.yaml")
	data := []byte("network: BTC_TESTNET\nlisten_addr: 0.0.0.0:8001\nforced_seed: localhost:2002\nsocks_proxy_port: 9050\n")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	cfg, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, BtcTestnet, cfg.Network)
	assert.Equal(t, "0.0.0.0:8001", cfg.ListenAddr)
	assert.Equal(t, "localhost:2002", cfg.ForcedSeed)
	assert.Equal(t, 9050, cfg.SocksProxyPort)
	assert.Equal(t, "info", cfg.LogLevel, "unset fields keep their defaults")
	assert.NoError(t, cfg.Validate())

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("network: DOGE\n"), 0o600))
	_, err = Load(bad)
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Default().Validate())

	cfg := Default()
	cfg.Network = Network(7)
	cfg.ForcedSeed = "localhost:99999"
	cfg.SocksProxyPort = -1
	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, pb.ErrInvalidPort)
	assert.Contains(t, err.Error(), "network")
	assert.Contains(t, err.Error(), "forced_seed")
	assert.Contains(t, err.Error(), "socks_proxy_port")
	assert.Len(t, multierr.Errors(err), 3)
}
