package config

import (
	"slices"

	"github.com/kunal-geeks/bisqp2p/internal/pb"
)

var seedNodes = map[Network][]pb.NodeAddress{
	BtcMainnet: {
		{HostName: "5quyxpxheyvzmb2d.onion", Port: 8000},
		{HostName: "s67qglwhkgkyvr74.onion", Port: 8000},
		{HostName: "ef5qnzx6znifo3df.onion", Port: 8000},
		{HostName: "jhgcy2won7xnslrb.onion", Port: 8000},
		{HostName: "3f3cu2yw7u457ztq.onion", Port: 8000},
		{HostName: "723ljisnynbtdohi.onion", Port: 8000},
		{HostName: "rm7b56wbrcczpjvl.onion", Port: 8000},
		{HostName: "fl3mmribyxgrv63c.onion", Port: 8000},
	},
	BtcTestnet: {
		{HostName: "nbphlanpgbei4okt.onion", Port: 8001},
	},
	BtcRegtest: {
		{HostName: "localhost", Port: 2002},
		{HostName: "localhost", Port: 3002},
	},
}

// SeedNodes returns a copy of the baked-in seed list for n.
func SeedNodes(n Network) []pb.NodeAddress {
	return slices.Clone(seedNodes[n])
}
