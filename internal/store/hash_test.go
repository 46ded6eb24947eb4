package store

import (
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ripemd160" //nolint:staticcheck
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/kunal-geeks/bisqp2p/internal/pb"
)

func bytesField(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func storageEntry(payload string) *pb.StorageEntryWrapper {
	return &pb.StorageEntryWrapper{Entry: &pb.ProtectedStorageEntry{
		StoragePayload: []byte(payload),
		SequenceNumber: 1,
	}}
}

func TestHashStorageEntry(t *testing.T) {
	w := storageEntry("offer-payload")
	h, err := HashStorageEntry(w)
	require.NoError(t, err)

	want := sha256.Sum256([]byte("offer-payload"))
	assert.Equal(t, Hash(want[:]), h)
	assert.Len(t, h, 32)

	_, err = HashStorageEntry(&pb.StorageEntryWrapper{})
	assert.ErrorIs(t, err, ErrNoHash)
}

func TestHashPersistable_FieldKinds(t *testing.T) {
	cases := []struct {
		kind pb.PersistableKind
		num  protowire.Number
	}{
		{pb.PersistableAccountAgeWitness, 1},
		{pb.PersistableTradeStatistics2, 15},
		{pb.PersistableProposalPayload, 2},
		{pb.PersistableBlindVotePayload, 2},
		{pb.PersistableTradeStatistics3, 8},
	}
	for _, tc := range cases {
		want := []byte{0xaa, byte(tc.kind), 0xbb}
		raw := bytesField(nil, 99, []byte("noise"))
		raw = bytesField(raw, tc.num, want)

		h, err := HashPersistable(&pb.PersistableNetworkPayload{Kind: tc.kind, Raw: raw})
		require.NoError(t, err, "kind %d", tc.kind)
		assert.Equal(t, Hash(want), h, "kind %d", tc.kind)
	}

	_, err := HashPersistable(&pb.PersistableNetworkPayload{Kind: pb.PersistableAccountAgeWitness})
	assert.ErrorIs(t, err, ErrNoHash)
}

func TestHashPersistable_SignedWitness(t *testing.T) {
	var raw []byte
	raw = protowire.AppendTag(raw, 1, protowire.VarintType)
	raw = protowire.AppendVarint(raw, 1)
	raw = bytesField(raw, 2, []byte("witness"))
	raw = bytesField(raw, 3, []byte("sig"))
	raw = bytesField(raw, 4, []byte("signer"))
	raw = bytesField(raw, 5, []byte("owner"))

	h, err := HashPersistable(&pb.PersistableNetworkPayload{Kind: pb.PersistableSignedWitness, Raw: raw})
	require.NoError(t, err)

	sum := sha256.Sum256([]byte("witnesssigsigner"))
	r := ripemd160.New()
	r.Write(sum[:])
	assert.Equal(t, Hash(r.Sum(nil)), h)
	assert.Len(t, h, 20)
}

func TestHash_StringAndParse(t *testing.T) {
	h, err := HashStorageEntry(storageEntry("x"))
	require.NoError(t, err)

	parsed, err := HashFromHex(h.String())
	require.NoError(t, err)
	assert.True(t, h.Equal(parsed), "parsed hash should equal original")

	_, err = HashFromHex("not-hex")
	assert.Error(t, err)
	_, err = HashFromHex("")
	assert.Error(t, err)
}

func TestResponseHashes_Order(t *testing.T) {
	aaw := bytesField(nil, 1, []byte{0x01, 0x02})
	resp := &pb.GetDataResponse{
		DataSet: []*pb.StorageEntryWrapper{storageEntry("a"), {}, storageEntry("b")},
		PersistableNetworkPayloadItems: []*pb.PersistableNetworkPayload{
			{Kind: pb.PersistableAccountAgeWitness, Raw: aaw},
		},
	}
	ha, _ := HashStorageEntry(storageEntry("a"))
	hb, _ := HashStorageEntry(storageEntry("b"))

	assert.Equal(t, []Hash{ha, hb, {0x01, 0x02}}, ResponseHashes(resp))
}
