package store

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/ripemd160" //nolint:staticcheck

	"github.com/kunal-geeks/bisqp2p/internal/pb"
)

// ErrNoHash is returned for data items whose hash cannot be determined.
var ErrNoHash = errors.New("store: data item has no hash")

// Hash is the content key of a data item. Storage entries use a 32-byte
// SHA-256; persistable payloads carry hashes of their own, usually 20 bytes.
type Hash []byte

// String returns the hash as lowercase hex.
func (h Hash) String() string {
	return hex.EncodeToString(h)
}

// Equal reports whether two hashes are identical.
func (h Hash) Equal(other Hash) bool {
	return bytes.Equal(h, other)
}

// HashFromHex parses a hex string into a Hash.
func HashFromHex(s string) (Hash, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("HashFromHex: decode error: %w", err)
	}
	if len(b) == 0 {
		return nil, fmt.Errorf("HashFromHex: empty hash")
	}
	return Hash(b), nil
}

// HashStorageEntry returns the SHA-256 of the entry's StoragePayload bytes.
func HashStorageEntry(w *pb.StorageEntryWrapper) (Hash, error) {
	if w == nil || w.Entry == nil || w.Entry.StoragePayload == nil {
		return nil, fmt.Errorf("HashStorageEntry: %w", ErrNoHash)
	}
	sum := sha256.Sum256(w.Entry.StoragePayload)
	return Hash(sum[:]), nil
}

// persistableHashField is the bytes field holding the precomputed hash of
// each persistable payload kind.
var persistableHashField = map[pb.PersistableKind]int32{
	pb.PersistableAccountAgeWitness: 1,
	pb.PersistableTradeStatistics2:  15,
	pb.PersistableProposalPayload:   2,
	pb.PersistableBlindVotePayload:  2,
	pb.PersistableTradeStatistics3:  8,
}

// SignedWitness fields concatenated into its hash.
const (
	signedWitnessAccountAgeWitnessHash = 2
	signedWitnessSignature             = 3
	signedWitnessSignerPubKey          = 4
)

// HashPersistable returns the key of an append-only payload. Most kinds
// carry it in a field; SignedWitness derives it as
// RIPEMD160(SHA256(account_age_witness_hash || signature || signer_pub_key)).
func HashPersistable(p *pb.PersistableNetworkPayload) (Hash, error) {
	if p == nil {
		return nil, fmt.Errorf("HashPersistable: %w", ErrNoHash)
	}

	if p.Kind == pb.PersistableSignedWitness {
		var buf []byte
		buf = append(buf, p.BytesField(signedWitnessAccountAgeWitnessHash)...)
		buf = append(buf, p.BytesField(signedWitnessSignature)...)
		buf = append(buf, p.BytesField(signedWitnessSignerPubKey)...)
		return sha256Ripemd160(buf), nil
	}

	num, ok := persistableHashField[p.Kind]
	if !ok {
		return nil, fmt.Errorf("HashPersistable: kind %d: %w", p.Kind, ErrNoHash)
	}
	h := p.BytesField(num)
	if len(h) == 0 {
		return nil, fmt.Errorf("HashPersistable: kind %d: %w", p.Kind, ErrNoHash)
	}
	return Hash(h), nil
}

func sha256Ripemd160(b []byte) Hash {
	sum := sha256.Sum256(b)
	r := ripemd160.New()
	r.Write(sum[:])
	return Hash(r.Sum(nil))
}

// ResponseHashes returns the hash of every item in resp: storage entries
// first, then persistable payloads, each in arrival order. Items without a
// hash are skipped.
func ResponseHashes(resp *pb.GetDataResponse) []Hash {
	hashes := make([]Hash, 0, len(resp.DataSet)+len(resp.PersistableNetworkPayloadItems))
	for _, w := range resp.DataSet {
		if h, err := HashStorageEntry(w); err == nil {
			hashes = append(hashes, h)
		}
	}
	for _, p := range resp.PersistableNetworkPayloadItems {
		if h, err := HashPersistable(p); err == nil {
			hashes = append(hashes, h)
		}
	}
	return hashes
}
