package oracle

import (
	"encoding/binary"
	"fmt"

	"github.com/Xenian84/tachyon-oracles/pkg/crypto"
)

// FixedScale is the fixed-point multiplier: prices and confidences are
// carried as signed 64-bit integers scaled by 1e9, truncated toward zero.
const FixedScale = 1_000_000_000

// MaxPointAgeSecs bounds how old an observation may be before any stage
// discards it.
const MaxPointAgeSecs = 60

// ToFixed converts a float value to the 1e9 fixed-point representation.
// Go's float-to-int conversion truncates toward zero, which is the
// protocol's agreed truncation mode.
func ToFixed(v float64) int64 {
	return int64(v * FixedScale)
}

// PricePoint is a single aggregated observation by one reporter.
// Price and Confidence are fixed-point (1e9).
type PricePoint struct {
	Symbol     string
	Price      int64
	Confidence int64
	Ts         int64
	Source     string
	Reporter   crypto.Pubkey
}

// Stale reports whether the point is older than MaxPointAgeSecs at now.
func (p PricePoint) Stale(now int64) bool {
	return now-p.Ts > MaxPointAgeSecs
}

// AssetID is the 32-byte identifier of a symbol: sha256 of its text.
func AssetID(symbol string) [32]byte {
	return crypto.Sha256([]byte(symbol))
}

// LeafSize is the exact encoded size of a FeedLeaf. The encoding is the
// protocol contract with the on-chain verifier and must never change.
const LeafSize = 56

// FeedLeaf is the per-asset canonical snapshot committed into the tree.
type FeedLeaf struct {
	AssetID    [32]byte
	Price      int64
	Confidence int64
	Ts         int64
}

// Encode lays the leaf out as asset_id(32) || price_le(8) ||
// confidence_le(8) || ts_le(8).
func (l FeedLeaf) Encode() [LeafSize]byte {
	var out [LeafSize]byte
	copy(out[:32], l.AssetID[:])
	binary.LittleEndian.PutUint64(out[32:40], uint64(l.Price))
	binary.LittleEndian.PutUint64(out[40:48], uint64(l.Confidence))
	binary.LittleEndian.PutUint64(out[48:56], uint64(l.Ts))
	return out
}

// DecodeLeaf parses a 56-byte leaf encoding.
func DecodeLeaf(b []byte) (FeedLeaf, error) {
	var l FeedLeaf
	if len(b) != LeafSize {
		return l, fmt.Errorf("leaf must be %d bytes, got %d", LeafSize, len(b))
	}
	copy(l.AssetID[:], b[:32])
	l.Price = int64(binary.LittleEndian.Uint64(b[32:40]))
	l.Confidence = int64(binary.LittleEndian.Uint64(b[40:48]))
	l.Ts = int64(binary.LittleEndian.Uint64(b[48:56]))
	return l, nil
}

// Batch is a single aggregated snapshot with its Merkle commitment.
// Leaves are sorted ascending by AssetID; Tree is the flat concatenation
// of per-level node arrays bottom-up, with the root last.
type Batch struct {
	Root   [32]byte
	Ts     int64
	Leaves []FeedLeaf
	Tree   [][32]byte
}

// Vote is a stake-weighted vote for a root at a slot.
type Vote struct {
	Slot  uint64
	Root  [32]byte
	Voter crypto.Pubkey
	Stake uint64
	Ts    int64
	Sig   [64]byte
}

// VoteMessage is the exact byte string signed by voters:
// slot_u64_le(8) || root(32).
func VoteMessage(slot uint64, root [32]byte) []byte {
	msg := make([]byte, 40)
	binary.LittleEndian.PutUint64(msg[:8], slot)
	copy(msg[8:], root[:])
	return msg
}

// VerifyVote checks the vote's Ed25519 signature.
func VerifyVote(v Vote) bool {
	return crypto.Verify(v.Voter, VoteMessage(v.Slot, v.Root), v.Sig[:])
}

// ValidatorSet is the stake distribution for a slot, read from the
// settlement chain's governance account.
type ValidatorSet struct {
	Stakes     map[crypto.Pubkey]uint64
	TotalStake uint64
}

// Stake returns the stake of pub, zero if absent.
func (s ValidatorSet) Stake(pub crypto.Pubkey) uint64 {
	if s.Stakes == nil {
		return 0
	}
	return s.Stakes[pub]
}

// ConsensusResult is the per-batch outcome of the voting round.
// ConsensusRoot is nil when agreeing stake fell short of quorum.
type ConsensusResult struct {
	Batch         Batch
	Slot          uint64
	Votes         map[crypto.Pubkey]Vote
	ConsensusRoot *[32]byte
	AgreeingStake uint64
	TotalStake    uint64
	IsLeader      bool
}
