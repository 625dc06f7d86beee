package chain

import (
	"encoding/binary"
	"fmt"

	"github.com/Xenian84/tachyon-oracles/pkg/crypto"
	"github.com/Xenian84/tachyon-oracles/pkg/oracle"
)

// Governance account layout (little-endian):
//   discriminator(8) || total_staked u64 || total_stakers u32 ||
//   stakers: (pubkey 32 || staked u64)*
const (
	govHeaderSize = 8 + 8 + 4
	govStakerSize = 32 + 8
)

// ParseGovernanceAccount decodes the staker table into a ValidatorSet.
func ParseGovernanceAccount(data []byte) (oracle.ValidatorSet, error) {
	if len(data) < govHeaderSize {
		return oracle.ValidatorSet{}, fmt.Errorf("governance account too small: %d bytes", len(data))
	}
	totalStaked := binary.LittleEndian.Uint64(data[8:16])
	count := binary.LittleEndian.Uint32(data[16:20])

	need := govHeaderSize + int(count)*govStakerSize
	if len(data) < need {
		return oracle.ValidatorSet{}, fmt.Errorf("governance account truncated: %d stakers need %d bytes, have %d", count, need, len(data))
	}

	set := oracle.ValidatorSet{Stakes: make(map[crypto.Pubkey]uint64, count)}
	off := govHeaderSize
	for i := uint32(0); i < count; i++ {
		var pub crypto.Pubkey
		copy(pub[:], data[off:off+32])
		stake := binary.LittleEndian.Uint64(data[off+32 : off+40])
		set.Stakes[pub] = stake
		set.TotalStake += stake
		off += govStakerSize
	}

	// The header total is authoritative when it disagrees with the sum
	// (slashing updates the header first).
	if totalStaked != 0 {
		set.TotalStake = totalStaked
	}
	return set, nil
}
