package consensus

import (
	"bytes"
	"sort"

	"github.com/Xenian84/tachyon-oracles/pkg/crypto"
	"github.com/Xenian84/tachyon-oracles/pkg/oracle"
)

// leaderMultiplier is a fixed network parameter; every honest node must
// run the identical draw for a slot.
const leaderMultiplier = 12345

// SelectLeader draws the slot leader by stake weight: validators are
// ordered by pubkey ascending, stakes accumulate, and the first
// validator whose running sum strictly exceeds
// (slot * multiplier) mod total_stake wins.
func SelectLeader(set oracle.ValidatorSet, slot uint64) (crypto.Pubkey, bool) {
	if set.TotalStake == 0 || len(set.Stakes) == 0 {
		return crypto.Pubkey{}, false
	}

	validators := make([]crypto.Pubkey, 0, len(set.Stakes))
	for pub := range set.Stakes {
		validators = append(validators, pub)
	}
	sort.Slice(validators, func(i, j int) bool {
		return bytes.Compare(validators[i][:], validators[j][:]) < 0
	})

	target := slot * leaderMultiplier % set.TotalStake
	var cumulative uint64
	for _, pub := range validators {
		cumulative += set.Stakes[pub]
		if cumulative > target {
			return pub, true
		}
	}
	// Unreachable when stakes sum to TotalStake; fall back to the first.
	return validators[0], true
}
