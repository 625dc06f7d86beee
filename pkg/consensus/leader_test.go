package consensus

import (
	"bytes"
	"sort"
	"testing"

	"github.com/Xenian84/tachyon-oracles/pkg/crypto"
	"github.com/Xenian84/tachyon-oracles/pkg/oracle"
)

// threeValidators returns pubkeys P1 < P2 < P3 with stakes 100/200/300.
func threeValidators(t *testing.T) ([]crypto.Pubkey, oracle.ValidatorSet) {
	t.Helper()
	keys := make([]crypto.Pubkey, 3)
	for i := range keys {
		kp, err := crypto.GenerateKeypair()
		if err != nil {
			t.Fatalf("keypair: %v", err)
		}
		keys[i] = kp.Pubkey()
	}
	sort.Slice(keys, func(i, j int) bool { return bytes.Compare(keys[i][:], keys[j][:]) < 0 })

	set := oracle.ValidatorSet{Stakes: map[crypto.Pubkey]uint64{
		keys[0]: 100,
		keys[1]: 200,
		keys[2]: 300,
	}, TotalStake: 600}
	return keys, set
}

func TestLeaderElectionKnownDraw(t *testing.T) {
	keys, set := threeValidators(t)

	// slot 100: target = (100*12345) mod 600 = 300; cumulative sums are
	// 100, 300, 600; the first strictly above 300 is the third validator
	leader, ok := SelectLeader(set, 100)
	if !ok {
		t.Fatal("no leader elected")
	}
	if leader != keys[2] {
		t.Errorf("leader = %s, want third validator %s", leader.Short(), keys[2].Short())
	}
}

func TestLeaderElectionDeterministic(t *testing.T) {
	_, set := threeValidators(t)

	for slot := uint64(0); slot < 50; slot++ {
		l1, ok1 := SelectLeader(set, slot)
		l2, ok2 := SelectLeader(set, slot)
		if !ok1 || !ok2 || l1 != l2 {
			t.Fatalf("slot %d: draw not deterministic", slot)
		}
	}
}

func TestLeaderElectionZeroStake(t *testing.T) {
	if _, ok := SelectLeader(oracle.ValidatorSet{}, 1); ok {
		t.Error("leader elected from empty set")
	}
	if _, ok := SelectLeader(oracle.ValidatorSet{Stakes: map[crypto.Pubkey]uint64{}}, 1); ok {
		t.Error("leader elected with zero stake")
	}
}

func TestLeaderElectionStakeWeighted(t *testing.T) {
	keys, set := threeValidators(t)

	// Over many slots the 300-stake validator must win most often
	wins := make(map[crypto.Pubkey]int)
	for slot := uint64(1); slot <= 600; slot++ {
		l, ok := SelectLeader(set, slot)
		if !ok {
			t.Fatal("no leader")
		}
		wins[l]++
	}
	if wins[keys[2]] <= wins[keys[0]] {
		t.Errorf("stake weighting off: wins = %v", wins)
	}
}
