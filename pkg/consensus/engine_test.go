package consensus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Xenian84/tachyon-oracles/pkg/crypto"
	"github.com/Xenian84/tachyon-oracles/pkg/gossip"
	"github.com/Xenian84/tachyon-oracles/pkg/metrics"
	"github.com/Xenian84/tachyon-oracles/pkg/oracle"
	"github.com/Xenian84/tachyon-oracles/pkg/util"
)

type fakeChain struct {
	slot     uint64
	slotErr  error
	set      oracle.ValidatorSet
	setErr   error
	setCalls int
}

func (f *fakeChain) CurrentSlot(ctx context.Context) (uint64, error) {
	return f.slot, f.slotErr
}

func (f *fakeChain) ValidatorSet(ctx context.Context) (oracle.ValidatorSet, error) {
	f.setCalls++
	return f.set, f.setErr
}

func batchWith(root string) oracle.Batch {
	leaf := oracle.FeedLeaf{
		AssetID: oracle.AssetID(root),
		Price:   50_000 * oracle.FixedScale,
		Ts:      1_700_000_000,
	}
	tree := oracle.BuildTree([]oracle.FeedLeaf{leaf})
	return oracle.Batch{Root: oracle.TreeRoot(tree), Ts: leaf.Ts, Leaves: []oracle.FeedLeaf{leaf}, Tree: tree}
}

func signedPeerVote(kp *crypto.Keypair, slot uint64, root [32]byte) oracle.Vote {
	v := oracle.Vote{Slot: slot, Root: root, Voter: kp.Pubkey(), Ts: 1_700_000_000}
	copy(v.Sig[:], kp.Sign(oracle.VoteMessage(slot, root)))
	return v
}

func testEngine(t *testing.T, ch ChainReader) (*Engine, *crypto.Keypair) {
	t.Helper()
	kp, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	e := New(Config{
		Keypair:    kp,
		Chain:      ch,
		VoteWindow: 5 * time.Millisecond,
		Logger:     util.NewNopLogger(),
		Metrics:    metrics.New(),
	})
	return e, kp
}

func run(e *Engine, batch oracle.Batch, peerVotes []oracle.Vote) oracle.ConsensusResult {
	pv := make(chan oracle.Vote, len(peerVotes)+1)
	for _, v := range peerVotes {
		pv <- v
	}
	close(pv)
	gossipOut := make(chan gossip.Payload, 8)
	return e.processBatch(context.Background(), batch, pv, gossipOut)
}

func TestQuorumReached(t *testing.T) {
	p2, _ := crypto.GenerateKeypair()
	p3, _ := crypto.GenerateKeypair()

	ch := &fakeChain{slot: 10}
	e, self := testEngine(t, ch)
	ch.set = oracle.ValidatorSet{Stakes: map[crypto.Pubkey]uint64{
		self.Pubkey(): 100,
		p2.Pubkey():   100,
		p3.Pubkey():   100,
	}, TotalStake: 300}

	batch := batchWith("b1")
	res := run(e, batch, []oracle.Vote{
		signedPeerVote(p2, 10, batch.Root),
		signedPeerVote(p3, 10, batch.Root),
	})

	if res.ConsensusRoot == nil {
		t.Fatal("no consensus despite 3/3 stake")
	}
	if *res.ConsensusRoot != batch.Root {
		t.Error("wrong consensus root")
	}
	if res.AgreeingStake != 300 {
		t.Errorf("agreeing stake = %d, want 300", res.AgreeingStake)
	}
	if len(res.Votes) != 3 {
		t.Errorf("votes = %d, want 3", len(res.Votes))
	}
}

func TestSubQuorumIsNotAnError(t *testing.T) {
	p2, _ := crypto.GenerateKeypair()

	ch := &fakeChain{slot: 10}
	e, self := testEngine(t, ch)
	ch.set = oracle.ValidatorSet{Stakes: map[crypto.Pubkey]uint64{
		self.Pubkey(): 100,
		p2.Pubkey():   200,
	}, TotalStake: 600} // 300 more staked elsewhere, silent

	batch := batchWith("b1")
	res := run(e, batch, nil)

	if res.ConsensusRoot != nil {
		t.Error("consensus declared below 2/3 stake")
	}
	if res.AgreeingStake != 100 {
		t.Errorf("agreeing stake = %d, want 100 (own vote only)", res.AgreeingStake)
	}
	if res.TotalStake != 600 {
		t.Errorf("total stake = %d, want 600", res.TotalStake)
	}
}

func TestQuorumThresholdIsCeil(t *testing.T) {
	votes := map[crypto.Pubkey]oracle.Vote{}
	kp, _ := crypto.GenerateKeypair()
	root := crypto.Keccak256([]byte("r"))
	votes[kp.Pubkey()] = oracle.Vote{Root: root, Stake: 266}

	// ceil(2*400/3) = 267: 266 must not reach quorum
	if cr, _ := tally(votes, 400); cr != nil {
		t.Error("266/400 reached quorum; threshold must be ceil(2T/3) = 267")
	}
	votes[kp.Pubkey()] = oracle.Vote{Root: root, Stake: 267}
	if cr, _ := tally(votes, 400); cr == nil {
		t.Error("267/400 did not reach quorum")
	}
}

func TestZeroTotalStake(t *testing.T) {
	ch := &fakeChain{slot: 10, set: oracle.ValidatorSet{}}
	e, _ := testEngine(t, ch)

	res := run(e, batchWith("b1"), nil)
	if res.ConsensusRoot != nil {
		t.Error("consensus with zero total stake")
	}
	if res.IsLeader {
		t.Error("leader with zero total stake")
	}
	if len(res.Votes) != 0 {
		t.Error("votes cast with zero total stake")
	}
}

func TestDoubleVoteRefused(t *testing.T) {
	ch := &fakeChain{slot: 10}
	e, self := testEngine(t, ch)
	ch.set = oracle.ValidatorSet{Stakes: map[crypto.Pubkey]uint64{
		self.Pubkey(): 100,
	}, TotalStake: 100}

	b1 := batchWith("r1")
	res1 := run(e, b1, nil)
	v1, ok := res1.Votes[self.Pubkey()]
	if !ok {
		t.Fatal("first batch produced no own vote")
	}

	// A conflicting root arrives for the same slot; the node must not
	// sign it. The result's vote map carries only the first vote.
	b2 := batchWith("r2")
	res2 := run(e, b2, nil)
	v2, ok := res2.Votes[self.Pubkey()]
	if !ok {
		t.Fatal("second result lost the standing vote")
	}
	if v2.Root != v1.Root {
		t.Error("node signed a conflicting root at the same slot")
	}
	if res2.ConsensusRoot != nil && *res2.ConsensusRoot == b2.Root {
		t.Error("conflicting root ratified")
	}
}

func TestPeerVoteValidation(t *testing.T) {
	staked, _ := crypto.GenerateKeypair()
	unstaked, _ := crypto.GenerateKeypair()

	ch := &fakeChain{slot: 10}
	e, self := testEngine(t, ch)
	ch.set = oracle.ValidatorSet{Stakes: map[crypto.Pubkey]uint64{
		self.Pubkey():   100,
		staked.Pubkey(): 700,
	}, TotalStake: 800}

	batch := batchWith("b1")

	// Forged signature, unknown voter, wrong slot: all ignored
	forged := signedPeerVote(staked, 10, batch.Root)
	forged.Sig[0] ^= 0xff
	outsider := signedPeerVote(unstaked, 10, batch.Root)
	wrongSlot := signedPeerVote(staked, 11, batch.Root)

	res := run(e, batch, []oracle.Vote{forged, outsider, wrongSlot})
	if len(res.Votes) != 1 {
		t.Errorf("votes = %d, want 1 (own only)", len(res.Votes))
	}

	// A stake claim in the vote is ignored in favor of the chain's view
	inflated := signedPeerVote(staked, 10, batch.Root)
	inflated.Stake = 1 << 60
	res = run(e, batch, []oracle.Vote{inflated})
	if got := res.Votes[staked.Pubkey()].Stake; got != 700 {
		t.Errorf("peer vote stake = %d, want chain stake 700", got)
	}
}

func TestSlotFallbackMonotone(t *testing.T) {
	ch := &fakeChain{slot: 42}
	e, self := testEngine(t, ch)
	ch.set = oracle.ValidatorSet{Stakes: map[crypto.Pubkey]uint64{
		self.Pubkey(): 100,
	}, TotalStake: 100}

	res := run(e, batchWith("b1"), nil)
	if res.Slot != 42 {
		t.Fatalf("slot = %d, want 42", res.Slot)
	}

	// Chain clock unreachable: local monotone counter takes over
	ch.slotErr = errors.New("rpc down")
	res = run(e, batchWith("b2"), nil)
	if res.Slot != 43 {
		t.Errorf("fallback slot = %d, want previous+1", res.Slot)
	}
	res = run(e, batchWith("b3"), nil)
	if res.Slot != 44 {
		t.Errorf("fallback slot = %d, want 44", res.Slot)
	}
}

func TestValidatorSetCacheAndFallback(t *testing.T) {
	ch := &fakeChain{slot: 1}
	e, self := testEngine(t, ch)
	ch.set = oracle.ValidatorSet{Stakes: map[crypto.Pubkey]uint64{
		self.Pubkey(): 100,
	}, TotalStake: 100}

	run(e, batchWith("b1"), nil)
	calls := ch.setCalls
	if calls == 0 {
		t.Fatal("validator set never queried")
	}

	// Within the TTL the cache serves
	ch.slot = 2
	run(e, batchWith("b2"), nil)
	if ch.setCalls != calls {
		t.Error("cache miss within TTL")
	}

	// Past the TTL with the RPC down, the last known set still serves
	e.cachedAt = e.clock.Now().Add(-time.Hour)
	ch.setErr = errors.New("rpc down")
	ch.slot = 3
	res := run(e, batchWith("b3"), nil)
	if res.TotalStake != 100 {
		t.Errorf("fallback total stake = %d, want last known 100", res.TotalStake)
	}
}

func TestVoteGossipedOnCast(t *testing.T) {
	ch := &fakeChain{slot: 10}
	e, self := testEngine(t, ch)
	ch.set = oracle.ValidatorSet{Stakes: map[crypto.Pubkey]uint64{
		self.Pubkey(): 100,
	}, TotalStake: 100}

	pv := make(chan oracle.Vote)
	close(pv)
	gossipOut := make(chan gossip.Payload, 8)
	e.processBatch(context.Background(), batchWith("b1"), pv, gossipOut)

	select {
	case p := <-gossipOut:
		vg, ok := p.(*gossip.VoteGossip)
		if !ok {
			t.Fatalf("gossiped payload type %T", p)
		}
		if vg.Vote.Voter != self.Pubkey() {
			t.Error("gossiped vote has wrong voter")
		}
		if !oracle.VerifyVote(vg.Vote) {
			t.Error("gossiped vote signature invalid")
		}
	default:
		t.Fatal("cast vote was not gossiped")
	}
}
