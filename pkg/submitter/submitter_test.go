package submitter

import (
	"context"
	"encoding/binary"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Xenian84/tachyon-oracles/pkg/crypto"
	"github.com/Xenian84/tachyon-oracles/pkg/metrics"
	"github.com/Xenian84/tachyon-oracles/pkg/oracle"
	"github.com/Xenian84/tachyon-oracles/pkg/util"
)

type fakeWriter struct {
	calls    atomic.Int64
	failures int64
	payloads chan []byte
}

func (f *fakeWriter) SendTransaction(ctx context.Context, signer crypto.Pubkey, sig []byte, payload []byte) (string, error) {
	n := f.calls.Add(1)
	if n <= f.failures {
		return "", errors.New("rpc timeout")
	}
	if f.payloads != nil {
		f.payloads <- payload
	}
	return "tx-ok", nil
}

func resultFor(t *testing.T, isLeader bool, withRoot bool) (oracle.ConsensusResult, *crypto.Keypair) {
	t.Helper()
	kp, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	leaf := oracle.FeedLeaf{AssetID: oracle.AssetID("BTC/USD"), Price: 1, Ts: 1_700_000_000}
	tree := oracle.BuildTree([]oracle.FeedLeaf{leaf})
	root := oracle.TreeRoot(tree)

	v := oracle.Vote{Slot: 7, Root: root, Voter: kp.Pubkey(), Stake: 100, Ts: 1_700_000_000}
	copy(v.Sig[:], kp.Sign(oracle.VoteMessage(v.Slot, v.Root)))

	res := oracle.ConsensusResult{
		Batch:         oracle.Batch{Root: root, Ts: 1_700_000_000, Leaves: []oracle.FeedLeaf{leaf}, Tree: tree},
		Slot:          7,
		Votes:         map[crypto.Pubkey]oracle.Vote{kp.Pubkey(): v},
		AgreeingStake: 100,
		TotalStake:    100,
		IsLeader:      isLeader,
	}
	if withRoot {
		res.ConsensusRoot = &root
	}
	return res, kp
}

func newSubmitter(t *testing.T, w ChainWriter, kp *crypto.Keypair) *Submitter {
	t.Helper()
	return New(Config{
		Keypair:    kp,
		Chain:      w,
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
		Logger:     util.NewNopLogger(),
		Metrics:    metrics.New(),
	})
}

func TestSubmitOnLeaderSlot(t *testing.T) {
	res, kp := resultFor(t, true, true)
	w := &fakeWriter{payloads: make(chan []byte, 1)}
	s := newSubmitter(t, w, kp)

	s.submit(context.Background(), res)
	if w.calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", w.calls.Load())
	}
}

func TestNonLeaderAndSubQuorumDropped(t *testing.T) {
	w := &fakeWriter{}
	follower, kp := resultFor(t, false, true)
	s := newSubmitter(t, w, kp)

	in := make(chan oracle.ConsensusResult, 2)
	in <- follower
	noQuorum, _ := resultFor(t, true, false)
	in <- noQuorum
	close(in)

	s.Start(context.Background(), in)
	if w.calls.Load() != 0 {
		t.Errorf("calls = %d, want 0 (nothing submittable)", w.calls.Load())
	}
}

func TestSubmitRetriesThenSucceeds(t *testing.T) {
	res, kp := resultFor(t, true, true)
	w := &fakeWriter{failures: 2, payloads: make(chan []byte, 1)}
	s := newSubmitter(t, w, kp)

	s.submit(context.Background(), res)
	if w.calls.Load() != 3 {
		t.Errorf("calls = %d, want 3 (two failures then success)", w.calls.Load())
	}
}

func TestSubmitAbandonsAfterBudget(t *testing.T) {
	res, kp := resultFor(t, true, true)
	w := &fakeWriter{failures: 100}
	s := newSubmitter(t, w, kp)

	s.submit(context.Background(), res)
	// initial attempt + MaxRetries
	if w.calls.Load() != 3 {
		t.Errorf("calls = %d, want 3 then abandon", w.calls.Load())
	}
}

func TestEncodePayloadLayout(t *testing.T) {
	res, kp := resultFor(t, true, true)
	payload := EncodePayload(res)

	want := 32 + 4 + 8 + 8 + 4 + 1*(32+32+8+64)
	if len(payload) != want {
		t.Fatalf("payload length = %d, want %d", len(payload), want)
	}

	if [32]byte(payload[:32]) != *res.ConsensusRoot {
		t.Error("root not at offset 0")
	}
	if binary.LittleEndian.Uint32(payload[32:36]) != 1 {
		t.Error("feed_count wrong")
	}
	if int64(binary.LittleEndian.Uint64(payload[36:44])) != res.Batch.Ts {
		t.Error("timestamp wrong")
	}
	if binary.LittleEndian.Uint64(payload[44:52]) != 100 {
		t.Error("total_stake wrong")
	}
	if binary.LittleEndian.Uint32(payload[52:56]) != 1 {
		t.Error("votes_len wrong")
	}

	voteBytes := payload[56:]
	if [32]byte(voteBytes[:32]) != kp.Pubkey() {
		t.Error("vote validator wrong")
	}
	if [32]byte(voteBytes[32:64]) != *res.ConsensusRoot {
		t.Error("vote root wrong")
	}
	if binary.LittleEndian.Uint64(voteBytes[64:72]) != 100 {
		t.Error("vote stake wrong")
	}
	sig := res.Votes[kp.Pubkey()].Sig
	if [64]byte(voteBytes[72:136]) != sig {
		t.Error("vote signature wrong")
	}
}

func TestEncodePayloadDeterministicVoteOrder(t *testing.T) {
	res, _ := resultFor(t, true, true)
	// Add more voters; map iteration order must not leak into bytes
	for i := 0; i < 4; i++ {
		kp, _ := crypto.GenerateKeypair()
		v := oracle.Vote{Slot: 7, Root: *res.ConsensusRoot, Voter: kp.Pubkey(), Stake: uint64(i + 1)}
		copy(v.Sig[:], kp.Sign(oracle.VoteMessage(v.Slot, v.Root)))
		res.Votes[kp.Pubkey()] = v
	}

	p1 := EncodePayload(res)
	p2 := EncodePayload(res)
	if len(p1) != len(p2) {
		t.Fatal("length differs")
	}
	for i := range p1 {
		if p1[i] != p2[i] {
			t.Fatal("payload bytes not deterministic")
		}
	}
}
