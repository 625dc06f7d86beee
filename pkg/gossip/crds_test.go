package gossip

import (
	"testing"

	"github.com/Xenian84/tachyon-oracles/pkg/crypto"
	"github.com/Xenian84/tachyon-oracles/pkg/oracle"
)

func pricePayload(kp *crypto.Keypair, symbol string, price int64) *PriceGossip {
	return &PriceGossip{Point: oracle.PricePoint{
		Symbol:   symbol,
		Price:    price,
		Ts:       1_700_000_000,
		Source:   "aggregated",
		Reporter: kp.Pubkey(),
	}}
}

func TestCrdsInsertAndGet(t *testing.T) {
	kp, _ := crypto.GenerateKeypair()
	crds := NewCrds(1000)

	v := SignValue(kp, pricePayload(kp, "BTC/USD", 1), 100)
	if err := crds.Insert(v); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, ok := crds.Get(Label{Kind: LabelPricePoint, Pubkey: kp.Pubkey(), Symbol: "BTC/USD"})
	if !ok {
		t.Fatal("value not found by label")
	}
	if got.Wallclock != 100 {
		t.Errorf("wallclock = %d, want 100", got.Wallclock)
	}
}

func TestCrdsWallclockConflict(t *testing.T) {
	kp, _ := crypto.GenerateKeypair()
	crds := NewCrds(1000)

	v1 := SignValue(kp, pricePayload(kp, "BTC/USD", 1), 100)
	v2 := SignValue(kp, pricePayload(kp, "BTC/USD", 2), 200)

	if err := crds.Insert(v1); err != nil {
		t.Fatalf("insert v1: %v", err)
	}
	if err := crds.Insert(v2); err != nil {
		t.Fatalf("insert newer v2: %v", err)
	}

	// An older wallclock leaves the stored value untouched
	v3 := SignValue(kp, pricePayload(kp, "BTC/USD", 3), 150)
	if err := crds.Insert(v3); err != ErrStaleValue {
		t.Errorf("insert stale: err = %v, want ErrStaleValue", err)
	}
	got, _ := crds.Get(v2.Payload.Label())
	if got.Payload.(*PriceGossip).Point.Price != 2 {
		t.Error("stale insert overwrote the stored value")
	}
}

func TestCrdsWallclockTieBreak(t *testing.T) {
	kp, _ := crypto.GenerateKeypair()
	crds := NewCrds(1000)

	a := SignValue(kp, pricePayload(kp, "BTC/USD", 1), 100)
	b := SignValue(kp, pricePayload(kp, "BTC/USD", 2), 100)

	crds.Insert(a)
	errB := crds.Insert(b)
	// Exactly one ordering wins, deterministically
	gotAfterAB, _ := crds.Get(a.Payload.Label())

	crds2 := NewCrds(1000)
	crds2.Insert(b)
	errA := crds2.Insert(a)
	gotAfterBA, _ := crds2.Get(a.Payload.Label())

	if (errA == nil) == (errB == nil) {
		t.Error("tie-break accepted or rejected both orderings")
	}
	pa := gotAfterAB.Payload.(*PriceGossip).Point.Price
	pb := gotAfterBA.Payload.(*PriceGossip).Point.Price
	if pa != pb {
		t.Errorf("tie-break is order-dependent: %d vs %d", pa, pb)
	}
}

func TestCrdsDistinctLabels(t *testing.T) {
	kp, _ := crypto.GenerateKeypair()
	crds := NewCrds(1000)

	crds.Insert(SignValue(kp, pricePayload(kp, "BTC/USD", 1), 100))
	crds.Insert(SignValue(kp, pricePayload(kp, "ETH/USD", 2), 100))
	crds.Insert(SignValue(kp, &StakeInfo{Pubkey: kp.Pubkey(), Stake: 5, Active: true}, 100))

	if crds.Len() != 3 {
		t.Errorf("len = %d, want 3", crds.Len())
	}
}

func TestCrdsPrune(t *testing.T) {
	kp, _ := crypto.GenerateKeypair()
	crds := NewCrds(10)

	for i := 0; i < 11; i++ {
		sym := string(rune('A'+i)) + "/USD"
		if err := crds.Insert(SignValue(kp, pricePayload(kp, sym, 1), uint64(100+i))); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	// Prune drops the oldest 20% once past maxEntries
	if crds.Len() != 9 {
		t.Errorf("len after prune = %d, want 9", crds.Len())
	}
	if _, ok := crds.Get(Label{Kind: LabelPricePoint, Pubkey: kp.Pubkey(), Symbol: "A/USD"}); ok {
		t.Error("oldest entry survived prune")
	}
	if _, ok := crds.Get(Label{Kind: LabelPricePoint, Pubkey: kp.Pubkey(), Symbol: "K/USD"}); !ok {
		t.Error("newest entry pruned")
	}
}

func TestVersionedValueVerify(t *testing.T) {
	kp, _ := crypto.GenerateKeypair()

	v := SignValue(kp, pricePayload(kp, "BTC/USD", 1), 100)
	if !v.Verify() {
		t.Error("freshly signed value did not verify")
	}

	// Wallclock is covered by the signature
	v.Wallclock = 999
	if v.Verify() {
		t.Error("value verified after wallclock mutation")
	}

	// A payload forged under another identity must not verify
	other, _ := crypto.GenerateKeypair()
	forged := SignValue(other, pricePayload(kp, "BTC/USD", 1), 100)
	if forged.Verify() {
		t.Error("value signed by non-originator verified")
	}
}

func TestCrdsMissing(t *testing.T) {
	kp, _ := crypto.GenerateKeypair()
	crds := NewCrds(1000)

	btc := SignValue(kp, pricePayload(kp, "BTC/USD", 1), 100)
	eth := SignValue(kp, pricePayload(kp, "ETH/USD", 2), 100)
	crds.Insert(btc)
	crds.Insert(eth)

	known := map[Label]struct{}{btc.Payload.Label(): {}}
	missing := crds.Missing(known)
	if len(missing) != 1 {
		t.Fatalf("missing = %d values, want 1", len(missing))
	}
	if missing[0].Payload.Label() != eth.Payload.Label() {
		t.Error("wrong value reported missing")
	}
}

func TestContacts(t *testing.T) {
	self, _ := crypto.GenerateKeypair()
	peer1, _ := crypto.GenerateKeypair()
	crds := NewCrds(1000)

	crds.Insert(SignValue(self, &ContactInfo{Pubkey: self.Pubkey(), GossipAddr: "a"}, 100))
	crds.Insert(SignValue(peer1, &ContactInfo{Pubkey: peer1.Pubkey(), GossipAddr: "b"}, 100))

	contacts := crds.Contacts(self.Pubkey())
	if len(contacts) != 1 {
		t.Fatalf("contacts = %d, want 1 (self excluded)", len(contacts))
	}
	if contacts[0].Pubkey != peer1.Pubkey() {
		t.Error("wrong contact returned")
	}
}

func TestWireRoundTrip(t *testing.T) {
	kp, _ := crypto.GenerateKeypair()
	v := SignValue(kp, pricePayload(kp, "BTC/USD", 42), 100)

	data, err := gobEncode(PushMessage{Values: []VersionedValue{v}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var back PushMessage
	if err := gobDecode(data, &back); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(back.Values) != 1 {
		t.Fatal("values lost in transit")
	}
	got := back.Values[0]
	if !got.Verify() {
		t.Error("signature broken by wire round trip")
	}
	if got.Payload.(*PriceGossip).Point.Price != 42 {
		t.Error("payload mutated in transit")
	}
}
