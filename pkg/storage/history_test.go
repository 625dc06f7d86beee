package storage

import (
	"context"
	"testing"
	"time"

	"github.com/Xenian84/tachyon-oracles/pkg/crypto"
	"github.com/Xenian84/tachyon-oracles/pkg/util"
)

func TestHistoryAppendAndRecent(t *testing.T) {
	h, err := OpenHistory(t.TempDir(), util.NewNopLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Start(ctx)
		close(done)
	}()

	for slot := uint64(1); slot <= 5; slot++ {
		h.Append(Record{
			Slot:      slot,
			Root:      crypto.Keccak256([]byte{byte(slot)}),
			Ts:        1_700_000_000 + int64(slot),
			FeedCount: 3,
			TxID:      "tx",
		})
	}

	// The actor drains asynchronously
	deadline := time.After(2 * time.Second)
	for {
		recent, err := h.Recent(10)
		if err != nil {
			t.Fatalf("recent: %v", err)
		}
		if len(recent) == 5 {
			if recent[0].Slot != 5 || recent[4].Slot != 1 {
				t.Errorf("order wrong: first=%d last=%d, want newest first", recent[0].Slot, recent[4].Slot)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatalf("only %d records visible", len(recent))
		case <-time.After(10 * time.Millisecond):
		}
	}

	r, ok, err := h.Get(3)
	if err != nil || !ok {
		t.Fatalf("get: %v %v", ok, err)
	}
	if r.Root != crypto.Keccak256([]byte{3}) {
		t.Error("root did not round-trip")
	}

	if _, ok, _ := h.Get(99); ok {
		t.Error("missing slot reported present")
	}

	cancel()
	<-done
}

func TestHistoryRecentLimit(t *testing.T) {
	h, err := OpenHistory(t.TempDir(), util.NewNopLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Start(ctx)
		close(done)
	}()

	for slot := uint64(1); slot <= 20; slot++ {
		h.Append(Record{Slot: slot, Ts: int64(slot)})
	}
	deadline := time.After(2 * time.Second)
	for {
		recent, _ := h.Recent(5)
		if len(recent) == 5 && recent[0].Slot == 20 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("limit not honored in time")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	<-done
}
