package consensus

import (
	"errors"

	"github.com/Xenian84/tachyon-oracles/pkg/oracle"
)

// Tower BFT lockout discipline over the local voting history, adapted
// from Solana's tower to single-root batch consensus.

var (
	// ErrDoubleVote: a different root is already recorded for the slot.
	ErrDoubleVote = errors.New("tower: conflicting root for slot")
	// ErrLockedOut: an earlier vote's lockout still covers the slot.
	ErrLockedOut = errors.New("tower: slot locked out")
)

// towerDepth bounds the retained votes and lockouts.
const towerDepth = 32

// Lockout is the exponential penalty attached to a recorded vote.
type Lockout struct {
	Slot              uint64
	ConfirmationCount uint32
}

// Distance is 2^confirmation_count slots.
func (l Lockout) Distance() uint64 {
	if l.ConfirmationCount >= 63 {
		return 1 << 63
	}
	return 1 << l.ConfirmationCount
}

// ActiveAt reports whether the lockout still covers slot.
func (l Lockout) ActiveAt(slot uint64) bool {
	return slot < l.Slot+l.Distance()
}

// Tower tracks the node's own votes. Owned exclusively by the
// consensus task; it lives for the lifetime of the node.
type Tower struct {
	votes    []oracle.Vote // oldest first, bounded by towerDepth
	rootSlot uint64
	hasRoot  bool
	history  map[uint64][32]byte
	lockouts []Lockout // vote order; last entry is the most recent
}

func NewTower() *Tower {
	return &Tower{history: make(map[uint64][32]byte)}
}

// CanVote gates a candidate vote. A re-vote for the recorded root is
// permitted (Record treats it as a no-op). The most recent vote's own
// lockout never blocks extending the chain to later slots; every
// earlier active lockout does.
func (t *Tower) CanVote(slot uint64, root [32]byte) error {
	if existing, ok := t.history[slot]; ok {
		if existing != root {
			return ErrDoubleVote
		}
		return nil
	}
	for i, l := range t.lockouts {
		if i == len(t.lockouts)-1 && slot > l.Slot {
			continue
		}
		if l.ActiveAt(slot) {
			return ErrLockedOut
		}
	}
	return nil
}

// Record appends a vote after re-checking the gate. Recording the same
// (slot, root) twice is idempotent.
func (t *Tower) Record(v oracle.Vote) error {
	if existing, ok := t.history[v.Slot]; ok && existing == v.Root {
		return nil
	}
	if err := t.CanVote(v.Slot, v.Root); err != nil {
		return err
	}

	t.votes = append(t.votes, v)
	if len(t.votes) > towerDepth {
		t.votes = t.votes[len(t.votes)-towerDepth:]
	}
	t.history[v.Slot] = v.Root

	for i := range t.lockouts {
		if t.lockouts[i].Slot < v.Slot {
			t.lockouts[i].ConfirmationCount++
		}
	}
	t.lockouts = append(t.lockouts, Lockout{Slot: v.Slot, ConfirmationCount: 1})
	if len(t.lockouts) > towerDepth {
		t.lockouts = t.lockouts[len(t.lockouts)-towerDepth:]
	}
	return nil
}

// AdvanceRoot confirms rootSlot: history and lockouts below it are
// discarded.
func (t *Tower) AdvanceRoot(rootSlot uint64) {
	if t.hasRoot && rootSlot <= t.rootSlot {
		return
	}
	t.rootSlot = rootSlot
	t.hasRoot = true

	kept := t.lockouts[:0]
	for _, l := range t.lockouts {
		if l.Slot >= rootSlot {
			kept = append(kept, l)
		}
	}
	t.lockouts = kept

	for s := range t.history {
		if s < rootSlot {
			delete(t.history, s)
		}
	}

	keptVotes := t.votes[:0]
	for _, v := range t.votes {
		if v.Slot >= rootSlot {
			keptVotes = append(keptVotes, v)
		}
	}
	t.votes = keptVotes
}

// RootSlot returns the confirmed root slot, if any.
func (t *Tower) RootSlot() (uint64, bool) { return t.rootSlot, t.hasRoot }

// VoteAt returns the retained vote for slot, if still in the deque.
func (t *Tower) VoteAt(slot uint64) (oracle.Vote, bool) {
	for i := len(t.votes) - 1; i >= 0; i-- {
		if t.votes[i].Slot == slot {
			return t.votes[i], true
		}
	}
	return oracle.Vote{}, false
}

// Lockouts returns a copy of the retained lockout list, including
// lockouts that are no longer active.
func (t *Tower) Lockouts() []Lockout {
	return append([]Lockout(nil), t.lockouts...)
}
