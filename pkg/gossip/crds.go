package gossip

import (
	"bytes"
	"encoding/binary"
	"errors"
	"sort"
	"sync"

	"github.com/Xenian84/tachyon-oracles/pkg/crypto"
	"github.com/Xenian84/tachyon-oracles/pkg/oracle"
)

// CRDS: the gossip table of versioned, signed values with per-key
// wallclock conflict resolution.

type LabelKind uint8

const (
	LabelContactInfo LabelKind = iota
	LabelPricePoint
	LabelVote
	LabelStakeInfo
)

// Label indexes a CRDS value. Symbol is set for price points, Slot for
// votes; the zero values otherwise keep Label comparable.
type Label struct {
	Kind   LabelKind
	Pubkey crypto.Pubkey
	Symbol string
	Slot   uint64
}

// Payload is one gossiped datum. SigningBytes is the deterministic
// encoding covered by the originator's signature.
type Payload interface {
	Label() Label
	Origin() crypto.Pubkey
	SigningBytes() []byte
}

// ContactInfo announces a reachable peer.
type ContactInfo struct {
	Pubkey     crypto.Pubkey
	GossipAddr string
	APIAddr    string
}

func (c *ContactInfo) Label() Label          { return Label{Kind: LabelContactInfo, Pubkey: c.Pubkey} }
func (c *ContactInfo) Origin() crypto.Pubkey { return c.Pubkey }

func (c *ContactInfo) SigningBytes() []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(LabelContactInfo))
	buf.Write(c.Pubkey[:])
	buf.WriteString(c.GossipAddr)
	buf.WriteByte(0)
	buf.WriteString(c.APIAddr)
	return buf.Bytes()
}

// PriceGossip carries one reporter's PricePoint.
type PriceGossip struct {
	Point oracle.PricePoint
}

func (p *PriceGossip) Label() Label {
	return Label{Kind: LabelPricePoint, Pubkey: p.Point.Reporter, Symbol: p.Point.Symbol}
}

func (p *PriceGossip) Origin() crypto.Pubkey { return p.Point.Reporter }

func (p *PriceGossip) SigningBytes() []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(LabelPricePoint))
	buf.Write(p.Point.Reporter[:])
	buf.WriteString(p.Point.Symbol)
	buf.WriteByte(0)
	var nums [24]byte
	binary.LittleEndian.PutUint64(nums[0:8], uint64(p.Point.Price))
	binary.LittleEndian.PutUint64(nums[8:16], uint64(p.Point.Confidence))
	binary.LittleEndian.PutUint64(nums[16:24], uint64(p.Point.Ts))
	buf.Write(nums[:])
	buf.WriteString(p.Point.Source)
	return buf.Bytes()
}

// VoteGossip carries a consensus vote.
type VoteGossip struct {
	Vote oracle.Vote
}

func (v *VoteGossip) Label() Label {
	return Label{Kind: LabelVote, Pubkey: v.Vote.Voter, Slot: v.Vote.Slot}
}

func (v *VoteGossip) Origin() crypto.Pubkey { return v.Vote.Voter }

func (v *VoteGossip) SigningBytes() []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(LabelVote))
	buf.Write(v.Vote.Voter[:])
	msg := oracle.VoteMessage(v.Vote.Slot, v.Vote.Root)
	buf.Write(msg)
	var nums [16]byte
	binary.LittleEndian.PutUint64(nums[0:8], v.Vote.Stake)
	binary.LittleEndian.PutUint64(nums[8:16], uint64(v.Vote.Ts))
	buf.Write(nums[:])
	buf.Write(v.Vote.Sig[:])
	return buf.Bytes()
}

// StakeInfo mirrors a validator's stake as seen by its own node.
type StakeInfo struct {
	Pubkey crypto.Pubkey
	Stake  uint64
	Active bool
}

func (s *StakeInfo) Label() Label          { return Label{Kind: LabelStakeInfo, Pubkey: s.Pubkey} }
func (s *StakeInfo) Origin() crypto.Pubkey { return s.Pubkey }

func (s *StakeInfo) SigningBytes() []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(LabelStakeInfo))
	buf.Write(s.Pubkey[:])
	var stake [8]byte
	binary.LittleEndian.PutUint64(stake[:], s.Stake)
	buf.Write(stake[:])
	if s.Active {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

// VersionedValue is a payload stamped with the originator's wallclock
// (unix millis) and signature over SigningBytes || wallclock.
type VersionedValue struct {
	Payload   Payload
	Wallclock uint64
	Sig       [64]byte
}

func signedBytes(p Payload, wallclock uint64) []byte {
	b := p.SigningBytes()
	var wc [8]byte
	binary.LittleEndian.PutUint64(wc[:], wallclock)
	return append(b, wc[:]...)
}

// SignValue stamps and signs a payload originated by kp.
func SignValue(kp *crypto.Keypair, p Payload, wallclock uint64) VersionedValue {
	v := VersionedValue{Payload: p, Wallclock: wallclock}
	copy(v.Sig[:], kp.Sign(signedBytes(p, wallclock)))
	return v
}

// Verify checks the originator's signature. Mandatory before insertion
// of any received value.
func (v VersionedValue) Verify() bool {
	return crypto.Verify(v.Payload.Origin(), signedBytes(v.Payload, v.Wallclock), v.Sig[:])
}

var ErrStaleValue = errors.New("crds: stale wallclock")

// Crds is the label -> value table. The one lock shared across tasks.
type Crds struct {
	mu         sync.RWMutex
	table      map[Label]VersionedValue
	maxEntries int
}

func NewCrds(maxEntries int) *Crds {
	return &Crds{
		table:      make(map[Label]VersionedValue),
		maxEntries: maxEntries,
	}
}

// Insert applies the conflict rule: a newer wallclock wins; equal
// wallclocks are broken by the lexicographically greater payload hash.
func (c *Crds) Insert(v VersionedValue) error {
	label := v.Payload.Label()

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.table[label]; ok && !overrides(v, existing) {
		return ErrStaleValue
	}
	c.table[label] = v

	if len(c.table) > c.maxEntries {
		c.pruneLocked()
	}
	return nil
}

func overrides(newV, oldV VersionedValue) bool {
	if newV.Wallclock != oldV.Wallclock {
		return newV.Wallclock > oldV.Wallclock
	}
	nh := crypto.Sha256(newV.Payload.SigningBytes())
	oh := crypto.Sha256(oldV.Payload.SigningBytes())
	return bytes.Compare(nh[:], oh[:]) > 0
}

// pruneLocked evicts the oldest 20% by wallclock.
func (c *Crds) pruneLocked() {
	type aged struct {
		label Label
		wc    uint64
	}
	entries := make([]aged, 0, len(c.table))
	for l, v := range c.table {
		entries = append(entries, aged{l, v.Wallclock})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].wc < entries[j].wc })
	for _, e := range entries[:len(entries)/5] {
		delete(c.table, e.label)
	}
}

func (c *Crds) Get(label Label) (VersionedValue, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.table[label]
	return v, ok
}

func (c *Crds) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.table)
}

// Labels snapshots the key set, for pull requests.
func (c *Crds) Labels() []Label {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Label, 0, len(c.table))
	for l := range c.table {
		out = append(out, l)
	}
	return out
}

// Missing returns the values whose label is not in known, for a pull
// response.
func (c *Crds) Missing(known map[Label]struct{}) []VersionedValue {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []VersionedValue
	for l, v := range c.table {
		if _, ok := known[l]; !ok {
			out = append(out, v)
		}
	}
	return out
}

// Contacts lists the currently known peers, excluding self.
func (c *Crds) Contacts(self crypto.Pubkey) []ContactInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []ContactInfo
	for l, v := range c.table {
		if l.Kind != LabelContactInfo || l.Pubkey == self {
			continue
		}
		if ci, ok := v.Payload.(*ContactInfo); ok {
			out = append(out, *ci)
		}
	}
	return out
}
