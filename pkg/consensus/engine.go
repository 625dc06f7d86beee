package consensus

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Xenian84/tachyon-oracles/pkg/crypto"
	"github.com/Xenian84/tachyon-oracles/pkg/gossip"
	"github.com/Xenian84/tachyon-oracles/pkg/metrics"
	"github.com/Xenian84/tachyon-oracles/pkg/oracle"
	"github.com/Xenian84/tachyon-oracles/pkg/util"
)

// ChainReader is the slice of the settlement chain the engine needs.
type ChainReader interface {
	CurrentSlot(ctx context.Context) (uint64, error)
	ValidatorSet(ctx context.Context) (oracle.ValidatorSet, error)
}

const (
	defaultVoteWindow = 200 * time.Millisecond
	defaultSetTTL     = 30 * time.Second
)

// Config wires the consensus engine.
type Config struct {
	Keypair    *crypto.Keypair
	Chain      ChainReader
	VoteWindow time.Duration
	SetTTL     time.Duration
	Logger     *zap.SugaredLogger
	Metrics    *metrics.Metrics
}

// Engine ratifies each incoming batch: it votes under the tower's
// lockout rules, tallies peer votes by stake, and runs the
// deterministic leader draw for the slot.
type Engine struct {
	kp         *crypto.Keypair
	chain      ChainReader
	tower      *Tower
	voteWindow time.Duration
	setTTL     time.Duration
	log        *zap.SugaredLogger
	m          *metrics.Metrics
	clock      util.Clock

	lastSlot uint64

	cachedSet oracle.ValidatorSet
	cachedAt  time.Time
	haveSet   bool
}

func New(cfg Config) *Engine {
	if cfg.VoteWindow == 0 {
		cfg.VoteWindow = defaultVoteWindow
	}
	if cfg.SetTTL == 0 {
		cfg.SetTTL = defaultSetTTL
	}
	return &Engine{
		kp:         cfg.Keypair,
		chain:      cfg.Chain,
		tower:      NewTower(),
		voteWindow: cfg.VoteWindow,
		setTTL:     cfg.SetTTL,
		log:        cfg.Logger,
		m:          cfg.Metrics,
		clock:      util.RealClock{},
	}
}

// Tower exposes the voting history for the status API.
func (e *Engine) Tower() *Tower { return e.tower }

// Start produces one ConsensusResult per incoming batch until ctx is
// canceled or the batch channel closes. Votes the node casts are
// published on gossipOut so peers can tally them. out is closed on
// return.
func (e *Engine) Start(ctx context.Context, batches <-chan oracle.Batch, peerVotes <-chan oracle.Vote, out chan<- oracle.ConsensusResult, gossipOut chan<- gossip.Payload) {
	defer close(out)

	e.log.Infow("consensus_started", "voter", e.kp.Pubkey().Short())

	for {
		select {
		case <-ctx.Done():
			e.log.Infow("consensus_stopped")
			return
		case batch, ok := <-batches:
			if !ok {
				return
			}
			result := e.processBatch(ctx, batch, peerVotes, gossipOut)
			select {
			case out <- result:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (e *Engine) processBatch(ctx context.Context, batch oracle.Batch, peerVotes <-chan oracle.Vote, gossipOut chan<- gossip.Payload) oracle.ConsensusResult {
	slot := e.currentSlot(ctx)
	set := e.validatorSet(ctx)
	e.m.CurrentSlot.Set(float64(slot))

	votes := make(map[crypto.Pubkey]oracle.Vote)
	self := e.kp.Pubkey()

	if set.TotalStake > 0 {
		if v, ok := e.castVote(ctx, slot, batch.Root, set, gossipOut); ok {
			votes[self] = v
		} else if prev, ok := e.tower.VoteAt(slot); ok {
			// The tower refused; the earlier vote for this slot stands.
			votes[self] = prev
		}
		e.collectPeerVotes(ctx, slot, set, peerVotes, votes)
	}

	consensusRoot, agreeing := tally(votes, set.TotalStake)
	if consensusRoot != nil {
		e.m.ConsensusReached.Inc()
		if *consensusRoot == batch.Root {
			e.tower.AdvanceRoot(slot)
		}
		e.log.Infow("consensus_reached",
			"slot", slot,
			"agreeing_stake", agreeing,
			"total_stake", set.TotalStake)
	} else {
		e.log.Debugw("consensus_short", "slot", slot, "agreeing_stake", agreeing, "total_stake", set.TotalStake)
	}

	leader, ok := SelectLeader(set, slot)
	isLeader := ok && leader == self

	return oracle.ConsensusResult{
		Batch:         batch,
		Slot:          slot,
		Votes:         votes,
		ConsensusRoot: consensusRoot,
		AgreeingStake: agreeing,
		TotalStake:    set.TotalStake,
		IsLeader:      isLeader,
	}
}

// castVote signs and records the local vote if the tower permits it.
func (e *Engine) castVote(ctx context.Context, slot uint64, root [32]byte, set oracle.ValidatorSet, gossipOut chan<- gossip.Payload) (oracle.Vote, bool) {
	if err := e.tower.CanVote(slot, root); err != nil {
		e.m.SafetyEvents.Inc()
		e.log.Warnw("vote_refused", "slot", slot, "err", err)
		return oracle.Vote{}, false
	}

	v := oracle.Vote{
		Slot:  slot,
		Root:  root,
		Voter: e.kp.Pubkey(),
		Stake: set.Stake(e.kp.Pubkey()),
		Ts:    e.clock.Now().Unix(),
	}
	copy(v.Sig[:], e.kp.Sign(oracle.VoteMessage(slot, root)))

	if err := e.tower.Record(v); err != nil {
		e.m.SafetyEvents.Inc()
		return oracle.Vote{}, false
	}
	e.m.VotesCast.Inc()

	select {
	case gossipOut <- &gossip.VoteGossip{Vote: v}:
	case <-ctx.Done():
	}
	return v, true
}

// collectPeerVotes drains peerVotes for the vote window, keeping
// signature-valid votes for this slot from known validators. Stake is
// taken from the validator set, never from the vote's own claim.
func (e *Engine) collectPeerVotes(ctx context.Context, slot uint64, set oracle.ValidatorSet, peerVotes <-chan oracle.Vote, votes map[crypto.Pubkey]oracle.Vote) {
	if peerVotes == nil {
		return
	}
	window := time.NewTimer(e.voteWindow)
	defer window.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-window.C:
			return
		case v, ok := <-peerVotes:
			if !ok {
				return
			}
			if v.Slot != slot {
				continue
			}
			stake := set.Stake(v.Voter)
			if stake == 0 {
				continue
			}
			if !oracle.VerifyVote(v) {
				e.log.Warnw("vote_signature_invalid", "voter", v.Voter.Short(), "slot", v.Slot)
				continue
			}
			v.Stake = stake
			votes[v.Voter] = v
		}
	}
}

// tally groups votes by root. The winning root is declared only at
// ceil(2/3) of total stake.
func tally(votes map[crypto.Pubkey]oracle.Vote, totalStake uint64) (*[32]byte, uint64) {
	if totalStake == 0 {
		return nil, 0
	}
	stakes := make(map[[32]byte]uint64)
	for _, v := range votes {
		stakes[v.Root] += v.Stake
	}

	var winning [32]byte
	var max uint64
	for root, stake := range stakes {
		if stake > max {
			winning, max = root, stake
		}
	}

	quorum := (2*totalStake + 2) / 3
	if max >= quorum {
		root := winning
		return &root, max
	}
	return nil, max
}

// currentSlot polls the chain clock; when unreachable it falls back to
// a local monotone counter bounded below by the previous slot + 1.
func (e *Engine) currentSlot(ctx context.Context) uint64 {
	slot, err := e.chain.CurrentSlot(ctx)
	if err != nil {
		e.log.Warnw("slot_query_failed", "err", err)
		slot = e.lastSlot + 1
	}
	if slot < e.lastSlot {
		slot = e.lastSlot
	}
	e.lastSlot = slot
	return slot
}

// validatorSet serves from a short TTL cache; a query failure falls
// back to the last known set, or an empty set if none exists yet.
func (e *Engine) validatorSet(ctx context.Context) oracle.ValidatorSet {
	if e.haveSet && e.clock.Now().Sub(e.cachedAt) < e.setTTL {
		return e.cachedSet
	}
	set, err := e.chain.ValidatorSet(ctx)
	if err != nil {
		e.log.Warnw("validator_set_query_failed", "err", err)
		if e.haveSet {
			return e.cachedSet
		}
		return oracle.ValidatorSet{}
	}
	e.cachedSet = set
	e.cachedAt = e.clock.Now()
	e.haveSet = true
	return set
}
