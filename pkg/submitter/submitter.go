package submitter

import (
	"bytes"
	"context"
	"encoding/binary"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/Xenian84/tachyon-oracles/pkg/crypto"
	"github.com/Xenian84/tachyon-oracles/pkg/metrics"
	"github.com/Xenian84/tachyon-oracles/pkg/oracle"
	"github.com/Xenian84/tachyon-oracles/pkg/storage"
	"github.com/Xenian84/tachyon-oracles/pkg/util"
)

// ChainWriter is the slice of the settlement chain the submitter needs.
type ChainWriter interface {
	SendTransaction(ctx context.Context, signer crypto.Pubkey, sig []byte, payload []byte) (string, error)
}

// Config wires the submitter.
type Config struct {
	Keypair    *crypto.Keypair
	Chain      ChainWriter
	MaxRetries int
	RetryDelay time.Duration
	Logger     *zap.SugaredLogger
	Metrics    *metrics.Metrics
	History    *storage.History // optional audit trail
}

// Submitter posts ratified roots to the settlement chain, on leader
// slots only. Submission failures never propagate upstream; a batch
// that exhausts its retry budget is abandoned.
type Submitter struct {
	kp         *crypto.Keypair
	chain      ChainWriter
	maxRetries int
	retryDelay time.Duration
	log        *zap.SugaredLogger
	m          *metrics.Metrics
	history    *storage.History
	clock      util.Clock
}

func New(cfg Config) *Submitter {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 100 * time.Millisecond
	}
	return &Submitter{
		kp:         cfg.Keypair,
		chain:      cfg.Chain,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		log:        cfg.Logger,
		m:          cfg.Metrics,
		history:    cfg.History,
		clock:      util.RealClock{},
	}
}

// Start consumes consensus results until ctx is canceled or the
// channel closes.
func (s *Submitter) Start(ctx context.Context, in <-chan oracle.ConsensusResult) {
	s.log.Infow("submitter_started")

	for {
		select {
		case <-ctx.Done():
			s.log.Infow("submitter_stopped")
			return
		case res, ok := <-in:
			if !ok {
				return
			}
			if !res.IsLeader {
				continue
			}
			if res.ConsensusRoot == nil {
				s.log.Debugw("submit_skipped_no_quorum", "slot", res.Slot)
				continue
			}
			s.submit(ctx, res)
		}
	}
}

func (s *Submitter) submit(ctx context.Context, res oracle.ConsensusResult) {
	payload := EncodePayload(res)
	sig := s.kp.Sign(payload)

	delay := s.retryDelay
	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return
			case <-s.clock.After(delay):
			}
			delay *= 2
		}
		txid, err := s.chain.SendTransaction(ctx, s.kp.Pubkey(), sig, payload)
		if err == nil {
			s.m.Submissions.Inc()
			s.log.Infow("root_submitted",
				"slot", res.Slot,
				"root", crypto.Pubkey(*res.ConsensusRoot).Short(),
				"votes", len(res.Votes),
				"txid", txid)
			if s.history != nil {
				s.history.Append(storage.Record{
					Slot:      res.Slot,
					Root:      *res.ConsensusRoot,
					Ts:        res.Batch.Ts,
					FeedCount: len(res.Batch.Leaves),
					TxID:      txid,
				})
			}
			return
		}
		lastErr = err
	}

	// Budget exhausted: abandon this batch, the next cycle tries fresh.
	s.m.SubmissionFailures.Inc()
	s.log.Errorw("submit_abandoned", "slot", res.Slot, "err", lastErr)
}

// EncodePayload lays out the submit-root-with-consensus instruction:
// root[32] || feed_count u32 || timestamp i64 || total_stake u64 ||
// votes_len u32 || votes[], all little-endian; each vote is
// validator[32] || root[32] || stake u64 || sig[64]. Votes are ordered
// by voter pubkey ascending so the payload is reproducible.
func EncodePayload(res oracle.ConsensusResult) []byte {
	voters := make([]crypto.Pubkey, 0, len(res.Votes))
	for pub := range res.Votes {
		voters = append(voters, pub)
	}
	sort.Slice(voters, func(i, j int) bool {
		return bytes.Compare(voters[i][:], voters[j][:]) < 0
	})

	buf := make([]byte, 0, 32+4+8+8+4+len(voters)*(32+32+8+64))
	buf = append(buf, res.ConsensusRoot[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(res.Batch.Leaves)))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(res.Batch.Ts))
	buf = binary.LittleEndian.AppendUint64(buf, res.TotalStake)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(voters)))
	for _, pub := range voters {
		v := res.Votes[pub]
		buf = append(buf, v.Voter[:]...)
		buf = append(buf, v.Root[:]...)
		buf = binary.LittleEndian.AppendUint64(buf, v.Stake)
		buf = append(buf, v.Sig[:]...)
	}
	return buf
}
