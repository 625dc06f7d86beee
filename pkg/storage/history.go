package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"
)

// Record is one submitted batch in the audit trail.
type Record struct {
	Slot      uint64   `json:"slot"`
	Root      [32]byte `json:"root"`
	Ts        int64    `json:"ts"`
	FeedCount int      `json:"feed_count"`
	TxID      string   `json:"txid"`
}

// History is the append-only ledger of submitted batches, out of the
// consensus path. Pebble writes block, so the store runs as a
// channel-fed actor on its own goroutine; producers never wait on disk.
type History struct {
	db  *pebble.DB
	in  chan Record
	log *zap.SugaredLogger
}

func OpenHistory(path string, logger *zap.SugaredLogger) (*History, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open history db %s: %w", path, err)
	}
	return &History{
		db:  db,
		in:  make(chan Record, 256),
		log: logger,
	}, nil
}

// keys: h:<8-byte big-endian slot>, so iteration order is slot order
func recordKey(slot uint64) []byte {
	key := make([]byte, 2+8)
	copy(key, "h:")
	binary.BigEndian.PutUint64(key[2:], slot)
	return key
}

// Start drains the append channel until ctx is canceled, then closes
// the database.
func (h *History) Start(ctx context.Context) {
	defer h.db.Close()

	for {
		select {
		case <-ctx.Done():
			// Drain whatever is already queued before closing.
			for {
				select {
				case r := <-h.in:
					h.write(r)
				default:
					h.log.Infow("history_stopped")
					return
				}
			}
		case r := <-h.in:
			h.write(r)
		}
	}
}

// Append enqueues a record. The ledger is advisory: when the actor is
// backed up the record is dropped rather than stalling the submitter.
func (h *History) Append(r Record) {
	select {
	case h.in <- r:
	default:
		h.log.Warnw("history_append_dropped", "slot", r.Slot)
	}
}

func (h *History) write(r Record) {
	data, err := json.Marshal(r)
	if err != nil {
		h.log.Errorw("history_encode_failed", "slot", r.Slot, "err", err)
		return
	}
	if err := h.db.Set(recordKey(r.Slot), data, pebble.NoSync); err != nil {
		h.log.Errorw("history_write_failed", "slot", r.Slot, "err", err)
	}
}

// Recent returns up to limit records, newest first.
func (h *History) Recent(limit int) ([]Record, error) {
	lower := recordKey(0)
	upper := append([]byte("h:"), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)
	iter, err := h.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []Record
	for ok := iter.Last(); ok && len(out) < limit; ok = iter.Prev() {
		var r Record
		if err := json.Unmarshal(iter.Value(), &r); err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// Get looks up the record for one slot.
func (h *History) Get(slot uint64) (Record, bool, error) {
	val, closer, err := h.db.Get(recordKey(slot))
	if err == pebble.ErrNotFound {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	defer closer.Close()

	var r Record
	if err := json.Unmarshal(val, &r); err != nil {
		return Record{}, false, err
	}
	return r, true, nil
}
