package aggregator

import (
	"context"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/Xenian84/tachyon-oracles/pkg/crypto"
	"github.com/Xenian84/tachyon-oracles/pkg/metrics"
	"github.com/Xenian84/tachyon-oracles/pkg/oracle"
	"github.com/Xenian84/tachyon-oracles/pkg/util"
)

// Aggregator merges locally fetched and peer-gossiped PricePoints into
// per-tick batches: per asset it keeps each reporter's latest
// observation, requires minPublishers distinct reporters, computes the
// median and a dispersion confidence, and commits the sorted leaves
// into a sibling-sorted keccak Merkle tree.
type Aggregator struct {
	interval      time.Duration
	minPublishers int
	log           *zap.SugaredLogger
	m             *metrics.Metrics
	clock         util.Clock

	// asset -> reporter -> latest point within the current tick
	cache map[string]map[crypto.Pubkey]oracle.PricePoint
}

func New(interval time.Duration, minPublishers int, logger *zap.SugaredLogger, m *metrics.Metrics) *Aggregator {
	return &Aggregator{
		interval:      interval,
		minPublishers: minPublishers,
		log:           logger,
		m:             m,
		clock:         util.RealClock{},
		cache:         make(map[string]map[crypto.Pubkey]oracle.PricePoint),
	}
}

// Start consumes until ctx is canceled or both inputs close. out is
// closed on return.
func (a *Aggregator) Start(ctx context.Context, local, peer <-chan oracle.PricePoint, out chan<- oracle.Batch) {
	defer close(out)

	a.log.Infow("aggregator_started",
		"batch_interval_ms", a.interval.Milliseconds(),
		"min_publishers", a.minPublishers)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.log.Infow("aggregator_stopped")
			return
		case p, ok := <-local:
			if !ok {
				local = nil
				if peer == nil {
					return
				}
				continue
			}
			a.accept(p)
		case p, ok := <-peer:
			if !ok {
				peer = nil
				if local == nil {
					return
				}
				continue
			}
			a.accept(p)
		case <-ticker.C:
			batch, ok := a.buildBatch(a.clock.Now().Unix())
			if !ok {
				continue
			}
			select {
			case out <- batch:
				a.m.BatchesBuilt.Inc()
				a.log.Debugw("batch_built",
					"feeds", len(batch.Leaves),
					"root", crypto.Pubkey(batch.Root).Short())
			case <-ctx.Done():
				return
			}
		}
	}
}

// accept caches a point; a reporter's later observation within the
// tick overwrites its earlier one. Stale points never enter the cache.
func (a *Aggregator) accept(p oracle.PricePoint) {
	if p.Stale(a.clock.Now().Unix()) {
		return
	}
	byReporter, ok := a.cache[p.Symbol]
	if !ok {
		byReporter = make(map[crypto.Pubkey]oracle.PricePoint)
		a.cache[p.Symbol] = byReporter
	}
	byReporter[p.Reporter] = p
}

// buildBatch drains the tick cache into a Batch. Returns false when no
// asset reached quorum.
func (a *Aggregator) buildBatch(now int64) (oracle.Batch, bool) {
	var leaves []oracle.FeedLeaf
	for symbol, byReporter := range a.cache {
		if len(byReporter) < a.minPublishers {
			continue
		}
		prices := make([]int64, 0, len(byReporter))
		for _, p := range byReporter {
			prices = append(prices, p.Price)
		}
		leaves = append(leaves, oracle.FeedLeaf{
			AssetID:    oracle.AssetID(symbol),
			Price:      medianFixed(prices),
			Confidence: confidenceFixed(prices),
			Ts:         now,
		})
	}
	a.cache = make(map[string]map[crypto.Pubkey]oracle.PricePoint)

	if len(leaves) == 0 {
		return oracle.Batch{}, false
	}

	// Canonical leaf order: ascending asset_id. Identical inputs must
	// yield a byte-identical root on every honest node.
	sort.Slice(leaves, func(i, j int) bool {
		return compare32(leaves[i].AssetID, leaves[j].AssetID) < 0
	})

	tree := oracle.BuildTree(leaves)
	return oracle.Batch{
		Root:   oracle.TreeRoot(tree),
		Ts:     now,
		Leaves: leaves,
		Tree:   tree,
	}, true
}

func compare32(a, b [32]byte) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// medianFixed sorts the fixed-point prices and takes the median; an
// even count averages the two central values (integer mean, truncated).
func medianFixed(prices []int64) int64 {
	sorted := append([]int64(nil), prices...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

// confidenceFixed is 1/(1 + stddev/mean) in [0,1], fixed-point. A
// zero-variance sample (including a single reporter) is full
// confidence.
func confidenceFixed(prices []int64) int64 {
	mean := 0.0
	for _, p := range prices {
		mean += float64(p)
	}
	mean /= float64(len(prices))

	variance := 0.0
	for _, p := range prices {
		d := float64(p) - mean
		variance += d * d
	}
	variance /= float64(len(prices))
	stddev := math.Sqrt(variance)

	if stddev == 0 || mean == 0 {
		return oracle.FixedScale
	}
	return oracle.ToFixed(1 / (1 + stddev/mean))
}
