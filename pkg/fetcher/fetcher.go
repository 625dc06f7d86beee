package fetcher

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Xenian84/tachyon-oracles/params"
	"github.com/Xenian84/tachyon-oracles/pkg/crypto"
	"github.com/Xenian84/tachyon-oracles/pkg/metrics"
	"github.com/Xenian84/tachyon-oracles/pkg/oracle"
	"github.com/Xenian84/tachyon-oracles/pkg/util"
)

// ErrCircuitOpen is returned while a source's breaker rejects calls.
var ErrCircuitOpen = fmt.Errorf("circuit breaker open")

type observation struct {
	price  float64
	source string
	ts     int64
}

// Fetcher pulls spot prices from the configured exchanges each tick,
// aggregates them per asset, and emits one PricePoint per asset that
// produced at least one valid price.
type Fetcher struct {
	cfg      *params.Config
	keypair  *crypto.Keypair
	log      *zap.SugaredLogger
	metrics  *metrics.Metrics
	client   *http.Client
	clock    util.Clock
	breakers map[string]*CircuitBreaker
}

func New(cfg *params.Config, kp *crypto.Keypair, logger *zap.SugaredLogger, m *metrics.Metrics) *Fetcher {
	return &Fetcher{
		cfg:     cfg,
		keypair: kp,
		log:     logger,
		metrics: m,
		client: &http.Client{
			Timeout: time.Duration(cfg.Fetcher.HTTPTimeoutSecs) * time.Second,
		},
		clock:    util.RealClock{},
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Start runs the fetch loop until ctx is canceled. out is released on
// return so the aggregator can drain and terminate.
func (f *Fetcher) Start(ctx context.Context, out chan<- oracle.PricePoint) {
	defer close(out)

	f.log.Infow("fetcher_started",
		"assets", len(f.cfg.Assets),
		"update_interval_ms", f.cfg.UpdateIntervalMs)

	ticker := time.NewTicker(f.cfg.UpdateInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			f.log.Infow("fetcher_stopped")
			return
		case <-ticker.C:
			for _, asset := range f.cfg.Assets {
				point, ok := f.aggregateAsset(ctx, asset)
				if !ok {
					continue
				}
				select {
				case out <- point:
					f.metrics.PointsEmitted.Inc()
				case <-ctx.Done():
					f.log.Infow("fetcher_stopped")
					return
				}
			}
		}
	}
}

// aggregateAsset runs the full per-asset pipeline for one tick:
// fetch, outlier rejection, validation, staleness, weighted mean.
func (f *Fetcher) aggregateAsset(ctx context.Context, asset params.AssetConfig) (oracle.PricePoint, bool) {
	obs := f.collect(ctx, asset)
	if len(obs) == 0 {
		return oracle.PricePoint{}, false
	}

	kept := removeOutliers(obs)
	if dropped := len(obs) - len(kept); dropped > 0 {
		f.metrics.OutliersDropped.Add(float64(dropped))
	}

	valid := kept[:0:0]
	for _, o := range kept {
		if !validatePrice(asset.Symbol, o.price) {
			f.metrics.OutliersDropped.Inc()
			f.log.Warnw("price_rejected", "symbol", asset.Symbol, "source", o.source, "price", o.price)
			continue
		}
		valid = append(valid, o)
	}

	now := f.clock.Now().Unix()
	fresh := valid[:0:0]
	for _, o := range valid {
		if now-o.ts <= oracle.MaxPointAgeSecs {
			fresh = append(fresh, o)
		}
	}
	if len(fresh) == 0 {
		return oracle.PricePoint{}, false
	}

	mean, ok := f.weightedMean(fresh)
	if !ok {
		return oracle.PricePoint{}, false
	}
	conf := spreadConfidence(fresh)

	return oracle.PricePoint{
		Symbol:     asset.Symbol,
		Price:      oracle.ToFixed(mean),
		Confidence: oracle.ToFixed(conf),
		Ts:         now,
		Source:     "aggregated",
		Reporter:   f.keypair.Pubkey(),
	}, true
}

func (f *Fetcher) collect(ctx context.Context, asset params.AssetConfig) []observation {
	var obs []observation
	for _, source := range asset.Sources {
		price, err := f.fetchRobust(ctx, source, asset.Symbol)
		if err != nil {
			if err != ErrCircuitOpen {
				f.metrics.FetchErrors.WithLabelValues(source).Inc()
			}
			f.log.Warnw("fetch_failed", "symbol", asset.Symbol, "source", source, "err", err)
			continue
		}
		obs = append(obs, observation{price: price, source: source, ts: f.clock.Now().Unix()})
	}
	return obs
}

// fetchRobust wraps a single adapter call in the retry and
// circuit-breaker discipline for that (source, asset) pair.
func (f *Fetcher) fetchRobust(ctx context.Context, source, symbol string) (float64, error) {
	adapter, ok := sourceAdapters[source]
	if !ok {
		return 0, fmt.Errorf("unknown source %q", source)
	}

	breaker := f.breaker(source, symbol)
	if !breaker.CanCall() {
		return 0, ErrCircuitOpen
	}

	delay := time.Duration(f.cfg.Fetcher.RetryDelayMs) * time.Millisecond
	var lastErr error
	for attempt := 0; attempt <= f.cfg.Fetcher.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-f.clock.After(delay):
			}
			delay *= 2
		}
		price, err := adapter(ctx, f.client, symbol)
		if err == nil {
			breaker.RecordSuccess()
			return price, nil
		}
		lastErr = err
	}
	breaker.RecordFailure()
	return 0, lastErr
}

func (f *Fetcher) breaker(source, symbol string) *CircuitBreaker {
	key := source + "/" + symbol
	b, ok := f.breakers[key]
	if !ok {
		b = NewCircuitBreaker(
			f.cfg.Fetcher.BreakerThreshold,
			time.Duration(f.cfg.Fetcher.BreakerOpenTimeoutS)*time.Second,
			f.clock,
		)
		f.breakers[key] = b
	}
	return b
}

// removeOutliers drops prices more than three standard deviations from
// the sample mean. Below three survivors there is no meaningful sigma,
// so everything is kept.
func removeOutliers(obs []observation) []observation {
	if len(obs) < 3 {
		return obs
	}
	var sum float64
	for _, o := range obs {
		sum += o.price
	}
	mean := sum / float64(len(obs))

	var variance float64
	for _, o := range obs {
		d := o.price - mean
		variance += d * d
	}
	stddev := math.Sqrt(variance / float64(len(obs)))

	kept := obs[:0:0]
	for _, o := range obs {
		if math.Abs(o.price-mean) <= 3*stddev {
			kept = append(kept, o)
		}
	}
	return kept
}

// plausibility bands per symbol family; a policy table, not a protocol
// commitment
func validatePrice(symbol string, price float64) bool {
	if price <= 0 {
		return false
	}
	switch {
	case strings.Contains(symbol, "BTC"):
		return price > 1_000 && price < 1_000_000
	case strings.Contains(symbol, "ETH"):
		return price > 10 && price < 100_000
	case strings.Contains(symbol, "SOL"):
		return price > 0.1 && price < 10_000
	default:
		return price < 1_000_000
	}
}

func (f *Fetcher) weightedMean(obs []observation) (float64, bool) {
	var total, weightSum float64
	for _, o := range obs {
		w, ok := f.cfg.Fetcher.SourceWeights[o.source]
		if !ok {
			w = 1.0
		}
		total += o.price * w
		weightSum += w
	}
	if weightSum == 0 {
		return 0, false
	}
	return total / weightSum, true
}

// spreadConfidence is max(0, 1 - max|p-mean|/mean): tight spread across
// sources reads as high confidence.
func spreadConfidence(obs []observation) float64 {
	if len(obs) < 2 {
		return 1.0
	}
	var sum float64
	for _, o := range obs {
		sum += o.price
	}
	mean := sum / float64(len(obs))
	if mean == 0 {
		return 0
	}
	var maxDev float64
	for _, o := range obs {
		if d := math.Abs(o.price-mean) / mean; d > maxDev {
			maxDev = d
		}
	}
	return math.Max(0, 1-maxDev)
}
