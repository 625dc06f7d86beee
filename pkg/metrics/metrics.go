package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the node's counters on a dedicated registry, served at
// /metrics by the API server.
type Metrics struct {
	Registry *prometheus.Registry

	FetchErrors     *prometheus.CounterVec
	OutliersDropped prometheus.Counter
	PointsEmitted   prometheus.Counter

	GossipInserts prometheus.Counter
	GossipRejects prometheus.Counter

	BatchesBuilt prometheus.Counter

	VotesCast        prometheus.Counter
	SafetyEvents     prometheus.Counter
	ConsensusReached prometheus.Counter

	Submissions        prometheus.Counter
	SubmissionFailures prometheus.Counter

	CurrentSlot prometheus.Gauge
	Peers       prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		FetchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tachyon_fetch_errors_total",
			Help: "Exchange fetch failures after retries, per source.",
		}, []string{"source"}),
		OutliersDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tachyon_outliers_dropped_total",
			Help: "Prices rejected by the 3-sigma filter or plausibility band.",
		}),
		PointsEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tachyon_price_points_total",
			Help: "PricePoints emitted by the local fetcher.",
		}),
		GossipInserts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tachyon_gossip_inserts_total",
			Help: "CRDS entries accepted.",
		}),
		GossipRejects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tachyon_gossip_rejects_total",
			Help: "CRDS entries rejected (stale wallclock or bad signature).",
		}),
		BatchesBuilt: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tachyon_batches_built_total",
			Help: "Merkle batches emitted by the aggregator.",
		}),
		VotesCast: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tachyon_votes_cast_total",
			Help: "Local votes recorded in the tower.",
		}),
		SafetyEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tachyon_tower_safety_events_total",
			Help: "Vote attempts refused by replay protection or lockout.",
		}),
		ConsensusReached: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tachyon_consensus_reached_total",
			Help: "Batches whose root gathered a 2/3 stake quorum.",
		}),
		Submissions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tachyon_submissions_total",
			Help: "Roots submitted to the settlement chain.",
		}),
		SubmissionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tachyon_submission_failures_total",
			Help: "Batches abandoned after the retry budget.",
		}),
		CurrentSlot: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tachyon_current_slot",
			Help: "Latest observed settlement-chain slot.",
		}),
		Peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tachyon_gossip_peers",
			Help: "Connected gossip peers.",
		}),
	}
	reg.MustRegister(
		m.FetchErrors, m.OutliersDropped, m.PointsEmitted,
		m.GossipInserts, m.GossipRejects, m.BatchesBuilt,
		m.VotesCast, m.SafetyEvents, m.ConsensusReached,
		m.Submissions, m.SubmissionFailures,
		m.CurrentSlot, m.Peers,
	)
	return m
}
