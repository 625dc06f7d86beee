package node

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Xenian84/tachyon-oracles/params"
	"github.com/Xenian84/tachyon-oracles/pkg/aggregator"
	"github.com/Xenian84/tachyon-oracles/pkg/api"
	"github.com/Xenian84/tachyon-oracles/pkg/chain"
	"github.com/Xenian84/tachyon-oracles/pkg/consensus"
	"github.com/Xenian84/tachyon-oracles/pkg/crypto"
	"github.com/Xenian84/tachyon-oracles/pkg/fetcher"
	"github.com/Xenian84/tachyon-oracles/pkg/gossip"
	"github.com/Xenian84/tachyon-oracles/pkg/metrics"
	"github.com/Xenian84/tachyon-oracles/pkg/oracle"
	"github.com/Xenian84/tachyon-oracles/pkg/storage"
	"github.com/Xenian84/tachyon-oracles/pkg/submitter"
)

// Channel capacities per stage. Full channels slow the producer and
// preserve ordering; nothing is dropped inside the pipeline.
const (
	localPriceCap  = 1000
	gossipPriceCap = 1000
	batchCap       = 100
	consensusCap   = 100
	peerVoteCap    = 1000
)

// shutdownGrace bounds the join of all stage goroutines.
const shutdownGrace = 5 * time.Second

// Node owns the full price commitment pipeline: fetcher, gossip
// overlay, aggregator, consensus, submitter, history, and the HTTP
// surface. Stages communicate only through bounded channels; shutdown
// is the context's cancellation observed by every stage.
type Node struct {
	cfg     *params.Config
	keypair *crypto.Keypair
	log     *zap.SugaredLogger
	m       *metrics.Metrics

	chainClient *chain.Client
	gossipSvc   *gossip.Service
	engine      *consensus.Engine
	history     *storage.History
	apiServer   *api.Server

	lastSlot atomic.Uint64
}

func New(ctx context.Context, cfg *params.Config, logger *zap.SugaredLogger) (*Node, error) {
	kp, err := crypto.LoadKeypair(params.ExpandPath(cfg.KeypairPath))
	if err != nil {
		return nil, fmt.Errorf("load keypair: %w", err)
	}
	logger.Infow("identity_loaded", "pubkey", kp.Pubkey().String())

	m := metrics.New()

	chainClient, err := chain.Dial(ctx, cfg.ChainRPCURL, cfg.GovernanceProgramID, cfg.SettlementProgramID, logger)
	if err != nil {
		return nil, err
	}

	history, err := storage.OpenHistory(filepath.Join(cfg.DataDir, "history"), logger)
	if err != nil {
		return nil, err
	}

	assets := make(map[string]bool, len(cfg.Assets))
	symbols := make([]string, 0, len(cfg.Assets))
	for _, a := range cfg.Assets {
		assets[a.Symbol] = true
		symbols = append(symbols, a.Symbol)
	}

	gossipSvc, err := gossip.NewService(ctx, gossip.Config{
		ListenPort:   cfg.GossipPort,
		Bootstrap:    cfg.Gossip.Bootstrap,
		Fanout:       cfg.Gossip.Fanout,
		PullInterval: time.Duration(cfg.Gossip.PullIntervalMs) * time.Millisecond,
		MaxEntries:   cfg.Gossip.MaxEntries,
		Assets:       assets,
		APIAddr:      fmt.Sprintf(":%d", cfg.APIPort),
		Keypair:      kp,
		Logger:       logger,
		Metrics:      m,
	})
	if err != nil {
		return nil, err
	}

	n := &Node{
		cfg:         cfg,
		keypair:     kp,
		log:         logger,
		m:           m,
		chainClient: chainClient,
		gossipSvc:   gossipSvc,
		history:     history,
	}

	n.engine = consensus.New(consensus.Config{
		Keypair: kp,
		Chain:   chainClient,
		Logger:  logger,
		Metrics: m,
	})

	n.apiServer = api.NewServer(n, history, m.Registry, symbols, logger)
	return n, nil
}

// StatusSource for the API server.

func (n *Node) Pubkey() crypto.Pubkey { return n.keypair.Pubkey() }
func (n *Node) CurrentSlot() uint64   { return n.lastSlot.Load() }
func (n *Node) PeerCount() int {
	if n.gossipSvc == nil {
		return 0
	}
	return n.gossipSvc.PeerCount()
}

// Run wires the channels and drives the pipeline until ctx is
// canceled, then joins all stages within the shutdown grace period.
func (n *Node) Run(ctx context.Context) error {
	fetchOut := make(chan oracle.PricePoint, localPriceCap)
	localPrice := make(chan oracle.PricePoint, localPriceCap)
	gossipPrice := make(chan oracle.PricePoint, gossipPriceCap)
	batches := make(chan oracle.Batch, batchCap)
	results := make(chan oracle.ConsensusResult, consensusCap)
	submitIn := make(chan oracle.ConsensusResult, consensusCap)
	peerVotes := make(chan oracle.Vote, peerVoteCap)
	gossipOut := make(chan gossip.Payload, localPriceCap)

	fetch := fetcher.New(n.cfg, n.keypair, n.log, n.m)
	agg := aggregator.New(n.cfg.BatchInterval(), n.cfg.MinPublishers, n.log, n.m)
	sub := submitter.New(submitter.Config{
		Keypair:    n.keypair,
		Chain:      n.chainClient,
		MaxRetries: n.cfg.Fetcher.MaxRetries,
		RetryDelay: time.Duration(n.cfg.Fetcher.RetryDelayMs) * time.Millisecond,
		Logger:     n.log,
		Metrics:    n.m,
		History:    n.history,
	})

	var wg sync.WaitGroup
	start := func(name string, f func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f()
		}()
		n.log.Debugw("stage_started", "stage", name)
	}

	start("history", func() { n.history.Start(ctx) })
	start("gossip", func() { n.gossipSvc.Start(ctx, gossipOut, gossipPrice, peerVotes) })
	start("fetcher", func() { fetch.Start(ctx, fetchOut) })
	start("price_tee", func() { n.teePrices(ctx, fetchOut, localPrice, gossipOut) })
	start("aggregator", func() { agg.Start(ctx, localPrice, gossipPrice, batches) })
	start("consensus", func() { n.engine.Start(ctx, batches, peerVotes, results, gossipOut) })
	start("result_tee", func() { n.teeResults(ctx, results, submitIn) })
	start("submitter", func() { sub.Start(ctx, submitIn) })

	go func() {
		if err := n.apiServer.Start(fmt.Sprintf(":%d", n.cfg.APIPort)); err != nil {
			n.log.Errorw("api_server_failed", "err", err)
		}
	}()

	n.log.Infow("node_started",
		"assets", len(n.cfg.Assets),
		"gossip_port", n.cfg.GossipPort,
		"api_port", n.cfg.APIPort)

	<-ctx.Done()
	n.log.Infow("node_stopping")

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		n.log.Infow("node_stopped")
	case <-time.After(shutdownGrace):
		n.log.Warnw("shutdown_grace_exceeded", "grace", shutdownGrace.String())
	}
	n.chainClient.Close()
	return nil
}

// teePrices forwards locally fetched points to the aggregator and
// mirrors them into gossip so peers can aggregate them too.
func (n *Node) teePrices(ctx context.Context, in <-chan oracle.PricePoint, local chan<- oracle.PricePoint, gossipOut chan<- gossip.Payload) {
	defer close(local)
	for {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-in:
			if !ok {
				return
			}
			select {
			case local <- p:
			case <-ctx.Done():
				return
			}
			select {
			case gossipOut <- &gossip.PriceGossip{Point: p}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// teeResults feeds the submitter and the operational surfaces.
func (n *Node) teeResults(ctx context.Context, in <-chan oracle.ConsensusResult, submitIn chan<- oracle.ConsensusResult) {
	defer close(submitIn)
	for {
		select {
		case <-ctx.Done():
			return
		case res, ok := <-in:
			if !ok {
				return
			}
			n.lastSlot.Store(res.Slot)
			n.apiServer.ObserveBatch(res.Batch)
			select {
			case submitIn <- res:
			case <-ctx.Done():
				return
			}
		}
	}
}
