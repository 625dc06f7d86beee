package gossip

import (
	"context"
	"encoding/gob"
	"fmt"
	"math/rand"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/Xenian84/tachyon-oracles/pkg/crypto"
	"github.com/Xenian84/tachyon-oracles/pkg/metrics"
	"github.com/Xenian84/tachyon-oracles/pkg/oracle"
)

const (
	topicCrds    = "tachyon-crds"
	protocolPull = protocol.ID("/tachyon/pull/1.0.0")

	heartbeatInterval = 30 * time.Second
)

// Config wires the overlay.
type Config struct {
	ListenPort   int
	Bootstrap    []string
	Fanout       int
	PullInterval time.Duration
	MaxEntries   int
	Assets       map[string]bool
	APIAddr      string
	Keypair      *crypto.Keypair
	Logger       *zap.SugaredLogger
	Metrics      *metrics.Metrics
}

// Service maintains the CRDS table over a libp2p gossipsub overlay:
// local insertions are pushed on the topic (gossipsub handles the
// fanout, excluding the source), and a periodic pull exchanges a
// known-label set with one random peer to recover missed values.
type Service struct {
	h     host.Host
	ps    *pubsub.PubSub
	topic *pubsub.Topic
	sub   *pubsub.Subscription

	crds *Crds
	cfg  Config
	self crypto.Pubkey
	log  *zap.SugaredLogger
	m    *metrics.Metrics
}

func NewService(ctx context.Context, cfg Config) (*Service, error) {
	listen, err := ma.NewMultiaddr(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", cfg.ListenPort))
	if err != nil {
		return nil, err
	}
	h, err := libp2p.New(libp2p.ListenAddrs(listen))
	if err != nil {
		return nil, fmt.Errorf("libp2p host: %w", err)
	}
	gsParams := pubsub.DefaultGossipSubParams()
	if cfg.Fanout > 0 {
		gsParams.D = cfg.Fanout
	}
	ps, err := pubsub.NewGossipSub(ctx, h, pubsub.WithGossipSubParams(gsParams))
	if err != nil {
		return nil, fmt.Errorf("gossipsub: %w", err)
	}

	s := &Service{
		h:    h,
		ps:   ps,
		crds: NewCrds(cfg.MaxEntries),
		cfg:  cfg,
		self: cfg.Keypair.Pubkey(),
		log:  cfg.Logger,
		m:    cfg.Metrics,
	}

	if s.topic, err = ps.Join(topicCrds); err != nil {
		return nil, err
	}
	if s.sub, err = s.topic.Subscribe(); err != nil {
		return nil, err
	}

	h.SetStreamHandler(protocolPull, s.handlePullStream)

	for _, bs := range cfg.Bootstrap {
		if err := connectMultiaddr(ctx, h, bs); err != nil {
			cfg.Logger.Warnw("bootstrap_connect_failed", "addr", bs, "err", err)
		}
	}

	cfg.Logger.Infow("gossip_ready", "peer", h.ID().String(), "port", cfg.ListenPort)
	return s, nil
}

func connectMultiaddr(ctx context.Context, h host.Host, addr string) error {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return err
	}
	return h.Connect(ctx, *info)
}

// Crds exposes the table for read-side consumers (status API).
func (s *Service) Crds() *Crds { return s.crds }

// PeerCount reports currently connected peers.
func (s *Service) PeerCount() int { return len(s.h.Network().Peers()) }

// Start runs the overlay loops until ctx is canceled. Broadcasts
// arriving on in are signed, inserted, and pushed; received PricePoints
// for configured assets are delivered on prices and Votes on votes.
// Both output channels are closed on return.
func (s *Service) Start(ctx context.Context, in <-chan Payload, prices chan<- oracle.PricePoint, votes chan<- oracle.Vote) {
	defer close(prices)
	defer close(votes)
	defer s.h.Close()

	go s.inboundLoop(ctx, prices, votes)
	go s.pullLoop(ctx)
	go s.heartbeatLoop(ctx)

	for {
		select {
		case <-ctx.Done():
			s.log.Infow("gossip_stopped")
			return
		case p, ok := <-in:
			if !ok {
				return
			}
			s.publish(ctx, p)
		}
	}
}

// publish signs a locally produced payload, inserts it, and pushes it
// to the overlay.
func (s *Service) publish(ctx context.Context, p Payload) {
	v := SignValue(s.cfg.Keypair, p, uint64(time.Now().UnixMilli()))
	if err := s.crds.Insert(v); err != nil {
		// A fresher local value is already stored; nothing to push.
		return
	}
	s.m.GossipInserts.Inc()

	data, err := gobEncode(PushMessage{Values: []VersionedValue{v}})
	if err != nil {
		s.log.Errorw("push_encode_failed", "err", err)
		return
	}
	if err := s.topic.Publish(ctx, data); err != nil {
		s.log.Warnw("push_publish_failed", "err", err)
	}
}

func (s *Service) inboundLoop(ctx context.Context, prices chan<- oracle.PricePoint, votes chan<- oracle.Vote) {
	for {
		msg, err := s.sub.Next(ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == s.h.ID() {
			continue
		}
		var push PushMessage
		if err := gobDecode(msg.Data, &push); err != nil {
			continue
		}
		for _, v := range push.Values {
			s.ingest(ctx, v, prices, votes)
		}
	}
}

// ingest verifies, inserts, and delivers one received value.
func (s *Service) ingest(ctx context.Context, v VersionedValue, prices chan<- oracle.PricePoint, votes chan<- oracle.Vote) {
	if v.Payload == nil || !v.Verify() {
		s.m.GossipRejects.Inc()
		return
	}
	if err := s.crds.Insert(v); err != nil {
		s.m.GossipRejects.Inc()
		return
	}
	s.m.GossipInserts.Inc()

	switch p := v.Payload.(type) {
	case *PriceGossip:
		if p.Point.Reporter == s.self || !s.cfg.Assets[p.Point.Symbol] {
			return
		}
		select {
		case prices <- p.Point:
		case <-ctx.Done():
		}
	case *VoteGossip:
		if p.Vote.Voter == s.self {
			return
		}
		select {
		case votes <- p.Vote:
		case <-ctx.Done():
		}
	}
}

// pullLoop asks one random peer for values we lack, at PullInterval.
func (s *Service) pullLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PullInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			peers := s.h.Network().Peers()
			if len(peers) == 0 {
				continue
			}
			target := peers[rand.Intn(len(peers))]
			if err := s.pullFrom(ctx, target); err != nil {
				s.log.Debugw("pull_failed", "peer", target.String(), "err", err)
			}
		}
	}
}

func (s *Service) pullFrom(ctx context.Context, target peer.ID) error {
	stream, err := s.h.NewStream(ctx, target, protocolPull)
	if err != nil {
		return err
	}
	defer stream.Close()
	stream.SetDeadline(time.Now().Add(10 * time.Second))

	req := PullRequest{From: s.self, Known: s.crds.Labels()}
	if err := gob.NewEncoder(stream).Encode(&req); err != nil {
		return err
	}
	if err := stream.CloseWrite(); err != nil {
		return err
	}

	var resp PullResponse
	if err := gob.NewDecoder(stream).Decode(&resp); err != nil {
		return err
	}

	// Pull-inserted entries are not pushed further.
	inserted := 0
	for _, v := range resp.Values {
		if v.Payload == nil || !v.Verify() {
			s.m.GossipRejects.Inc()
			continue
		}
		if s.crds.Insert(v) == nil {
			inserted++
		}
	}
	if inserted > 0 {
		s.m.GossipInserts.Add(float64(inserted))
		s.log.Debugw("pull_completed", "peer", target.String(), "inserted", inserted)
	}
	return nil
}

// handlePullStream answers a pull request with entries the requester
// does not already hold.
func (s *Service) handlePullStream(stream network.Stream) {
	defer stream.Close()
	stream.SetDeadline(time.Now().Add(10 * time.Second))

	var req PullRequest
	if err := gob.NewDecoder(stream).Decode(&req); err != nil {
		return
	}
	known := make(map[Label]struct{}, len(req.Known))
	for _, l := range req.Known {
		known[l] = struct{}{}
	}
	resp := PullResponse{Values: s.crds.Missing(known)}
	_ = gob.NewEncoder(stream).Encode(&resp)
}

// heartbeatLoop re-announces our contact info so peers keep us in their
// contact set; stale peers age out of theirs under the wallclock policy.
func (s *Service) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	announce := func() {
		s.publish(ctx, &ContactInfo{
			Pubkey:     s.self,
			GossipAddr: fmt.Sprintf("/ip4/0.0.0.0/tcp/%d/p2p/%s", s.cfg.ListenPort, s.h.ID().String()),
			APIAddr:    s.cfg.APIAddr,
		})
		s.m.Peers.Set(float64(s.PeerCount()))
	}
	announce()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			announce()
		}
	}
}
