package api

import (
	"encoding/hex"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/Xenian84/tachyon-oracles/pkg/crypto"
	"github.com/Xenian84/tachyon-oracles/pkg/oracle"
	"github.com/Xenian84/tachyon-oracles/pkg/storage"
)

// StatusSource supplies the live node state the endpoints report.
type StatusSource interface {
	Pubkey() crypto.Pubkey
	CurrentSlot() uint64
	PeerCount() int
}

// Server is the node's HTTP surface: status, latest prices, prometheus
// metrics, and a WebSocket stream of batches.
type Server struct {
	source  StatusSource
	history *storage.History
	router  *mux.Router
	hub     *Hub
	log     *zap.SugaredLogger

	mu        sync.RWMutex
	lastBatch *oracle.Batch
	symbols   map[[32]byte]string // asset_id -> symbol, from config
}

func NewServer(source StatusSource, history *storage.History, registry *prometheus.Registry, symbols []string, logger *zap.SugaredLogger) *Server {
	symbolIndex := make(map[[32]byte]string, len(symbols))
	for _, s := range symbols {
		symbolIndex[oracle.AssetID(s)] = s
	}

	s := &Server{
		source:  source,
		history: history,
		router:  mux.NewRouter(),
		hub:     NewHub(),
		log:     logger,
		symbols: symbolIndex,
	}
	s.setupRoutes(registry)
	return s
}

func (s *Server) setupRoutes(registry *prometheus.Registry) {
	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/prices", s.handlePrices).Methods("GET")
	api.HandleFunc("/batches/latest", s.handleLatestBatch).Methods("GET")

	s.router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Start blocks serving HTTP on addr.
func (s *Server) Start(addr string) error {
	go s.hub.Run()

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
	})

	s.log.Infow("api_server_starting", "addr", addr)
	return http.ListenAndServe(addr, c.Handler(s.router))
}

// ObserveBatch records the latest batch and pushes it to WebSocket
// subscribers of the "batches" channel.
func (s *Server) ObserveBatch(b oracle.Batch) {
	s.mu.Lock()
	s.lastBatch = &b
	s.mu.Unlock()

	s.hub.BroadcastToChannel("batches", BatchUpdate{
		Channel:   "batches",
		Root:      hex.EncodeToString(b.Root[:]),
		Ts:        b.Ts,
		FeedCount: len(b.Leaves),
		Feeds:     s.feedInfos(b.Leaves),
	})
}

func (s *Server) feedInfos(leaves []oracle.FeedLeaf) []FeedInfo {
	out := make([]FeedInfo, len(leaves))
	for i, l := range leaves {
		out[i] = FeedInfo{
			AssetID:    hex.EncodeToString(l.AssetID[:]),
			Symbol:     s.symbols[l.AssetID],
			Price:      l.Price,
			Confidence: l.Confidence,
			Ts:         l.Ts,
		}
	}
	return out
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := NodeStatus{
		Pubkey: s.source.Pubkey().String(),
		Slot:   s.source.CurrentSlot(),
		Peers:  s.source.PeerCount(),
	}

	s.mu.RLock()
	if s.lastBatch != nil {
		status.LastRoot = hex.EncodeToString(s.lastBatch.Root[:])
		status.LastBatchTs = s.lastBatch.Ts
		status.FeedCount = len(s.lastBatch.Leaves)
	}
	s.mu.RUnlock()

	if s.history != nil {
		if recent, err := s.history.Recent(10); err == nil {
			for _, r := range recent {
				status.Submissions = append(status.Submissions, TxRef{
					Slot:      r.Slot,
					Root:      hex.EncodeToString(r.Root[:]),
					Ts:        r.Ts,
					FeedCount: r.FeedCount,
					TxID:      r.TxID,
				})
			}
		}
	}
	writeJSON(w, status)
}

func (s *Server) handlePrices(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastBatch == nil {
		writeJSON(w, []FeedInfo{})
		return
	}
	writeJSON(w, s.feedInfos(s.lastBatch.Leaves))
}

func (s *Server) handleLatestBatch(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastBatch == nil {
		http.Error(w, `{"error":"no batch yet"}`, http.StatusNotFound)
		return
	}
	writeJSON(w, BatchUpdate{
		Root:      hex.EncodeToString(s.lastBatch.Root[:]),
		Ts:        s.lastBatch.Ts,
		FeedCount: len(s.lastBatch.Leaves),
		Feeds:     s.feedInfos(s.lastBatch.Leaves),
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
