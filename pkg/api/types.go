package api

// API response types for REST endpoints and WebSocket messages

// NodeStatus is the /api/v1/status payload.
type NodeStatus struct {
	Pubkey      string  `json:"pubkey"`
	Slot        uint64  `json:"slot"`
	Peers       int     `json:"peers"`
	LastRoot    string  `json:"last_root,omitempty"`
	LastBatchTs int64   `json:"last_batch_ts,omitempty"`
	FeedCount   int     `json:"feed_count"`
	Submissions []TxRef `json:"recent_submissions,omitempty"`
}

// TxRef is one submitted batch in the status payload.
type TxRef struct {
	Slot      uint64 `json:"slot"`
	Root      string `json:"root"`
	Ts        int64  `json:"ts"`
	FeedCount int    `json:"feed_count"`
	TxID      string `json:"txid"`
}

// FeedInfo is one leaf of the latest batch on /api/v1/prices.
type FeedInfo struct {
	AssetID    string `json:"asset_id"`
	Symbol     string `json:"symbol,omitempty"`
	Price      int64  `json:"price"`
	Confidence int64  `json:"confidence"`
	Ts         int64  `json:"ts"`
}

// BatchUpdate is pushed on the "batches" WebSocket channel.
type BatchUpdate struct {
	Channel   string     `json:"channel"`
	Root      string     `json:"root"`
	Ts        int64      `json:"ts"`
	FeedCount int        `json:"feed_count"`
	Feeds     []FeedInfo `json:"feeds"`
}

// WSSubscribeRequest is the client -> server subscription op.
type WSSubscribeRequest struct {
	Op       string   `json:"op"`
	Channels []string `json:"channels"`
}
