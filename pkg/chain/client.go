package chain

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"

	"github.com/Xenian84/tachyon-oracles/pkg/crypto"
	"github.com/Xenian84/tachyon-oracles/pkg/oracle"
)

// rpcTimeout is the hard deadline on every settlement-chain call.
const rpcTimeout = 10 * time.Second

// Client talks JSON-RPC to the settlement chain. It is owned by the
// consensus and submitter stages; no other stage queries the chain.
type Client struct {
	rpc               *rpc.Client
	log               *zap.SugaredLogger
	GovernanceProgram [32]byte
	SettlementProgram [32]byte
}

func Dial(ctx context.Context, url, governanceID, settlementID string, logger *zap.SugaredLogger) (*Client, error) {
	gov, err := parseProgramID(governanceID)
	if err != nil {
		return nil, fmt.Errorf("governance_program_id: %w", err)
	}
	settle, err := parseProgramID(settlementID)
	if err != nil {
		return nil, fmt.Errorf("settlement_program_id: %w", err)
	}
	c, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial chain rpc %s: %w", url, err)
	}
	return &Client{
		rpc:               c,
		log:               logger,
		GovernanceProgram: gov,
		SettlementProgram: settle,
	}, nil
}

func (c *Client) Close() { c.rpc.Close() }

func parseProgramID(s string) ([32]byte, error) {
	var id [32]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("parse program id: %w", err)
	}
	if len(b) != 32 {
		return id, fmt.Errorf("program id must be 32 bytes, got %d", len(b))
	}
	copy(id[:], b)
	return id, nil
}

// CurrentSlot polls the chain's monotone slot counter.
func (c *Client) CurrentSlot(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()

	var slot uint64
	if err := c.rpc.CallContext(ctx, &slot, "getSlot"); err != nil {
		return 0, fmt.Errorf("getSlot: %w", err)
	}
	return slot, nil
}

type accountInfo struct {
	Data string `json:"data"` // base64
}

// AccountData fetches the raw data of an account, nil if absent.
func (c *Client) AccountData(ctx context.Context, addr [32]byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()

	var info *accountInfo
	if err := c.rpc.CallContext(ctx, &info, "getAccountInfo", hex.EncodeToString(addr[:])); err != nil {
		return nil, fmt.Errorf("getAccountInfo: %w", err)
	}
	if info == nil {
		return nil, nil
	}
	data, err := base64.StdEncoding.DecodeString(info.Data)
	if err != nil {
		return nil, fmt.Errorf("decode account data: %w", err)
	}
	return data, nil
}

// ValidatorSet reads the governance account (PDA of the "governance"
// seed) and returns the current stake distribution.
func (c *Client) ValidatorSet(ctx context.Context) (oracle.ValidatorSet, error) {
	addr, _, err := FindProgramAddress([][]byte{[]byte("governance")}, c.GovernanceProgram)
	if err != nil {
		return oracle.ValidatorSet{}, err
	}
	data, err := c.AccountData(ctx, addr)
	if err != nil {
		return oracle.ValidatorSet{}, err
	}
	if data == nil {
		return oracle.ValidatorSet{}, fmt.Errorf("governance account %x not found", addr[:4])
	}
	return ParseGovernanceAccount(data)
}

// SendTransaction posts a signed instruction payload targeting the
// settlement program. The envelope is signer(32) || sig(64) ||
// program(32) || payload, base64-encoded.
func (c *Client) SendTransaction(ctx context.Context, signer crypto.Pubkey, sig []byte, payload []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()

	envelope := make([]byte, 0, 32+64+32+len(payload))
	envelope = append(envelope, signer[:]...)
	envelope = append(envelope, sig...)
	envelope = append(envelope, c.SettlementProgram[:]...)
	envelope = append(envelope, payload...)

	var txid string
	if err := c.rpc.CallContext(ctx, &txid, "sendTransaction", base64.StdEncoding.EncodeToString(envelope)); err != nil {
		return "", fmt.Errorf("sendTransaction: %w", err)
	}
	return txid, nil
}
