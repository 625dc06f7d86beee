package gossip

import (
	"bytes"
	"encoding/gob"

	"github.com/Xenian84/tachyon-oracles/pkg/crypto"
)

// Wire messages. Push rides the gossipsub topic; pull is a
// request/response over a dedicated stream protocol.

type PushMessage struct {
	Values []VersionedValue
}

type PullRequest struct {
	From  crypto.Pubkey
	Known []Label
}

type PullResponse struct {
	Values []VersionedValue
}

func init() {
	gob.Register(&ContactInfo{})
	gob.Register(&PriceGossip{})
	gob.Register(&VoteGossip{})
	gob.Register(&StakeInfo{})
}

func gobEncode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gobDecode(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}
