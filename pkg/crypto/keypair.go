package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cloudflare/circl/sign/ed25519"
)

// Pubkey identifies a reporter on the oracle network.
type Pubkey [32]byte

func (p Pubkey) String() string { return hex.EncodeToString(p[:]) }

func (p Pubkey) Bytes() []byte { return p[:] }

// Short returns the first 8 hex chars, for logs.
func (p Pubkey) Short() string { return hex.EncodeToString(p[:4]) }

func PubkeyFromHex(s string) (Pubkey, error) {
	var p Pubkey
	b, err := hex.DecodeString(s)
	if err != nil {
		return p, fmt.Errorf("parse pubkey: %w", err)
	}
	if len(b) != len(p) {
		return p, fmt.Errorf("pubkey must be %d bytes, got %d", len(p), len(b))
	}
	copy(p[:], b)
	return p, nil
}

// Keypair is the node's Ed25519 identity. The on-disk format is the
// 64-byte JSON array used by the settlement-chain tooling:
// seed(32) || pubkey(32).
type Keypair struct {
	priv ed25519.PrivateKey
	pub  Pubkey
}

func GenerateKeypair() (*Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	kp := &Keypair{priv: priv}
	copy(kp.pub[:], pub)
	return kp, nil
}

// KeypairFromBytes rebuilds a keypair from the 64-byte seed||pubkey form.
func KeypairFromBytes(b []byte) (*Keypair, error) {
	if len(b) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("keypair must be %d bytes, got %d", ed25519.PrivateKeySize, len(b))
	}
	priv := ed25519.NewKeyFromSeed(b[:ed25519.SeedSize])
	kp := &Keypair{priv: priv}
	copy(kp.pub[:], priv.Public().(ed25519.PublicKey))
	return kp, nil
}

// LoadKeypair reads a 64-byte JSON array keypair file.
func LoadKeypair(path string) (*Keypair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keypair file %s: %w", path, err)
	}
	var nums []int
	if err := json.Unmarshal(data, &nums); err != nil {
		return nil, fmt.Errorf("parse keypair JSON: %w", err)
	}
	raw := make([]byte, len(nums))
	for i, n := range nums {
		if n < 0 || n > 255 {
			return nil, fmt.Errorf("keypair byte %d out of range", n)
		}
		raw[i] = byte(n)
	}
	return KeypairFromBytes(raw)
}

// Save writes the keypair as a 64-byte JSON array, creating parent dirs.
func (k *Keypair) Save(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}
	// The wire format is a JSON array of 64 numbers, shared with the
	// settlement-chain tooling.
	nums := make([]int, len(k.priv))
	for i, b := range []byte(k.priv) {
		nums[i] = int(b)
	}
	data, err := json.Marshal(nums)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write keypair file %s: %w", path, err)
	}
	return nil
}

func (k *Keypair) Pubkey() Pubkey { return k.pub }

// Sign returns a 64-byte Ed25519 signature over msg.
func (k *Keypair) Sign(msg []byte) []byte {
	return ed25519.Sign(k.priv, msg)
}

// Verify reports whether sig is a valid signature by pub over msg.
// Never panics on malformed input.
func Verify(pub Pubkey, msg, sig []byte) bool {
	if len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub[:]), msg, sig)
}
