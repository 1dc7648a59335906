package chainclient

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/0xbitcoin/tokenminer/internal/work"
)

// ECDSAKey signs with a secp256k1 private key loaded the way the solo
// driver's miner account key is configured: a raw hex-encoded key, never
// logged or persisted.
type ECDSAKey struct {
	priv *ecdsa.PrivateKey
}

// LoadECDSAKey parses a hex-encoded secp256k1 private key (no 0x
// prefix).
func LoadECDSAKey(hexKey string) (*ECDSAKey, error) {
	priv, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("chainclient: invalid private key: %w", err)
	}
	return &ECDSAKey{priv: priv}, nil
}

// Sign implements PrivateKey.
func (k *ECDSAKey) Sign(digest [32]byte) ([]byte, error) {
	return crypto.Sign(digest[:], k.priv)
}

// Address implements PrivateKey.
func (k *ECDSAKey) Address() work.Address20 {
	addr := crypto.PubkeyToAddress(k.priv.PublicKey)
	var out work.Address20
	copy(out[:], addr.Bytes())
	return out
}
