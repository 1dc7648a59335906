// Package chainclient is the SoloDriver's concrete binding to the
// Ethereum-style JSON-RPC node: a generic RPC caller for the non-standard
// getMiningChallenge/getMiningTarget methods, transaction construction,
// secp256k1 signing, and RLP serialization. These are exactly the
// primitives spec.md names as "consumed but out of scope"; this package
// is where they get a real implementation, grounded in
// github.com/ethereum/go-ethereum's rpc/core/types/crypto/rlp packages —
// the same client geth itself uses for eth_call and
// eth_sendRawTransaction.
package chainclient

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/0xbitcoin/tokenminer/internal/work"
)

// Client wraps a go-ethereum JSON-RPC client bound to one node endpoint.
type Client struct {
	rpc     *rpc.Client
	chainID *big.Int
	key     PrivateKey
}

// PrivateKey is the signing key interface, kept narrow so tests can swap
// in a stub signer without pulling in a real secp256k1 key.
type PrivateKey interface {
	Sign(digest [32]byte) ([]byte, error)
	Address() work.Address20
}

// Dial connects to endpoint (an http(s):// URL) via go-ethereum's
// generic JSON-RPC client.
func Dial(ctx context.Context, endpoint string, chainID int64, key PrivateKey) (*Client, error) {
	c, err := rpc.DialContext(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("chainclient: dial %s: %w", endpoint, err)
	}
	return &Client{rpc: c, chainID: big.NewInt(chainID), key: key}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() { c.rpc.Close() }

// GetMiningChallenge calls the contract-specific getMiningChallenge RPC
// method (not part of the standard eth_* namespace).
func (c *Client) GetMiningChallenge(ctx context.Context) (work.Hash32, error) {
	var result string
	if err := c.rpc.CallContext(ctx, &result, "getMiningChallenge"); err != nil {
		return work.Hash32{}, err
	}
	return parseHash32(result)
}

// GetMiningTarget calls getMiningTarget.
func (c *Client) GetMiningTarget(ctx context.Context) (work.Hash32, error) {
	var result string
	if err := c.rpc.CallContext(ctx, &result, "getMiningTarget"); err != nil {
		return work.Hash32{}, err
	}
	return parseHash32(result)
}

// GetMiningDifficulty calls getMiningDifficulty, used when a provider
// doesn't expose getMiningTarget directly.
func (c *Client) GetMiningDifficulty(ctx context.Context) (uint64, error) {
	var result string
	if err := c.rpc.CallContext(ctx, &result, "getMiningDifficulty"); err != nil {
		return 0, err
	}
	v, ok := new(big.Int).SetString(trimHex(result), 16)
	if !ok {
		return 0, fmt.Errorf("chainclient: malformed difficulty %q", result)
	}
	return v.Uint64(), nil
}

// BalanceOf calls the token contract's balanceOf(address) view via
// eth_call, the transport SoloDriver's 60s balance refresh uses.
func (c *Client) BalanceOf(ctx context.Context, contract, account common.Address) (*big.Int, error) {
	selector := crypto.Keccak256([]byte("balanceOf(address)"))[:4]
	data := append(append([]byte{}, selector...), common.LeftPadBytes(account.Bytes(), 32)...)

	callMsg := map[string]interface{}{
		"to":   contract.Hex(),
		"data": "0x" + common.Bytes2Hex(data),
	}
	var result string
	if err := c.rpc.CallContext(ctx, &result, "eth_call", callMsg, "latest"); err != nil {
		return nil, err
	}
	v, ok := new(big.Int).SetString(trimHex(result), 16)
	if !ok {
		return nil, fmt.Errorf("chainclient: malformed balance %q", result)
	}
	return v, nil
}

// PeerCount calls net_peerCount.
func (c *Client) PeerCount(ctx context.Context) (int, error) {
	var result string
	if err := c.rpc.CallContext(ctx, &result, "net_peerCount"); err != nil {
		return 0, err
	}
	v, ok := new(big.Int).SetString(trimHex(result), 16)
	if !ok {
		return 0, fmt.Errorf("chainclient: malformed peer count %q", result)
	}
	return int(v.Int64()), nil
}

// GasPrice calls eth_gasPrice, the legacy-transaction gas price source.
func (c *Client) GasPrice(ctx context.Context) (*big.Int, error) {
	var result string
	if err := c.rpc.CallContext(ctx, &result, "eth_gasPrice"); err != nil {
		return nil, err
	}
	v, ok := new(big.Int).SetString(trimHex(result), 16)
	if !ok {
		return nil, fmt.Errorf("chainclient: malformed gas price %q", result)
	}
	return v, nil
}

// TransactionReceiptStatus calls eth_getTransactionReceipt and reports
// whether it has landed yet and, if so, its success status.
func (c *Client) TransactionReceiptStatus(ctx context.Context, txHash common.Hash) (found bool, success bool, err error) {
	var receipt map[string]interface{}
	if err := c.rpc.CallContext(ctx, &receipt, "eth_getTransactionReceipt", txHash.Hex()); err != nil {
		return false, false, err
	}
	if receipt == nil {
		return false, false, nil
	}
	status, _ := receipt["status"].(string)
	return true, status == "0x1", nil
}

// SubmitMiningTransaction builds, signs, RLP-encodes, and broadcasts the
// submitWork wrapper transaction, legacy or EIP-1559 depending on
// eip1559. Returns the broadcast transaction hash for receipt polling.
func (c *Client) SubmitMiningTransaction(ctx context.Context, to common.Address, callData []byte, gasLimit uint64, eip1559 bool, gasPriceWei, tipWei, feeCapWei *big.Int, nonce uint64) (common.Hash, error) {
	var tx *types.Transaction
	if eip1559 {
		tx = types.NewTx(&types.DynamicFeeTx{
			ChainID:   c.chainID,
			Nonce:     nonce,
			GasTipCap: tipWei,
			GasFeeCap: feeCapWei,
			Gas:       gasLimit,
			To:        &to,
			Data:      callData,
		})
	} else {
		tx = types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			GasPrice: gasPriceWei,
			Gas:      gasLimit,
			To:       &to,
			Data:     callData,
		})
	}

	signer := types.LatestSignerForChainID(c.chainID)
	digest := signer.Hash(tx)

	sig, err := c.key.Sign(digest)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chainclient: sign: %w", err)
	}
	signedTx, err := tx.WithSignature(signer, sig)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chainclient: apply signature: %w", err)
	}

	raw, err := rlp.EncodeToBytes(signedTx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chainclient: rlp encode: %w", err)
	}

	var txHash string
	if err := c.rpc.CallContext(ctx, &txHash, "eth_sendRawTransaction", "0x"+common.Bytes2Hex(raw)); err != nil {
		return common.Hash{}, fmt.Errorf("chainclient: broadcast: %w", err)
	}
	return common.HexToHash(txHash), nil
}

func parseHash32(hexStr string) (work.Hash32, error) {
	b := common.FromHex(hexStr)
	var out work.Hash32
	if len(b) > 32 {
		b = b[len(b)-32:]
	}
	copy(out[32-len(b):], b)
	return out, nil
}

func trimHex(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
