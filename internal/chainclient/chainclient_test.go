package chainclient

import (
	"context"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/0xbitcoin/tokenminer/internal/nodestub"
)

func dialStub(t *testing.T) (*Client, *nodestub.Server) {
	t.Helper()
	stub, url, err := nodestub.New()
	if err != nil {
		t.Fatalf("nodestub.New: %v", err)
	}
	t.Cleanup(func() { stub.Close() })

	key, err := LoadECDSAKey(testPrivKeyHex)
	if err != nil {
		t.Fatal(err)
	}
	c, err := Dial(context.Background(), url, 1, key)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(c.Close)
	return c, stub
}

func TestGetMiningChallenge(t *testing.T) {
	c, stub := dialStub(t)
	stub.SetResponse("getMiningChallenge", "0x11"+strings.Repeat("00", 31))

	h, err := c.GetMiningChallenge(context.Background())
	if err != nil {
		t.Fatalf("GetMiningChallenge: %v", err)
	}
	if h[0] != 0x11 {
		t.Fatalf("GetMiningChallenge() first byte = %#x, want 0x11", h[0])
	}
}

func TestGetMiningChallengeError(t *testing.T) {
	c, stub := dialStub(t)
	stub.SetError("getMiningChallenge", "node unavailable")

	if _, err := c.GetMiningChallenge(context.Background()); err == nil {
		t.Fatal("expected an error when the node returns a JSON-RPC error")
	}
}

func TestGetMiningDifficulty(t *testing.T) {
	c, stub := dialStub(t)
	stub.SetResponse("getMiningDifficulty", "0x64") // 100

	d, err := c.GetMiningDifficulty(context.Background())
	if err != nil {
		t.Fatalf("GetMiningDifficulty: %v", err)
	}
	if d != 100 {
		t.Fatalf("GetMiningDifficulty() = %d, want 100", d)
	}
}

func TestPeerCount(t *testing.T) {
	c, stub := dialStub(t)
	stub.SetResponse("net_peerCount", "0x8")

	n, err := c.PeerCount(context.Background())
	if err != nil {
		t.Fatalf("PeerCount: %v", err)
	}
	if n != 8 {
		t.Fatalf("PeerCount() = %d, want 8", n)
	}
}

func TestGasPrice(t *testing.T) {
	c, stub := dialStub(t)
	stub.SetResponse("eth_gasPrice", "0x3b9aca00") // 1 gwei

	p, err := c.GasPrice(context.Background())
	if err != nil {
		t.Fatalf("GasPrice: %v", err)
	}
	if p.Int64() != 1_000_000_000 {
		t.Fatalf("GasPrice() = %s, want 1000000000", p)
	}
}

func TestTransactionReceiptStatusNotFound(t *testing.T) {
	c, stub := dialStub(t)
	stub.SetResponse("eth_getTransactionReceipt", nil)

	found, _, err := c.TransactionReceiptStatus(context.Background(), common.HexToHash("0x1"))
	if err != nil {
		t.Fatalf("TransactionReceiptStatus: %v", err)
	}
	if found {
		t.Fatal("expected found=false for a nil receipt")
	}
}

func TestTransactionReceiptStatusSuccess(t *testing.T) {
	c, stub := dialStub(t)
	stub.SetResponse("eth_getTransactionReceipt", map[string]interface{}{"status": "0x1"})

	found, success, err := c.TransactionReceiptStatus(context.Background(), common.HexToHash("0x1"))
	if err != nil {
		t.Fatalf("TransactionReceiptStatus: %v", err)
	}
	if !found || !success {
		t.Fatalf("TransactionReceiptStatus() = (%v, %v), want (true, true)", found, success)
	}
}
