package solodriver

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/0xbitcoin/tokenminer/internal/chainclient"
	"github.com/0xbitcoin/tokenminer/internal/nodestub"
	"github.com/0xbitcoin/tokenminer/internal/work"
)

func repeat(s string, n int) string {
	out := make([]byte, 0, len(s)*n)
	for i := 0; i < n; i++ {
		out = append(out, s...)
	}
	return string(out)
}

func dialStub(t *testing.T, stub func(*nodestub.Server)) (*chainclient.Client, *nodestub.Server) {
	srv, url, err := nodestub.New()
	if err != nil {
		t.Fatalf("nodestub.New: %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	if stub != nil {
		stub(srv)
	}

	key, err := chainclient.LoadECDSAKey(repeat("01", 32))
	if err != nil {
		t.Fatalf("LoadECDSAKey: %v", err)
	}
	client, err := chainclient.Dial(context.Background(), url, 1, key)
	if err != nil {
		t.Fatalf("chainclient.Dial: %v", err)
	}
	t.Cleanup(client.Close)
	return client, srv
}

func TestSoloDriverPublishesNewWorkOnceAndDedups(t *testing.T) {
	client, _ := dialStub(t, func(s *nodestub.Server) {
		s.SetResponse("getMiningChallenge", "0x"+repeat("11", 32))
		s.SetResponse("getMiningTarget", "0x"+repeat("00", 4)+repeat("ff", 28))
	})

	var mu sync.Mutex
	var published []work.Package
	d := New(Config{
		PollingInterval: 20 * time.Millisecond,
		MaxRetries:      4,
		UserAccount:     common.HexToAddress("0x" + repeat("aa", 20)),
	}, client, nil, func(pkg work.Package) {
		mu.Lock()
		published = append(published, pkg)
		mu.Unlock()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_ = d.Run(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(published) != 1 {
		t.Fatalf("expected exactly 1 published package across repeated identical polls, got %d", len(published))
	}
	want := work.Hash32{}
	for i := range want {
		want[i] = 0x11
	}
	if published[0].Challenge != want {
		t.Fatalf("published challenge = %x, want %x", published[0].Challenge, want)
	}
	if published[0].Difficulty == 0 {
		t.Fatal("published package carries no difficulty")
	}
}

func TestSoloDriverSubmitBroadcastsTransaction(t *testing.T) {
	txHash := "0x" + repeat("cd", 32)
	client, srv := dialStub(t, func(s *nodestub.Server) {
		s.SetResponse("getMiningChallenge", "0x"+repeat("22", 32))
		s.SetResponse("getMiningTarget", "0x"+repeat("ff", 32))
		s.SetResponse("eth_sendRawTransaction", txHash)
	})

	d := New(Config{
		PollingInterval: 20 * time.Millisecond,
		MaxRetries:      4,
		UserAccount:     common.HexToAddress("0x" + repeat("aa", 20)),
		ContractAddr:    common.HexToAddress("0x" + repeat("bb", 20)),
		ChainID:         1,
		EIP1559:         true,
	}, client, nil, func(work.Package) {})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)
	time.Sleep(60 * time.Millisecond) // let the first poll publish

	var challenge work.Hash32
	for i := range challenge {
		challenge[i] = 0x22
	}
	outcome, stale, _ := d.Submit(ctx, work.Solution{
		Nonce:        work.Hash32{0xaa},
		ForChallenge: challenge,
	})
	if outcome != work.Accepted {
		t.Fatalf("outcome = %v, want Accepted", outcome)
	}
	if stale {
		t.Fatal("solution for the current challenge reported stale")
	}

	var sawBroadcast bool
	for _, c := range srv.RecordedCalls() {
		if c.Method == "eth_sendRawTransaction" {
			sawBroadcast = true
		}
	}
	if !sawBroadcast {
		t.Fatal("no eth_sendRawTransaction reached the node")
	}
}

func TestSoloDriverStaleSubmission(t *testing.T) {
	client, _ := dialStub(t, func(s *nodestub.Server) {
		s.SetResponse("getMiningChallenge", "0x"+repeat("33", 32))
		s.SetResponse("getMiningTarget", "0x"+repeat("ff", 32))
		s.SetResponse("eth_sendRawTransaction", "0x"+repeat("ee", 32))
	})

	d := New(Config{
		PollingInterval: 20 * time.Millisecond,
		MaxRetries:      4,
		UserAccount:     common.HexToAddress("0x" + repeat("aa", 20)),
		ContractAddr:    common.HexToAddress("0x" + repeat("bb", 20)),
		ChainID:         1,
		EIP1559:         true,
	}, client, nil, func(work.Package) {})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)
	time.Sleep(60 * time.Millisecond)

	// A solution mined under a challenge that is no longer current still
	// submits, flagged stale.
	var old work.Hash32
	for i := range old {
		old[i] = 0x99
	}
	outcome, stale, _ := d.Submit(ctx, work.Solution{ForChallenge: old})
	if outcome != work.Accepted {
		t.Fatalf("outcome = %v, want Accepted", outcome)
	}
	if !stale {
		t.Fatal("solution for a superseded challenge not reported stale")
	}
}

func TestSoloDriverFailoverAfterMaxRetries(t *testing.T) {
	client, _ := dialStub(t, func(s *nodestub.Server) {
		s.SetError("getMiningChallenge", "node down")
	})

	var mu sync.Mutex
	var sawEmpty bool
	d := New(Config{
		PollingInterval: 20 * time.Millisecond,
		MaxRetries:      2,
		HasFailover:     true,
		UserAccount:     common.HexToAddress("0x" + repeat("aa", 20)),
	}, client, nil, func(pkg work.Package) {
		mu.Lock()
		if pkg.Empty() {
			sawEmpty = true
		}
		mu.Unlock()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := d.Run(ctx)
	if err == nil || ctx.Err() != nil {
		t.Fatalf("expected a failover error before the deadline, got %v (ctx %v)", err, ctx.Err())
	}
	if !d.FailoverRequested {
		t.Fatal("FailoverRequested not set after exhausting retries")
	}
	mu.Lock()
	defer mu.Unlock()
	if !sawEmpty {
		t.Fatal("mining was not paused (no empty work package published) at the retry cap")
	}
}

func TestDevFeeRotationAccounts(t *testing.T) {
	user := common.HexToAddress("0x" + repeat("aa", 20))
	dev := common.HexToAddress("0x" + repeat("dd", 20))

	d := &SoloDriver{
		cfg:            Config{UserAccount: user, DevAccount: dev, DevFeePercent: 1.5},
		devWindowStart: time.Now(),
	}

	// The dev window opens each 4h block; immediately after the window
	// start the dev account is active.
	addr, next, isDev := d.activeAccount()
	if !isDev || addr != dev {
		t.Fatalf("expected dev account at window start, got %v (dev=%v)", addr, isDev)
	}
	if next >= 0 {
		t.Fatalf("next_switch = %d, want < 0 while mining the dev account", next)
	}

	// Past the dev slice, the user account takes over for the rest of the
	// block.
	d.devWindowStart = time.Now().Add(-time.Hour)
	addr, next, isDev = d.activeAccount()
	if isDev || addr != user {
		t.Fatalf("expected user account after dev slice, got %v (dev=%v)", addr, isDev)
	}
	if next <= 0 {
		t.Fatalf("next_switch = %d, want > 0", next)
	}

	// DevFeePercent <= 0 always mines to the user account.
	d.cfg.DevFeePercent = 0
	addr, _, isDev = d.activeAccount()
	if isDev || addr != user {
		t.Fatalf("expected user account with no dev fee, got %v (dev=%v)", addr, isDev)
	}
}
