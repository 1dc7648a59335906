package pooldriver

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/0xbitcoin/tokenminer/internal/poolstub"
	"github.com/0xbitcoin/tokenminer/internal/work"
)

func TestPoolDriverReceivesNotifyAndSubmits(t *testing.T) {
	stub, addr, err := poolstub.New()
	if err != nil {
		t.Fatalf("poolstub.New: %v", err)
	}
	defer stub.Close()

	stub.Notifies = []map[string]interface{}{
		{
			"challenge": "0x" + repeat("11", 32),
			"target":    "0x" + repeat("ff", 32),
			"difficulty": "1000",
			"account":   "0x" + repeat("aa", 20),
		},
	}

	workCh := make(chan work.Package, 1)
	d := New(Config{Addr: addr, UserAccount: "0xuser", WorkTimeout: 5 * time.Second, MaxRetries: 4}, func(pkg work.Package) {
		select {
		case workCh <- pkg:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	select {
	case pkg := <-workCh:
		if pkg.Empty() {
			t.Fatalf("expected a real work package from mining.notify")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for mining.notify work package")
	}

	sol := work.Solution{MinerID: 0, ForVersion: 0}
	outcome, _, _ := d.Submit(ctx, sol)
	if outcome != work.Accepted {
		t.Fatalf("expected Accepted, got %v", outcome)
	}

	subs := stub.RecordedSubmissions()
	if len(subs) != 1 {
		t.Fatalf("expected 1 recorded submission, got %d", len(subs))
	}
}

func TestPoolDriverRejectedSubmission(t *testing.T) {
	stub, addr, err := poolstub.New()
	if err != nil {
		t.Fatalf("poolstub.New: %v", err)
	}
	defer stub.Close()
	stub.SubmitResult = false

	d := New(Config{Addr: addr, UserAccount: "0xuser", WorkTimeout: 5 * time.Second, MaxRetries: 4}, func(work.Package) {})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	// Give the driver a moment to connect and subscribe before submitting.
	time.Sleep(100 * time.Millisecond)

	outcome, _, _ := d.Submit(ctx, work.Solution{})
	if outcome != work.Rejected {
		t.Fatalf("expected Rejected, got %v", outcome)
	}
}

func TestPoolDriverDropTriggersReconnectAttempts(t *testing.T) {
	stub, addr, err := poolstub.New()
	if err != nil {
		t.Fatalf("poolstub.New: %v", err)
	}
	defer stub.Close()
	stub.DropAfterNotify = true
	stub.Notifies = []map[string]interface{}{
		{
			"challenge":  "0x" + repeat("22", 32),
			"target":     "0x" + repeat("ff", 32),
			"difficulty": "1",
			"account":    "0x" + repeat("bb", 20),
		},
	}

	var gotWork atomic.Bool
	d := New(Config{Addr: addr, UserAccount: "0xuser", WorkTimeout: 5 * time.Second, MaxRetries: 2}, func(pkg work.Package) {
		if !pkg.Empty() {
			gotWork.Store(true)
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_ = d.Run(ctx)

	if !gotWork.Load() {
		t.Fatal("expected to receive at least one work package before the drop")
	}
}

func TestPoolDriverSubscribeRejectionTriggersFailover(t *testing.T) {
	stub, addr, err := poolstub.New()
	if err != nil {
		t.Fatalf("poolstub.New: %v", err)
	}
	defer stub.Close()
	stub.RejectSubscribe = true

	d := New(Config{Addr: addr, UserAccount: "0xuser", WorkTimeout: 5 * time.Second, MaxRetries: 1, HasFailover: true}, func(work.Package) {})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err = d.Run(ctx)
	if err == nil || ctx.Err() != nil {
		t.Fatalf("expected a failover error from the subscribe rejection, got %v (ctx %v)", err, ctx.Err())
	}
	if !d.FailoverRequested.Load() {
		t.Fatal("FailoverRequested not set after the subscribe rejection")
	}
}

func repeat(s string, n int) string {
	out := make([]byte, 0, len(s)*n)
	for i := 0; i < n; i++ {
		out = append(out, s...)
	}
	return string(out)
}
