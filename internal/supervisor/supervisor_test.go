package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/0xbitcoin/tokenminer/internal/farm"
)

func TestSupervisorRotatesBetweenNodes(t *testing.T) {
	f := farm.New(nil, nil)

	var mu sync.Mutex
	var order []string
	record := func(name string) {
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
	}

	nodes := []Node{
		{Name: "primary", Runner: func(ctx context.Context) error {
			record("primary")
			return errors.New("retries exhausted")
		}},
		{Name: "failover", Runner: func(ctx context.Context) error {
			record("failover")
			return nil
		}},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 400*time.Millisecond)
	defer cancel()
	err := New(f, nodes).Run(ctx)
	if err == nil {
		t.Fatal("expected context deadline error from Run")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) < 3 {
		t.Fatalf("expected at least 3 node selections, got %v", order)
	}
	for i, name := range order[:3] {
		want := "primary"
		if i%2 == 1 {
			want = "failover"
		}
		if name != want {
			t.Fatalf("selection %d = %q, want %q (order %v)", i, name, want, order)
		}
	}
}

func TestSupervisorExitsOnShutdownFlag(t *testing.T) {
	f := farm.New(nil, nil)

	nodes := []Node{
		{Name: "blocking", Runner: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}},
	}

	done := make(chan error, 1)
	go func() { done <- New(f, nodes).Run(context.Background()) }()

	time.Sleep(100 * time.Millisecond)
	f.SignalShutdown()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean exit on shutdown flag, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("supervisor did not exit after shutdown flag was raised")
	}
}

func TestSupervisorSingleNodeRetriesSameNode(t *testing.T) {
	f := farm.New(nil, nil)

	var mu sync.Mutex
	runs := 0
	nodes := []Node{
		{Name: "only", Runner: func(ctx context.Context) error {
			mu.Lock()
			runs++
			mu.Unlock()
			return errors.New("connection refused")
		}},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_ = New(f, nodes).Run(ctx)

	mu.Lock()
	defer mu.Unlock()
	if runs < 2 {
		t.Fatalf("expected the single node to be retried, got %d runs", runs)
	}
}
