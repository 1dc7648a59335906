package telemetry

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/0xbitcoin/tokenminer/internal/farm"
	"github.com/0xbitcoin/tokenminer/internal/work"
)

// fakeSource is the minimal Source stand-in the tests drive.
type fakeSource struct {
	bestHash      uint64
	resetCalls    int
	solutions     []work.SolutionRecord
	thermalMax    float64
	thermalSecs   float64
	pidMiner      uint32
	pidKp         float64
	closeHitValue uint64
}

func (f *fakeSource) Stats() farm.Stats { return farm.Stats{HashRateMHs: 42.5, MinerCount: 2} }
func (f *fakeSource) MinerSnapshots() []MinerSnapshot {
	return []MinerSnapshot{{MinerID: 0, TemperatureC: 61, FanRPM: 1800}}
}
func (f *fakeSource) CurrentWork() (work.Package, int64, bool) { return work.Package{}, 0, false }
func (f *fakeSource) BestHash() uint64                         { return f.bestHash }
func (f *fakeSource) ResetBestHash()                           { f.resetCalls++ }
func (f *fakeSource) RetrieveSolutions(clear bool) []work.SolutionRecord {
	out := f.solutions
	if clear {
		f.solutions = nil
	}
	return out
}
func (f *fakeSource) RetrieveCloseHits(bool) []work.CloseHit   { return nil }
func (f *fakeSource) RetrieveHashFaults(bool) []work.HashFault { return nil }
func (f *fakeSource) BalanceWei() string                       { return "1000" }
func (f *fakeSource) PeerCount() int                           { return 7 }
func (f *fakeSource) SetGPUThrottle(int)                       {}
func (f *fakeSource) ThermalProtection(maxTempC, shutdownSeconds float64) {
	f.thermalMax, f.thermalSecs = maxTempC, shutdownSeconds
}
func (f *fakeSource) TunePID(minerID uint32, kp, ki, kd float64) {
	f.pidMiner, f.pidKp = minerID, kp
}
func (f *fakeSource) SetCloseHitThreshold(v uint64) { f.closeHitValue = v }

// testClient is one UDP peer talking to the server under test.
type testClient struct {
	conn *net.UDPConn
	t    *testing.T
}

func newTestClient(t *testing.T) *testClient {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("client socket: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &testClient{conn: conn, t: t}
}

func (c *testClient) send(serverAddr *net.UDPAddr, req map[string]interface{}) {
	data, err := json.Marshal(req)
	if err != nil {
		c.t.Fatalf("marshal request: %v", err)
	}
	if _, err := c.conn.WriteToUDP(data, serverAddr); err != nil {
		c.t.Fatalf("send: %v", err)
	}
}

func (c *testClient) recv() map[string]interface{} {
	buf := make([]byte, 4096)
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := c.conn.ReadFromUDP(buf)
	if err != nil {
		c.t.Fatalf("recv: %v", err)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(buf[:n], &out); err != nil {
		c.t.Fatalf("unmarshal reply %q: %v", buf[:n], err)
	}
	return out
}

func startServer(t *testing.T, src Source) (*Server, *net.UDPAddr) {
	s := New(src, "")
	if err := s.Listen(0); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	addr := s.conn.LocalAddr().(*net.UDPAddr)
	return s, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: addr.Port}
}

func TestConnectExclusivity(t *testing.T) {
	src := &fakeSource{}
	_, addr := startServer(t, src)

	a := newTestClient(t)
	a.send(addr, map[string]interface{}{"command": "connect"})
	reply := a.recv()
	if reply["data"] != true {
		t.Fatalf("first connect should succeed, got %v", reply)
	}

	b := newTestClient(t)
	b.send(addr, map[string]interface{}{"command": "connect"})
	reply = b.recv()
	if reply["error"] == nil || reply["error"] == "" {
		t.Fatalf("second connect from a different peer should be rejected, got %v", reply)
	}

	// The prior binding stays intact: A can still issue commands.
	a.send(addr, map[string]interface{}{"command": "miner_count"})
	reply = a.recv()
	if reply["data_id"] != "miner_count" {
		t.Fatalf("bound client should still be served, got %v", reply)
	}
}

func TestConnectIdempotentFromSamePeer(t *testing.T) {
	src := &fakeSource{}
	_, addr := startServer(t, src)

	a := newTestClient(t)
	for i := 0; i < 2; i++ {
		a.send(addr, map[string]interface{}{"command": "connect"})
		reply := a.recv()
		if reply["data"] != true {
			t.Fatalf("connect %d from the same peer should succeed, got %v", i, reply)
		}
	}
}

func TestUnboundPeerCommandsIgnored(t *testing.T) {
	src := &fakeSource{bestHash: 99}
	_, addr := startServer(t, src)

	a := newTestClient(t)
	a.send(addr, map[string]interface{}{"command": "best_hash", "rate": float64(RateOneTime)})

	buf := make([]byte, 512)
	a.conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if n, _, err := a.conn.ReadFromUDP(buf); err == nil {
		t.Fatalf("expected no reply for a non-connect command from an unbound peer, got %q", buf[:n])
	}
}

func TestRateGatedCommands(t *testing.T) {
	src := &fakeSource{bestHash: 0x1234}
	s, addr := startServer(t, src)

	a := newTestClient(t)
	a.send(addr, map[string]interface{}{"command": "connect"})
	a.recv()

	// ONE_TIME returns the current value and arms nothing.
	a.send(addr, map[string]interface{}{"command": "best_hash", "rate": float64(RateOneTime)})
	reply := a.recv()
	if reply["data"].(float64) != float64(0x1234) {
		t.Fatalf("one-time best_hash = %v, want %d", reply["data"], 0x1234)
	}
	s.mu.Lock()
	armed := len(s.streams)
	s.mu.Unlock()
	if armed != 0 {
		t.Fatalf("ONE_TIME armed %d streams, want 0", armed)
	}

	// Periodic arms a stream; OFF cancels it.
	a.send(addr, map[string]interface{}{"command": "hash_rates", "rate": float64(1000)})
	a.recv()
	s.mu.Lock()
	_, ok := s.streams["hash_rates"]
	s.mu.Unlock()
	if !ok {
		t.Fatal("periodic rate did not arm the hash_rates stream")
	}

	a.send(addr, map[string]interface{}{"command": "hash_rates", "rate": float64(RateOff)})
	a.recv()
	s.mu.Lock()
	_, ok = s.streams["hash_rates"]
	s.mu.Unlock()
	if ok {
		t.Fatal("OFF did not cancel the hash_rates stream")
	}
}

func TestControlCommandsReachSource(t *testing.T) {
	src := &fakeSource{}
	_, addr := startServer(t, src)

	a := newTestClient(t)
	a.send(addr, map[string]interface{}{"command": "connect"})
	a.recv()

	a.send(addr, map[string]interface{}{"command": "thermal_protection", "max_temp": 78.5, "shutdown_seconds": 30.0})
	a.recv()
	if src.thermalMax != 78.5 || src.thermalSecs != 30 {
		t.Fatalf("thermal_protection not forwarded: got (%v, %v)", src.thermalMax, src.thermalSecs)
	}

	a.send(addr, map[string]interface{}{"command": "pid_controller_tuning", "miner_id": float64(1), "kp": 9.0, "ki": 3.0, "kd": 0.5})
	a.recv()
	if src.pidMiner != 1 || src.pidKp != 9 {
		t.Fatalf("pid_controller_tuning not forwarded: got miner %d kp %v", src.pidMiner, src.pidKp)
	}

	a.send(addr, map[string]interface{}{"command": "reset_best_hash"})
	a.recv()
	if src.resetCalls != 1 {
		t.Fatalf("reset_best_hash calls = %d, want 1", src.resetCalls)
	}
}

func TestSolutionsRetrievalChunking(t *testing.T) {
	src := &fakeSource{}
	for i := 0; i < 45; i++ {
		src.solutions = append(src.solutions, work.SolutionRecord{Block: uint32(i)})
	}
	_, addr := startServer(t, src)

	a := newTestClient(t)
	a.send(addr, map[string]interface{}{"command": "connect"})
	a.recv()

	a.send(addr, map[string]interface{}{"command": "solutions"})

	total := 0
	for packet := 0; packet < 3; packet++ {
		reply := a.recv()
		data, ok := reply["data"].([]interface{})
		if !ok {
			t.Fatalf("packet %d carried no data array: %v", packet, reply)
		}
		if len(data) > chunkSize {
			t.Fatalf("packet %d carried %d records, want <= %d", packet, len(data), chunkSize)
		}
		total += len(data)
	}
	if total != 45 {
		t.Fatalf("chunked retrieval delivered %d records, want 45", total)
	}
}

func TestKeepAliveExpiryDisconnects(t *testing.T) {
	src := &fakeSource{}
	s, addr := startServer(t, src)

	a := newTestClient(t)
	a.send(addr, map[string]interface{}{"command": "connect"})
	a.recv()

	a.send(addr, map[string]interface{}{"command": "hash_rates", "rate": float64(1000)})
	a.recv()

	// Force the deadline into the past instead of waiting two minutes.
	s.mu.Lock()
	s.bound.deadline = time.Now().Add(-time.Second)
	s.mu.Unlock()
	s.tick()

	// A periodic hash_rates push may already be in flight; skip past it.
	var sawDisconnect bool
	for i := 0; i < 3; i++ {
		reply := a.recv()
		if reply["data_id"] == "disconnect" && reply["type"] == "notify" {
			sawDisconnect = true
			break
		}
	}
	if !sawDisconnect {
		t.Fatal("expected a disconnect notify after keep-alive expiry")
	}

	s.mu.Lock()
	bound, streams := s.bound, len(s.streams)
	s.mu.Unlock()
	if bound != nil || streams != 0 {
		t.Fatalf("expiry left binding %v and %d streams, want nil and 0", bound, streams)
	}
}
