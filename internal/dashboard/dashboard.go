// Package dashboard is the optional, non-core read-only observer surface
// (SPEC_FULL.md §4.A5): an HTTP + gorilla/websocket endpoint that mirrors
// Farm/Telemetry state for a human watching a running miner, without
// accepting any mining commands. Grounded on server/websocket.go's
// WebSocketHub (register/unregister/broadcast channels serviced by one
// event loop) and web/miner.go's stats payload shape, reshaped from a
// multi-client mining-work distributor into a push-only broadcaster with
// no exclusivity rule — any number of viewers may connect, unlike
// Telemetry's single-client contract.
package dashboard

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/0xbitcoin/tokenminer/internal/farm"
	"github.com/0xbitcoin/tokenminer/internal/rlog"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Snapshot is the periodic payload pushed to every connected viewer.
type Snapshot struct {
	HashRateMHs float64           `json:"hash_rate_mhs"`
	BestHash    uint64            `json:"best_hash"`
	MinerCount  int               `json:"miner_count"`
	Miners      []MinerSnapshot   `json:"miners"`
}

// MinerSnapshot is the per-device fields the dashboard displays.
type MinerSnapshot struct {
	MinerID         uint32  `json:"miner_id"`
	HashRateMHs     float64 `json:"hash_rate_mhs"`
	BestHash        uint64  `json:"best_hash"`
	ThrottlePercent int     `json:"throttle_percent"`
	TemperatureC    float64 `json:"temperature_c"`
	FanRPM          uint32  `json:"fan_rpm"`
}

// Hub broadcasts periodic Farm snapshots to every connected viewer.
// Unlike Telemetry, it enforces no single-client exclusivity.
type Hub struct {
	log  *slog.Logger
	farm *farm.Farm

	mu      sync.Mutex
	viewers map[*websocket.Conn]struct{}
}

// NewHub builds a Hub that reads from f.
func NewHub(f *farm.Farm) *Hub {
	return &Hub{
		log:     rlog.WithComponent("dashboard"),
		farm:    f,
		viewers: make(map[*websocket.Conn]struct{}),
	}
}

// Run pushes a snapshot to every connected viewer every period until ctx
// is cancelled, closing all connections on exit.
func (h *Hub) Run(ctx context.Context, period time.Duration) {
	if period <= 0 {
		period = time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-ticker.C:
			h.broadcast(h.snapshot())
		}
	}
}

func (h *Hub) snapshot() Snapshot {
	stats := h.farm.Stats()
	snap := Snapshot{HashRateMHs: stats.HashRateMHs, BestHash: stats.BestHash, MinerCount: stats.MinerCount}
	for _, m := range h.farm.Miners() {
		s := m.Snapshot()
		snap.Miners = append(snap.Miners, MinerSnapshot{
			MinerID:         s.MinerID,
			HashRateMHs:     s.HashRateMHs,
			BestHash:        s.BestHash,
			ThrottlePercent: s.ThrottlePercent,
			TemperatureC:    s.TemperatureC,
			FanRPM:          s.FanRPM,
		})
	}
	return snap
}

func (h *Hub) broadcast(snap Snapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		h.log.Error("failed to marshal dashboard snapshot", "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.viewers {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.log.Warn("dashboard viewer write failed, dropping", "error", err)
			conn.Close()
			delete(h.viewers, conn)
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.viewers {
		conn.Close()
		delete(h.viewers, conn)
	}
}

// ServeHTTP upgrades a request to a WebSocket and registers the
// connection as a viewer. Read errors simply drop the viewer; the
// dashboard never reads mining commands from it.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("dashboard upgrade failed", "error", err)
		return
	}

	h.mu.Lock()
	h.viewers[conn] = struct{}{}
	h.mu.Unlock()

	// Push one snapshot immediately so the viewer doesn't wait a full
	// tick for its first frame.
	data, _ := json.Marshal(h.snapshot())
	conn.WriteMessage(websocket.TextMessage, data)

	go func() {
		defer func() {
			h.mu.Lock()
			delete(h.viewers, conn)
			h.mu.Unlock()
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
