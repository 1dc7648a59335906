// Package telemetry implements the UDP JSON command router and
// push-notification channel (C8): a single-socket server that answers
// request/response commands and arms rate-gated streams that push
// notifications on a timer or on change. Grounded on the
// channel-driven hub shape of server/websocket.go's WebSocketHub
// (register/unregister/broadcast channels serviced by one event loop),
// adapted from a multi-client WebSocket broadcaster to the single-client
// UDP exclusivity model design §4.8 requires.
package telemetry

import (
	"encoding/json"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/0xbitcoin/tokenminer/internal/farm"
	"github.com/0xbitcoin/tokenminer/internal/rlog"
	"github.com/0xbitcoin/tokenminer/internal/work"
)

// Rate is the stream-command rate sentinel set (design §4.8).
type Rate int

const (
	RateOff      Rate = -3
	RateOneTime  Rate = -2
	RateOnChange Rate = -1
	// RateOff/OneTime/OnChange are negative; any value >= 1 is a period
	// in milliseconds.
)

// recvBufferSize is the maximum inbound datagram size (design §4.8).
const recvBufferSize = 512

// keepAliveWindow is the liveness deadline since the last client packet.
const keepAliveWindow = 2 * time.Minute

// chunkSize and chunkSpacing bound how large retrieval payloads
// (solutions/close-hits/hash-faults) are split across datagrams.
const (
	chunkSize    = 20
	chunkSpacing = 10 * time.Millisecond
)

// request is the inbound command envelope. Only the fields a given
// command needs are populated; extras are ignored (design §4.8: "command
// + params").
type request struct {
	ID       string `json:"id,omitempty"`
	Command  string `json:"command"`
	Password string `json:"password,omitempty"`
	ReturnPort int  `json:"return_port,omitempty"`
	MinerID  uint32 `json:"miner_id,omitempty"`
	Rate     int64  `json:"rate,omitempty"`
	Delta    uint64 `json:"delta,omitempty"`
	Clear    bool   `json:"clear,omitempty"`
	Value    json.Number `json:"value,omitempty"`

	// thermal_protection / pid_controller_tuning parameters.
	MaxTemp         float64 `json:"max_temp,omitempty"`
	ShutdownSeconds float64 `json:"shutdown_seconds,omitempty"`
	Kp              float64 `json:"kp,omitempty"`
	Ki              float64 `json:"ki,omitempty"`
	Kd              float64 `json:"kd,omitempty"`
}

// response is the outbound reply to a command.
type response struct {
	ID      string      `json:"id,omitempty"`
	Type    string      `json:"type"`
	DataID  string      `json:"data_id"`
	MinerID uint32      `json:"miner_id"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// notification is an unsolicited push (change-triggered or periodic).
type notification struct {
	DataID  string      `json:"data_id"`
	Type    string      `json:"type"`
	MinerID uint32      `json:"miner_id"`
	Data    interface{} `json:"data"`
}

// client identifies the single bound telemetry peer.
type client struct {
	addr       *net.UDPAddr // source address of the last inbound packet
	returnAddr *net.UDPAddr // addr with ReturnPort substituted, where replies go
	minerID    uint32
	deadline   time.Time
}

func (c *client) same(addr *net.UDPAddr) bool {
	return c.addr != nil && c.addr.IP.Equal(addr.IP) && c.addr.Port == addr.Port
}

// stream is one armed push subscription for a single command.
type stream struct {
	rate      Rate
	periodMS  int64
	delta     uint64
	lastValue interface{}
	lastFire  time.Time
}

// Source is the read side Telemetry serves: Farm snapshots plus
// DataLog's retrieve-and-clear lists, kept narrow so tests can fake it
// without a real Farm/DataLog pair.
type Source interface {
	Stats() farm.Stats
	MinerSnapshots() []MinerSnapshot
	CurrentWork() (pkg work.Package, nextSwitchSec int64, activeIsDev bool)
	BestHash() uint64
	ResetBestHash()
	RetrieveSolutions(clear bool) []work.SolutionRecord
	RetrieveCloseHits(clear bool) []work.CloseHit
	RetrieveHashFaults(clear bool) []work.HashFault
	BalanceWei() string
	PeerCount() int
	SetGPUThrottle(percent int)
	ThermalProtection(maxTempC, shutdownSeconds float64)
	TunePID(minerID uint32, kp, ki, kd float64)
	SetCloseHitThreshold(v uint64)
}

// MinerSnapshot is the per-device telemetry payload shape (hash rate,
// sample, temp, fan, throttle), decoupled from miner.Snapshot so this
// package doesn't import internal/miner directly.
type MinerSnapshot struct {
	MinerID         uint32  `json:"miner_id"`
	HashRateMHs     float64 `json:"hash_rate_mhs"`
	CurrentSample   uint64  `json:"current_sample"`
	BestHash        uint64  `json:"best_hash"`
	ThrottlePercent int     `json:"throttle_percent"`
	TemperatureC    float64 `json:"temperature_c"`
	FanRPM          uint32  `json:"fan_rpm"`
}

// Server is the single-socket UDP telemetry handler.
type Server struct {
	log      *slog.Logger
	conn     *net.UDPConn
	password string
	source   Source

	mu      sync.Mutex
	bound   *client
	streams map[string]*stream

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Server bound to source; Listen must be called to
// start serving.
func New(source Source, password string) *Server {
	return &Server{
		log:      rlog.WithComponent("telemetry"),
		password: password,
		source:   source,
		streams:  make(map[string]*stream),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Listen binds the UDP socket on port and starts the receive loop plus
// the stream ticker, both running until Close is called.
func (s *Server) Listen(port int) error {
	addr := &net.UDPAddr{Port: port}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return err
	}
	s.conn = conn
	go s.recvLoop()
	go s.tickLoop()
	return nil
}

// Close shuts down the socket and both background loops.
func (s *Server) Close() error {
	close(s.stopCh)
	err := s.conn.Close()
	<-s.doneCh
	return err
}

func (s *Server) recvLoop() {
	defer close(s.doneCh)
	buf := make([]byte, recvBufferSize)
	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				s.log.Warn("udp read error", "error", err)
				continue
			}
		}
		s.handlePacket(append([]byte(nil), buf[:n]...), addr)
	}
}

func (s *Server) handlePacket(data []byte, addr *net.UDPAddr) {
	var req request
	if err := json.Unmarshal(data, &req); err != nil {
		s.log.Warn("malformed telemetry packet, dropping", "error", err, "from", addr.String())
		return
	}

	s.mu.Lock()
	bound := s.bound
	s.mu.Unlock()

	if req.Command != "connect" {
		if bound == nil || !bound.same(addr) {
			// Silently ignore packets from an unbound/foreign peer, per
			// the exclusivity contract — no reply channel to answer on.
			return
		}
		s.mu.Lock()
		s.bound.deadline = time.Now().Add(keepAliveWindow)
		s.mu.Unlock()
	}

	resp := s.dispatch(req, addr)
	if resp != nil {
		// Responses go back to whichever peer asked — for everything but
		// a rejected connect that is the bound client, but a foreign
		// peer's rejection must reach the foreign peer.
		returnPort := req.ReturnPort
		if returnPort == 0 {
			returnPort = addr.Port
		}
		s.sendTo(*resp, &net.UDPAddr{IP: addr.IP, Port: returnPort})
	}
}

func (s *Server) dispatch(req request, addr *net.UDPAddr) *response {
	switch req.Command {
	case "connect":
		return s.handleConnect(req, addr)
	case "disconnect":
		s.teardown(false)
		return nil
	case "ping", "keep_alive":
		return s.ok(req, "ping", true)
	case "best_hash":
		return s.handleRateGated(req, "best_hash", func() interface{} { return s.source.BestHash() })
	case "reset_best_hash":
		s.source.ResetBestHash()
		return s.ok(req, "reset_best_hash", true)
	case "solutions":
		records := s.source.RetrieveSolutions(req.Clear)
		items := make([]interface{}, len(records))
		for i, r := range records {
			items[i] = r
		}
		return s.chunkedReply(req, "solutions", items)
	case "close_hits":
		hits := s.source.RetrieveCloseHits(req.Clear)
		items := make([]interface{}, len(hits))
		for i, h := range hits {
			items[i] = h
		}
		return s.chunkedReply(req, "close_hits", items)
	case "hash_faults":
		faults := s.source.RetrieveHashFaults(req.Clear)
		items := make([]interface{}, len(faults))
		for i, f := range faults {
			items[i] = f
		}
		return s.chunkedReply(req, "hash_faults", items)
	case "work_package":
		return s.handleRateGated(req, "work_package", func() interface{} { return s.workPackagePayload() })
	case "hash_rates":
		return s.handleRateGated(req, "hash_rates", func() interface{} { return s.source.Stats().HashRateMHs })
	case "hash_samples":
		return s.handleRateGated(req, "hash_samples", func() interface{} { return s.source.MinerSnapshots() })
	case "gpu_temps":
		return s.handleRateGated(req, "gpu_temps", func() interface{} { return s.temps() })
	case "fan_speeds":
		return s.handleRateGated(req, "fan_speeds", func() interface{} { return s.fans() })
	case "peer_count":
		return s.ok(req, "peer_count", s.source.PeerCount())
	case "account_balance":
		return s.ok(req, "account_balance", s.source.BalanceWei())
	case "miner_count":
		return s.ok(req, "miner_count", s.source.Stats().MinerCount)
	case "close_hit_threshold":
		v, _ := req.Value.Int64()
		s.source.SetCloseHitThreshold(uint64(v))
		return s.ok(req, "close_hit_threshold", true)
	case "gpu_throttle":
		v, _ := req.Value.Int64()
		s.source.SetGPUThrottle(int(v))
		return s.ok(req, "gpu_throttle", true)
	case "thermal_protection":
		s.source.ThermalProtection(req.MaxTemp, req.ShutdownSeconds)
		return s.ok(req, "thermal_protection", true)
	case "pid_controller_tuning":
		s.source.TunePID(req.MinerID, req.Kp, req.Ki, req.Kd)
		return s.ok(req, "pid_controller_tuning", true)
	default:
		return s.errResponse(req, "unknown command")
	}
}

func (s *Server) handleConnect(req request, addr *net.UDPAddr) *response {
	if s.password != "" && req.Password != s.password {
		return s.errResponse(req, "bad password")
	}

	returnPort := req.ReturnPort
	if returnPort == 0 {
		returnPort = addr.Port
	}
	returnAddr := &net.UDPAddr{IP: addr.IP, Port: returnPort}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.bound != nil && !s.bound.same(addr) {
		return &response{ID: req.ID, Type: "response", DataID: "connect", Error: "already connected to another client"}
	}

	s.bound = &client{
		addr:       addr,
		returnAddr: returnAddr,
		minerID:    req.MinerID,
		deadline:   time.Now().Add(keepAliveWindow),
	}
	s.streams = make(map[string]*stream)
	return &response{ID: req.ID, Type: "response", DataID: "connect", MinerID: req.MinerID, Data: true}
}

// handleRateGated implements the rate model (design §4.8): OFF cancels
// the stream, ONE_TIME returns the value once without arming anything,
// ON_CHANGE arms a change-triggered push and also returns the current
// value, and ms>=1 arms a periodic timer.
func (s *Server) handleRateGated(req request, name string, value func() interface{}) *response {
	rate := Rate(req.Rate)

	s.mu.Lock()
	switch {
	case rate == RateOff:
		delete(s.streams, name)
	case rate == RateOneTime:
		delete(s.streams, name)
	case rate == RateOnChange:
		s.streams[name] = &stream{rate: RateOnChange, delta: req.Delta}
	case req.Rate >= 1:
		s.streams[name] = &stream{rate: Rate(req.Rate), periodMS: req.Rate, delta: req.Delta}
	}
	s.mu.Unlock()

	return s.ok(req, name, value())
}

func (s *Server) ok(req request, dataID string, data interface{}) *response {
	minerID := uint32(0)
	s.mu.Lock()
	if s.bound != nil {
		minerID = s.bound.minerID
	}
	s.mu.Unlock()
	return &response{ID: req.ID, Type: "response", DataID: dataID, MinerID: minerID, Data: data}
}

func (s *Server) errResponse(req request, msg string) *response {
	return &response{ID: req.ID, Type: "response", DataID: req.Command, Error: msg}
}

func (s *Server) send(resp response) {
	s.mu.Lock()
	bound := s.bound
	s.mu.Unlock()
	if bound == nil {
		return
	}
	s.sendTo(resp, bound.returnAddr)
}

func (s *Server) sendTo(resp response, to *net.UDPAddr) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.log.Error("failed to marshal telemetry response", "error", err)
		return
	}
	if _, err := s.conn.WriteToUDP(data, to); err != nil {
		s.log.Warn("failed to send telemetry response", "error", err)
	}
}

func (s *Server) pushNotify(dataID string, data interface{}) {
	s.mu.Lock()
	bound := s.bound
	s.mu.Unlock()
	if bound == nil {
		return
	}
	notif := notification{DataID: dataID, Type: "notify", MinerID: bound.minerID, Data: data}
	payload, err := json.Marshal(notif)
	if err != nil {
		return
	}
	if _, err := s.conn.WriteToUDP(payload, bound.returnAddr); err != nil {
		s.log.Warn("failed to push telemetry notification", "error", err)
	}
}

// chunkedReply answers a retrieval command: small payloads fit in the
// response itself, large ones go out as batches of chunkSize records
// with chunkSpacing between packets (design §4.8) — the first batch in
// the response, the rest as notifications.
func (s *Server) chunkedReply(req request, dataID string, items []interface{}) *response {
	if len(items) <= chunkSize {
		return s.ok(req, dataID, items)
	}
	s.send(*s.ok(req, dataID, items[:chunkSize]))
	s.pushChunked(dataID, items[chunkSize:])
	return nil
}

// pushChunked splits a large retrieval payload into batches of
// chunkSize with chunkSpacing between packets (design §4.8).
func (s *Server) pushChunked(dataID string, items []interface{}) {
	for i := 0; i < len(items); i += chunkSize {
		end := i + chunkSize
		if end > len(items) {
			end = len(items)
		}
		time.Sleep(chunkSpacing)
		s.pushNotify(dataID, items[i:end])
	}
}

func (s *Server) workPackagePayload() interface{} {
	pkg, nextSwitch, activeIsDev := s.source.CurrentWork()
	return map[string]interface{}{
		"challenge":      pkg.Challenge,
		"target":         pkg.Target,
		"difficulty":     pkg.Difficulty,
		"block_number":   pkg.BlockNumber,
		"next_switch":    nextSwitch,
		"active_is_dev":  activeIsDev,
	}
}

func (s *Server) temps() interface{} {
	var out []map[string]interface{}
	for _, m := range s.source.MinerSnapshots() {
		out = append(out, map[string]interface{}{"miner_id": m.MinerID, "temperature_c": m.TemperatureC})
	}
	return out
}

func (s *Server) fans() interface{} {
	var out []map[string]interface{}
	for _, m := range s.source.MinerSnapshots() {
		out = append(out, map[string]interface{}{"miner_id": m.MinerID, "fan_rpm": m.FanRPM})
	}
	return out
}

// tickLoop services every armed stream plus the keep-alive deadline on a
// shared 250ms timer, the "single shared timer thread" concurrency model
// calls for (design §5).
func (s *Server) tickLoop() {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Server) tick() {
	s.mu.Lock()
	bound := s.bound
	if bound != nil && time.Now().After(bound.deadline) {
		s.mu.Unlock()
		s.teardown(true)
		return
	}
	streams := make(map[string]*stream, len(s.streams))
	for k, v := range s.streams {
		streams[k] = v
	}
	s.mu.Unlock()

	if bound == nil {
		return
	}

	now := time.Now()
	for name, st := range streams {
		val := s.valueFor(name)
		switch {
		case st.rate == RateOnChange:
			if !valuesEqual(val, st.lastValue, st.delta) {
				st.lastValue = val
				s.pushNotify(name, val)
			}
		case st.periodMS >= 1:
			if now.Sub(st.lastFire) >= time.Duration(st.periodMS)*time.Millisecond {
				st.lastFire = now
				st.lastValue = val
				s.pushNotify(name, val)
			}
		}
	}
}

func (s *Server) valueFor(name string) interface{} {
	switch name {
	case "best_hash":
		return s.source.BestHash()
	case "hash_rates":
		return s.source.Stats().HashRateMHs
	case "hash_samples":
		return s.source.MinerSnapshots()
	case "work_package":
		return s.workPackagePayload()
	case "gpu_temps":
		return s.temps()
	case "fan_speeds":
		return s.fans()
	default:
		return nil
	}
}

// valuesEqual reports whether a counts as unchanged from the previous
// value b: two numbers are equal when they differ by less than delta
// (delta=0: only when identical); non-numeric payloads fall back to a
// JSON byte-equality comparison. A nil b (nothing pushed yet) is never
// equal.
func valuesEqual(a, b interface{}, delta uint64) bool {
	if b == nil {
		return false
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		diff := af - bf
		if diff < 0 {
			diff = -diff
		}
		return diff < float64(delta) || (delta == 0 && diff == 0)
	}
	aj, _ := json.Marshal(a)
	bj, _ := json.Marshal(b)
	return string(aj) == string(bj)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case uint64:
		return float64(n), true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

// teardown clears the bound client and all streams, firing a final
// disconnect notification first unless silent is requested (used by the
// keep-alive expiry path, which still notifies, per S4).
func (s *Server) teardown(notifyFirst bool) {
	s.mu.Lock()
	bound := s.bound
	s.bound = nil
	s.streams = make(map[string]*stream)
	s.mu.Unlock()

	if notifyFirst && bound != nil {
		payload, _ := json.Marshal(notification{DataID: "disconnect", Type: "notify", MinerID: bound.minerID})
		s.conn.WriteToUDP(payload, bound.returnAddr)
	}
}
