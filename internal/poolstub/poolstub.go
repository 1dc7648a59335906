// Package poolstub is a scriptable in-process line-JSON pool server used
// only by PoolDriver tests (SPEC_FULL.md §4.A6). Grounded on
// server/pool.go's MiningPool (accept loop, connection registry under a
// mutex), rewritten from a stats-driven production pool into a minimal
// stand-in that replays a scripted sequence of mining.notify messages and
// records what mining.submit calls it received.
package poolstub

import (
	"bufio"
	"encoding/json"
	"net"
	"sync"
)

// Submission is one recorded mining.submit call.
type Submission struct {
	ID     int
	Params []interface{}
}

// Server is a minimal scriptable pool endpoint: it serves every accepted
// connection on its own goroutine, replays Notifies in order after a
// successful mining.subscribe, and replies to mining.submit with
// SubmitResult.
type Server struct {
	ln net.Listener

	mu           sync.Mutex
	Notifies     []map[string]interface{} // each becomes a mining.notify params array
	SubmitResult bool
	SubmitError  []interface{}
	Submissions  []Submission

	// DropAfterNotify closes the connection right after replaying the
	// Notifies entries, the S3 scenario (pool accepts one connection,
	// sends one notify, then drops) when Notifies holds a single entry.
	DropAfterNotify bool

	// RejectSubscribe answers mining.subscribe with result:false and an
	// auth error, then closes the connection.
	RejectSubscribe bool
}

// New starts a poolstub listening on an ephemeral localhost port and
// returns it along with its address.
func New() (*Server, string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, "", err
	}
	s := &Server{ln: ln, SubmitResult: true}
	go s.acceptLoop()
	return s, ln.Addr().String(), nil
}

// Close stops accepting connections.
func (s *Server) Close() error { return s.ln.Close() }

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	enc := json.NewEncoder(conn)
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), 1<<20)

	for scanner.Scan() {
		var req map[string]interface{}
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			continue
		}
		method, _ := req["method"].(string)
		id, _ := req["id"].(float64)

		switch method {
		case "mining.subscribe":
			s.mu.Lock()
			reject := s.RejectSubscribe
			s.mu.Unlock()
			if reject {
				enc.Encode(map[string]interface{}{"id": int(id), "result": false, "error": []interface{}{24, "unauthorized worker"}})
				return
			}
			enc.Encode(map[string]interface{}{"id": int(id), "result": true, "error": nil})
			s.replayNotifies(enc)
			if s.DropAfterNotify {
				return
			}
		case "mining.submit":
			params, _ := req["params"].([]interface{})
			s.mu.Lock()
			s.Submissions = append(s.Submissions, Submission{ID: int(id), Params: params})
			result, errVal := s.SubmitResult, s.SubmitError
			s.mu.Unlock()
			enc.Encode(map[string]interface{}{"id": int(id), "result": result, "error": errVal})
		}
	}
}

func (s *Server) replayNotifies(enc *json.Encoder) {
	s.mu.Lock()
	notifies := append([]map[string]interface{}(nil), s.Notifies...)
	s.mu.Unlock()

	for _, n := range notifies {
		enc.Encode(map[string]interface{}{
			"method": "mining.notify",
			"params": []interface{}{n["challenge"], n["target"], n["difficulty"], n["account"]},
		})
	}
}

// RecordedSubmissions returns a copy of every mining.submit call seen so
// far.
func (s *Server) RecordedSubmissions() []Submission {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Submission(nil), s.Submissions...)
}
