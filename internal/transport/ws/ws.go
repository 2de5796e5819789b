// Package ws implements the session WebSocket peer surface spec.md §6
// describes: one upgraded connection per session carrying JSON-RPC 2.0
// frames both ways — execute_code requests from the client, execute_tool
// requests issued by the server's callback router. The teacher hides this
// level of detail behind Goa-DSL-generated streaming (example/websocket.go);
// with no DSL compiler run here, the connection loop is written directly
// against gorilla/websocket's own API (see DESIGN.md).
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/codemode-dev/codemode/internal/session"
	"github.com/codemode-dev/codemode/internal/stream"
	"github.com/codemode-dev/codemode/internal/telemetry"
	"github.com/gorilla/websocket"
)

// SessionQueryParam is the URL query parameter naming the session a
// WebSocket upgrade attaches to, per spec.md §6.
const SessionQueryParam = "code_mode_session_id"

// Peer adapts one gorilla/websocket connection to callback.Peer. Writes are
// serialized with a mutex because gorilla/websocket forbids concurrent
// writers on the same connection — the read loop only ever reads.
type Peer struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// Send implements callback.Peer.
func (p *Peer) Send(_ context.Context, frame []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn.WriteMessage(websocket.TextMessage, frame)
}

// toolOutputDeltaNotification is a one-way JSON-RPC notification (no id):
// the client is not expected to reply, only to observe.
type toolOutputDeltaNotification struct {
	JSONRPC string                `json:"jsonrpc"`
	Method  string                `json:"method"`
	Params  toolOutputDeltaParams `json:"params"`
}

type toolOutputDeltaParams struct {
	Stream string `json:"stream"`
	Data   string `json:"data"`
}

// SendDelta forwards delta over the same connection as a
// "tool_output_delta" notification, so a client already reading
// rpcResponse/execute_tool frames off this socket sees intermediate output
// alongside them.
func (p *Peer) SendDelta(ctx context.Context, delta stream.Delta) error {
	frame, err := json.Marshal(toolOutputDeltaNotification{
		JSONRPC: "2.0", Method: "tool_output_delta",
		Params: toolOutputDeltaParams{Stream: delta.Stream, Data: delta.Data},
	})
	if err != nil {
		return err
	}
	return p.Send(ctx, frame)
}

// deltaSink implements stream.Sink on top of a Peer, whose own Send is
// taken by callback.Peer; each delta goes out through SendDelta.
type deltaSink struct{ peer *Peer }

func (d deltaSink) Send(ctx context.Context, delta stream.Delta) error {
	return d.peer.SendDelta(ctx, delta)
}

// inboundFrame is the one shape every frame on the wire is sniffed against:
// a "method" field present means a client request (execute_code); its
// absence means a response correlating to a server-issued execute_tool
// request by id.
type inboundFrame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type executeCodeParams struct {
	Code string `json:"code"`
}

type rpcErrorObject struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcErrorObject `json:"error,omitempty"`
}

type executeCodeResult struct {
	Success bool            `json:"success"`
	Stdout  string          `json:"stdout"`
	Stderr  string          `json:"stderr"`
	Output  json.RawMessage `json:"output"`
}

// Server upgrades and runs session WebSocket peers.
type Server struct {
	store           session.Store
	logger          telemetry.Logger
	upgrader        websocket.Upgrader
	callbackTimeout time.Duration

	mu     sync.Mutex
	active map[string]bool // session id -> has a live peer
}

// New builds a Server. callbackTimeout bounds each execute_tool round trip
// (see callback.Router); zero defers to callback.DefaultTimeout.
func New(store session.Store, logger telemetry.Logger, callbackTimeout time.Duration) *Server {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Server{
		store:           store,
		logger:          logger,
		upgrader:        websocket.Upgrader{},
		callbackTimeout: callbackTimeout,
		active:          make(map[string]bool),
	}
}

// Handler upgrades GET /ws?code_mode_session_id=UUID connections and drives
// their read loop until the connection closes.
func (s *Server) Handler() http.HandlerFunc {
	return s.handleUpgrade
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.URL.Query().Get(SessionQueryParam)
	if id == "" {
		http.Error(w, "missing "+SessionQueryParam, http.StatusBadRequest)
		return
	}

	sess, err := s.store.LoadSession(ctx, id)
	if err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	if sess.Status == session.StatusEnded {
		http.Error(w, "session already ended", http.StatusBadRequest)
		return
	}

	if !s.claim(id) {
		// spec.md §6: "a second upgrade request for the same session is
		// rejected"; the existing peer is unaffected.
		http.Error(w, "session already has a peer", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.release(id)
		s.logger.Warn(ctx, "websocket upgrade failed", "session", id, "error", err.Error())
		return
	}

	peer := &Peer{conn: conn}
	sess.Aggregator.BindPeer(peer, s.callbackTimeout)
	sess.Aggregator.BindOutputSink(deltaSink{peer: peer})

	defer func() {
		sess.Aggregator.UnbindOutputSink()
		sess.Aggregator.UnbindPeer()
		s.release(id)
		_ = conn.Close()
	}()

	s.readLoop(ctx, sess, peer)
}

func (s *Server) claim(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active[id] {
		return false
	}
	s.active[id] = true
	return true
}

func (s *Server) release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, id)
}

// readLoop drains inbound frames until the connection closes. execute_code
// requests are handled on their own goroutine so the loop stays free to
// deliver execute_tool responses the in-flight execute's own callback round
// trips are waiting on over this same connection.
func (s *Server) readLoop(ctx context.Context, sess *session.Session, peer *Peer) {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		_, data, err := peer.conn.ReadMessage()
		if err != nil {
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.logger.Warn(ctx, "websocket: malformed frame", "session", sess.ID, "error", err.Error())
			continue
		}

		if frame.Method == "" {
			if err := sess.Aggregator.HandleCallbackFrame(data); err != nil {
				s.logger.Warn(ctx, "websocket: unmatched callback frame", "session", sess.ID, "error", err.Error())
			}
			continue
		}

		if frame.Method != "execute_code" {
			s.logger.Warn(ctx, "websocket: unknown method", "session", sess.ID, "method", frame.Method)
			continue
		}

		wg.Add(1)
		go func(frame inboundFrame) {
			defer wg.Done()
			s.handleExecuteCode(ctx, sess, peer, frame)
		}(frame)
	}
}

func (s *Server) handleExecuteCode(ctx context.Context, sess *session.Session, peer *Peer, frame inboundFrame) {
	var params executeCodeParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		s.sendError(ctx, peer, frame.ID, -32602, "invalid execute_code params: "+err.Error())
		return
	}

	result, err := sess.Aggregator.Execute(ctx, params.Code)
	if err != nil {
		s.sendError(ctx, peer, frame.ID, -32000, err.Error())
		return
	}

	resultBytes, err := json.Marshal(executeCodeResult{
		Success: result.Success, Stdout: result.Stdout, Stderr: result.Stderr, Output: result.Output,
	})
	if err != nil {
		s.sendError(ctx, peer, frame.ID, -32603, "encoding execute_code result: "+err.Error())
		return
	}

	s.sendResponse(ctx, peer, rpcResponse{JSONRPC: "2.0", ID: frame.ID, Result: resultBytes})
}

func (s *Server) sendError(ctx context.Context, peer *Peer, id string, code int, message string) {
	s.sendResponse(ctx, peer, rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcErrorObject{Code: code, Message: message}})
}

func (s *Server) sendResponse(ctx context.Context, peer *Peer, resp rpcResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error(ctx, "websocket: failed to encode response", "error", err.Error())
		return
	}
	if err := peer.Send(ctx, data); err != nil {
		s.logger.Warn(ctx, "websocket: failed to send response", "error", err.Error())
	}
}
