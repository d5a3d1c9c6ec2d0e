// Package server is the transport layer: it accepts session WebSockets,
// routes client envelopes to the orchestrator, and serves the read-only
// HTTP file surface. It owns no session state beyond the connection.
package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/covehq/cove/internal/logger"
	"github.com/covehq/cove/internal/pathguard"
	"github.com/covehq/cove/internal/proto"
	"github.com/covehq/cove/internal/session"
	"github.com/covehq/cove/internal/workspace"
)

// Server serves the WebSocket session endpoint and the file HTTP surface.
type Server struct {
	orch       *session.Orchestrator
	workspaces *workspace.Provisioner

	mu       sync.Mutex
	listener net.Listener
}

func New(orch *session.Orchestrator, workspaces *workspace.Provisioner) *Server {
	return &Server{orch: orch, workspaces: workspaces}
}

// Handler returns the HTTP mux for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleSession)
	mux.HandleFunc("GET /files", s.handleFiles)
	mux.HandleFunc("GET /files/content", s.handleFileContent)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "sessions": s.orch.Registry().Len()})
	})
	return mux
}

// Start begins listening on the given address and serves until Close.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	logger.Info("listening", "addr", ln.Addr().String())
	if err := http.Serve(ln, s.Handler()); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// Close stops the listener.
func (s *Server) Close() error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln != nil {
		return ln.Close()
	}
	return nil
}

// wsConn adapts a websocket connection to the orchestrator's Conn. The
// mutex keeps frames from the terminal pump, the watch forwarder, and
// request handling from interleaving.
type wsConn struct {
	conn *websocket.Conn
	ctx  context.Context

	mu sync.Mutex
}

func (c *wsConn) Emit(name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Write(c.ctx, websocket.MessageText, data)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("session")
	if id == "" {
		id = uuid.NewString()
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		logger.Warn("websocket accept", "error", err)
		return
	}
	conn.SetReadLimit(512 * 1024)
	defer conn.CloseNow()

	ctx := r.Context()
	wc := &wsConn{conn: conn, ctx: ctx}

	if _, err := s.orch.Connect(ctx, id, wc); err != nil {
		// The error event was already emitted on the connection.
		logger.Warn("session start failed", "session", id, "error", err)
		conn.Close(websocket.StatusInternalError, "session start failed")
		return
	}
	defer s.orch.Disconnect(id)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			logger.Debug("connection closed", "session", id, "error", err)
			return
		}
		s.dispatch(id, wc, data)
	}
}

// dispatch routes one client envelope. Malformed or failing requests get
// an error event back; nothing here is fatal to the session.
func (s *Server) dispatch(id string, wc *wsConn, data []byte) {
	var env proto.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.emitError(wc, proto.CodeBadRequest, "malformed envelope")
		return
	}

	switch env.Type {
	case proto.TypeTerminalWrite:
		var msg proto.TerminalWrite
		if err := json.Unmarshal(data, &msg); err != nil {
			s.emitError(wc, proto.CodeBadRequest, "malformed terminal:write")
			return
		}
		raw, err := base64.StdEncoding.DecodeString(msg.Data)
		if err != nil {
			s.emitError(wc, proto.CodeBadRequest, "terminal:write data is not base64")
			return
		}
		if err := s.orch.TerminalInput(id, raw); err != nil {
			s.emitError(wc, session.ErrorCodeFor(err), err.Error())
		}

	case proto.TypeTerminalResize:
		var msg proto.TerminalResize
		if err := json.Unmarshal(data, &msg); err != nil {
			s.emitError(wc, proto.CodeBadRequest, "malformed terminal:resize")
			return
		}
		s.orch.TerminalResize(id, msg.Cols, msg.Rows)

	case proto.TypeFileChange:
		var msg proto.FileChange
		if err := json.Unmarshal(data, &msg); err != nil {
			s.emitError(wc, proto.CodeBadRequest, "malformed file:change")
			return
		}
		if err := s.orch.WriteFile(id, msg.Path, []byte(msg.Content)); err != nil {
			logger.Warn("file change rejected", "session", id, "path", msg.Path, "error", err)
			s.emitError(wc, session.ErrorCodeFor(err), err.Error())
		}

	default:
		s.emitError(wc, proto.CodeBadRequest, "unknown message type: "+env.Type)
	}
}

func (s *Server) emitError(wc *wsConn, code, message string) {
	msg := proto.ErrorMsg{Type: proto.TypeError, Code: code, Message: message}
	if err := wc.Emit(proto.TypeError, msg); err != nil {
		logger.Debug("emit error event", "code", code, "error", err)
	}
}

func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("sessionId")
	if id == "" {
		writeError(w, http.StatusBadRequest, "sessionId is required")
		return
	}
	tree, err := s.workspaces.Tree(id)
	if err != nil {
		writeWorkspaceError(w, err)
		return
	}
	if tree == nil {
		tree = []*workspace.Node{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "files": tree})
}

func (s *Server) handleFileContent(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("sessionId")
	path := r.URL.Query().Get("path")
	if id == "" || path == "" {
		writeError(w, http.StatusBadRequest, "sessionId and path are required")
		return
	}
	data, err := s.workspaces.ReadFile(id, path)
	if err != nil {
		writeWorkspaceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"path": path, "content": string(data)})
}

func writeWorkspaceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, workspace.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, workspace.ErrBadSessionID),
		errors.Is(err, pathguard.ErrEscapesRoot),
		errors.Is(err, pathguard.ErrEmptyPath):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		logger.Error("file request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
