package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/covehq/cove/internal/container"
	"github.com/covehq/cove/internal/proto"
	"github.com/covehq/cove/internal/runtime"
	"github.com/covehq/cove/internal/session"
	"github.com/covehq/cove/internal/terminal"
	"github.com/covehq/cove/internal/workspace"
)

type testEnv struct {
	srv  *httptest.Server
	fake *runtime.Fake
	prov *workspace.Provisioner
	dir  string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	fake := runtime.NewFake()
	prov := workspace.NewProvisioner(dir)
	ctrl := container.NewController(fake, container.Options{Image: "ubuntu:24.04", Memory: "512m", CPUShares: 512})
	orch := session.NewOrchestrator(prov, ctrl, fake, nil, nil, terminal.Options{Shell: "/bin/bash", Cols: 80, Rows: 24})

	srv := httptest.NewServer(New(orch, prov).Handler())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, fake: fake, prov: prov, dir: dir}
}

func (e *testEnv) wsURL(sessionID string) string {
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws"
	if sessionID != "" {
		url += "?session=" + sessionID
	}
	return url
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

// readEvent reads frames until one of the given type arrives.
func readEvent(t *testing.T, conn *websocket.Conn, wantType string) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("waiting for %s: %v", wantType, err)
		}
		var msg map[string]any
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal frame: %v", err)
		}
		if msg["type"] == wantType {
			return msg
		}
	}
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func TestSessionLifecycleOverWebSocket(t *testing.T) {
	env := newTestEnv(t)
	conn := dial(t, env.wsURL("abc123"))

	ready := readEvent(t, conn, proto.TypeReady)
	if ready["session_id"] != "abc123" {
		t.Errorf("ready session_id = %v", ready["session_id"])
	}
	if !env.fake.Exists("user_abc123") {
		t.Error("container not created")
	}

	send(t, conn, proto.TerminalWrite{
		Type: proto.TypeTerminalWrite,
		Data: base64.StdEncoding.EncodeToString([]byte("echo hi\n")),
	})
	data := readEvent(t, conn, proto.TypeTerminalData)
	raw, err := base64.StdEncoding.DecodeString(data["data"].(string))
	if err != nil {
		t.Fatalf("terminal data not base64: %v", err)
	}
	if !strings.Contains(string(raw), "hi") {
		t.Errorf("terminal output = %q", raw)
	}

	conn.Close(websocket.StatusNormalClosure, "")

	deadline := time.Now().Add(3 * time.Second)
	for env.fake.Exists("user_abc123") {
		if time.Now().After(deadline) {
			t.Fatal("container still exists after client disconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestGeneratedSessionID(t *testing.T) {
	env := newTestEnv(t)
	conn := dial(t, env.wsURL(""))

	ready := readEvent(t, conn, proto.TypeReady)
	id, _ := ready["session_id"].(string)
	if id == "" {
		t.Fatal("no generated session id in ready event")
	}
	if !env.fake.Exists("user_" + id) {
		t.Errorf("container for generated id %q not created", id)
	}
}

func TestProvisioningFailureClosesConnection(t *testing.T) {
	env := newTestEnv(t)
	env.fake.FailCreate = os.ErrPermission
	conn := dial(t, env.wsURL("abc123"))

	errEvent := readEvent(t, conn, proto.TypeError)
	if errEvent["code"] != proto.CodeContainerFailed {
		t.Errorf("code = %v, want container_failed", errEvent["code"])
	}

	// The server closes after the fatal error event.
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, _, err := conn.Read(ctx); err == nil {
		t.Error("connection stayed open after fatal error")
	}
}

func TestFileChangeOverWebSocket(t *testing.T) {
	env := newTestEnv(t)
	conn := dial(t, env.wsURL("abc123"))
	readEvent(t, conn, proto.TypeReady)

	send(t, conn, proto.FileChange{Type: proto.TypeFileChange, Path: "notes/a.txt", Content: "hello"})

	// The write is acknowledged only by its effect; poll the disk.
	target := filepath.Join(env.dir, "abc123", "notes", "a.txt")
	deadline := time.Now().Add(3 * time.Second)
	for {
		data, err := os.ReadFile(target)
		if err == nil && string(data) == "hello" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("file not written: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	// An escaping path gets an error event, not a write.
	send(t, conn, proto.FileChange{Type: proto.TypeFileChange, Path: "../other/x.txt", Content: "x"})
	errEvent := readEvent(t, conn, proto.TypeError)
	if errEvent["code"] != proto.CodePathRejected {
		t.Errorf("code = %v, want path_rejected", errEvent["code"])
	}
}

func TestUnknownMessageType(t *testing.T) {
	env := newTestEnv(t)
	conn := dial(t, env.wsURL("abc123"))
	readEvent(t, conn, proto.TypeReady)

	send(t, conn, map[string]string{"type": "bogus"})
	errEvent := readEvent(t, conn, proto.TypeError)
	if errEvent["code"] != proto.CodeBadRequest {
		t.Errorf("code = %v, want bad_request", errEvent["code"])
	}
}

func TestFilesEndpoint(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.prov.Ensure("abc123"); err != nil {
		t.Fatal(err)
	}
	if err := env.prov.WriteFile("abc123", "notes/a.txt", []byte("A")); err != nil {
		t.Fatal(err)
	}

	resp, err := http.Get(env.srv.URL + "/files?sessionId=abc123")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body struct {
		SessionID string            `json:"session_id"`
		Files     []*workspace.Node `json:"files"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	names := make(map[string]bool)
	for _, n := range body.Files {
		names[n.Name] = true
	}
	if !names[workspace.SeedFileName] || !names["notes"] {
		t.Errorf("listing = %+v", body.Files)
	}

	// Unknown session is a 404, not an empty listing.
	resp2, err := http.Get(env.srv.URL + "/files?sessionId=ghost")
	if err != nil {
		t.Fatal(err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Errorf("unknown session status = %d, want 404", resp2.StatusCode)
	}
}

func TestFileContentEndpoint(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.prov.Ensure("abc123"); err != nil {
		t.Fatal(err)
	}
	if err := env.prov.WriteFile("abc123", "a.txt", []byte("hello")); err != nil {
		t.Fatal(err)
	}

	get := func(query string) *http.Response {
		t.Helper()
		resp, err := http.Get(env.srv.URL + "/files/content?" + query)
		if err != nil {
			t.Fatal(err)
		}
		return resp
	}

	resp := get("sessionId=abc123&path=a.txt")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Content != "hello" {
		t.Errorf("content = %q", body.Content)
	}

	cases := []struct {
		query string
		want  int
	}{
		{"sessionId=abc123&path=missing.txt", http.StatusNotFound},
		{"sessionId=abc123&path=../../etc/passwd", http.StatusBadRequest},
		{"sessionId=abc123", http.StatusBadRequest},
		{"path=a.txt", http.StatusBadRequest},
	}
	for _, tc := range cases {
		resp := get(tc.query)
		resp.Body.Close()
		if resp.StatusCode != tc.want {
			t.Errorf("%s: status = %d, want %d", tc.query, resp.StatusCode, tc.want)
		}
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Get(env.srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}
