package session

import (
	"context"
	"encoding/base64"
	"errors"
	"time"

	"github.com/covehq/cove/internal/container"
	"github.com/covehq/cove/internal/logger"
	"github.com/covehq/cove/internal/pathguard"
	"github.com/covehq/cove/internal/proto"
	"github.com/covehq/cove/internal/runtime"
	"github.com/covehq/cove/internal/store"
	"github.com/covehq/cove/internal/terminal"
	"github.com/covehq/cove/internal/watcher"
	"github.com/covehq/cove/internal/workspace"
)

// ErrNotActive is returned for operations on a session that is not in the
// Active state (unknown id, still provisioning, or tearing down).
var ErrNotActive = errors.New("session not active")

// FatalError is a provisioning failure: the session never reached Active,
// acquired resources were rolled back, and Code is the client-visible
// error code already emitted on the connection.
type FatalError struct {
	Code string
	Err  error
}

func (e *FatalError) Error() string { return e.Code + ": " + e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// Orchestrator sequences session provisioning and drives teardown. The
// collaborators are leaves; all cross-component wiring lives here.
type Orchestrator struct {
	workspaces *workspace.Provisioner
	containers *container.Controller
	client     runtime.Client
	notifier   *watcher.Notifier
	store      *store.Store // optional
	registry   *Registry
	termOpts   terminal.Options
}

func NewOrchestrator(
	workspaces *workspace.Provisioner,
	containers *container.Controller,
	client runtime.Client,
	notifier *watcher.Notifier,
	st *store.Store,
	termOpts terminal.Options,
) *Orchestrator {
	return &Orchestrator{
		workspaces: workspaces,
		containers: containers,
		client:     client,
		notifier:   notifier,
		store:      st,
		registry:   NewRegistry(),
		termOpts:   termOpts,
	}
}

// Registry exposes the session registry (read paths: HTTP file surface).
func (o *Orchestrator) Registry() *Registry {
	return o.registry
}

// Connect provisions a session for a new connection: workspace, then
// container, then terminal, then watch subscription. On failure at any
// step the resources acquired by prior steps are released in reverse
// order (the workspace directory is deliberately kept — directories are
// cheap and reused on reconnect), an error event is emitted to the
// client, and a FatalError is returned; the caller should then close the
// connection.
func (o *Orchestrator) Connect(ctx context.Context, id string, conn Conn) (*Session, error) {
	sess := &Session{
		ID:        id,
		CreatedAt: time.Now(),
		conn:      conn,
		status:    StatusInitializing,
	}
	if err := o.registry.Add(sess); err != nil {
		return nil, o.failConn(conn, proto.CodeProvisioningFailed, err)
	}
	o.record(id, "initializing", "")

	// Resources acquired so far, unwound LIFO on failure.
	var cleanups []func()
	fail := func(code string, err error) error {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
		sess.mu.Lock()
		sess.status = StatusFailed
		sess.mu.Unlock()
		o.record(id, "failed", code+": "+err.Error())
		o.registry.Remove(id)
		return o.failConn(conn, code, err)
	}

	root, err := o.workspaces.Ensure(id)
	if err != nil {
		return nil, fail(proto.CodeProvisioningFailed, err)
	}
	sess.WorkspaceRoot = root

	handle, err := o.containers.Create(ctx, id, root)
	if err != nil {
		return nil, fail(proto.CodeContainerFailed, err)
	}
	sess.mu.Lock()
	sess.container = handle
	sess.mu.Unlock()
	cleanups = append(cleanups, func() {
		if err := o.containers.Teardown(context.Background(), handle); err != nil {
			logger.Error("rollback container", "session", id, "error", err)
		}
	})

	term, err := terminal.Attach(ctx, o.client, handle.ID, o.termOpts)
	if err != nil {
		return nil, fail(proto.CodeTerminalFailed, err)
	}
	sess.mu.Lock()
	sess.terminal = term
	sess.mu.Unlock()
	cleanups = append(cleanups, func() { term.Close() })

	if o.notifier != nil {
		events := o.notifier.Subscribe(id)
		go o.forwardEvents(sess, events)
	}

	term.OnExit(func(code int) {
		logger.Info("terminal exited", "session", id, "code", code)
		if err := conn.Emit(proto.TypeTerminalExit, proto.TerminalExit{Type: proto.TypeTerminalExit, ExitCode: code}); err != nil {
			logger.Debug("emit terminal exit", "session", id, "error", err)
		}
		// Terminal exit is equivalent to disconnect: release the container
		// even while the connection is still open.
		o.teardown(sess, "terminal exit")
	})
	term.Run(func(data []byte) {
		msg := proto.TerminalData{
			Type: proto.TypeTerminalData,
			Data: base64.StdEncoding.EncodeToString(data),
		}
		if err := conn.Emit(proto.TypeTerminalData, msg); err != nil {
			logger.Debug("emit terminal data", "session", id, "error", err)
		}
	})

	sess.mu.Lock()
	sess.status = StatusActive
	sess.mu.Unlock()
	o.record(id, "active", "container="+handle.Name)
	logger.Info("session active", "session", id, "container", handle.Name, "workspace", root)

	if err := conn.Emit(proto.TypeReady, proto.Ready{Type: proto.TypeReady, SessionID: id}); err != nil {
		logger.Debug("emit ready", "session", id, "error", err)
	}
	return sess, nil
}

// Disconnect tears the session down. Safe to call for unknown ids and
// safe to race with the terminal-exit path; only one teardown runs.
func (o *Orchestrator) Disconnect(id string) {
	sess := o.registry.Get(id)
	if sess == nil {
		return
	}
	o.teardown(sess, "disconnect")
}

// teardown kills the terminal, releases the container, and drops the
// session from the registry. Each step is attempted even if an earlier
// one fails; failures are operational errors, logged and recorded but
// never re-raised. The registry entry is removed regardless, so a
// runtime-side failure cannot wedge the id.
func (o *Orchestrator) teardown(sess *Session, reason string) {
	sess.mu.Lock()
	if sess.status != StatusActive && sess.status != StatusInitializing {
		sess.mu.Unlock()
		return
	}
	sess.status = StatusTerminating
	term := sess.terminal
	handle := sess.container
	sess.mu.Unlock()

	o.record(sess.ID, "terminating", reason)

	if term != nil {
		if err := term.Close(); err != nil {
			logger.Warn("close terminal", "session", sess.ID, "error", err)
		}
	}

	if handle != nil {
		if err := o.containers.Teardown(context.Background(), handle); err != nil {
			logger.Error("container teardown", "session", sess.ID, "container", handle.Name, "error", err)
			o.record(sess.ID, "teardown_failure", err.Error())
		}
	}

	if o.notifier != nil {
		o.notifier.Unsubscribe(sess.ID)
	}

	sess.mu.Lock()
	sess.status = StatusClosed
	sess.mu.Unlock()
	o.registry.Remove(sess.ID)
	o.record(sess.ID, "closed", "")
	logger.Info("session closed", "session", sess.ID, "reason", reason)
}

// TerminalInput writes client keystrokes to the session's shell.
func (o *Orchestrator) TerminalInput(id string, data []byte) error {
	_, term, err := o.activeTerminal(id)
	if err != nil {
		return err
	}
	return term.Write(data)
}

// TerminalResize resizes the session's terminal. Fire-and-forget:
// failures are logged, not returned to the client.
func (o *Orchestrator) TerminalResize(id string, cols, rows int) {
	_, term, err := o.activeTerminal(id)
	if err != nil {
		return
	}
	if cols <= 0 || rows <= 0 {
		return
	}
	if err := term.Resize(uint16(cols), uint16(rows)); err != nil {
		logger.Warn("terminal resize", "session", id, "error", err)
	}
}

// WriteFile writes content into the session's workspace after path
// validation. Failures are local to this operation and never change
// session state.
func (o *Orchestrator) WriteFile(id, rel string, content []byte) error {
	sess := o.registry.Get(id)
	if sess == nil || sess.Status() != StatusActive {
		return ErrNotActive
	}
	return o.workspaces.WriteFile(id, rel, content)
}

func (o *Orchestrator) activeTerminal(id string) (*Session, *terminal.Terminal, error) {
	sess := o.registry.Get(id)
	if sess == nil {
		return nil, nil, ErrNotActive
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.status != StatusActive || sess.terminal == nil {
		return nil, nil, ErrNotActive
	}
	return sess, sess.terminal, nil
}

func (o *Orchestrator) forwardEvents(sess *Session, events <-chan watcher.Event) {
	for ev := range events {
		msg := proto.FileRefresh{Type: proto.TypeFileRefresh, Event: ev.Op, Path: ev.Rel}
		if err := sess.conn.Emit(proto.TypeFileRefresh, msg); err != nil {
			logger.Debug("emit file refresh", "session", sess.ID, "error", err)
		}
	}
}

// failConn emits the fatal error to the client and wraps it for the caller.
func (o *Orchestrator) failConn(conn Conn, code string, err error) error {
	msg := proto.ErrorMsg{Type: proto.TypeError, Code: code, Message: err.Error()}
	if emitErr := conn.Emit(proto.TypeError, msg); emitErr != nil {
		logger.Debug("emit fatal error", "code", code, "error", emitErr)
	}
	return &FatalError{Code: code, Err: err}
}

func (o *Orchestrator) record(sessionID, event, detail string) {
	if o.store == nil {
		return
	}
	if err := o.store.RecordEvent(sessionID, event, detail); err != nil {
		logger.Warn("record session event", "session", sessionID, "event", event, "error", err)
	}
}

// ErrorCodeFor maps workspace/pathguard errors to client-visible codes
// for per-operation (non-fatal) failures.
func ErrorCodeFor(err error) string {
	switch {
	case errors.Is(err, pathguard.ErrEscapesRoot), errors.Is(err, pathguard.ErrEmptyPath):
		return proto.CodePathRejected
	case errors.Is(err, workspace.ErrNotFound):
		return proto.CodeFileNotFound
	case errors.Is(err, workspace.ErrBadSessionID), errors.Is(err, ErrNotActive):
		return proto.CodeBadRequest
	default:
		return proto.CodeFileIO
	}
}
