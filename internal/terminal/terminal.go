// Package terminal bridges an interactive shell inside a session's
// container to the session's connection. Output is pushed to the sink as
// soon as the shell produces it; input is written through verbatim and in
// order. The exit notification fires exactly once however the shell dies.
package terminal

import (
	"context"
	"fmt"
	"sync"

	"github.com/covehq/cove/internal/container"
	"github.com/covehq/cove/internal/runtime"
)

// Options configures the attached shell.
type Options struct {
	Shell string
	Cols  uint16
	Rows  uint16
}

// Terminal is a session's attached interactive shell.
type Terminal struct {
	stream runtime.TerminalStream

	writeMu  sync.Mutex // serializes input writes
	resizeMu sync.Mutex // serializes resizes against each other

	exitOnce sync.Once
	onExit   func(code int)

	pumpOnce sync.Once
}

// Attach opens an interactive exec stream into the container. The shell's
// working directory is the mounted workspace.
func Attach(ctx context.Context, client runtime.Client, containerID string, opts Options) (*Terminal, error) {
	shell := opts.Shell
	if shell == "" {
		shell = "/bin/bash"
	}
	stream, err := client.ExecInteractive(ctx, containerID, runtime.ExecSpec{
		Command: []string{shell},
		Workdir: container.WorkspaceMount,
		Cols:    opts.Cols,
		Rows:    opts.Rows,
	})
	if err != nil {
		return nil, fmt.Errorf("attach terminal: %w", err)
	}
	return &Terminal{stream: stream}, nil
}

// OnExit registers the exit callback. Must be set before Run; invoked
// exactly once, from the pump goroutine, with the shell's exit code.
func (t *Terminal) OnExit(fn func(code int)) {
	t.onExit = fn
}

// Run starts the background output pump. Every chunk read from the shell
// is handed to sink in production order. When the stream ends — shell
// exit, crash, or Close — the exit callback fires once. Subsequent calls
// are no-ops.
func (t *Terminal) Run(sink func(data []byte)) {
	t.pumpOnce.Do(func() {
		go t.pump(sink)
	})
}

func (t *Terminal) pump(sink func(data []byte)) {
	buf := make([]byte, 4096)
	for {
		n, err := t.stream.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			sink(data)
		}
		if err != nil {
			break
		}
	}
	code, _ := t.stream.Wait()
	t.fireExit(code)
}

func (t *Terminal) fireExit(code int) {
	t.exitOnce.Do(func() {
		if t.onExit != nil {
			t.onExit(code)
		}
	})
}

// Write sends input bytes to the shell, preserving arrival order.
func (t *Terminal) Write(p []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.stream.Write(p); err != nil {
		return fmt.Errorf("terminal write: %w", err)
	}
	return nil
}

// Resize changes the terminal dimensions. Fire-and-forget with respect to
// data delivery, but resizes never reorder against each other.
func (t *Terminal) Resize(cols, rows uint16) error {
	t.resizeMu.Lock()
	defer t.resizeMu.Unlock()
	return t.stream.Resize(cols, rows)
}

// Close kills the exec stream. The pump observes the closed stream and
// fires the exit callback if it hasn't already.
func (t *Terminal) Close() error {
	return t.stream.Close()
}
