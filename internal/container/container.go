// Package container owns the per-session container lifecycle: one
// container per session, named deterministically from the session id,
// with the workspace bind-mounted and resource caps applied. The
// container's main process is a long-lived no-op so the interactive
// terminal can be attached (and die) as a separate exec stream.
package container

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/covehq/cove/internal/logger"
	"github.com/covehq/cove/internal/runtime"
)

// WorkspaceMount is the fixed in-container location of the session's
// workspace, and the working directory of the attached terminal.
const WorkspaceMount = "/workspace"

// namePrefix makes a session's container findable (and a stale one from a
// previous crash diagnosable) by name alone.
const namePrefix = "user_"

// Options configures the controller.
type Options struct {
	Image     string
	Memory    string
	CPUShares int
	// RuntimeTimeout bounds each runtime call during teardown so a hung
	// runtime cannot block session cleanup indefinitely.
	RuntimeTimeout time.Duration
}

// Handle is the session's owned reference to its container.
type Handle struct {
	ID        string
	Name      string
	SessionID string
}

// Controller creates and tears down session containers against a
// pluggable runtime client.
type Controller struct {
	client runtime.Client
	opts   Options
}

func NewController(client runtime.Client, opts Options) *Controller {
	if opts.RuntimeTimeout == 0 {
		opts.RuntimeTimeout = 10 * time.Second
	}
	return &Controller{client: client, opts: opts}
}

// Name returns the deterministic container name for a session.
func Name(sessionID string) string {
	return namePrefix + sessionID
}

// Create creates and starts the session's container with the workspace
// bind-mounted read-write. If start fails the created container is
// removed before returning, so a failed Create never leaves a container
// behind.
func (c *Controller) Create(ctx context.Context, sessionID, workspaceRoot string) (*Handle, error) {
	spec := runtime.ContainerSpec{
		Name:  Name(sessionID),
		Image: c.opts.Image,
		Binds: []runtime.Bind{
			{HostPath: workspaceRoot, ContainerPath: WorkspaceMount},
		},
		Memory:     c.opts.Memory,
		CPUShares:  c.opts.CPUShares,
		AutoRemove: true,
		Command:    []string{"sleep", "infinity"},
	}

	id, err := c.client.Create(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("create container %s: %w", spec.Name, err)
	}

	if err := c.client.Start(ctx, id); err != nil {
		if rmErr := c.client.Remove(ctx, id); rmErr != nil && !errors.Is(rmErr, runtime.ErrNotFound) {
			logger.Error("remove container after failed start", "container", spec.Name, "error", rmErr)
		}
		return nil, fmt.Errorf("start container %s: %w", spec.Name, err)
	}

	return &Handle{ID: id, Name: spec.Name, SessionID: sessionID}, nil
}

// Teardown stops and removes the container. Idempotent and best-effort:
// "not found" from either step counts as success because auto-remove may
// have already collected the container. Remove is attempted even when
// stop fails. A non-nil return is an operational error for the caller to
// log; it must not block releasing the session's in-memory handle.
func (c *Controller) Teardown(ctx context.Context, h *Handle) error {
	var firstErr error

	stopCtx, cancel := context.WithTimeout(ctx, c.opts.RuntimeTimeout)
	err := c.client.Stop(stopCtx, h.ID)
	cancel()
	if err != nil && !errors.Is(err, runtime.ErrNotFound) {
		firstErr = fmt.Errorf("stop container %s: %w", h.Name, err)
	}

	rmCtx, cancel := context.WithTimeout(ctx, c.opts.RuntimeTimeout)
	err = c.client.Remove(rmCtx, h.ID)
	cancel()
	if err != nil && !errors.Is(err, runtime.ErrNotFound) && firstErr == nil {
		firstErr = fmt.Errorf("remove container %s: %w", h.Name, err)
	}

	return firstErr
}

// Running queries the runtime for the container's state.
func (c *Controller) Running(ctx context.Context, h *Handle) (bool, error) {
	return c.client.Running(ctx, h.ID)
}
