// Package runtime defines the narrow container-runtime client the rest of
// the daemon consumes. The shipped implementation drives the docker CLI;
// tests use the in-memory Fake. Nothing above this package knows which one
// it is talking to.
package runtime

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when the runtime no longer knows the container.
// Teardown treats it as success: auto-remove may have already collected
// the container out-of-band.
var ErrNotFound = errors.New("container not found")

// ContainerSpec describes a container to create.
type ContainerSpec struct {
	Name       string
	Image      string
	Binds      []Bind
	Memory     string // memory ceiling, runtime syntax (e.g. "512m")
	CPUShares  int    // relative CPU weight, 0 = runtime default
	AutoRemove bool   // remove the container when it stops
	// Command keeps the container alive independent of any exec stream.
	Command []string
}

// Bind mounts a host path into the container.
type Bind struct {
	HostPath      string
	ContainerPath string
	ReadOnly      bool
}

// ExecSpec describes an interactive exec stream into a running container.
type ExecSpec struct {
	Command []string
	Workdir string
	Env     []string
	Cols    uint16
	Rows    uint16
}

// TerminalStream is a duplex byte stream attached to an interactive
// process, plus the out-of-band resize signal.
type TerminalStream interface {
	io.ReadWriteCloser
	Resize(cols, rows uint16) error
	// Wait blocks until the process exits and returns its exit code.
	Wait() (int, error)
}

// Client is the pluggable container-runtime surface.
type Client interface {
	Create(ctx context.Context, spec ContainerSpec) (id string, err error)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error
	Running(ctx context.Context, id string) (bool, error)
	ExecInteractive(ctx context.Context, id string, spec ExecSpec) (TerminalStream, error)
}
