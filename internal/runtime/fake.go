package runtime

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// Fake is an in-memory Client for tests. Individual operations can be made
// to fail deterministically, and every lifecycle transition is recorded so
// tests can assert rollback and teardown behavior against the "runtime".
type Fake struct {
	mu         sync.Mutex
	nextID     int
	containers map[string]*fakeContainer

	FailCreate error
	FailStart  error
	FailStop   error
	FailRemove error
	FailExec   error
}

type fakeContainer struct {
	id      string
	spec    ContainerSpec
	running bool
	removed bool
	streams []*FakeStream
}

func NewFake() *Fake {
	return &Fake{containers: make(map[string]*fakeContainer)}
}

func (f *Fake) Create(ctx context.Context, spec ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailCreate != nil {
		return "", f.FailCreate
	}
	for _, c := range f.containers {
		if c.spec.Name == spec.Name && !c.removed {
			return "", fmt.Errorf("container name %q already in use", spec.Name)
		}
	}
	f.nextID++
	id := fmt.Sprintf("ctr-%04d", f.nextID)
	f.containers[id] = &fakeContainer{id: id, spec: spec}
	return id, nil
}

func (f *Fake) Start(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailStart != nil {
		return f.FailStart
	}
	c, ok := f.containers[id]
	if !ok || c.removed {
		return ErrNotFound
	}
	c.running = true
	return nil
}

func (f *Fake) Stop(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailStop != nil {
		return f.FailStop
	}
	c, ok := f.containers[id]
	if !ok || c.removed {
		return ErrNotFound
	}
	c.running = false
	for _, s := range c.streams {
		s.Exit(137)
	}
	if c.spec.AutoRemove {
		c.removed = true
	}
	return nil
}

func (f *Fake) Remove(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailRemove != nil {
		return f.FailRemove
	}
	c, ok := f.containers[id]
	if !ok || c.removed {
		return ErrNotFound
	}
	c.removed = true
	c.running = false
	return nil
}

func (f *Fake) Running(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok || c.removed {
		return false, nil
	}
	return c.running, nil
}

func (f *Fake) ExecInteractive(ctx context.Context, id string, spec ExecSpec) (TerminalStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailExec != nil {
		return nil, f.FailExec
	}
	c, ok := f.containers[id]
	if !ok || c.removed {
		return nil, ErrNotFound
	}
	if !c.running {
		return nil, fmt.Errorf("container %s is not running", id)
	}
	s := NewFakeStream()
	c.streams = append(c.streams, s)
	return s, nil
}

// Exists reports whether a container with the given name is known to the
// runtime and not removed.
func (f *Fake) Exists(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.containers {
		if c.spec.Name == name && !c.removed {
			return true
		}
	}
	return false
}

// SpecFor returns the creation spec for a named container, removed or not.
func (f *Fake) SpecFor(name string) (ContainerSpec, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.containers {
		if c.spec.Name == name {
			return c.spec, true
		}
	}
	return ContainerSpec{}, false
}

// FakeStream is an in-memory TerminalStream that echoes every write back
// to the reader, standing in for an interactive shell.
type FakeStream struct {
	pr *io.PipeReader
	pw *io.PipeWriter

	mu       sync.Mutex
	cols     uint16
	rows     uint16
	resizes  int
	exited   bool
	exitCode int
	done     chan struct{}
}

func NewFakeStream() *FakeStream {
	pr, pw := io.Pipe()
	return &FakeStream{pr: pr, pw: pw, done: make(chan struct{})}
}

func (s *FakeStream) Read(p []byte) (int, error) { return s.pr.Read(p) }

func (s *FakeStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	if s.exited {
		s.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	s.mu.Unlock()
	// Echo: input comes straight back as output.
	return s.pw.Write(p)
}

func (s *FakeStream) Resize(cols, rows uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cols, s.rows = cols, rows
	s.resizes++
	return nil
}

// Size returns the last resize and how many resizes were applied.
func (s *FakeStream) Size() (cols, rows uint16, count int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cols, s.rows, s.resizes
}

func (s *FakeStream) Close() error {
	s.Exit(137)
	return nil
}

// Exit simulates the shell exiting with the given code. Safe to call more
// than once; only the first call takes effect.
func (s *FakeStream) Exit(code int) {
	s.mu.Lock()
	if s.exited {
		s.mu.Unlock()
		return
	}
	s.exited = true
	s.exitCode = code
	s.mu.Unlock()
	s.pw.CloseWithError(io.EOF)
	close(s.done)
}

func (s *FakeStream) Wait() (int, error) {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode, nil
}
