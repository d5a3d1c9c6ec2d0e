package terminal

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/covehq/cove/internal/runtime"
)

func attachFake(t *testing.T) (*runtime.Fake, *Terminal) {
	t.Helper()
	fake := runtime.NewFake()
	id, err := fake.Create(context.Background(), runtime.ContainerSpec{Name: "user_t1", Image: "img"})
	if err != nil {
		t.Fatal(err)
	}
	if err := fake.Start(context.Background(), id); err != nil {
		t.Fatal(err)
	}
	term, err := Attach(context.Background(), fake, id, Options{Shell: "/bin/bash", Cols: 80, Rows: 24})
	if err != nil {
		t.Fatalf("Attach error: %v", err)
	}
	return fake, term
}

func TestOutputOrderPreserved(t *testing.T) {
	_, term := attachFake(t)

	var mu sync.Mutex
	var got bytes.Buffer
	term.Run(func(data []byte) {
		mu.Lock()
		got.Write(data)
		mu.Unlock()
	})

	// The fake stream echoes writes back; ordered writes must come back
	// in the same order.
	inputs := []string{"echo hi\n", "ls -la\n", "exit\n"}
	for _, in := range inputs {
		if err := term.Write([]byte(in)); err != nil {
			t.Fatalf("Write error: %v", err)
		}
	}

	want := "echo hi\nls -la\nexit\n"
	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		s := got.String()
		mu.Unlock()
		if s == want {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("output = %q, want %q", s, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestExitFiresExactlyOnce(t *testing.T) {
	_, term := attachFake(t)

	var exits atomic.Int32
	var code atomic.Int32
	term.OnExit(func(c int) {
		exits.Add(1)
		code.Store(int32(c))
	})
	term.Run(func([]byte) {})

	// Close and a racing second Close: the callback still fires once.
	term.Close()
	term.Close()

	deadline := time.Now().Add(2 * time.Second)
	for exits.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("exit callback never fired")
		}
		time.Sleep(5 * time.Millisecond)
	}
	// Give a double-fire a chance to happen.
	time.Sleep(50 * time.Millisecond)
	if n := exits.Load(); n != 1 {
		t.Errorf("exit fired %d times, want 1", n)
	}
	if code.Load() != 137 {
		t.Errorf("exit code = %d, want 137", code.Load())
	}
}

func TestExitOnShellExit(t *testing.T) {
	fake := runtime.NewFake()
	id, _ := fake.Create(context.Background(), runtime.ContainerSpec{Name: "user_t2", Image: "img"})
	fake.Start(context.Background(), id)
	stream, err := fake.ExecInteractive(context.Background(), id, runtime.ExecSpec{Command: []string{"/bin/bash"}})
	if err != nil {
		t.Fatal(err)
	}
	term := &Terminal{stream: stream}

	exited := make(chan int, 1)
	term.OnExit(func(c int) { exited <- c })
	term.Run(func([]byte) {})

	stream.(*runtime.FakeStream).Exit(0)

	select {
	case c := <-exited:
		if c != 0 {
			t.Errorf("exit code = %d, want 0", c)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("exit callback never fired after shell exit")
	}
}

func TestResizeApplied(t *testing.T) {
	fake := runtime.NewFake()
	id, _ := fake.Create(context.Background(), runtime.ContainerSpec{Name: "user_t3", Image: "img"})
	fake.Start(context.Background(), id)
	stream, err := fake.ExecInteractive(context.Background(), id, runtime.ExecSpec{Command: []string{"/bin/bash"}})
	if err != nil {
		t.Fatal(err)
	}
	term := &Terminal{stream: stream}

	if err := term.Resize(120, 40); err != nil {
		t.Fatalf("Resize error: %v", err)
	}
	if err := term.Resize(100, 30); err != nil {
		t.Fatalf("Resize error: %v", err)
	}

	cols, rows, count := stream.(*runtime.FakeStream).Size()
	if cols != 100 || rows != 30 {
		t.Errorf("size = %dx%d, want 100x30", cols, rows)
	}
	if count != 2 {
		t.Errorf("resize count = %d, want 2", count)
	}
}
