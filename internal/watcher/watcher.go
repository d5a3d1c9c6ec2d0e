// Package watcher runs one long-lived fsnotify watch over the aggregate
// users directory and routes change events to the owning session only.
// Watching is shared for efficiency; delivery is isolated: a session
// never observes another session's events.
package watcher

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/covehq/cove/internal/logger"
)

// Event is a filesystem change attributed to one session.
type Event struct {
	Op  string // "create", "write", "remove", "rename", "chmod"
	Rel string // path relative to the session's workspace root
}

// subscriberBuffer bounds per-session delivery; a slow consumer loses
// events rather than stalling the shared watch loop.
const subscriberBuffer = 256

// Notifier watches usersDir and fans events out per session.
type Notifier struct {
	usersDir string
	watcher  *fsnotify.Watcher

	mu   sync.RWMutex
	subs map[string]chan Event // session id -> delivery channel

	done chan struct{}
}

// New creates the notifier and starts the watch loop. usersDir must
// exist. Workspace subtrees are added to the watch as they appear;
// inotify is not recursive on its own.
func New(usersDir string) (*Notifier, error) {
	abs, err := filepath.Abs(usersDir)
	if err != nil {
		return nil, fmt.Errorf("resolve users dir: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(abs); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch %s: %w", abs, err)
	}

	n := &Notifier{
		usersDir: abs,
		watcher:  w,
		subs:     make(map[string]chan Event),
		done:     make(chan struct{}),
	}

	// Pick up directories that already exist (daemon restart).
	if err := n.addTree(abs); err != nil {
		w.Close()
		return nil, err
	}

	go n.loop()
	return n, nil
}

// Close stops the watch loop and closes all subscriber channels.
func (n *Notifier) Close() error {
	close(n.done)
	err := n.watcher.Close()

	n.mu.Lock()
	for id, ch := range n.subs {
		close(ch)
		delete(n.subs, id)
	}
	n.mu.Unlock()
	return err
}

// Subscribe returns the delivery channel for a session's events. The
// channel is closed on Unsubscribe or Close.
func (n *Notifier) Subscribe(sessionID string) <-chan Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	if ch, ok := n.subs[sessionID]; ok {
		return ch
	}
	ch := make(chan Event, subscriberBuffer)
	n.subs[sessionID] = ch
	return ch
}

// Unsubscribe drops the session's subscription. Events for unsubscribed
// sessions are discarded silently.
func (n *Notifier) Unsubscribe(sessionID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if ch, ok := n.subs[sessionID]; ok {
		close(ch)
		delete(n.subs, sessionID)
	}
}

func (n *Notifier) loop() {
	for {
		select {
		case ev, ok := <-n.watcher.Events:
			if !ok {
				return
			}
			n.handle(ev)
		case err, ok := <-n.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("watcher error", "error", err)
		case <-n.done:
			return
		}
	}
}

func (n *Notifier) handle(ev fsnotify.Event) {
	// New directories need their own watch before their contents change.
	if ev.Op.Has(fsnotify.Create) {
		if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
			if err := n.addTree(ev.Name); err != nil {
				logger.Warn("watch new directory", "path", ev.Name, "error", err)
			}
		}
	}

	rel, err := filepath.Rel(n.usersDir, ev.Name)
	if err != nil || rel == "." {
		return
	}
	segments := strings.Split(filepath.ToSlash(rel), "/")

	// Hidden entries are filtered before delivery.
	for _, seg := range segments {
		if strings.HasPrefix(seg, ".") {
			return
		}
	}

	// The first segment under the users dir is the owning session.
	sessionID := segments[0]
	if len(segments) == 1 {
		// The workspace root itself appearing/disappearing is not a
		// change inside anyone's workspace.
		return
	}
	inWorkspace := strings.Join(segments[1:], "/")

	n.mu.RLock()
	ch, ok := n.subs[sessionID]
	n.mu.RUnlock()
	if !ok {
		return // no live session for this subtree: drop silently
	}

	select {
	case ch <- Event{Op: opString(ev.Op), Rel: inWorkspace}:
	default:
		// Subscriber is not keeping up; dropping is acceptable.
	}
}

// addTree watches dir and every non-hidden subdirectory below it.
func (n *Notifier) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// The entry may already be gone; keep walking.
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if name := d.Name(); strings.HasPrefix(name, ".") && path != dir {
			return filepath.SkipDir
		}
		if err := n.watcher.Add(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		return nil
	})
}

func opString(op fsnotify.Op) string {
	switch {
	case op.Has(fsnotify.Create):
		return "create"
	case op.Has(fsnotify.Write):
		return "write"
	case op.Has(fsnotify.Remove):
		return "remove"
	case op.Has(fsnotify.Rename):
		return "rename"
	case op.Has(fsnotify.Chmod):
		return "chmod"
	default:
		return "write"
	}
}
