// Package workspace provisions and serves per-session directory subtrees
// under a single parent directory. All file access goes through pathguard
// so one session's operations cannot reach another session's files.
package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/covehq/cove/internal/pathguard"
)

// SeedFileName and SeedFileContent are written into a workspace exactly
// once, when its directory is first created.
const (
	SeedFileName    = "README.md"
	SeedFileContent = "# Workspace\n\nYour files live here. Anything you create is private to your session.\n"
)

var (
	// ErrNotFound distinguishes a missing file from other I/O failures.
	ErrNotFound = errors.New("file not found")
	// ErrBadSessionID rejects session ids that are not a single path segment.
	ErrBadSessionID = errors.New("invalid session id")
)

// Provisioner creates and serves workspaces under UsersDir.
type Provisioner struct {
	usersDir string
}

func NewProvisioner(usersDir string) *Provisioner {
	return &Provisioner{usersDir: usersDir}
}

// UsersDir returns the parent directory holding all workspaces.
func (p *Provisioner) UsersDir() string {
	return p.usersDir
}

// Root returns the workspace root for a session without touching disk.
func (p *Provisioner) Root(sessionID string) (string, error) {
	if err := validateSessionID(sessionID); err != nil {
		return "", err
	}
	return filepath.Join(p.usersDir, sessionID), nil
}

// Ensure creates the session's workspace directory if needed and returns
// its root. Idempotent: an existing workspace is returned unchanged, and
// the seed file is only written on first creation.
func (p *Provisioner) Ensure(sessionID string) (string, error) {
	root, err := p.Root(sessionID)
	if err != nil {
		return "", err
	}

	if _, err := os.Stat(root); err == nil {
		return root, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("stat workspace %s: %w", root, err)
	}

	if err := os.MkdirAll(root, 0755); err != nil {
		return "", fmt.Errorf("create workspace %s: %w", root, err)
	}
	seed := filepath.Join(root, SeedFileName)
	if err := os.WriteFile(seed, []byte(SeedFileContent), 0644); err != nil {
		return "", fmt.Errorf("seed workspace %s: %w", root, err)
	}
	return root, nil
}

// ReadFile returns the bytes of a file inside the session's workspace.
func (p *Provisioner) ReadFile(sessionID, rel string) ([]byte, error) {
	root, err := p.Root(sessionID)
	if err != nil {
		return nil, err
	}
	abs, err := pathguard.Resolve(root, rel)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", rel, ErrNotFound)
		}
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", rel, ErrNotFound)
		}
		return nil, fmt.Errorf("read %s: %w", rel, err)
	}
	return data, nil
}

// WriteFile writes content to a path inside the session's workspace,
// creating parent directories as needed.
func (p *Provisioner) WriteFile(sessionID, rel string, content []byte) error {
	root, err := p.Root(sessionID)
	if err != nil {
		return err
	}
	abs, err := pathguard.ResolveForWrite(root, rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return fmt.Errorf("create parent for %s: %w", rel, err)
	}
	if err := os.WriteFile(abs, content, 0644); err != nil {
		return fmt.Errorf("write %s: %w", rel, err)
	}
	return nil
}

// Node is one entry in a workspace tree listing.
type Node struct {
	Name     string  `json:"name"`
	Path     string  `json:"path"` // relative to the workspace root
	IsDir    bool    `json:"is_dir"`
	Children []*Node `json:"children,omitempty"`
}

// Tree returns the workspace's directory tree. Hidden entries are
// excluded. The workspace must already exist.
func (p *Provisioner) Tree(sessionID string) ([]*Node, error) {
	root, err := p.Root(sessionID)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(root); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("workspace %s: %w", sessionID, ErrNotFound)
		}
		return nil, fmt.Errorf("stat workspace %s: %w", root, err)
	}
	return listDir(root, "")
}

func listDir(dir, relBase string) ([]*Node, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read dir %s: %w", dir, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var nodes []*Node
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		rel := e.Name()
		if relBase != "" {
			rel = relBase + "/" + e.Name()
		}
		n := &Node{Name: e.Name(), Path: rel, IsDir: e.IsDir()}
		if e.IsDir() {
			children, err := listDir(filepath.Join(dir, e.Name()), rel)
			if err != nil {
				return nil, err
			}
			n.Children = children
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

func validateSessionID(id string) error {
	if id == "" || id == "." || id == ".." {
		return ErrBadSessionID
	}
	if strings.ContainsAny(id, "/\\") || strings.HasPrefix(id, ".") {
		return fmt.Errorf("%q: %w", id, ErrBadSessionID)
	}
	return nil
}
