package runtime

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// DockerCLI implements Client by shelling out to the docker binary.
type DockerCLI struct {
	bin string
}

// NewDockerCLI returns a docker-CLI-backed client. bin defaults to
// "docker" and may name any CLI-compatible runtime (e.g. podman).
func NewDockerCLI(bin string) *DockerCLI {
	if bin == "" {
		bin = "docker"
	}
	return &DockerCLI{bin: bin}
}

func (d *DockerCLI) Create(ctx context.Context, spec ContainerSpec) (string, error) {
	args := []string{"create", "--name", spec.Name}
	if spec.AutoRemove {
		args = append(args, "--rm")
	}
	if spec.Memory != "" {
		args = append(args, "--memory", spec.Memory)
	}
	if spec.CPUShares > 0 {
		args = append(args, "--cpu-shares", strconv.Itoa(spec.CPUShares))
	}
	args = append(args, "--security-opt", "no-new-privileges")
	for _, b := range spec.Binds {
		mode := "rw"
		if b.ReadOnly {
			mode = "ro"
		}
		args = append(args, "-v", fmt.Sprintf("%s:%s:%s", b.HostPath, b.ContainerPath, mode))
	}
	args = append(args, spec.Image)
	args = append(args, spec.Command...)

	out, err := d.run(ctx, args...)
	if err != nil {
		return "", fmt.Errorf("docker create %s: %w", spec.Name, err)
	}
	// docker create prints the full container id on the last line.
	lines := strings.Fields(strings.TrimSpace(out))
	if len(lines) == 0 {
		return "", fmt.Errorf("docker create %s: empty output", spec.Name)
	}
	return lines[len(lines)-1], nil
}

func (d *DockerCLI) Start(ctx context.Context, id string) error {
	if _, err := d.run(ctx, "start", id); err != nil {
		return fmt.Errorf("docker start: %w", err)
	}
	return nil
}

func (d *DockerCLI) Stop(ctx context.Context, id string) error {
	out, err := d.run(ctx, "stop", "-t", "5", id)
	if err != nil {
		if isNotFound(out) {
			return ErrNotFound
		}
		if strings.Contains(out, "is not running") {
			return nil
		}
		return fmt.Errorf("docker stop: %w", err)
	}
	return nil
}

func (d *DockerCLI) Remove(ctx context.Context, id string) error {
	out, err := d.run(ctx, "rm", "-f", id)
	if err != nil {
		if isNotFound(out) {
			return ErrNotFound
		}
		return fmt.Errorf("docker rm: %w", err)
	}
	return nil
}

func (d *DockerCLI) Running(ctx context.Context, id string) (bool, error) {
	out, err := d.run(ctx, "inspect", "-f", "{{.State.Running}}", id)
	if err != nil {
		if isNotFound(out) {
			return false, nil
		}
		return false, fmt.Errorf("docker inspect: %w", err)
	}
	return strings.TrimSpace(out) == "true", nil
}

// ExecInteractive runs an interactive command inside the container under a
// PTY. The exec stream is independent of the container's main process:
// killing one never kills the other.
func (d *DockerCLI) ExecInteractive(ctx context.Context, id string, spec ExecSpec) (TerminalStream, error) {
	args := []string{"exec", "-it"}
	if spec.Workdir != "" {
		args = append(args, "-w", spec.Workdir)
	}
	for _, e := range spec.Env {
		args = append(args, "-e", e)
	}
	args = append(args, id)
	args = append(args, spec.Command...)

	// Plain exec.Command: the stream outlives the attach call's context.
	cmd := exec.Command(d.bin, args...)
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = 5 * time.Second

	cols, rows := spec.Cols, spec.Rows
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return nil, fmt.Errorf("start exec pty: %w", err)
	}
	return &dockerStream{ptmx: ptmx, cmd: cmd}, nil
}

func (d *DockerCLI) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, d.bin, args...)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	if err := cmd.Run(); err != nil {
		return buf.String(), fmt.Errorf("%s %s: %v: %s", d.bin, args[0], err, strings.TrimSpace(buf.String()))
	}
	return buf.String(), nil
}

func isNotFound(out string) bool {
	return strings.Contains(out, "No such container") ||
		strings.Contains(out, "no such container")
}

// dockerStream wraps the PTY attached to a docker exec process.
type dockerStream struct {
	ptmx *os.File
	cmd  *exec.Cmd
}

func (s *dockerStream) Read(p []byte) (int, error)  { return s.ptmx.Read(p) }
func (s *dockerStream) Write(p []byte) (int, error) { return s.ptmx.Write(p) }

func (s *dockerStream) Resize(cols, rows uint16) error {
	return pty.Setsize(s.ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

func (s *dockerStream) Close() error {
	s.ptmx.Close()
	if s.cmd.Process != nil {
		s.cmd.Process.Signal(syscall.SIGTERM)
	}
	return nil
}

func (s *dockerStream) Wait() (int, error) {
	err := s.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode(), nil
	}
	return 1, err
}
