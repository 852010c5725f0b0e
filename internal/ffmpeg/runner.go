// Package ffmpeg drives the ffmpeg and ffprobe binaries as file-in/file-out
// subprocesses: cutting segments, concatenating them, rendering overlays and
// decoding frames to raw RGB over a pipe.
//
// All process execution goes through Runner so argument construction can be
// tested without the binaries installed.
package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
)

// Runner executes external commands.
type Runner interface {
	// Run executes name with args and returns its stdout once it exits.
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
	// Stream starts name and returns its stdout. Close waits for the process
	// and reports a non-zero exit, killing it first if stdout was not drained.
	Stream(ctx context.Context, name string, args ...string) (io.ReadCloser, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

const stderrTailBytes = 4096

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout bytes.Buffer
	stderr := &tailBuffer{max: stderrTailBytes}
	cmd.Stdout = &stdout
	cmd.Stderr = stderr
	if err := cmd.Run(); err != nil {
		return nil, commandError(name, err, stderr)
	}
	return stdout.Bytes(), nil
}

func (ExecRunner) Stream(ctx context.Context, name string, args ...string) (io.ReadCloser, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	stderr := &tailBuffer{max: stderrTailBytes}
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", name, err)
	}
	return &cmdStream{name: name, stdout: stdout, cmd: cmd, stderr: stderr}, nil
}

type cmdStream struct {
	name   string
	stdout io.ReadCloser
	cmd    *exec.Cmd
	stderr *tailBuffer
	eof    bool
}

func (s *cmdStream) Read(p []byte) (int, error) {
	n, err := s.stdout.Read(p)
	if errors.Is(err, io.EOF) {
		s.eof = true
	}
	return n, err
}

func (s *cmdStream) Close() error {
	if !s.eof {
		s.cmd.Process.Kill()
		s.cmd.Wait()
		return nil
	}
	if err := s.cmd.Wait(); err != nil {
		return commandError(s.name, err, s.stderr)
	}
	return nil
}

func commandError(name string, err error, stderr *tailBuffer) error {
	if tail := strings.TrimSpace(stderr.String()); tail != "" {
		return fmt.Errorf("%s: %w: %s", name, err, tail)
	}
	return fmt.Errorf("%s: %w", name, err)
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
