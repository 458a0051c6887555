package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/alcovelabs/alcove/internal/alerrors"
)

// TimeoutExitCode mirrors the conventional exit status of timeout(1).
const TimeoutExitCode = 124

// MaxStreamBytes caps each captured stream; output past the cap is dropped.
const MaxStreamBytes = 1 << 20

// ExecRequest is one shell invocation inside the container.
type ExecRequest struct {
	Command   string
	Cwd       string // relative to /workspace
	TimeoutMs int
	Env       map[string]string
}

// ExecResult is the observed outcome. A non-zero exit code is not an error;
// the error return is reserved for infrastructure failures.
type ExecResult struct {
	ExitCode   int
	Stdout     string
	Stderr     string
	DurationMs int64
	TimedOut   bool
}

// Exec runs one command through the container shell, enforcing the timeout
// with a hard kill. Execs are serialized per sandbox.
func (s *Sandbox) Exec(ctx context.Context, req ExecRequest) (*ExecResult, error) {
	if err := s.checkUsable(); err != nil {
		return nil, err
	}
	if req.TimeoutMs <= 0 {
		return nil, alerrors.New(alerrors.CategoryValidation, "sandbox.exec", s.spaceID,
			fmt.Errorf("timeout is required: %w", alerrors.ErrInvalidInput))
	}

	s.mu.Lock()
	if s.status != StatusReady {
		status := s.status
		s.mu.Unlock()
		return nil, alerrors.System("sandbox.exec", s.spaceID,
			fmt.Errorf("sandbox is %s, not ready", status))
	}
	s.status = StatusRunning
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.status == StatusRunning {
			s.status = StatusReady
		}
		s.mu.Unlock()
	}()

	// The wrapper records the shell's pid then execs into the real command
	// shell under the same pid, so the killer can target it on timeout.
	pidFile := "/tmp/.alcove-exec-" + uuid.NewString() + ".pid"
	wrapped := fmt.Sprintf("echo $$ >%s; exec sh -c %s", pidFile, shellQuote(req.Command))

	workDir := containerWorkDir
	if req.Cwd != "" {
		workDir = path.Join(containerWorkDir, req.Cwd)
	}

	execResp, err := s.cli.ContainerExecCreate(ctx, s.containerID, container.ExecOptions{
		Cmd:          []string{"sh", "-c", wrapped},
		WorkingDir:   workDir,
		Env:          flattenEnv(req.Env),
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		s.setError()
		return nil, alerrors.System("sandbox.exec", s.spaceID, fmt.Errorf("create exec: %w", err))
	}

	attach, err := s.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		s.setError()
		return nil, alerrors.System("sandbox.exec", s.spaceID, fmt.Errorf("attach exec: %w", err))
	}
	defer attach.Close()

	start := time.Now()
	var stdout, stderr bytes.Buffer
	copyDone := make(chan error, 1)
	go func() {
		_, copyErr := stdcopy.StdCopy(
			&limitedWriter{w: &stdout, limit: MaxStreamBytes},
			&limitedWriter{w: &stderr, limit: MaxStreamBytes},
			attach.Reader,
		)
		copyDone <- copyErr
	}()

	timer := time.NewTimer(time.Duration(req.TimeoutMs) * time.Millisecond)
	defer timer.Stop()

	timedOut := false
	select {
	case <-copyDone:
	case <-timer.C:
		timedOut = true
		s.killExec(pidFile)
		attach.Close()
		<-copyDone
	case <-ctx.Done():
		s.killExec(pidFile)
		attach.Close()
		<-copyDone
		return nil, alerrors.System("sandbox.exec", s.spaceID, ctx.Err())
	}

	result := &ExecResult{
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		DurationMs: time.Since(start).Milliseconds(),
		TimedOut:   timedOut,
	}

	if timedOut {
		result.ExitCode = TimeoutExitCode
		return result, nil
	}

	exitCode, err := s.waitExit(ctx, execResp.ID)
	if err != nil {
		return nil, err
	}
	result.ExitCode = exitCode
	return result, nil
}

// setError marks a broken exec channel. The sandbox stays addressable so
// later operations can report failure, but only destroy clears the state.
func (s *Sandbox) setError() {
	s.mu.Lock()
	s.status = StatusError
	s.mu.Unlock()
}

// killExec fires a best-effort SIGKILL at the recorded pid via a second exec.
// A background context keeps the kill alive even when the caller's context is
// already done.
func (s *Sandbox) killExec(pidFile string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	killCmd := fmt.Sprintf("kill -9 $(cat %s) 2>/dev/null; rm -f %s", pidFile, pidFile)
	resp, err := s.cli.ContainerExecCreate(ctx, s.containerID, container.ExecOptions{
		Cmd: []string{"sh", "-c", killCmd},
	})
	if err != nil {
		log.Warn().Err(err).Str("space_id", s.spaceID).Msg("Failed to create kill exec")
		return
	}
	attach, err := s.cli.ContainerExecAttach(ctx, resp.ID, container.ExecAttachOptions{})
	if err != nil {
		log.Warn().Err(err).Str("space_id", s.spaceID).Msg("Failed to run kill exec")
		return
	}
	defer attach.Close()
	_, _ = io.Copy(io.Discard, attach.Reader)
}

// waitExit polls the exec until the process is reaped and its exit code is
// recorded.
func (s *Sandbox) waitExit(ctx context.Context, execID string) (int, error) {
	for {
		inspect, err := s.cli.ContainerExecInspect(ctx, execID)
		if err != nil {
			return 0, alerrors.System("sandbox.exec", s.spaceID, fmt.Errorf("inspect exec: %w", err))
		}
		if !inspect.Running {
			return inspect.ExitCode, nil
		}
		select {
		case <-ctx.Done():
			return 0, alerrors.System("sandbox.exec", s.spaceID, ctx.Err())
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// shellQuote single-quotes a string for embedding in an sh command line.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func flattenEnv(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

// limitedWriter drops bytes past its cap while reporting full writes so the
// demuxer keeps draining the stream.
type limitedWriter struct {
	w       io.Writer
	limit   int64
	written int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.written >= lw.limit {
		return len(p), nil
	}
	remaining := lw.limit - lw.written
	chunk := p
	if int64(len(chunk)) > remaining {
		chunk = chunk[:remaining]
	}
	n, err := lw.w.Write(chunk)
	lw.written += int64(n)
	if err != nil {
		return n, err
	}
	return len(p), nil
}
