package executor

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alcovelabs/alcove/internal/alerrors"
	"github.com/alcovelabs/alcove/internal/policy"
	"github.com/alcovelabs/alcove/internal/protocol"
	"github.com/alcovelabs/alcove/internal/sandbox"
)

// fakeSandbox is an in-memory execution surface. Shell commands are scripted
// through execFn.
type fakeSandbox struct {
	files    map[string][]byte
	execs    []string
	execFn   func(req sandbox.ExecRequest) (*sandbox.ExecResult, error)
	systemic bool // when set, every call fails as if the daemon were gone
}

func newFakeSandbox() *fakeSandbox {
	return &fakeSandbox{files: map[string][]byte{}}
}

func (f *fakeSandbox) sysErr(op string) error {
	return alerrors.System(op, "spc_test", fmt.Errorf("daemon unavailable"))
}

func (f *fakeSandbox) CreateFile(path string, content []byte, overwrite bool) (int64, error) {
	if f.systemic {
		return 0, f.sysErr("sandbox.createFile")
	}
	if _, ok := f.files[path]; ok && !overwrite {
		return 0, alerrors.New(alerrors.CategoryExecution, "sandbox.createFile", "spc_test",
			fmt.Errorf("file %q already exists: %w", path, alerrors.ErrConflict))
	}
	f.files[path] = content
	return int64(len(content)), nil
}

func (f *fakeSandbox) ReadFile(path string) ([]byte, error) {
	if f.systemic {
		return nil, f.sysErr("sandbox.readFile")
	}
	data, ok := f.files[path]
	if !ok {
		return nil, alerrors.New(alerrors.CategoryExecution, "sandbox.readFile", "spc_test",
			fmt.Errorf("file %q: %w", path, alerrors.ErrNotFound))
	}
	return data, nil
}

func (f *fakeSandbox) EditFile(path string, edits []protocol.Edit) (int, error) {
	data, err := f.ReadFile(path)
	if err != nil {
		return 0, err
	}
	text := string(data)
	for i, edit := range edits {
		if !strings.Contains(text, edit.OldContent) {
			return 0, alerrors.New(alerrors.CategoryExecution, "sandbox.editFile", "spc_test",
				fmt.Errorf("edit %d: oldContent not found", i))
		}
		text = strings.Replace(text, edit.OldContent, edit.NewContent, 1)
	}
	f.files[path] = []byte(text)
	return len(edits), nil
}

func (f *fakeSandbox) DeleteFile(path string) error {
	if _, err := f.ReadFile(path); err != nil {
		return err
	}
	delete(f.files, path)
	return nil
}

func (f *fakeSandbox) Exec(_ context.Context, req sandbox.ExecRequest) (*sandbox.ExecResult, error) {
	if f.systemic {
		return nil, f.sysErr("sandbox.exec")
	}
	f.execs = append(f.execs, req.Command)
	if f.execFn != nil {
		return f.execFn(req)
	}
	return &sandbox.ExecResult{ExitCode: 0, Stdout: "ok\n", DurationMs: 5}, nil
}

func permissiveExecutor(t *testing.T, sb Sandbox) *Executor {
	t.Helper()
	eng, err := policy.FromPreset(policy.PresetPermissive)
	require.NoError(t, err)
	return New(eng, sb)
}

func TestHappyBatchProducesParallelEvents(t *testing.T) {
	sb := newFakeSandbox()
	x := permissiveExecutor(t, sb)

	ops := []protocol.Operation{
		protocol.MessageOp{ID: "op0", Content: "setting up"},
		protocol.CreateFileOp{ID: "op1", Path: "a.txt", Content: "hello"},
		protocol.ReadFileOp{ID: "op2", Path: "a.txt"},
		protocol.EditFileOp{ID: "op3", Path: "a.txt", Edits: []protocol.Edit{{OldContent: "hello", NewContent: "bye"}}},
		protocol.ShellOp{ID: "op4", Command: "echo done"},
		protocol.DeleteFileOp{ID: "op5", Path: "a.txt"},
	}

	res := x.Execute(context.Background(), ops, 0, NoSkip)
	require.Equal(t, StatusCompleted, res.Status)
	require.Len(t, res.Events, len(ops))
	require.Nil(t, res.Pending)

	for i, op := range ops {
		assert.Equal(t, op.OperationType(), res.Events[i].EventType(), "event %d mirrors its operation", i)
	}

	read := res.Events[2].(protocol.ReadFileEvent)
	assert.True(t, read.Success)
	assert.Equal(t, "hello", read.Content)
	assert.Equal(t, int64(5), read.Size)
	assert.Equal(t, "op2", read.OperationID)

	edit := res.Events[3].(protocol.EditFileEvent)
	assert.True(t, edit.Success)
	assert.Equal(t, 1, edit.EditsApplied)

	shell := res.Events[4].(protocol.ShellEvent)
	assert.True(t, shell.Success)
	assert.Equal(t, "ok\n", shell.Stdout)
}

func TestDeniedOperationDoesNotStopTheBatch(t *testing.T) {
	sb := newFakeSandbox()
	eng, err := policy.FromPreset(policy.PresetStandard)
	require.NoError(t, err)
	x := New(eng, sb)

	ops := []protocol.Operation{
		protocol.CreateFileOp{ID: "op0", Path: "ok.txt", Content: "ok"},
		protocol.ShellOp{ID: "op1", Command: "sudo rm -rf /"},
		protocol.CreateFileOp{ID: "op2", Path: "tail.txt", Content: "t"},
	}

	res := x.Execute(context.Background(), ops, 0, NoSkip)
	require.Equal(t, StatusCompleted, res.Status)
	require.Len(t, res.Events, 3)

	assert.True(t, res.Events[0].(protocol.CreateFileEvent).Success)

	denied := res.Events[1].(protocol.PolicyDeniedEvent)
	assert.Equal(t, protocol.TypeShell, denied.OperationType)
	assert.Contains(t, denied.Reason, "blocked")

	assert.True(t, res.Events[2].(protocol.CreateFileEvent).Success)
	assert.Empty(t, sb.execs, "denied command must never reach the sandbox")
}

func TestApprovalGateSuspendsMidBatch(t *testing.T) {
	sb := newFakeSandbox()
	x := permissiveExecutor(t, sb)

	ops := []protocol.Operation{
		protocol.CreateFileOp{ID: "op0", Path: "keep.txt", Content: "x"},
		protocol.ShellOp{ID: "op1", Command: "rm -rf build"},
		protocol.ShellOp{ID: "op2", Command: "echo after"},
	}

	res := x.Execute(context.Background(), ops, 0, NoSkip)
	require.Equal(t, StatusAwaitingApproval, res.Status)
	require.NotNil(t, res.Pending)
	assert.Equal(t, "op1", res.Pending.OperationID)
	assert.Equal(t, 1, res.Pending.OperationIndex)
	assert.Equal(t, "rm -rf build", res.Pending.Details.Command)

	require.Len(t, res.Events, 2)
	gate, ok := res.Events[len(res.Events)-1].(protocol.ApprovalRequiredEvent)
	require.True(t, ok, "the suspending event is the last event")
	assert.Equal(t, protocol.TypeShell, gate.OperationType)
	assert.Equal(t, "shell.approvalRequired", gate.Details.Policy)

	assert.Empty(t, sb.execs, "gated command must not run before the decision")
}

func TestApprovedResumeSkipsPolicyOnceOnly(t *testing.T) {
	sb := newFakeSandbox()
	x := permissiveExecutor(t, sb)

	ops := []protocol.Operation{
		protocol.CreateFileOp{ID: "op0", Path: "keep.txt", Content: "x"},
		protocol.ShellOp{ID: "op1", Command: "rm -rf build"},
		protocol.ShellOp{ID: "op2", Command: "rm -rf dist"},
	}

	first := x.Execute(context.Background(), ops, 0, NoSkip)
	require.Equal(t, StatusAwaitingApproval, first.Status)
	require.Equal(t, 1, first.Pending.OperationIndex)

	// Approval bypasses policy for index 1 only; index 2 gates again.
	second := x.Execute(context.Background(), ops, 1, 1)
	require.Equal(t, StatusAwaitingApproval, second.Status)
	require.Equal(t, "op2", second.Pending.OperationID)

	require.Len(t, second.Events, 2)
	shell := second.Events[0].(protocol.ShellEvent)
	assert.True(t, shell.Success)
	assert.Equal(t, []string{"rm -rf build"}, sb.execs)
}

func TestDeniedResumeContinuesAfterGate(t *testing.T) {
	sb := newFakeSandbox()
	x := permissiveExecutor(t, sb)

	ops := []protocol.Operation{
		protocol.ShellOp{ID: "op0", Command: "rm -rf build"},
		protocol.ShellOp{ID: "op1", Command: "echo after"},
	}

	first := x.Execute(context.Background(), ops, 0, NoSkip)
	require.Equal(t, StatusAwaitingApproval, first.Status)

	// The caller records the human denial as a policyDenied event and
	// re-enters after the gated index.
	rest := x.Execute(context.Background(), ops, first.Pending.OperationIndex+1, NoSkip)
	require.Equal(t, StatusCompleted, rest.Status)
	require.Len(t, rest.Events, 1)
	assert.Equal(t, []string{"echo after"}, sb.execs, "denied command never ran")
}

func TestExpectedFailuresDoNotAbort(t *testing.T) {
	sb := newFakeSandbox()
	x := permissiveExecutor(t, sb)

	ops := []protocol.Operation{
		protocol.ReadFileOp{ID: "op0", Path: "missing.txt"},
		protocol.CreateFileOp{ID: "op1", Path: "a.txt", Content: "x"},
		protocol.CreateFileOp{ID: "op2", Path: "a.txt", Content: "y"},
		protocol.MessageOp{ID: "op3", Content: "still here"},
	}

	res := x.Execute(context.Background(), ops, 0, NoSkip)
	require.Equal(t, StatusCompleted, res.Status)
	require.Len(t, res.Events, 4)

	read := res.Events[0].(protocol.ReadFileEvent)
	assert.False(t, read.Success)
	assert.Contains(t, read.Error, "not found")

	conflict := res.Events[2].(protocol.CreateFileEvent)
	assert.False(t, conflict.Success)
	assert.Contains(t, conflict.Error, "already exists")
	assert.Equal(t, "x", string(sb.files["a.txt"]), "prior bytes untouched")

	assert.True(t, res.Events[3].(protocol.MessageEvent).Success)
}

func TestSandboxFaultsBecomeFailedEvents(t *testing.T) {
	sb := newFakeSandbox()
	sb.systemic = true
	x := permissiveExecutor(t, sb)

	ops := []protocol.Operation{
		protocol.CreateFileOp{ID: "op0", Path: "a.txt", Content: "x"},
		protocol.ShellOp{ID: "op1", Command: "echo hi"},
		protocol.MessageOp{ID: "op2", Content: "still recorded"},
	}

	res := x.Execute(context.Background(), ops, 0, NoSkip)
	require.Equal(t, StatusCompleted, res.Status, "faults are event payloads, not run failures")
	require.Len(t, res.Events, 3)

	created := res.Events[0].(protocol.CreateFileEvent)
	assert.False(t, created.Success)
	assert.Contains(t, created.Error, "daemon unavailable")

	shell := res.Events[1].(protocol.ShellEvent)
	assert.False(t, shell.Success)
	assert.Equal(t, 1, shell.ExitCode)
	assert.Contains(t, shell.Stderr, "daemon unavailable")

	assert.True(t, res.Events[2].(protocol.MessageEvent).Success)
}

func TestShellTimeoutEvent(t *testing.T) {
	sb := newFakeSandbox()
	sb.execFn = func(req sandbox.ExecRequest) (*sandbox.ExecResult, error) {
		return &sandbox.ExecResult{
			ExitCode:   sandbox.TimeoutExitCode,
			TimedOut:   true,
			DurationMs: int64(req.TimeoutMs),
		}, nil
	}
	x := permissiveExecutor(t, sb)

	ops := []protocol.Operation{
		protocol.ShellOp{ID: "op0", Command: "sleep 600", TimeoutMs: 2000},
		protocol.MessageOp{ID: "op1", Content: "after"},
	}

	res := x.Execute(context.Background(), ops, 0, NoSkip)
	require.Equal(t, StatusCompleted, res.Status, "a timeout is an operation outcome, not a run failure")

	shell := res.Events[0].(protocol.ShellEvent)
	assert.True(t, shell.TimedOut)
	assert.Equal(t, sandbox.TimeoutExitCode, shell.ExitCode)
	assert.False(t, shell.Success)
	assert.Contains(t, shell.Error, "timed out")
	assert.Equal(t, int64(2000), shell.DurationMs)
}

func TestShellTimeoutClampedByPolicy(t *testing.T) {
	sb := newFakeSandbox()
	var gotTimeout int
	sb.execFn = func(req sandbox.ExecRequest) (*sandbox.ExecResult, error) {
		gotTimeout = req.TimeoutMs
		return &sandbox.ExecResult{ExitCode: 0}, nil
	}
	eng, err := policy.FromPreset(policy.PresetStandard)
	require.NoError(t, err)
	x := New(eng, sb)

	res := x.Execute(context.Background(), []protocol.Operation{
		protocol.ShellOp{ID: "op0", Command: "ls", TimeoutMs: 3_600_000},
	}, 0, NoSkip)
	require.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, 30_000, gotTimeout)
}

func TestBase64RoundTripThroughSandbox(t *testing.T) {
	sb := newFakeSandbox()
	x := permissiveExecutor(t, sb)

	ops := []protocol.Operation{
		protocol.CreateFileOp{ID: "op0", Path: "bin.dat", Content: "aGVsbG8=", Encoding: protocol.EncodingBase64},
		protocol.ReadFileOp{ID: "op1", Path: "bin.dat"},
		protocol.ReadFileOp{ID: "op2", Path: "bin.dat", Encoding: protocol.EncodingBase64},
	}

	res := x.Execute(context.Background(), ops, 0, NoSkip)
	require.Equal(t, StatusCompleted, res.Status)

	created := res.Events[0].(protocol.CreateFileEvent)
	assert.True(t, created.Success)
	assert.Equal(t, int64(5), created.BytesWritten, "stored decoded, not encoded")

	plain := res.Events[1].(protocol.ReadFileEvent)
	assert.Equal(t, "hello", plain.Content)

	b64 := res.Events[2].(protocol.ReadFileEvent)
	assert.Equal(t, "aGVsbG8=", b64.Content)
	assert.Equal(t, protocol.EncodingBase64, b64.Encoding)
}

func TestInvalidBase64IsAnOperationFailure(t *testing.T) {
	sb := newFakeSandbox()
	x := permissiveExecutor(t, sb)

	res := x.Execute(context.Background(), []protocol.Operation{
		protocol.CreateFileOp{ID: "op0", Path: "bin.dat", Content: "!!!", Encoding: protocol.EncodingBase64},
		protocol.MessageOp{ID: "op1", Content: "after"},
	}, 0, NoSkip)

	require.Equal(t, StatusCompleted, res.Status)
	created := res.Events[0].(protocol.CreateFileEvent)
	assert.False(t, created.Success)
	assert.Contains(t, created.Error, "base64")
	assert.NotContains(t, sb.files, "bin.dat")
}

func TestRestrictiveReadOnlySpace(t *testing.T) {
	sb := newFakeSandbox()
	sb.files["seed.txt"] = []byte("data")
	eng, err := policy.FromPreset(policy.PresetRestrictive)
	require.NoError(t, err)
	x := New(eng, sb)

	ops := []protocol.Operation{
		protocol.ReadFileOp{ID: "op0", Path: "seed.txt"},
		protocol.CreateFileOp{ID: "op1", Path: "new.txt", Content: "x"},
		protocol.ShellOp{ID: "op2", Command: "ls"},
	}

	res := x.Execute(context.Background(), ops, 0, NoSkip)
	require.Equal(t, StatusCompleted, res.Status)

	assert.True(t, res.Events[0].(protocol.ReadFileEvent).Success)
	assert.IsType(t, protocol.PolicyDeniedEvent{}, res.Events[1])
	assert.IsType(t, protocol.PolicyDeniedEvent{}, res.Events[2])
	assert.NotContains(t, sb.files, "new.txt")
}
