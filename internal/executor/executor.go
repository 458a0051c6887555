// Package executor walks an operation batch against a policy engine and a
// sandbox, producing one event per processed operation. It holds no state of
// its own: suspension is returned as a value, and resuming is a fresh call
// starting at the suspended index.
package executor

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/alcovelabs/alcove/internal/policy"
	"github.com/alcovelabs/alcove/internal/protocol"
	"github.com/alcovelabs/alcove/internal/sandbox"
)

// NoSkip disables the policy bypass used by approved resumes.
const NoSkip = -1

// Status is the terminal state of one Execute pass.
type Status string

const (
	StatusCompleted        Status = "completed"
	StatusAwaitingApproval Status = "awaiting_approval"
)

// Sandbox is the execution surface the walker drives. *sandbox.Sandbox
// satisfies it; tests substitute a fake.
type Sandbox interface {
	CreateFile(path string, content []byte, overwrite bool) (int64, error)
	ReadFile(path string) ([]byte, error)
	EditFile(path string, edits []protocol.Edit) (int, error)
	DeleteFile(path string) error
	Exec(ctx context.Context, req sandbox.ExecRequest) (*sandbox.ExecResult, error)
}

// PendingApproval identifies the gated operation of a suspended pass.
type PendingApproval struct {
	OperationID    string                   `json:"operationId"`
	OperationIndex int                      `json:"operationIndex"`
	OperationType  string                   `json:"operationType"`
	Reason         string                   `json:"reason"`
	Details        protocol.ApprovalDetails `json:"details"`
}

// Result is the outcome of one Execute pass. Events cover every operation
// processed during the pass, in order; on suspension the approvalRequired
// marker is the last event.
type Result struct {
	Events  []protocol.Event
	Status  Status
	Pending *PendingApproval
}

// Executor binds a policy engine to a sandbox for one run. It never mutates
// the operations vector it is given.
type Executor struct {
	engine *policy.Engine
	sb     Sandbox
}

// New builds an executor.
func New(engine *policy.Engine, sb Sandbox) *Executor {
	return &Executor{engine: engine, sb: sb}
}

// Execute processes ops[startIndex:]. skipPolicyAt names the single index
// whose policy evaluation is bypassed (an operation already approved by a
// human); pass NoSkip otherwise.
//
// Per-operation failures never stop the pass: denials, missing files,
// non-zero exits, timeouts, and sandbox faults all become events and the walk
// continues. Only an approval gate suspends.
func (x *Executor) Execute(ctx context.Context, ops []protocol.Operation, startIndex, skipPolicyAt int) Result {
	events := make([]protocol.Event, 0, len(ops)-startIndex)

	for i := startIndex; i < len(ops); i++ {
		op := ops[i]

		if i != skipPolicyAt {
			decision := x.engine.Evaluate(op)
			switch decision.Verdict {
			case policy.VerdictDeny:
				events = append(events, protocol.PolicyDeniedEvent{
					EventMeta:     protocol.NewEventMeta(op.OperationID()),
					OperationType: op.OperationType(),
					Reason:        decision.Reason,
					Suggestion:    decision.Suggestion,
				})
				continue
			case policy.VerdictRequireApproval:
				details := approvalDetails(op, decision)
				events = append(events, protocol.ApprovalRequiredEvent{
					EventMeta:     protocol.NewEventMeta(op.OperationID()),
					OperationType: op.OperationType(),
					Reason:        decision.Reason,
					Details:       details,
				})
				return Result{
					Events: events,
					Status: StatusAwaitingApproval,
					Pending: &PendingApproval{
						OperationID:    op.OperationID(),
						OperationIndex: i,
						OperationType:  op.OperationType(),
						Reason:         decision.Reason,
						Details:        details,
					},
				}
			}
		}

		events = append(events, x.apply(ctx, op))
	}

	return Result{Events: events, Status: StatusCompleted}
}

// apply executes one allowed operation and folds every failure, expected or
// infrastructural, into the operation's own event type.
func (x *Executor) apply(ctx context.Context, op protocol.Operation) protocol.Event {
	switch v := op.(type) {
	case protocol.MessageOp:
		return protocol.MessageEvent{EventMeta: protocol.NewEventMeta(v.ID), Success: true}

	case protocol.CreateFileOp:
		content, err := decodeContent(v.Content, v.Encoding)
		if err != nil {
			return protocol.CreateFileEvent{
				EventMeta: protocol.NewEventMeta(v.ID),
				Path:      v.Path,
				Error:     err.Error(),
			}
		}
		n, err := x.sb.CreateFile(v.Path, content, v.Overwrite)
		if err != nil {
			return protocol.CreateFileEvent{
				EventMeta: protocol.NewEventMeta(v.ID),
				Path:      v.Path,
				Error:     err.Error(),
			}
		}
		return protocol.CreateFileEvent{
			EventMeta:    protocol.NewEventMeta(v.ID),
			Path:         v.Path,
			Success:      true,
			BytesWritten: n,
		}

	case protocol.ReadFileOp:
		data, err := x.sb.ReadFile(v.Path)
		if err != nil {
			return protocol.ReadFileEvent{
				EventMeta: protocol.NewEventMeta(v.ID),
				Path:      v.Path,
				Error:     err.Error(),
			}
		}
		encoding := v.Encoding
		if encoding == "" {
			encoding = protocol.EncodingUTF8
		}
		content := string(data)
		if encoding == protocol.EncodingBase64 {
			content = base64.StdEncoding.EncodeToString(data)
		}
		return protocol.ReadFileEvent{
			EventMeta: protocol.NewEventMeta(v.ID),
			Path:      v.Path,
			Success:   true,
			Content:   content,
			Encoding:  encoding,
			Size:      int64(len(data)),
		}

	case protocol.EditFileOp:
		applied, err := x.sb.EditFile(v.Path, v.Edits)
		if err != nil {
			return protocol.EditFileEvent{
				EventMeta: protocol.NewEventMeta(v.ID),
				Path:      v.Path,
				Error:     err.Error(),
			}
		}
		return protocol.EditFileEvent{
			EventMeta:    protocol.NewEventMeta(v.ID),
			Path:         v.Path,
			Success:      true,
			EditsApplied: applied,
		}

	case protocol.DeleteFileOp:
		if err := x.sb.DeleteFile(v.Path); err != nil {
			return protocol.DeleteFileEvent{
				EventMeta: protocol.NewEventMeta(v.ID),
				Path:      v.Path,
				Error:     err.Error(),
			}
		}
		return protocol.DeleteFileEvent{
			EventMeta: protocol.NewEventMeta(v.ID),
			Path:      v.Path,
			Success:   true,
		}

	case protocol.ShellOp:
		effectiveTimeout := x.engine.EffectiveTimeout(v.TimeoutMs)
		res, err := x.sb.Exec(ctx, sandbox.ExecRequest{
			Command:   v.Command,
			Cwd:       v.Cwd,
			TimeoutMs: effectiveTimeout,
			Env:       v.Env,
		})
		if err != nil {
			// Failure to start the exec channel is reported on the event,
			// not raised; the batch continues.
			log.Warn().Err(err).Str("command", v.Command).Msg("Shell exec failed to start")
			return protocol.ShellEvent{
				EventMeta: protocol.NewEventMeta(v.ID),
				Command:   v.Command,
				ExitCode:  1,
				Stderr:    err.Error(),
				Error:     err.Error(),
			}
		}
		event := protocol.ShellEvent{
			EventMeta:  protocol.NewEventMeta(v.ID),
			Command:    v.Command,
			Success:    res.ExitCode == 0 && !res.TimedOut,
			ExitCode:   res.ExitCode,
			Stdout:     res.Stdout,
			Stderr:     res.Stderr,
			DurationMs: res.DurationMs,
			TimedOut:   res.TimedOut,
		}
		if res.TimedOut {
			event.Error = fmt.Sprintf("command timed out after %d ms", effectiveTimeout)
		}
		return event

	default:
		// Unreachable for decoded operations; recorded rather than raised to
		// keep the one-event-per-operation guarantee.
		return protocol.ErrorEvent{
			EventMeta: protocol.NewEventMeta(op.OperationID()),
			Category:  "system",
			Message:   fmt.Sprintf("unsupported operation type %q", op.OperationType()),
		}
	}
}

func decodeContent(content string, enc protocol.Encoding) ([]byte, error) {
	if enc == protocol.EncodingBase64 {
		data, err := base64.StdEncoding.DecodeString(content)
		if err != nil {
			return nil, errors.New("content is not valid base64")
		}
		return data, nil
	}
	return []byte(content), nil
}

func approvalDetails(op protocol.Operation, decision policy.Decision) protocol.ApprovalDetails {
	details := protocol.ApprovalDetails{Policy: decision.PolicyTag}
	switch v := op.(type) {
	case protocol.ShellOp:
		details.Command = v.Command
	case protocol.CreateFileOp:
		details.Path = v.Path
	case protocol.ReadFileOp:
		details.Path = v.Path
	case protocol.EditFileOp:
		details.Path = v.Path
	case protocol.DeleteFileOp:
		details.Path = v.Path
	}
	return details
}
