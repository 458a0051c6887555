package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event type tags beyond the operation-mirroring ones.
const (
	TypeApprovalRequired = "approvalRequired"
	TypePolicyDenied     = "policyDenied"
	TypeError            = "error"
)

// Event is the closed union of per-operation outcomes. Every event carries
// a timestamp and, when the triggering operation had an id, the correlating
// operationId.
type Event interface {
	EventType() string
}

// EventMeta is embedded in every event variant.
type EventMeta struct {
	Timestamp   time.Time `json:"timestamp"`
	OperationID string    `json:"operationId,omitempty"`
}

// NewEventMeta stamps an event with the current time and the operation's id.
func NewEventMeta(operationID string) EventMeta {
	return EventMeta{Timestamp: time.Now().UTC(), OperationID: operationID}
}

// MessageEvent acknowledges a narration operation.
type MessageEvent struct {
	EventMeta
	Success bool `json:"success"`
}

func (e MessageEvent) EventType() string { return TypeMessage }

// CreateFileEvent records the outcome of a createFile operation.
type CreateFileEvent struct {
	EventMeta
	Path         string `json:"path"`
	Success      bool   `json:"success"`
	BytesWritten int64  `json:"bytesWritten,omitempty"`
	Error        string `json:"error,omitempty"`
}

func (e CreateFileEvent) EventType() string { return TypeCreateFile }

// ReadFileEvent records the outcome of a readFile operation.
type ReadFileEvent struct {
	EventMeta
	Path     string   `json:"path"`
	Success  bool     `json:"success"`
	Content  string   `json:"content,omitempty"`
	Encoding Encoding `json:"encoding,omitempty"`
	Size     int64    `json:"size,omitempty"`
	Error    string   `json:"error,omitempty"`
}

func (e ReadFileEvent) EventType() string { return TypeReadFile }

// EditFileEvent records the outcome of an editFile operation.
type EditFileEvent struct {
	EventMeta
	Path         string `json:"path"`
	Success      bool   `json:"success"`
	EditsApplied int    `json:"editsApplied,omitempty"`
	Error        string `json:"error,omitempty"`
}

func (e EditFileEvent) EventType() string { return TypeEditFile }

// DeleteFileEvent records the outcome of a deleteFile operation.
type DeleteFileEvent struct {
	EventMeta
	Path    string `json:"path"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func (e DeleteFileEvent) EventType() string { return TypeDeleteFile }

// ShellEvent records the outcome of a shell operation.
type ShellEvent struct {
	EventMeta
	Command    string `json:"command"`
	Success    bool   `json:"success"`
	ExitCode   int    `json:"exitCode"`
	Stdout     string `json:"stdout,omitempty"`
	Stderr     string `json:"stderr,omitempty"`
	DurationMs int64  `json:"durationMs,omitempty"`
	TimedOut   bool   `json:"timedOut,omitempty"`
	Error      string `json:"error,omitempty"`
}

func (e ShellEvent) EventType() string { return TypeShell }

// ApprovalDetails carries the operation-specific context shown to the human
// decider.
type ApprovalDetails struct {
	Command string `json:"command,omitempty"`
	Path    string `json:"path,omitempty"`
	Policy  string `json:"policy,omitempty"`
}

// ApprovalRequiredEvent suspends the run until a decision arrives. It is
// always the last event of a suspended run.
type ApprovalRequiredEvent struct {
	EventMeta
	OperationType string          `json:"operationType"`
	Reason        string          `json:"reason"`
	Details       ApprovalDetails `json:"details"`
}

func (e ApprovalRequiredEvent) EventType() string { return TypeApprovalRequired }

// PolicyDeniedEvent records a deny decision; the batch continues.
type PolicyDeniedEvent struct {
	EventMeta
	OperationType string `json:"operationType"`
	Reason        string `json:"reason"`
	Suggestion    string `json:"suggestion,omitempty"`
}

func (e PolicyDeniedEvent) EventType() string { return TypePolicyDenied }

// ErrorEvent reports a categorized failure that could not be expressed as a
// typed operation outcome.
type ErrorEvent struct {
	EventMeta
	Category string            `json:"category"`
	Message  string            `json:"message"`
	Details  map[string]string `json:"details,omitempty"`
}

func (e ErrorEvent) EventType() string { return TypeError }

func (e MessageEvent) MarshalJSON() ([]byte, error) {
	type alias MessageEvent
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{TypeMessage, alias(e)})
}

func (e CreateFileEvent) MarshalJSON() ([]byte, error) {
	type alias CreateFileEvent
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{TypeCreateFile, alias(e)})
}

func (e ReadFileEvent) MarshalJSON() ([]byte, error) {
	type alias ReadFileEvent
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{TypeReadFile, alias(e)})
}

func (e EditFileEvent) MarshalJSON() ([]byte, error) {
	type alias EditFileEvent
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{TypeEditFile, alias(e)})
}

func (e DeleteFileEvent) MarshalJSON() ([]byte, error) {
	type alias DeleteFileEvent
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{TypeDeleteFile, alias(e)})
}

func (e ShellEvent) MarshalJSON() ([]byte, error) {
	type alias ShellEvent
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{TypeShell, alias(e)})
}

func (e ApprovalRequiredEvent) MarshalJSON() ([]byte, error) {
	type alias ApprovalRequiredEvent
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{TypeApprovalRequired, alias(e)})
}

func (e PolicyDeniedEvent) MarshalJSON() ([]byte, error) {
	type alias PolicyDeniedEvent
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{TypePolicyDenied, alias(e)})
}

func (e ErrorEvent) MarshalJSON() ([]byte, error) {
	type alias ErrorEvent
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{TypeError, alias(e)})
}

// MarshalEvents encodes an events vector with type tags.
func MarshalEvents(events []Event) ([]byte, error) {
	if events == nil {
		events = []Event{}
	}
	return json.Marshal(events)
}

// DecodeEvent parses a single stored event by its type tag.
func DecodeEvent(raw json.RawMessage) (Event, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("parse event: %w", err)
	}

	switch probe.Type {
	case TypeMessage:
		var e MessageEvent
		return e, json.Unmarshal(raw, &e)
	case TypeCreateFile:
		var e CreateFileEvent
		return e, json.Unmarshal(raw, &e)
	case TypeReadFile:
		var e ReadFileEvent
		return e, json.Unmarshal(raw, &e)
	case TypeEditFile:
		var e EditFileEvent
		return e, json.Unmarshal(raw, &e)
	case TypeDeleteFile:
		var e DeleteFileEvent
		return e, json.Unmarshal(raw, &e)
	case TypeShell:
		var e ShellEvent
		return e, json.Unmarshal(raw, &e)
	case TypeApprovalRequired:
		var e ApprovalRequiredEvent
		return e, json.Unmarshal(raw, &e)
	case TypePolicyDenied:
		var e PolicyDeniedEvent
		return e, json.Unmarshal(raw, &e)
	case TypeError:
		var e ErrorEvent
		return e, json.Unmarshal(raw, &e)
	default:
		return nil, fmt.Errorf("unknown event type %q", probe.Type)
	}
}

// UnmarshalEvents decodes a previously stored events vector.
func UnmarshalEvents(data []byte) ([]Event, error) {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, err
	}
	events := make([]Event, 0, len(raws))
	for i, raw := range raws {
		event, err := DecodeEvent(raw)
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
		events = append(events, event)
	}
	return events, nil
}
