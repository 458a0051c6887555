// Package protocol defines the wire types for batch envelopes, operations,
// and events, plus the validation applied to every untrusted payload before
// it reaches the executor.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/alcovelabs/alcove/internal/alerrors"
)

// ProtocolVersion is the only accepted envelope version.
const ProtocolVersion = "1.0"

// Limits enforced on untrusted operations.
const (
	MaxPathLength     = 255
	MaxContentBytes   = 10 * 1024 * 1024
	MaxMessageChars   = 100_000
	MaxCommandChars   = 4096
	MinShellTimeoutMs = 1000
	MaxShellTimeoutMs = 3_600_000
)

// Operation type tags.
const (
	TypeMessage    = "message"
	TypeCreateFile = "createFile"
	TypeReadFile   = "readFile"
	TypeEditFile   = "editFile"
	TypeDeleteFile = "deleteFile"
	TypeShell      = "shell"
)

// Encoding selects how file content crosses the wire.
type Encoding string

const (
	EncodingUTF8   Encoding = "utf8"
	EncodingBase64 Encoding = "base64"
)

// Operation is the closed union of the six instruction kinds. Concrete
// variants are matched by type switch; do not add implementations outside
// this package.
type Operation interface {
	OperationType() string
	OperationID() string
}

// MessageOp is non-executing narration.
type MessageOp struct {
	ID      string `json:"id,omitempty"`
	Content string `json:"content"`
}

func (o MessageOp) OperationType() string { return TypeMessage }
func (o MessageOp) OperationID() string   { return o.ID }

// CreateFileOp writes a new file into the workspace.
type CreateFileOp struct {
	ID        string   `json:"id,omitempty"`
	Path      string   `json:"path"`
	Content   string   `json:"content"`
	Encoding  Encoding `json:"encoding,omitempty"`
	Overwrite bool     `json:"overwrite,omitempty"`
}

func (o CreateFileOp) OperationType() string { return TypeCreateFile }
func (o CreateFileOp) OperationID() string   { return o.ID }

// ReadFileOp reads a workspace file.
type ReadFileOp struct {
	ID       string   `json:"id,omitempty"`
	Path     string   `json:"path"`
	Encoding Encoding `json:"encoding,omitempty"`
}

func (o ReadFileOp) OperationType() string { return TypeReadFile }
func (o ReadFileOp) OperationID() string   { return o.ID }

// Edit replaces the first occurrence of OldContent with NewContent.
type Edit struct {
	OldContent string `json:"oldContent"`
	NewContent string `json:"newContent"`
}

// EditFileOp applies ordered in-place edits to a workspace file.
type EditFileOp struct {
	ID    string `json:"id,omitempty"`
	Path  string `json:"path"`
	Edits []Edit `json:"edits"`
}

func (o EditFileOp) OperationType() string { return TypeEditFile }
func (o EditFileOp) OperationID() string   { return o.ID }

// DeleteFileOp removes a workspace file.
type DeleteFileOp struct {
	ID   string `json:"id,omitempty"`
	Path string `json:"path"`
}

func (o DeleteFileOp) OperationType() string { return TypeDeleteFile }
func (o DeleteFileOp) OperationID() string   { return o.ID }

// ShellOp runs a command inside the space's container.
type ShellOp struct {
	ID        string            `json:"id,omitempty"`
	Command   string            `json:"command"`
	Cwd       string            `json:"cwd,omitempty"`
	TimeoutMs int               `json:"timeout_ms,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

func (o ShellOp) OperationType() string { return TypeShell }
func (o ShellOp) OperationID() string   { return o.ID }

// MarshalJSON implementations inject the discriminating type tag.

func (o MessageOp) MarshalJSON() ([]byte, error) {
	type alias MessageOp
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{TypeMessage, alias(o)})
}

func (o CreateFileOp) MarshalJSON() ([]byte, error) {
	type alias CreateFileOp
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{TypeCreateFile, alias(o)})
}

func (o ReadFileOp) MarshalJSON() ([]byte, error) {
	type alias ReadFileOp
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{TypeReadFile, alias(o)})
}

func (o EditFileOp) MarshalJSON() ([]byte, error) {
	type alias EditFileOp
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{TypeEditFile, alias(o)})
}

func (o DeleteFileOp) MarshalJSON() ([]byte, error) {
	type alias DeleteFileOp
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{TypeDeleteFile, alias(o)})
}

func (o ShellOp) MarshalJSON() ([]byte, error) {
	type alias ShellOp
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{TypeShell, alias(o)})
}

// MarshalOperations encodes an operations vector with type tags.
func MarshalOperations(ops []Operation) ([]byte, error) {
	return json.Marshal(ops)
}

// UnmarshalOperations decodes a previously stored operations vector. Unlike
// envelope validation this trusts the input shape; it is used when loading
// persisted runs.
func UnmarshalOperations(data []byte) ([]Operation, error) {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, err
	}
	ops := make([]Operation, 0, len(raws))
	for i, raw := range raws {
		op, issues := DecodeOperation(raw)
		if len(issues) > 0 {
			return nil, alerrors.NewValidation(prefixIssues(fmt.Sprintf("operations.%d", i), issues))
		}
		ops = append(ops, op)
	}
	return ops, nil
}
