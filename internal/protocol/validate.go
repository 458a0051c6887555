package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/alcovelabs/alcove/internal/alerrors"
)

// OperationsEnvelope is the batch submission shape.
type OperationsEnvelope struct {
	ProtocolVersion string            `json:"protocolVersion"`
	Operations      []json.RawMessage `json:"operations"`
}

// ValidatePath enforces the four path invariants applied anywhere a path
// crosses a trust boundary: relative, no parent traversal, no NUL, bounded
// length.
func ValidatePath(path string) error {
	if issues := pathIssues("path", path); len(issues) > 0 {
		return alerrors.NewValidation(issues)
	}
	return nil
}

func pathIssues(field, path string) []alerrors.Issue {
	var issues []alerrors.Issue
	if path == "" {
		return append(issues, alerrors.Issue{Path: field, Message: "path is required"})
	}
	if len(path) > MaxPathLength {
		issues = append(issues, alerrors.Issue{Path: field, Message: fmt.Sprintf("path exceeds %d characters", MaxPathLength)})
	}
	if strings.HasPrefix(path, "/") || strings.HasPrefix(path, "\\") {
		issues = append(issues, alerrors.Issue{Path: field, Message: "path must be relative"})
	}
	if strings.ContainsRune(path, 0) {
		issues = append(issues, alerrors.Issue{Path: field, Message: "path must not contain NUL"})
	}
	for _, segment := range strings.FieldsFunc(path, func(r rune) bool { return r == '/' || r == '\\' }) {
		if segment == ".." {
			issues = append(issues, alerrors.Issue{Path: field, Message: "path must not contain '..'"})
			break
		}
	}
	return issues
}

func encodingIssues(field string, enc Encoding) []alerrors.Issue {
	switch enc {
	case "", EncodingUTF8, EncodingBase64:
		return nil
	}
	return []alerrors.Issue{{Path: field, Message: `encoding must be "utf8" or "base64"`}}
}

// DecodeOperation parses and validates a single untrusted operation. Issue
// paths are relative to the operation; callers prepend their envelope index.
func DecodeOperation(raw json.RawMessage) (Operation, []alerrors.Issue) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, []alerrors.Issue{{Path: "", Message: "operation must be a JSON object"}}
	}

	switch probe.Type {
	case TypeMessage:
		var op MessageOp
		if err := json.Unmarshal(raw, &op); err != nil {
			return nil, []alerrors.Issue{{Path: "", Message: malformed(TypeMessage, err)}}
		}
		if op.Content == "" {
			return nil, []alerrors.Issue{{Path: "content", Message: "content is required"}}
		}
		if len(op.Content) > MaxMessageChars {
			return nil, []alerrors.Issue{{Path: "content", Message: fmt.Sprintf("content exceeds %d characters", MaxMessageChars)}}
		}
		return op, nil

	case TypeCreateFile:
		var op CreateFileOp
		if err := json.Unmarshal(raw, &op); err != nil {
			return nil, []alerrors.Issue{{Path: "", Message: malformed(TypeCreateFile, err)}}
		}
		issues := pathIssues("path", op.Path)
		issues = append(issues, encodingIssues("encoding", op.Encoding)...)
		if len(op.Content) > MaxContentBytes {
			issues = append(issues, alerrors.Issue{Path: "content", Message: fmt.Sprintf("content exceeds %d bytes", MaxContentBytes)})
		}
		if len(issues) > 0 {
			return nil, issues
		}
		if op.Encoding == "" {
			op.Encoding = EncodingUTF8
		}
		return op, nil

	case TypeReadFile:
		var op ReadFileOp
		if err := json.Unmarshal(raw, &op); err != nil {
			return nil, []alerrors.Issue{{Path: "", Message: malformed(TypeReadFile, err)}}
		}
		issues := pathIssues("path", op.Path)
		issues = append(issues, encodingIssues("encoding", op.Encoding)...)
		if len(issues) > 0 {
			return nil, issues
		}
		if op.Encoding == "" {
			op.Encoding = EncodingUTF8
		}
		return op, nil

	case TypeEditFile:
		var op EditFileOp
		if err := json.Unmarshal(raw, &op); err != nil {
			return nil, []alerrors.Issue{{Path: "", Message: malformed(TypeEditFile, err)}}
		}
		issues := pathIssues("path", op.Path)
		if len(op.Edits) == 0 {
			issues = append(issues, alerrors.Issue{Path: "edits", Message: "at least one edit is required"})
		}
		if len(issues) > 0 {
			return nil, issues
		}
		return op, nil

	case TypeDeleteFile:
		var op DeleteFileOp
		if err := json.Unmarshal(raw, &op); err != nil {
			return nil, []alerrors.Issue{{Path: "", Message: malformed(TypeDeleteFile, err)}}
		}
		if issues := pathIssues("path", op.Path); len(issues) > 0 {
			return nil, issues
		}
		return op, nil

	case TypeShell:
		var op ShellOp
		if err := json.Unmarshal(raw, &op); err != nil {
			return nil, []alerrors.Issue{{Path: "", Message: malformed(TypeShell, err)}}
		}
		var issues []alerrors.Issue
		if op.Command == "" {
			issues = append(issues, alerrors.Issue{Path: "command", Message: "command is required"})
		}
		if len(op.Command) > MaxCommandChars {
			issues = append(issues, alerrors.Issue{Path: "command", Message: fmt.Sprintf("command exceeds %d characters", MaxCommandChars)})
		}
		if op.Cwd != "" {
			issues = append(issues, pathIssues("cwd", op.Cwd)...)
		}
		if op.TimeoutMs != 0 && (op.TimeoutMs < MinShellTimeoutMs || op.TimeoutMs > MaxShellTimeoutMs) {
			issues = append(issues, alerrors.Issue{Path: "timeout_ms", Message: fmt.Sprintf("timeout must be between %d and %d ms", MinShellTimeoutMs, MaxShellTimeoutMs)})
		}
		if len(issues) > 0 {
			return nil, issues
		}
		return op, nil

	case "":
		return nil, []alerrors.Issue{{Path: "type", Message: "type is required"}}
	default:
		return nil, []alerrors.Issue{{Path: "type", Message: fmt.Sprintf("unknown operation type %q", probe.Type)}}
	}
}

func malformed(opType string, err error) string {
	return fmt.Sprintf("malformed %s operation: %v", opType, err)
}

// ValidateOperationsEnvelope parses and validates a full batch submission.
// It returns either the decoded operations or a ValidationError listing every
// offending field across the envelope.
func ValidateOperationsEnvelope(data []byte) ([]Operation, error) {
	var env OperationsEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, alerrors.NewValidation([]alerrors.Issue{{Path: "", Message: "envelope must be a JSON object"}})
	}

	var issues []alerrors.Issue
	if env.ProtocolVersion != ProtocolVersion {
		issues = append(issues, alerrors.Issue{Path: "protocolVersion", Message: fmt.Sprintf("must be %q", ProtocolVersion)})
	}
	if len(env.Operations) == 0 {
		issues = append(issues, alerrors.Issue{Path: "operations", Message: "at least one operation is required"})
	}

	ops := make([]Operation, 0, len(env.Operations))
	for i, raw := range env.Operations {
		op, opIssues := DecodeOperation(raw)
		if len(opIssues) > 0 {
			issues = append(issues, prefixIssues(fmt.Sprintf("operations.%d", i), opIssues)...)
			continue
		}
		ops = append(ops, op)
	}

	if len(issues) > 0 {
		return nil, alerrors.NewValidation(issues)
	}
	return ops, nil
}

func prefixIssues(prefix string, issues []alerrors.Issue) []alerrors.Issue {
	out := make([]alerrors.Issue, len(issues))
	for i, issue := range issues {
		path := prefix
		if issue.Path != "" {
			path = prefix + "." + issue.Path
		}
		out[i] = alerrors.Issue{Path: path, Message: issue.Message}
	}
	return out
}
