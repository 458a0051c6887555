package policy

import (
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"

	"github.com/alcovelabs/alcove/internal/protocol"
)

// Verdict is the three-way outcome of evaluating one operation.
type Verdict string

const (
	VerdictAllow           Verdict = "allow"
	VerdictDeny            Verdict = "deny"
	VerdictRequireApproval Verdict = "require_approval"
)

// Decision carries the verdict plus the human-facing reason. PolicyTag names
// the policy field that produced a non-allow verdict, e.g.
// "shell.blockedPatterns".
type Decision struct {
	Verdict    Verdict
	Reason     string
	Suggestion string
	PolicyTag  string
}

func allow() Decision { return Decision{Verdict: VerdictAllow} }

func deny(tag, reason, suggestion string) Decision {
	return Decision{Verdict: VerdictDeny, Reason: reason, Suggestion: suggestion, PolicyTag: tag}
}

func requireApproval(tag, reason string) Decision {
	return Decision{Verdict: VerdictRequireApproval, Reason: reason, PolicyTag: tag}
}

// Engine evaluates operations against one resolved policy. Engines are
// immutable after construction and safe for concurrent use.
type Engine struct {
	policy       Policy
	allowedPaths []*regexp.Regexp
	blockedPaths []*regexp.Regexp
}

// NewEngine compiles the policy's path patterns and returns an engine.
func NewEngine(p Policy) *Engine {
	return &Engine{
		policy:       p,
		allowedPaths: compileGlobs(p.Filesystem.AllowedPaths),
		blockedPaths: compileGlobs(p.Filesystem.BlockedPaths),
	}
}

// FromPreset builds an engine from a named preset.
func FromPreset(name string) (*Engine, error) {
	return FromPresetWithOverrides(name, nil)
}

// FromPresetWithOverrides builds an engine from a preset with per-space
// overrides merged in.
func FromPresetWithOverrides(name string, ov *Overrides) (*Engine, error) {
	base, err := FromPresetName(name)
	if err != nil {
		return nil, err
	}
	return NewEngine(ov.Apply(base)), nil
}

// Policy returns the resolved policy the engine evaluates against.
func (e *Engine) Policy() Policy { return e.policy }

// EffectiveTimeout clamps a requested shell timeout to the policy ceiling.
// A zero request means "use the policy timeout".
func (e *Engine) EffectiveTimeout(requestedMs int) int {
	limit := e.policy.Shell.TimeoutMs
	if requestedMs > 0 && requestedMs < limit {
		return requestedMs
	}
	return limit
}

// Evaluate decides one operation. It is pure: no I/O, no sandbox state, the
// same operation always yields the same decision.
func (e *Engine) Evaluate(op protocol.Operation) Decision {
	switch v := op.(type) {
	case protocol.MessageOp:
		return allow()
	case protocol.CreateFileOp:
		return e.evaluateFile(v.Path, true, contentSize(v.Content, v.Encoding))
	case protocol.ReadFileOp:
		return e.evaluateFile(v.Path, false, 0)
	case protocol.EditFileOp:
		return e.evaluateFile(v.Path, true, 0)
	case protocol.DeleteFileOp:
		return e.evaluateFile(v.Path, true, 0)
	case protocol.ShellOp:
		return e.evaluateShell(v.Command)
	default:
		return deny("", fmt.Sprintf("unsupported operation type %q", op.OperationType()), "")
	}
}

func (e *Engine) evaluateFile(path string, write bool, size int64) Decision {
	fs := e.policy.Filesystem
	if !fs.Enabled {
		return deny("filesystem.enabled", "filesystem operations are disabled", "")
	}
	if write && fs.ReadOnly {
		return deny("filesystem.readOnly", "filesystem is read-only",
			"use readFile, or create the space with a writable policy")
	}
	for i, re := range e.blockedPaths {
		if re.MatchString(path) {
			return deny("filesystem.blockedPaths",
				fmt.Sprintf("path matches blocked pattern %q", fs.BlockedPaths[i]), "")
		}
	}
	if len(e.allowedPaths) > 0 && !matchAny(e.allowedPaths, path) {
		return deny("filesystem.allowedPaths", "path does not match any allowed pattern",
			"write under an allowed path")
	}
	if write && fs.MaxFileSize > 0 && size > fs.MaxFileSize {
		return deny("filesystem.maxFileSize",
			fmt.Sprintf("content size %d exceeds limit %d", size, fs.MaxFileSize), "")
	}
	return allow()
}

func (e *Engine) evaluateShell(command string) Decision {
	sh := e.policy.Shell
	if !sh.Enabled {
		return deny("shell.enabled", "shell execution is disabled", "")
	}
	for _, pattern := range sh.BlockedPatterns {
		if strings.Contains(command, pattern) {
			return deny("shell.blockedPatterns",
				fmt.Sprintf("command contains blocked pattern %q", pattern), "")
		}
	}
	// An approval match gates rather than denies, even when the base command
	// is off the allowlist: the human decision covers both questions at once.
	for _, pattern := range sh.ApprovalRequired {
		if strings.Contains(command, pattern) {
			return requireApproval("shell.approvalRequired",
				fmt.Sprintf("command contains pattern %q which requires approval", pattern))
		}
	}
	if len(sh.AllowedCommands) > 0 {
		token := firstToken(command)
		found := false
		for _, allowed := range sh.AllowedCommands {
			if token == allowed {
				found = true
				break
			}
		}
		if !found {
			return deny("shell.allowedCommands",
				fmt.Sprintf("command %q is not in the allowed list", token),
				fmt.Sprintf("allowed commands: %s", strings.Join(sh.AllowedCommands, " ")))
		}
	}
	return allow()
}

// firstToken extracts the command name: leading and trailing whitespace is
// trimmed, then everything before the first ASCII space is the token.
func firstToken(command string) string {
	trimmed := strings.TrimSpace(command)
	if i := strings.IndexByte(trimmed, ' '); i >= 0 {
		return trimmed[:i]
	}
	return trimmed
}

// contentSize measures decoded size for limit checks. Base64 payloads count
// their decoded length; a malformed payload counts its raw length and will
// fail later at execution.
func contentSize(content string, enc protocol.Encoding) int64 {
	if enc == protocol.EncodingBase64 {
		if n, err := base64DecodedLen(content); err == nil {
			return n
		}
	}
	return int64(len(content))
}

func base64DecodedLen(s string) (int64, error) {
	decoded, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return 0, err
	}
	return int64(len(decoded)), nil
}

// MatchesDomain reports whether a network policy admits the given domain.
// Blocked wins over allowed; an empty allow list admits nothing.
func (p NetworkPolicy) MatchesDomain(domain string) bool {
	if !p.Enabled {
		return false
	}
	for _, pattern := range p.BlockedDomains {
		if domainMatch(pattern, domain) {
			return false
		}
	}
	for _, pattern := range p.AllowedDomains {
		if domainMatch(pattern, domain) {
			return true
		}
	}
	return false
}

// domainMatch applies glob semantics with one extension: "*.example.com"
// also matches the bare apex "example.com".
func domainMatch(pattern, domain string) bool {
	if compileGlob(pattern).MatchString(domain) {
		return true
	}
	if apex, ok := strings.CutPrefix(pattern, "*."); ok {
		return apex == domain
	}
	return false
}

// compileGlob turns a pattern into an anchored regexp where "*" matches any
// run of characters and every other character is literal.
func compileGlob(pattern string) *regexp.Regexp {
	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, `.*`)
	return regexp.MustCompile(`^` + escaped + `$`)
}

func compileGlobs(patterns []string) []*regexp.Regexp {
	if len(patterns) == 0 {
		return nil
	}
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = compileGlob(p)
	}
	return out
}

func matchAny(res []*regexp.Regexp, s string) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}
