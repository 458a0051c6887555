// Package policy evaluates operations against a space's resolved policy.
// Evaluation is a pure function of (policy, operation) and never touches the
// sandbox or any I/O.
package policy

import (
	"fmt"
)

// Preset names.
const (
	PresetRestrictive = "restrictive"
	PresetStandard    = "standard"
	PresetPermissive  = "permissive"
)

// FilesystemPolicy governs file operations inside the workspace.
type FilesystemPolicy struct {
	Enabled      bool     `json:"enabled"`
	ReadOnly     bool     `json:"readOnly"`
	MaxFileSize  int64    `json:"maxFileSize"`
	AllowedPaths []string `json:"allowedPaths,omitempty"`
	BlockedPaths []string `json:"blockedPaths,omitempty"`
}

// ShellPolicy governs shell command execution.
type ShellPolicy struct {
	Enabled          bool     `json:"enabled"`
	AllowedCommands  []string `json:"allowedCommands,omitempty"`
	BlockedPatterns  []string `json:"blockedPatterns,omitempty"`
	TimeoutMs        int      `json:"timeout_ms"`
	ApprovalRequired []string `json:"approvalRequired,omitempty"`
}

// NetworkPolicy governs container network attachment.
type NetworkPolicy struct {
	Enabled        bool     `json:"enabled"`
	AllowedDomains []string `json:"allowedDomains,omitempty"`
	BlockedDomains []string `json:"blockedDomains,omitempty"`
}

// Policy is the immutable per-space rule set.
type Policy struct {
	Filesystem FilesystemPolicy `json:"filesystem"`
	Shell      ShellPolicy      `json:"shell"`
	Network    NetworkPolicy    `json:"network"`
}

// Presets returns the named builtin policy.
func FromPresetName(name string) (Policy, error) {
	switch name {
	case PresetRestrictive:
		return Policy{
			Filesystem: FilesystemPolicy{
				Enabled:     true,
				ReadOnly:    true,
				MaxFileSize: 1 * 1024 * 1024,
			},
			Shell:   ShellPolicy{Enabled: false, TimeoutMs: 30_000},
			Network: NetworkPolicy{Enabled: false},
		}, nil
	case PresetStandard:
		return Policy{
			Filesystem: FilesystemPolicy{
				Enabled:     true,
				ReadOnly:    false,
				MaxFileSize: 10 * 1024 * 1024,
			},
			Shell: ShellPolicy{
				Enabled: true,
				AllowedCommands: []string{
					"bun", "node", "npm", "npx", "cat", "echo", "ls",
					"pwd", "head", "tail", "grep", "find", "wc",
				},
				BlockedPatterns: []string{
					"sudo", "chmod", "chown", "curl", "wget", "ssh",
					"rm -rf /", "rm -rf ~",
				},
				ApprovalRequired: []string{"rm -rf", "rm -r"},
				TimeoutMs:        30_000,
			},
			Network: NetworkPolicy{Enabled: false},
		}, nil
	case PresetPermissive:
		return Policy{
			Filesystem: FilesystemPolicy{
				Enabled:     true,
				ReadOnly:    false,
				MaxFileSize: 100 * 1024 * 1024,
			},
			Shell: ShellPolicy{
				Enabled:          true,
				BlockedPatterns:  []string{"rm -rf /", "rm -rf ~"},
				ApprovalRequired: []string{"rm -rf", "chmod", "chown"},
				TimeoutMs:        300_000,
			},
			Network: NetworkPolicy{
				Enabled:        true,
				AllowedDomains: []string{"*"},
			},
		}, nil
	default:
		return Policy{}, fmt.Errorf("unknown policy preset %q", name)
	}
}

// FilesystemOverrides patches FilesystemPolicy one level deep. Nil fields
// keep the preset value; present arrays replace, never concatenate.
type FilesystemOverrides struct {
	Enabled      *bool     `json:"enabled,omitempty"`
	ReadOnly     *bool     `json:"readOnly,omitempty"`
	MaxFileSize  *int64    `json:"maxFileSize,omitempty"`
	AllowedPaths *[]string `json:"allowedPaths,omitempty"`
	BlockedPaths *[]string `json:"blockedPaths,omitempty"`
}

// ShellOverrides patches ShellPolicy one level deep.
type ShellOverrides struct {
	Enabled          *bool     `json:"enabled,omitempty"`
	AllowedCommands  *[]string `json:"allowedCommands,omitempty"`
	BlockedPatterns  *[]string `json:"blockedPatterns,omitempty"`
	TimeoutMs        *int      `json:"timeout_ms,omitempty"`
	ApprovalRequired *[]string `json:"approvalRequired,omitempty"`
}

// NetworkOverrides patches NetworkPolicy one level deep.
type NetworkOverrides struct {
	Enabled        *bool     `json:"enabled,omitempty"`
	AllowedDomains *[]string `json:"allowedDomains,omitempty"`
	BlockedDomains *[]string `json:"blockedDomains,omitempty"`
}

// Overrides merges field-by-field over a preset.
type Overrides struct {
	Filesystem *FilesystemOverrides `json:"filesystem,omitempty"`
	Shell      *ShellOverrides      `json:"shell,omitempty"`
	Network    *NetworkOverrides    `json:"network,omitempty"`
}

// Apply merges the overrides over the base policy and returns the result.
func (ov *Overrides) Apply(base Policy) Policy {
	if ov == nil {
		return base
	}
	merged := base
	if fs := ov.Filesystem; fs != nil {
		if fs.Enabled != nil {
			merged.Filesystem.Enabled = *fs.Enabled
		}
		if fs.ReadOnly != nil {
			merged.Filesystem.ReadOnly = *fs.ReadOnly
		}
		if fs.MaxFileSize != nil {
			merged.Filesystem.MaxFileSize = *fs.MaxFileSize
		}
		if fs.AllowedPaths != nil {
			merged.Filesystem.AllowedPaths = *fs.AllowedPaths
		}
		if fs.BlockedPaths != nil {
			merged.Filesystem.BlockedPaths = *fs.BlockedPaths
		}
	}
	if sh := ov.Shell; sh != nil {
		if sh.Enabled != nil {
			merged.Shell.Enabled = *sh.Enabled
		}
		if sh.AllowedCommands != nil {
			merged.Shell.AllowedCommands = *sh.AllowedCommands
		}
		if sh.BlockedPatterns != nil {
			merged.Shell.BlockedPatterns = *sh.BlockedPatterns
		}
		if sh.TimeoutMs != nil {
			merged.Shell.TimeoutMs = *sh.TimeoutMs
		}
		if sh.ApprovalRequired != nil {
			merged.Shell.ApprovalRequired = *sh.ApprovalRequired
		}
	}
	if nw := ov.Network; nw != nil {
		if nw.Enabled != nil {
			merged.Network.Enabled = *nw.Enabled
		}
		if nw.AllowedDomains != nil {
			merged.Network.AllowedDomains = *nw.AllowedDomains
		}
		if nw.BlockedDomains != nil {
			merged.Network.BlockedDomains = *nw.BlockedDomains
		}
	}
	return merged
}
