// Package ids generates the prefixed opaque identifiers used across the API
// surface: spc_ for spaces, run_ for runs, apr_ for approvals.
package ids

import (
	"strings"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

const opaqueLen = 12

// newOpaque returns a 12-character lowercase hex token.
func newOpaque() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:opaqueLen]
}

// NewSpaceID returns a fresh space identifier.
func NewSpaceID() string { return "spc_" + newOpaque() }

// NewRunID returns a fresh run identifier.
func NewRunID() string { return "run_" + newOpaque() }

// NewWorkspaceID returns the bare token used to name a space's host
// workspace directory.
func NewWorkspaceID() string { return newOpaque() }

// NewApprovalID returns a fresh approval identifier. Approvals use ULIDs so
// records sort by creation time.
func NewApprovalID() string { return "apr_" + strings.ToLower(ulid.Make().String()) }
