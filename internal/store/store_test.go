package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alcovelabs/alcove/internal/alerrors"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleSpace(id string) SpaceRecord {
	now := time.Now().UTC().Truncate(time.Second)
	return SpaceRecord{
		ID:            id,
		Name:          "test space",
		Description:   "scratch area",
		Status:        "ready",
		Policy:        "standard",
		WorkspacePath: "/tmp/ws/" + id,
		ContainerID:   "ctr123",
		Capabilities:  `["filesystem","shell"]`,
		Env:           `{"NODE_ENV":"test"}`,
		Metadata:      `{"owner":"ci"}`,
		TTLSeconds:    3600,
		CreatedAt:     now,
		ExpiresAt:     now.Add(time.Hour),
	}
}

func TestSpaceRoundTrip(t *testing.T) {
	s := newTestStore(t)

	rec := sampleSpace("spc_aaa")
	rec.PolicyOverrides = `{"shell":{"allowedCommands":["python3"]}}`
	require.NoError(t, s.CreateSpace(rec))

	got, err := s.GetSpace("spc_aaa")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, rec.Name, got.Name)
	assert.Equal(t, rec.Description, got.Description)
	assert.Equal(t, rec.Policy, got.Policy)
	assert.Equal(t, rec.PolicyOverrides, got.PolicyOverrides)
	assert.Equal(t, rec.Capabilities, got.Capabilities)
	assert.Equal(t, rec.Env, got.Env)
	assert.Equal(t, rec.Metadata, got.Metadata)
	assert.Equal(t, rec.TTLSeconds, got.TTLSeconds)
	assert.WithinDuration(t, rec.ExpiresAt, got.ExpiresAt, time.Second)
}

func TestGetSpaceNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetSpace("spc_nope")
	require.Error(t, err)
	assert.ErrorIs(t, err, alerrors.ErrNotFound)
}

func TestUpdateSpace(t *testing.T) {
	s := newTestStore(t)
	rec := sampleSpace("spc_aaa")
	require.NoError(t, s.CreateSpace(rec))

	rec.Status = "destroyed"
	rec.Metadata = `{"owner":"ci","teardown":"ttl"}`
	require.NoError(t, s.UpdateSpace(rec))

	got, err := s.GetSpace("spc_aaa")
	require.NoError(t, err)
	assert.Equal(t, "destroyed", got.Status)
	assert.Contains(t, got.Metadata, "teardown")

	missing := sampleSpace("spc_missing")
	assert.ErrorIs(t, s.UpdateSpace(missing), alerrors.ErrNotFound)
}

func TestListSpacesExcludesDestroyed(t *testing.T) {
	s := newTestStore(t)

	live := sampleSpace("spc_live")
	dead := sampleSpace("spc_dead")
	dead.Status = "destroyed"
	require.NoError(t, s.CreateSpace(live))
	require.NoError(t, s.CreateSpace(dead))

	spaces, err := s.ListSpaces()
	require.NoError(t, err)
	require.Len(t, spaces, 1)
	assert.Equal(t, "spc_live", spaces[0].ID)
}

func TestListExpiredSpaces(t *testing.T) {
	s := newTestStore(t)

	fresh := sampleSpace("spc_fresh")
	stale := sampleSpace("spc_stale")
	stale.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	require.NoError(t, s.CreateSpace(fresh))
	require.NoError(t, s.CreateSpace(stale))

	expired, err := s.ListExpiredSpaces(time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "spc_stale", expired[0].ID)
}

func TestRunLifecycle(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateSpace(sampleSpace("spc_aaa")))

	now := time.Now().UTC()
	run := RunRecord{
		ID:         "run_bbb",
		SpaceID:    "spc_aaa",
		Status:     "running",
		Operations: `[{"type":"message","content":"hi"}]`,
		Events:     `[]`,
		StartedAt:  now,
	}
	require.NoError(t, s.CreateRun(run))

	got, err := s.GetRun("run_bbb")
	require.NoError(t, err)
	assert.Equal(t, "running", got.Status)
	assert.True(t, got.CompletedAt.IsZero())

	run.Status = "awaiting_approval"
	run.Events = `[{"type":"approvalRequired"}]`
	run.PendingApproval = `{"operationId":"op3","operationIndex":3,"operationType":"shell"}`
	require.NoError(t, s.UpdateRun(run))

	got, err = s.GetRun("run_bbb")
	require.NoError(t, err)
	assert.Equal(t, "awaiting_approval", got.Status)
	assert.Contains(t, got.PendingApproval, `"operationIndex":3`)
	assert.True(t, got.CompletedAt.IsZero())

	run.Status = "completed"
	run.PendingApproval = ""
	run.CompletedAt = time.Now().UTC()
	require.NoError(t, s.UpdateRun(run))

	got, err = s.GetRun("run_bbb")
	require.NoError(t, err)
	assert.Equal(t, "completed", got.Status)
	assert.Empty(t, got.PendingApproval)
	assert.False(t, got.CompletedAt.IsZero())

	runs, err := s.ListRunsBySpace("spc_aaa", "")
	require.NoError(t, err)
	require.Len(t, runs, 1)

	completed, err := s.ListRunsBySpace("spc_aaa", "completed")
	require.NoError(t, err)
	require.Len(t, completed, 1)

	running, err := s.ListRunsBySpace("spc_aaa", "running")
	require.NoError(t, err)
	assert.Empty(t, running)

	_, err = s.GetRun("run_nope")
	assert.ErrorIs(t, err, alerrors.ErrNotFound)
}

func TestApprovalLifecycle(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateSpace(sampleSpace("spc_aaa")))
	now := time.Now().UTC()
	require.NoError(t, s.CreateRun(RunRecord{
		ID: "run_bbb", SpaceID: "spc_aaa", Status: "awaiting_approval",
		Operations: `[]`, Events: `[]`, StartedAt: now,
	}))

	apr := ApprovalRecord{
		ID:            "apr_ccc",
		SpaceID:       "spc_aaa",
		RunID:         "run_bbb",
		OperationID:   "op2",
		OperationType: "shell",
		Status:        ApprovalPending,
		Details:       `{"command":"rm -rf tmp"}`,
		Reason:        "requires approval",
		CreatedAt:     now,
	}
	require.NoError(t, s.CreateApproval(apr))

	pending, err := s.PendingApprovalForRun("run_bbb")
	require.NoError(t, err)
	assert.Equal(t, "apr_ccc", pending.ID)
	assert.Equal(t, "op2", pending.OperationID)
	assert.True(t, pending.DecidedAt.IsZero())

	require.NoError(t, s.DecideApproval("apr_ccc", ApprovalApproved, "looks safe", time.Now()))

	got, err := s.GetApproval("apr_ccc")
	require.NoError(t, err)
	assert.Equal(t, ApprovalApproved, got.Status)
	assert.Equal(t, ApprovalApproved, got.Decision)
	assert.Equal(t, "looks safe", got.DecisionReason)
	assert.False(t, got.DecidedAt.IsZero())

	// Double decision is a conflict.
	err = s.DecideApproval("apr_ccc", ApprovalDenied, "changed my mind", time.Now())
	assert.ErrorIs(t, err, alerrors.ErrConflict)

	_, err = s.PendingApprovalForRun("run_bbb")
	assert.ErrorIs(t, err, alerrors.ErrNotFound)
}

func TestMarkInterruptedRuns(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateSpace(sampleSpace("spc_aaa")))
	now := time.Now().UTC()
	require.NoError(t, s.CreateRun(RunRecord{
		ID: "run_live", SpaceID: "spc_aaa", Status: "running",
		Operations: `[]`, Events: `[]`, StartedAt: now,
	}))
	require.NoError(t, s.CreateRun(RunRecord{
		ID: "run_done", SpaceID: "spc_aaa", Status: "completed",
		Operations: `[]`, Events: `[]`, StartedAt: now, CompletedAt: now,
	}))

	n, err := s.MarkInterruptedRuns(time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.GetRun("run_live")
	require.NoError(t, err)
	assert.Equal(t, "error", got.Status)
	assert.False(t, got.CompletedAt.IsZero())

	got, err = s.GetRun("run_done")
	require.NoError(t, err)
	assert.Equal(t, "completed", got.Status)
}

func TestListApprovalsByRun(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateSpace(sampleSpace("spc_aaa")))
	now := time.Now().UTC()
	require.NoError(t, s.CreateRun(RunRecord{
		ID: "run_bbb", SpaceID: "spc_aaa", Status: "awaiting_approval",
		Operations: `[]`, Events: `[]`, StartedAt: now,
	}))
	require.NoError(t, s.CreateApproval(ApprovalRecord{
		ID: "apr_0001", SpaceID: "spc_aaa", RunID: "run_bbb",
		OperationID: "op1", OperationType: "shell", Status: ApprovalPending, CreatedAt: now,
	}))
	require.NoError(t, s.CreateApproval(ApprovalRecord{
		ID: "apr_0002", SpaceID: "spc_aaa", RunID: "run_bbb",
		OperationID: "op4", OperationType: "shell", Status: ApprovalPending, CreatedAt: now,
	}))

	recs, err := s.ListApprovalsByRun("run_bbb")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "apr_0001", recs[0].ID)
	assert.Equal(t, "apr_0002", recs[1].ID)

	empty, err := s.ListApprovalsByRun("run_none")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestExpireOverdueApprovals(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateSpace(sampleSpace("spc_aaa")))
	now := time.Now().UTC()
	require.NoError(t, s.CreateRun(RunRecord{
		ID: "run_bbb", SpaceID: "spc_aaa", Status: "awaiting_approval",
		Operations: `[]`, Events: `[]`, StartedAt: now,
	}))
	require.NoError(t, s.CreateApproval(ApprovalRecord{
		ID: "apr_old", SpaceID: "spc_aaa", RunID: "run_bbb",
		OperationID: "op1", OperationType: "shell", Status: ApprovalPending,
		CreatedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour),
	}))
	require.NoError(t, s.CreateApproval(ApprovalRecord{
		ID: "apr_open", SpaceID: "spc_aaa", RunID: "run_bbb",
		OperationID: "op2", OperationType: "shell", Status: ApprovalPending,
		CreatedAt: now,
	}))

	n, err := s.ExpireOverdueApprovals(now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.GetApproval("apr_old")
	require.NoError(t, err)
	assert.Equal(t, ApprovalExpired, got.Status)
	assert.False(t, got.DecidedAt.IsZero())

	got, err = s.GetApproval("apr_open")
	require.NoError(t, err)
	assert.Equal(t, ApprovalPending, got.Status)
}

func TestApprovalNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetApproval("apr_nope")
	assert.ErrorIs(t, err, alerrors.ErrNotFound)
}
