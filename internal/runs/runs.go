// Package runs persists operation batches and orchestrates executor passes,
// including the suspend/resume cycle around approval gates.
package runs

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/alcovelabs/alcove/internal/alerrors"
	"github.com/alcovelabs/alcove/internal/executor"
	"github.com/alcovelabs/alcove/internal/ids"
	"github.com/alcovelabs/alcove/internal/metrics"
	"github.com/alcovelabs/alcove/internal/protocol"
	"github.com/alcovelabs/alcove/internal/spaces"
	"github.com/alcovelabs/alcove/internal/store"
)

// Run statuses.
const (
	StatusRunning          = "running"
	StatusCompleted        = "completed"
	StatusAwaitingApproval = "awaiting_approval"
	StatusCancelled        = "cancelled"
	StatusError            = "error"
)

// Approval decisions accepted on resume.
const (
	DecisionApproved = "approved"
	DecisionDenied   = "denied"
)

const deniedByUserReason = "Approval denied by user"

// Run is the decoded run record returned to callers.
type Run struct {
	ID              string                    `json:"id"`
	SpaceID         string                    `json:"spaceId"`
	Status          string                    `json:"status"`
	ProtocolVersion string                    `json:"protocolVersion"`
	Events          []protocol.Event          `json:"events"`
	PendingApproval *executor.PendingApproval `json:"pendingApproval,omitempty"`
	StartedAt       time.Time                 `json:"startedAt"`
	CompletedAt     *time.Time                `json:"completedAt,omitempty"`
}

// ApprovalDecision resolves a suspended run's gate.
type ApprovalDecision struct {
	OperationID string `json:"operationId"`
	Decision    string `json:"decision"`
	Reason      string `json:"reason,omitempty"`
}

// Service drives runs against the space registry.
type Service struct {
	store    *store.Store
	registry *spaces.Manager

	mu       sync.Mutex
	resumeMu map[string]*sync.Mutex
}

// NewService builds a run service.
func NewService(st *store.Store, registry *spaces.Manager) *Service {
	return &Service{
		store:    st,
		registry: registry,
		resumeMu: make(map[string]*sync.Mutex),
	}
}

// RecoverInterrupted flips runs orphaned by a previous process into error.
// Call once before serving.
func (s *Service) RecoverInterrupted() error {
	n, err := s.store.MarkInterruptedRuns(time.Now().UTC())
	if err != nil {
		return err
	}
	if n > 0 {
		log.Warn().Int64("runs", n).Msg("Marked interrupted runs as error")
	}
	return nil
}

// Create executes one operation batch against a space. The call blocks until
// the batch completes or suspends on an approval gate. Runs within a space
// are strictly serialized; spaces run independently.
func (s *Service) Create(ctx context.Context, spaceID string, ops []protocol.Operation) (Run, error) {
	sb, err := s.registry.GetSandbox(spaceID)
	if err != nil {
		return Run{}, err
	}
	engine, err := s.registry.GetPolicyEngine(spaceID)
	if err != nil {
		return Run{}, err
	}
	runLock, err := s.registry.RunLock(spaceID)
	if err != nil {
		return Run{}, err
	}

	runLock.Lock()
	defer runLock.Unlock()

	runID := ids.NewRunID()
	startedAt := time.Now().UTC()

	opsJSON, err := protocol.MarshalOperations(ops)
	if err != nil {
		return Run{}, fmt.Errorf("encode operations: %w", err)
	}
	if err := s.store.CreateRun(store.RunRecord{
		ID:         runID,
		SpaceID:    spaceID,
		Status:     StatusRunning,
		Operations: string(opsJSON),
		Events:     "[]",
		StartedAt:  startedAt,
	}); err != nil {
		return Run{}, err
	}

	s.registry.SetRunState(spaceID, spaces.StatusRunning)
	res := executor.New(engine, sb).Execute(ctx, ops, 0, executor.NoSkip)
	recordOperationOutcomes(res.Events)

	run, err := s.finishPass(runID, spaceID, startedAt, res.Events, res)
	if err != nil {
		return Run{}, err
	}
	log.Info().
		Str("run_id", runID).
		Str("space_id", spaceID).
		Str("status", run.Status).
		Int("operations", len(ops)).
		Int("events", len(run.Events)).
		Msg("Run finished pass")
	return run, nil
}

// Resume applies a decision to a suspended run and continues execution. An
// approved decision re-executes the gated operation with its policy check
// bypassed once; a denied decision records a denial event and continues with
// the next operation.
func (s *Service) Resume(ctx context.Context, runID string, decision ApprovalDecision) (Run, error) {
	if decision.Decision != DecisionApproved && decision.Decision != DecisionDenied {
		return Run{}, alerrors.New(alerrors.CategoryValidation, "runs.resume", runID,
			fmt.Errorf("decision must be approved or denied: %w", alerrors.ErrInvalidInput))
	}

	lock := s.resumeLock(runID)
	lock.Lock()
	defer lock.Unlock()

	rec, err := s.store.GetRun(runID)
	if err != nil {
		return Run{}, err
	}
	if rec.Status != StatusAwaitingApproval {
		return Run{}, alerrors.New(alerrors.CategoryValidation, "runs.resume", runID,
			fmt.Errorf("run is %s, not awaiting approval: %w", rec.Status, alerrors.ErrConflict))
	}

	var pending executor.PendingApproval
	if err := json.Unmarshal([]byte(rec.PendingApproval), &pending); err != nil {
		return Run{}, fmt.Errorf("decode pending approval for %s: %w", runID, err)
	}
	if decision.OperationID != pending.OperationID {
		return Run{}, alerrors.New(alerrors.CategoryValidation, "runs.resume", runID,
			fmt.Errorf("decision targets %q but %q is pending: %w",
				decision.OperationID, pending.OperationID, alerrors.ErrInvalidInput))
	}

	ops, err := protocol.UnmarshalOperations([]byte(rec.Operations))
	if err != nil {
		return Run{}, fmt.Errorf("decode operations for %s: %w", runID, err)
	}
	prior, err := protocol.UnmarshalEvents([]byte(rec.Events))
	if err != nil {
		return Run{}, fmt.Errorf("decode events for %s: %w", runID, err)
	}

	sb, err := s.registry.GetSandbox(rec.SpaceID)
	if err != nil {
		return Run{}, err
	}
	engine, err := s.registry.GetPolicyEngine(rec.SpaceID)
	if err != nil {
		return Run{}, err
	}
	runLock, err := s.registry.RunLock(rec.SpaceID)
	if err != nil {
		return Run{}, err
	}
	runLock.Lock()
	defer runLock.Unlock()

	s.registry.SetRunState(rec.SpaceID, spaces.StatusRunning)

	var appended []protocol.Event
	var res executor.Result
	k := pending.OperationIndex
	if decision.Decision == DecisionApproved {
		res = executor.New(engine, sb).Execute(ctx, ops, k, k)
		appended = res.Events
	} else {
		reason := decision.Reason
		if reason == "" {
			reason = deniedByUserReason
		}
		denied := protocol.PolicyDeniedEvent{
			EventMeta:     protocol.NewEventMeta(pending.OperationID),
			OperationType: pending.OperationType,
			Reason:        reason,
		}
		res = executor.New(engine, sb).Execute(ctx, ops, k+1, executor.NoSkip)
		appended = append([]protocol.Event{denied}, res.Events...)
	}
	recordOperationOutcomes(appended)

	s.decideApprovalRecord(runID, decision)

	run, err := s.finishPass(runID, rec.SpaceID, rec.StartedAt, append(prior, appended...), res)
	if err != nil {
		return Run{}, err
	}
	log.Info().
		Str("run_id", runID).
		Str("decision", decision.Decision).
		Str("status", run.Status).
		Msg("Run resumed")
	return run, nil
}

// Cancel marks a suspended run cancelled. No resume is accepted afterwards;
// a batch currently executing is not interrupted.
func (s *Service) Cancel(runID string) (Run, error) {
	lock := s.resumeLock(runID)
	lock.Lock()
	defer lock.Unlock()

	rec, err := s.store.GetRun(runID)
	if err != nil {
		return Run{}, err
	}
	switch rec.Status {
	case StatusCompleted, StatusCancelled, StatusError:
		return Run{}, alerrors.New(alerrors.CategoryValidation, "runs.cancel", runID,
			fmt.Errorf("run is already %s: %w", rec.Status, alerrors.ErrConflict))
	}

	if rec.Status == StatusAwaitingApproval {
		s.decideApprovalRecord(runID, ApprovalDecision{Decision: DecisionDenied, Reason: "Run cancelled"})
	}

	rec.Status = StatusCancelled
	rec.PendingApproval = ""
	rec.CompletedAt = time.Now().UTC()
	if err := s.store.UpdateRun(rec); err != nil {
		return Run{}, err
	}
	s.registry.SetRunState(rec.SpaceID, spaces.StatusReady)
	s.releaseResumeLock(runID)
	metrics.RunsTotal.WithLabelValues(StatusCancelled).Inc()
	log.Info().Str("run_id", runID).Msg("Run cancelled")
	return decodeRun(rec)
}

// Get loads one run.
func (s *Service) Get(runID string) (Run, error) {
	rec, err := s.store.GetRun(runID)
	if err != nil {
		return Run{}, err
	}
	return decodeRun(rec)
}

// List returns a space's runs, optionally filtered by status.
func (s *Service) List(spaceID, statusFilter string) ([]Run, error) {
	recs, err := s.store.ListRunsBySpace(spaceID, statusFilter)
	if err != nil {
		return nil, err
	}
	out := make([]Run, 0, len(recs))
	for _, rec := range recs {
		run, err := decodeRun(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, nil
}

// finishPass persists the pass outcome and, on suspension, opens an approval
// record.
func (s *Service) finishPass(runID, spaceID string, startedAt time.Time, events []protocol.Event, res executor.Result) (Run, error) {
	eventsJSON, err := protocol.MarshalEvents(events)
	if err != nil {
		return Run{}, fmt.Errorf("encode events: %w", err)
	}

	rec := store.RunRecord{
		ID:        runID,
		SpaceID:   spaceID,
		Status:    string(res.Status),
		Events:    string(eventsJSON),
		StartedAt: startedAt,
	}
	if res.Status == executor.StatusAwaitingApproval {
		pendingJSON, err := json.Marshal(res.Pending)
		if err != nil {
			return Run{}, fmt.Errorf("encode pending approval: %w", err)
		}
		rec.PendingApproval = string(pendingJSON)
	} else {
		rec.CompletedAt = time.Now().UTC()
	}
	if err := s.store.UpdateRun(rec); err != nil {
		return Run{}, err
	}

	if res.Status == executor.StatusAwaitingApproval {
		s.openApprovalRecord(runID, spaceID, res.Pending)
		s.registry.SetRunState(spaceID, spaces.StatusPaused)
	} else {
		s.registry.SetRunState(spaceID, spaces.StatusReady)
		s.releaseResumeLock(runID)
	}
	metrics.RecordRunFinished(string(res.Status), startedAt)

	run, err := decodeRunParts(rec, events, res.Pending)
	if err != nil {
		return Run{}, err
	}
	return run, nil
}

func (s *Service) openApprovalRecord(runID, spaceID string, pending *executor.PendingApproval) {
	details, err := json.Marshal(pending.Details)
	if err != nil {
		details = []byte("{}")
	}
	err = s.store.CreateApproval(store.ApprovalRecord{
		ID:            ids.NewApprovalID(),
		SpaceID:       spaceID,
		RunID:         runID,
		OperationID:   pending.OperationID,
		OperationType: pending.OperationType,
		Status:        store.ApprovalPending,
		Details:       string(details),
		Reason:        pending.Reason,
		CreatedAt:     time.Now().UTC(),
	})
	if err != nil {
		log.Error().Err(err).Str("run_id", runID).Msg("Failed to persist approval record")
		return
	}
	metrics.ApprovalsPending.Inc()
}

func (s *Service) decideApprovalRecord(runID string, decision ApprovalDecision) {
	apr, err := s.store.PendingApprovalForRun(runID)
	if err != nil {
		log.Warn().Err(err).Str("run_id", runID).Msg("No pending approval record to resolve")
		return
	}
	status := store.ApprovalApproved
	if decision.Decision == DecisionDenied {
		status = store.ApprovalDenied
	}
	if err := s.store.DecideApproval(apr.ID, status, decision.Reason, time.Now().UTC()); err != nil {
		log.Warn().Err(err).Str("approval_id", apr.ID).Msg("Failed to resolve approval record")
		return
	}
	metrics.ApprovalsPending.Dec()
}

func (s *Service) resumeLock(runID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.resumeMu[runID]
	if !ok {
		lock = &sync.Mutex{}
		s.resumeMu[runID] = lock
	}
	return lock
}

// releaseResumeLock drops a run's resume mutex once the run is terminal, so
// the map does not grow with run history. A later resume attempt gets a fresh
// mutex and is rejected by the status check.
func (s *Service) releaseResumeLock(runID string) {
	s.mu.Lock()
	delete(s.resumeMu, runID)
	s.mu.Unlock()
}

func recordOperationOutcomes(events []protocol.Event) {
	for _, ev := range events {
		switch e := ev.(type) {
		case protocol.PolicyDeniedEvent:
			metrics.RecordOperation(e.OperationType, metrics.OutcomeDenied)
		case protocol.ApprovalRequiredEvent:
			metrics.RecordOperation(e.OperationType, metrics.OutcomeApprovalRequired)
		case protocol.MessageEvent:
			metrics.RecordOperation(ev.EventType(), metrics.OutcomeSuccess)
		case protocol.CreateFileEvent:
			metrics.RecordOperation(ev.EventType(), outcome(e.Success))
		case protocol.ReadFileEvent:
			metrics.RecordOperation(ev.EventType(), outcome(e.Success))
		case protocol.EditFileEvent:
			metrics.RecordOperation(ev.EventType(), outcome(e.Success))
		case protocol.DeleteFileEvent:
			metrics.RecordOperation(ev.EventType(), outcome(e.Success))
		case protocol.ShellEvent:
			metrics.RecordOperation(ev.EventType(), outcome(e.Success))
			metrics.ShellDurationSeconds.Observe(float64(e.DurationMs) / 1000)
		}
	}
}

func outcome(success bool) string {
	if success {
		return metrics.OutcomeSuccess
	}
	return metrics.OutcomeFailed
}

func decodeRun(rec store.RunRecord) (Run, error) {
	events, err := protocol.UnmarshalEvents([]byte(rec.Events))
	if err != nil {
		return Run{}, fmt.Errorf("decode events for %s: %w", rec.ID, err)
	}
	var pending *executor.PendingApproval
	if rec.PendingApproval != "" {
		pending = &executor.PendingApproval{}
		if err := json.Unmarshal([]byte(rec.PendingApproval), pending); err != nil {
			return Run{}, fmt.Errorf("decode pending approval for %s: %w", rec.ID, err)
		}
	}
	return decodeRunParts(rec, events, pending)
}

func decodeRunParts(rec store.RunRecord, events []protocol.Event, pending *executor.PendingApproval) (Run, error) {
	run := Run{
		ID:              rec.ID,
		SpaceID:         rec.SpaceID,
		Status:          rec.Status,
		ProtocolVersion: protocol.ProtocolVersion,
		Events:          events,
		PendingApproval: pending,
		StartedAt:       rec.StartedAt,
	}
	if !rec.CompletedAt.IsZero() {
		completed := rec.CompletedAt
		run.CompletedAt = &completed
	}
	return run, nil
}
