// Package store persists spaces, runs, and approvals in SQLite. The database
// is the source of truth for run history; live container state lives in the
// space registry.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/alcovelabs/alcove/internal/alerrors"
)

const dbFileName = "alcove.db"

// SpaceRecord is the durable shape of a space. JSON-typed columns hold their
// raw encoding; decoding happens at the service layer.
type SpaceRecord struct {
	ID              string
	Name            string
	Description     string
	Status          string
	Policy          string // preset name
	PolicyOverrides string // JSON; empty when the preset is unmodified
	WorkspacePath   string
	ContainerID     string
	Capabilities    string // JSON array
	Env             string // JSON object
	Metadata        string // JSON object
	TTLSeconds      int
	CreatedAt       time.Time
	ExpiresAt       time.Time
}

// RunRecord is the durable shape of a run, carrying its full operation and
// event vectors plus the pending approval snapshot when suspended.
type RunRecord struct {
	ID              string
	SpaceID         string
	Status          string
	Operations      string
	Events          string
	PendingApproval string    // JSON; empty unless awaiting approval
	StartedAt       time.Time
	CompletedAt     time.Time // zero until the run reaches a terminal status
}

// ApprovalRecord reifies one approval gate until resolved.
type ApprovalRecord struct {
	ID             string
	SpaceID        string
	RunID          string
	OperationID    string
	OperationType  string
	Status         string
	Details        string // JSON
	Reason         string
	Decision       string
	DecisionReason string
	CreatedAt      time.Time
	ExpiresAt      time.Time // zero when the gate never expires
	DecidedAt      time.Time // zero until decided
}

// Approval statuses.
const (
	ApprovalPending  = "pending"
	ApprovalApproved = "approved"
	ApprovalDenied   = "denied"
	ApprovalExpired  = "expired"
)

// Store is the persistence surface used by the space and run services.
type Store struct {
	db     *sql.DB
	dbPath string
	mu     sync.Mutex
}

// New opens or creates the database under dataDir.
func New(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	path := filepath.Join(dataDir, dbFileName)

	dsn := path + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db, dbPath: path}
	if err := s.initSchema(); err != nil {
		wrapped := fmt.Errorf("initialize schema for %q: %w", path, err)
		if closeErr := db.Close(); closeErr != nil {
			return nil, errors.Join(wrapped, closeErr)
		}
		return nil, wrapped
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS spaces (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT,
		status TEXT NOT NULL,
		policy TEXT NOT NULL,
		policy_overrides TEXT,
		workspace_path TEXT,
		container_id TEXT,
		capabilities TEXT,
		env TEXT,
		metadata TEXT,
		ttl_seconds INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_spaces_status ON spaces(status);
	CREATE INDEX IF NOT EXISTS idx_spaces_expires ON spaces(expires_at);

	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		space_id TEXT NOT NULL REFERENCES spaces(id),
		status TEXT NOT NULL,
		operations TEXT NOT NULL,
		events TEXT NOT NULL,
		pending_approval TEXT,
		started_at DATETIME NOT NULL,
		completed_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_runs_space ON runs(space_id);

	CREATE TABLE IF NOT EXISTS approvals (
		id TEXT PRIMARY KEY,
		space_id TEXT NOT NULL,
		run_id TEXT NOT NULL REFERENCES runs(id),
		operation_id TEXT,
		operation_type TEXT NOT NULL,
		status TEXT NOT NULL,
		details TEXT,
		reason TEXT,
		decision TEXT,
		decision_reason TEXT,
		created_at DATETIME NOT NULL,
		expires_at DATETIME,
		decided_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_approvals_space ON approvals(space_id);
	CREATE INDEX IF NOT EXISTS idx_approvals_run ON approvals(run_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

const spaceColumns = `id, name, description, status, policy, policy_overrides, workspace_path, container_id, capabilities, env, metadata, ttl_seconds, created_at, expires_at`

func scanSpace(row interface{ Scan(...any) error }) (SpaceRecord, error) {
	var rec SpaceRecord
	err := row.Scan(&rec.ID, &rec.Name, &rec.Description, &rec.Status, &rec.Policy, &rec.PolicyOverrides,
		&rec.WorkspacePath, &rec.ContainerID, &rec.Capabilities, &rec.Env, &rec.Metadata,
		&rec.TTLSeconds, &rec.CreatedAt, &rec.ExpiresAt)
	return rec, err
}

// CreateSpace inserts a new space row.
func (s *Store) CreateSpace(rec SpaceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO spaces (`+spaceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.Name, rec.Description, rec.Status, rec.Policy, rec.PolicyOverrides,
		rec.WorkspacePath, rec.ContainerID, rec.Capabilities, rec.Env, rec.Metadata,
		rec.TTLSeconds, rec.CreatedAt.UTC(), rec.ExpiresAt.UTC())
	if err != nil {
		return fmt.Errorf("insert space %s: %w", rec.ID, err)
	}
	return nil
}

// GetSpace loads one space by id.
func (s *Store) GetSpace(id string) (SpaceRecord, error) {
	rec, err := scanSpace(s.db.QueryRow(`SELECT `+spaceColumns+` FROM spaces WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return SpaceRecord{}, alerrors.New(alerrors.CategorySystem, "store.getSpace", id,
			fmt.Errorf("space %s: %w", id, alerrors.ErrNotFound))
	}
	if err != nil {
		return SpaceRecord{}, fmt.Errorf("select space %s: %w", id, err)
	}
	return rec, nil
}

func (s *Store) querySpaces(query string, args ...any) ([]SpaceRecord, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query spaces: %w", err)
	}
	defer rows.Close()

	var out []SpaceRecord
	for rows.Next() {
		rec, err := scanSpace(rows)
		if err != nil {
			return nil, fmt.Errorf("scan space row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListSpaces returns all non-destroyed spaces, newest first.
func (s *Store) ListSpaces() ([]SpaceRecord, error) {
	return s.querySpaces(`SELECT ` + spaceColumns + ` FROM spaces WHERE status != 'destroyed' ORDER BY created_at DESC`)
}

// ListExpiredSpaces returns live spaces whose TTL has elapsed.
func (s *Store) ListExpiredSpaces(now time.Time) ([]SpaceRecord, error) {
	return s.querySpaces(`SELECT `+spaceColumns+` FROM spaces WHERE status != 'destroyed' AND expires_at <= ?`, now.UTC())
}

// UpdateSpace rewrites the mutable space columns.
func (s *Store) UpdateSpace(rec SpaceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`
		UPDATE spaces SET name = ?, description = ?, status = ?, container_id = ?, workspace_path = ?, metadata = ?, ttl_seconds = ?, expires_at = ?
		WHERE id = ?
	`, rec.Name, rec.Description, rec.Status, rec.ContainerID, rec.WorkspacePath, rec.Metadata,
		rec.TTLSeconds, rec.ExpiresAt.UTC(), rec.ID)
	if err != nil {
		return fmt.Errorf("update space %s: %w", rec.ID, err)
	}
	return requireRow(res, "space", rec.ID)
}

const runColumns = `id, space_id, status, operations, events, pending_approval, started_at, completed_at`

func scanRun(row interface{ Scan(...any) error }) (RunRecord, error) {
	var rec RunRecord
	var completedAt sql.NullTime
	err := row.Scan(&rec.ID, &rec.SpaceID, &rec.Status, &rec.Operations, &rec.Events,
		&rec.PendingApproval, &rec.StartedAt, &completedAt)
	if completedAt.Valid {
		rec.CompletedAt = completedAt.Time
	}
	return rec, err
}

// CreateRun inserts a new run row.
func (s *Store) CreateRun(rec RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.SpaceID, rec.Status, rec.Operations, rec.Events, rec.PendingApproval,
		rec.StartedAt.UTC(), nullableTime(rec.CompletedAt))
	if err != nil {
		return fmt.Errorf("insert run %s: %w", rec.ID, err)
	}
	return nil
}

// GetRun loads one run by id.
func (s *Store) GetRun(id string) (RunRecord, error) {
	rec, err := scanRun(s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, alerrors.New(alerrors.CategorySystem, "store.getRun", id,
			fmt.Errorf("run %s: %w", id, alerrors.ErrNotFound))
	}
	if err != nil {
		return RunRecord{}, fmt.Errorf("select run %s: %w", id, err)
	}
	return rec, nil
}

// UpdateRun rewrites the mutable run columns. Resume is a read-modify-write
// serialized per run id by the run service; the store lock only guards the
// single statement.
func (s *Store) UpdateRun(rec RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`
		UPDATE runs SET status = ?, events = ?, pending_approval = ?, completed_at = ?
		WHERE id = ?
	`, rec.Status, rec.Events, rec.PendingApproval, nullableTime(rec.CompletedAt), rec.ID)
	if err != nil {
		return fmt.Errorf("update run %s: %w", rec.ID, err)
	}
	return requireRow(res, "run", rec.ID)
}

// ListRunsBySpace returns a space's runs, newest first. An empty status
// filter returns every run.
func (s *Store) ListRunsBySpace(spaceID, statusFilter string) ([]RunRecord, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE space_id = ?`
	args := []any{spaceID}
	if statusFilter != "" {
		query += ` AND status = ?`
		args = append(args, statusFilter)
	}
	query += ` ORDER BY started_at DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs for %s: %w", spaceID, err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// MarkInterruptedRuns flips every run still marked running to error. Called
// once at startup; a run can only be mid-flight while the process lives.
func (s *Store) MarkInterruptedRuns(now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`
		UPDATE runs SET status = 'error', completed_at = ?
		WHERE status = 'running'
	`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("mark interrupted runs: %w", err)
	}
	return res.RowsAffected()
}

const approvalColumns = `id, space_id, run_id, operation_id, operation_type, status, details, reason, decision, decision_reason, created_at, expires_at, decided_at`

func scanApproval(row interface{ Scan(...any) error }) (ApprovalRecord, error) {
	var rec ApprovalRecord
	var expiresAt, decidedAt sql.NullTime
	err := row.Scan(&rec.ID, &rec.SpaceID, &rec.RunID, &rec.OperationID, &rec.OperationType,
		&rec.Status, &rec.Details, &rec.Reason, &rec.Decision, &rec.DecisionReason,
		&rec.CreatedAt, &expiresAt, &decidedAt)
	if expiresAt.Valid {
		rec.ExpiresAt = expiresAt.Time
	}
	if decidedAt.Valid {
		rec.DecidedAt = decidedAt.Time
	}
	return rec, err
}

// CreateApproval inserts a pending approval.
func (s *Store) CreateApproval(rec ApprovalRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO approvals (`+approvalColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)
	`, rec.ID, rec.SpaceID, rec.RunID, rec.OperationID, rec.OperationType, rec.Status,
		rec.Details, rec.Reason, rec.Decision, rec.DecisionReason, rec.CreatedAt.UTC(),
		nullableTime(rec.ExpiresAt))
	if err != nil {
		return fmt.Errorf("insert approval %s: %w", rec.ID, err)
	}
	return nil
}

// GetApproval loads one approval by id.
func (s *Store) GetApproval(id string) (ApprovalRecord, error) {
	rec, err := scanApproval(s.db.QueryRow(`SELECT `+approvalColumns+` FROM approvals WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return ApprovalRecord{}, alerrors.New(alerrors.CategorySystem, "store.getApproval", id,
			fmt.Errorf("approval %s: %w", id, alerrors.ErrNotFound))
	}
	if err != nil {
		return ApprovalRecord{}, fmt.Errorf("select approval %s: %w", id, err)
	}
	return rec, nil
}

// DecideApproval records a decision on a pending approval. Deciding a
// non-pending approval is a conflict.
func (s *Store) DecideApproval(id, decision, decisionReason string, decidedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`
		UPDATE approvals SET status = ?, decision = ?, decision_reason = ?, decided_at = ?
		WHERE id = ? AND status = ?
	`, decision, decision, decisionReason, decidedAt.UTC(), id, ApprovalPending)
	if err != nil {
		return fmt.Errorf("decide approval %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return alerrors.New(alerrors.CategorySystem, "store.decideApproval", id,
			fmt.Errorf("approval %s is not pending: %w", id, alerrors.ErrConflict))
	}
	return nil
}

// ExpireOverdueApprovals flips pending approvals past their expiry. Returns
// the affected count.
func (s *Store) ExpireOverdueApprovals(now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`
		UPDATE approvals SET status = ?, decided_at = ?
		WHERE status = ? AND expires_at IS NOT NULL AND expires_at <= ?
	`, ApprovalExpired, now.UTC(), ApprovalPending, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("expire approvals: %w", err)
	}
	return res.RowsAffected()
}

// ListApprovalsByRun returns all approval records for a run, oldest first.
// Approval ids are ULIDs, so id order is creation order.
func (s *Store) ListApprovalsByRun(runID string) ([]ApprovalRecord, error) {
	rows, err := s.db.Query(`SELECT `+approvalColumns+` FROM approvals WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("query approvals for %s: %w", runID, err)
	}
	defer rows.Close()

	var out []ApprovalRecord
	for rows.Next() {
		rec, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("scan approval row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PendingApprovalForRun returns the run's open approval, if any.
func (s *Store) PendingApprovalForRun(runID string) (ApprovalRecord, error) {
	rec, err := scanApproval(s.db.QueryRow(`
		SELECT `+approvalColumns+` FROM approvals
		WHERE run_id = ? AND status = ? ORDER BY created_at DESC LIMIT 1
	`, runID, ApprovalPending))
	if errors.Is(err, sql.ErrNoRows) {
		return ApprovalRecord{}, alerrors.New(alerrors.CategorySystem, "store.pendingApproval", runID,
			fmt.Errorf("no pending approval for run %s: %w", runID, alerrors.ErrNotFound))
	}
	if err != nil {
		return ApprovalRecord{}, fmt.Errorf("select pending approval for %s: %w", runID, err)
	}
	return rec, nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func requireRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return alerrors.New(alerrors.CategorySystem, "store.update", id,
			fmt.Errorf("%s %s: %w", kind, id, alerrors.ErrNotFound))
	}
	return nil
}
