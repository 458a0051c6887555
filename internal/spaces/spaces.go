// Package spaces owns the registry mapping space ids to their live sandbox
// and policy engine, backed by persisted space records. All container churn
// happens here; the run service only borrows references.
package spaces

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/alcovelabs/alcove/internal/alerrors"
	"github.com/alcovelabs/alcove/internal/ids"
	"github.com/alcovelabs/alcove/internal/metrics"
	"github.com/alcovelabs/alcove/internal/policy"
	"github.com/alcovelabs/alcove/internal/protocol"
	"github.com/alcovelabs/alcove/internal/sandbox"
	"github.com/alcovelabs/alcove/internal/store"
)

// DefaultTTL bounds a space's lifetime when the caller does not ask for one.
const DefaultTTL = 12 * time.Hour

// Space statuses.
const (
	StatusCreating  = "creating"
	StatusReady     = "ready"
	StatusRunning   = "running"
	StatusPaused    = "paused"
	StatusDestroyed = "destroyed"
)

// Sandbox is the slice of the sandbox surface the registry hands out.
// *sandbox.Sandbox satisfies it; tests substitute a fake.
type Sandbox interface {
	CreateFile(path string, content []byte, overwrite bool) (int64, error)
	ReadFile(path string) ([]byte, error)
	EditFile(path string, edits []protocol.Edit) (int, error)
	DeleteFile(path string) error
	ListFiles(relDir string, recursive bool) ([]sandbox.FileInfo, error)
	Exec(ctx context.Context, req sandbox.ExecRequest) (*sandbox.ExecResult, error)
	Destroy(ctx context.Context) error
	WorkspaceDir() string
	ContainerID() string
}

// SandboxFactory provisions the container and workspace for a new space.
type SandboxFactory func(ctx context.Context, spaceID string, networkEnabled bool) (Sandbox, error)

// Space is the decoded space record served to callers.
type Space struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	Description     string            `json:"description,omitempty"`
	Status          string            `json:"status"`
	Policy          string            `json:"policy"`
	PolicyOverrides *policy.Overrides `json:"policyOverrides,omitempty"`
	WorkspacePath   string            `json:"workspacePath,omitempty"`
	Capabilities    []string          `json:"capabilities,omitempty"`
	Env             map[string]string `json:"env,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	TTLSeconds      int               `json:"ttlSeconds"`
	CreatedAt       time.Time         `json:"createdAt"`
	ExpiresAt       time.Time         `json:"expiresAt"`
}

// CreateOptions shapes a new space. Zero values fall back to defaults: the
// standard preset, a generated name, and the default TTL.
type CreateOptions struct {
	Name            string
	Description     string
	Policy          string
	PolicyOverrides *policy.Overrides
	Capabilities    []string
	Env             map[string]string
	Metadata        map[string]string
	TTLSeconds      int
}

// UpdatePatch carries the mutable space fields. Nil pointers leave the field
// untouched.
type UpdatePatch struct {
	Name        *string
	Description *string
	Metadata    *map[string]string
	Status      *string
}

type entry struct {
	sandbox Sandbox
	engine  *policy.Engine

	// runMu serializes runs within the space. Held by the run service for
	// the whole executor pass.
	runMu sync.Mutex
}

// Manager is the space registry.
type Manager struct {
	store      *store.Store
	newSandbox SandboxFactory

	mu      sync.RWMutex
	entries map[string]*entry
}

// NewManager builds an empty registry over the given store and factory.
func NewManager(st *store.Store, factory SandboxFactory) *Manager {
	return &Manager{
		store:      st,
		newSandbox: factory,
		entries:    make(map[string]*entry),
	}
}

// Create provisions a sandbox, builds the policy engine, persists the record,
// and registers the space. The container pull and start run under no registry
// lock.
func (m *Manager) Create(ctx context.Context, opts CreateOptions) (Space, error) {
	preset := opts.Policy
	if preset == "" {
		preset = policy.PresetStandard
	}
	engine, err := policy.FromPresetWithOverrides(preset, opts.PolicyOverrides)
	if err != nil {
		return Space{}, alerrors.New(alerrors.CategoryValidation, "spaces.create", "",
			fmt.Errorf("%w: %v", alerrors.ErrInvalidInput, err))
	}

	id := ids.NewSpaceID()
	name := opts.Name
	if name == "" {
		name = id
	}
	ttl := time.Duration(opts.TTLSeconds) * time.Second
	if opts.TTLSeconds <= 0 {
		ttl = DefaultTTL
	}

	now := time.Now().UTC()
	sp := Space{
		ID:              id,
		Name:            name,
		Description:     opts.Description,
		Status:          StatusCreating,
		Policy:          preset,
		PolicyOverrides: opts.PolicyOverrides,
		Capabilities:    opts.Capabilities,
		Env:             opts.Env,
		Metadata:        opts.Metadata,
		TTLSeconds:      int(ttl / time.Second),
		CreatedAt:       now,
		ExpiresAt:       now.Add(ttl),
	}

	// The record exists in creating state while the image pulls and the
	// container starts, so concurrent readers see the space being born.
	rec, err := encodeSpace(sp, "")
	if err != nil {
		return Space{}, err
	}
	if err := m.store.CreateSpace(rec); err != nil {
		return Space{}, err
	}

	sb, err := m.newSandbox(ctx, id, engine.Policy().Network.Enabled)
	if err != nil {
		if sb != nil {
			_ = sb.Destroy(ctx)
		}
		rec.Status = StatusDestroyed
		if uerr := m.store.UpdateSpace(rec); uerr != nil {
			log.Warn().Err(uerr).Str("space_id", id).Msg("Failed to tombstone space after provisioning failure")
		}
		return Space{}, err
	}

	sp.Status = StatusReady
	sp.WorkspacePath = sb.WorkspaceDir()
	rec.Status = StatusReady
	rec.WorkspacePath = sb.WorkspaceDir()
	rec.ContainerID = sb.ContainerID()
	if err := m.store.UpdateSpace(rec); err != nil {
		_ = sb.Destroy(ctx)
		return Space{}, err
	}

	m.mu.Lock()
	m.entries[id] = &entry{sandbox: sb, engine: engine}
	m.mu.Unlock()

	metrics.RecordSpaceCreated()
	log.Info().
		Str("space_id", id).
		Str("policy", preset).
		Dur("ttl", ttl).
		Msg("Space created")
	return sp, nil
}

// Get loads one space record.
func (m *Manager) Get(id string) (Space, error) {
	rec, err := m.store.GetSpace(id)
	if err != nil {
		return Space{}, err
	}
	return decodeSpace(rec)
}

// List returns all non-destroyed spaces.
func (m *Manager) List() ([]Space, error) {
	recs, err := m.store.ListSpaces()
	if err != nil {
		return nil, err
	}
	out := make([]Space, 0, len(recs))
	for _, rec := range recs {
		sp, err := decodeSpace(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, sp)
	}
	return out, nil
}

// Update applies a patch to a space's mutable fields and persists the result.
func (m *Manager) Update(id string, patch UpdatePatch) (Space, error) {
	rec, err := m.store.GetSpace(id)
	if err != nil {
		return Space{}, err
	}
	if rec.Status == StatusDestroyed {
		return Space{}, alerrors.New(alerrors.CategoryValidation, "spaces.update", id,
			fmt.Errorf("space is destroyed: %w", alerrors.ErrConflict))
	}

	if patch.Name != nil {
		rec.Name = *patch.Name
	}
	if patch.Description != nil {
		rec.Description = *patch.Description
	}
	if patch.Status != nil {
		rec.Status = *patch.Status
	}
	if patch.Metadata != nil {
		encoded, err := json.Marshal(*patch.Metadata)
		if err != nil {
			return Space{}, fmt.Errorf("encode metadata: %w", err)
		}
		rec.Metadata = string(encoded)
	}

	if err := m.store.UpdateSpace(rec); err != nil {
		return Space{}, err
	}
	return decodeSpace(rec)
}

// Extend pushes the space's expiry forward by additionalSeconds.
func (m *Manager) Extend(id string, additionalSeconds int) (Space, error) {
	if additionalSeconds <= 0 {
		return Space{}, alerrors.New(alerrors.CategoryValidation, "spaces.extend", id,
			fmt.Errorf("additional seconds must be positive: %w", alerrors.ErrInvalidInput))
	}
	rec, err := m.store.GetSpace(id)
	if err != nil {
		return Space{}, err
	}
	if rec.Status == StatusDestroyed {
		return Space{}, alerrors.New(alerrors.CategoryValidation, "spaces.extend", id,
			fmt.Errorf("space is destroyed: %w", alerrors.ErrConflict))
	}

	rec.ExpiresAt = rec.ExpiresAt.Add(time.Duration(additionalSeconds) * time.Second)
	rec.TTLSeconds += additionalSeconds
	if err := m.store.UpdateSpace(rec); err != nil {
		return Space{}, err
	}
	log.Info().Str("space_id", id).Time("expires_at", rec.ExpiresAt).Msg("Space TTL extended")
	return decodeSpace(rec)
}

// Destroy tears down the space's sandbox and tombstones the record. Destroying
// a destroyed or unregistered space is a no-op.
func (m *Manager) Destroy(ctx context.Context, id string) error {
	return m.destroy(ctx, id, "api")
}

func (m *Manager) destroy(ctx context.Context, id, trigger string) error {
	rec, err := m.store.GetSpace(id)
	if err != nil {
		return err
	}

	m.mu.Lock()
	ent := m.entries[id]
	delete(m.entries, id)
	m.mu.Unlock()

	if ent != nil {
		if err := ent.sandbox.Destroy(ctx); err != nil {
			log.Warn().Err(err).Str("space_id", id).Msg("Sandbox teardown failed")
		}
	}

	if rec.Status == StatusDestroyed {
		return nil
	}
	rec.Status = StatusDestroyed
	if err := m.store.UpdateSpace(rec); err != nil {
		return err
	}
	metrics.RecordSpaceDestroyed(trigger)
	log.Info().Str("space_id", id).Str("trigger", trigger).Msg("Space destroyed")
	return nil
}

// GetSandbox returns the live sandbox for a space. A persisted but
// unregistered space (after a restart, or once destroyed) has no sandbox.
func (m *Manager) GetSandbox(id string) (Sandbox, error) {
	m.mu.RLock()
	ent := m.entries[id]
	m.mu.RUnlock()
	if ent == nil {
		return nil, alerrors.New(alerrors.CategoryValidation, "spaces.getSandbox", id,
			fmt.Errorf("space %s has no live sandbox: %w", id, alerrors.ErrNotFound))
	}
	return ent.sandbox, nil
}

// GetPolicyEngine returns the space's policy engine.
func (m *Manager) GetPolicyEngine(id string) (*policy.Engine, error) {
	m.mu.RLock()
	ent := m.entries[id]
	m.mu.RUnlock()
	if ent == nil {
		return nil, alerrors.New(alerrors.CategoryValidation, "spaces.getPolicyEngine", id,
			fmt.Errorf("space %s has no live policy engine: %w", id, alerrors.ErrNotFound))
	}
	return ent.engine, nil
}

// SetRunState flips a space between ready, running, and paused as executor
// passes start, suspend, and finish. Destroyed and unknown spaces are left
// untouched; the transition is advisory and failures only log.
func (m *Manager) SetRunState(id, status string) {
	rec, err := m.store.GetSpace(id)
	if err != nil || rec.Status == StatusDestroyed || rec.Status == status {
		return
	}
	rec.Status = status
	if err := m.store.UpdateSpace(rec); err != nil {
		log.Warn().Err(err).Str("space_id", id).Str("status", status).Msg("Failed to update space run state")
	}
}

// RunLock returns the mutex serializing runs within the space. The caller
// holds it for the whole executor pass.
func (m *Manager) RunLock(id string) (*sync.Mutex, error) {
	m.mu.RLock()
	ent := m.entries[id]
	m.mu.RUnlock()
	if ent == nil {
		return nil, alerrors.New(alerrors.CategoryValidation, "spaces.runLock", id,
			fmt.Errorf("space %s has no live sandbox: %w", id, alerrors.ErrNotFound))
	}
	return &ent.runMu, nil
}

// Shutdown destroys every registered sandbox. Records keep their status; the
// next start recreates nothing automatically.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	entries := m.entries
	m.entries = make(map[string]*entry)
	m.mu.Unlock()

	for id, ent := range entries {
		if err := ent.sandbox.Destroy(ctx); err != nil {
			log.Warn().Err(err).Str("space_id", id).Msg("Sandbox teardown failed during shutdown")
		}
	}
}

func encodeSpace(sp Space, containerID string) (store.SpaceRecord, error) {
	rec := store.SpaceRecord{
		ID:            sp.ID,
		Name:          sp.Name,
		Description:   sp.Description,
		Status:        sp.Status,
		Policy:        sp.Policy,
		WorkspacePath: sp.WorkspacePath,
		ContainerID:   containerID,
		TTLSeconds:    sp.TTLSeconds,
		CreatedAt:     sp.CreatedAt,
		ExpiresAt:     sp.ExpiresAt,
	}
	if sp.PolicyOverrides != nil {
		encoded, err := json.Marshal(sp.PolicyOverrides)
		if err != nil {
			return store.SpaceRecord{}, fmt.Errorf("encode policy overrides: %w", err)
		}
		rec.PolicyOverrides = string(encoded)
	}
	for _, field := range []struct {
		value any
		dst   *string
	}{
		{sp.Capabilities, &rec.Capabilities},
		{sp.Env, &rec.Env},
		{sp.Metadata, &rec.Metadata},
	} {
		encoded, err := json.Marshal(field.value)
		if err != nil {
			return store.SpaceRecord{}, fmt.Errorf("encode space field: %w", err)
		}
		*field.dst = string(encoded)
	}
	return rec, nil
}

func decodeSpace(rec store.SpaceRecord) (Space, error) {
	sp := Space{
		ID:            rec.ID,
		Name:          rec.Name,
		Description:   rec.Description,
		Status:        rec.Status,
		Policy:        rec.Policy,
		WorkspacePath: rec.WorkspacePath,
		TTLSeconds:    rec.TTLSeconds,
		CreatedAt:     rec.CreatedAt,
		ExpiresAt:     rec.ExpiresAt,
	}
	if rec.PolicyOverrides != "" {
		if err := json.Unmarshal([]byte(rec.PolicyOverrides), &sp.PolicyOverrides); err != nil {
			return Space{}, fmt.Errorf("decode policy overrides for %s: %w", rec.ID, err)
		}
	}
	for _, field := range []struct {
		raw string
		dst any
	}{
		{rec.Capabilities, &sp.Capabilities},
		{rec.Env, &sp.Env},
		{rec.Metadata, &sp.Metadata},
	} {
		if field.raw == "" || field.raw == "null" {
			continue
		}
		if err := json.Unmarshal([]byte(field.raw), field.dst); err != nil {
			return Space{}, fmt.Errorf("decode space field for %s: %w", rec.ID, err)
		}
	}
	return sp, nil
}
