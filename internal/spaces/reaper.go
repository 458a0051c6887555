package spaces

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

const reapTimeout = 2 * time.Minute

// Reaper destroys spaces whose TTL has elapsed. It runs on a cron schedule
// and reuses the manager's destroy path, so teardown is identical to an
// explicit destroy.
type Reaper struct {
	manager *Manager
	cron    *cron.Cron
}

// NewReaper builds a reaper sweeping every minute.
func NewReaper(m *Manager) *Reaper {
	r := &Reaper{manager: m, cron: cron.New()}
	if _, err := r.cron.AddFunc("@every 1m", r.sweep); err != nil {
		// The schedule literal is fixed, so this only fires on a typo.
		log.Error().Err(err).Msg("Failed to schedule space reaper")
	}
	return r
}

// Start begins the sweep schedule.
func (r *Reaper) Start() {
	r.cron.Start()
	log.Info().Msg("Space reaper started")
}

// Stop halts the schedule and waits for an in-flight sweep to finish.
func (r *Reaper) Stop() {
	<-r.cron.Stop().Done()
}

func (r *Reaper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), reapTimeout)
	defer cancel()
	r.manager.ReapExpired(ctx, time.Now().UTC())
}

// ReapExpired destroys every live space past its expiry. Failures are logged
// and retried on the next sweep.
func (m *Manager) ReapExpired(ctx context.Context, now time.Time) {
	if n, err := m.store.ExpireOverdueApprovals(now); err != nil {
		log.Warn().Err(err).Msg("Failed to expire overdue approvals")
	} else if n > 0 {
		log.Info().Int64("approvals", n).Msg("Expired overdue approvals")
	}

	expired, err := m.store.ListExpiredSpaces(now)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list expired spaces")
		return
	}
	for _, rec := range expired {
		if err := m.destroy(ctx, rec.ID, "ttl"); err != nil {
			log.Warn().Err(err).Str("space_id", rec.ID).Msg("Failed to reap expired space")
			continue
		}
		log.Info().Str("space_id", rec.ID).Time("expired_at", rec.ExpiresAt).Msg("Expired space reaped")
	}
}
