package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"quiz-sync-service/internal/domain"
)

// HostCommand identifies who is driving which session.
// ExpectedVersion pins the record version the caller's intent was computed
// against; zero means "whatever is current".
type HostCommand struct {
	SessionID       string
	HostID          string
	ExpectedVersion int64
}

// HostController is the single writer of session records.
type HostController struct {
	records RecordStore
	clock   clockwork.Clock
}

func NewHostController(records RecordStore, clock clockwork.Clock) *HostController {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &HostController{records: records, clock: clock}
}

type stepFunc func(rec domain.SessionRecord, now time.Time) (next domain.SessionRecord, changed bool, err error)

func always(fn func(domain.SessionRecord, time.Time) (domain.SessionRecord, error)) stepFunc {
	return func(rec domain.SessionRecord, now time.Time) (domain.SessionRecord, bool, error) {
		next, err := fn(rec, now)
		return next, err == nil, err
	}
}

// Advance closes voting, or moves on from results to the next question or completion.
func (h *HostController) Advance(ctx context.Context, cmd HostCommand) (domain.SessionRecord, error) {
	return h.transition(ctx, cmd, "advance", always(domain.NextAdvance))
}

// Retreat reopens voting on the previous question. Earlier answers are kept.
func (h *HostController) Retreat(ctx context.Context, cmd HostCommand) (domain.SessionRecord, error) {
	return h.transition(ctx, cmd, "retreat", always(domain.NextRetreat))
}

// JumpTo opens voting on question index.
func (h *HostController) JumpTo(ctx context.Context, cmd HostCommand, index int) (domain.SessionRecord, error) {
	return h.transition(ctx, cmd, "jump", always(func(rec domain.SessionRecord, now time.Time) (domain.SessionRecord, error) {
		return domain.NextJump(rec, index, now)
	}))
}

// RevealResults behaves like Advance while voting and is a no-op once results are shown.
func (h *HostController) RevealResults(ctx context.Context, cmd HostCommand) (domain.SessionRecord, error) {
	return h.transition(ctx, cmd, "reveal", domain.NextReveal)
}

// transition runs read -> compute -> CAS, re-reading once on a version conflict.
// Pinned commands never retry: their intent was computed against a view that is gone.
func (h *HostController) transition(ctx context.Context, cmd HostCommand, op string, step stepFunc) (domain.SessionRecord, error) {
	var lastErr error
	for attempt := 1; attempt <= 2; attempt++ {
		rec, err := h.records.Get(ctx, cmd.SessionID)
		if err != nil {
			return domain.SessionRecord{}, err
		}
		if rec.HostID != cmd.HostID {
			return rec, domain.ErrNotHost
		}
		if cmd.ExpectedVersion > 0 && cmd.ExpectedVersion != rec.Version {
			return rec, fmt.Errorf("%w: expected %d, stored %d", domain.ErrVersionConflict, cmd.ExpectedVersion, rec.Version)
		}

		next, changed, err := step(rec, h.clock.Now())
		if err != nil {
			return rec, err
		}
		if !changed {
			return rec, nil
		}

		stored, err := h.records.CompareAndSet(ctx, cmd.SessionID, rec.Version, next)
		if err == nil {
			log.Info().
				Str("session_id", cmd.SessionID).
				Str("op", op).
				Int("index", stored.CurrentIndex).
				Str("phase", string(stored.Phase)).
				Int64("version", stored.Version).
				Msg("session transition applied")
			return stored, nil
		}
		if !errors.Is(err, domain.ErrVersionConflict) || cmd.ExpectedVersion > 0 {
			return rec, err
		}
		lastErr = err
		log.Warn().
			Str("session_id", cmd.SessionID).
			Str("op", op).
			Int("attempt", attempt).
			Int64("version", rec.Version).
			Msg("session transition lost compare-and-set")
	}
	return domain.SessionRecord{}, fmt.Errorf("%w: %s: %v", domain.ErrConcurrentModification, op, lastErr)
}
