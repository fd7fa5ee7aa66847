package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"quiz-sync-service/internal/domain"
)

// AutoAdvancerConfig tunes the poll that backs the record subscription.
type AutoAdvancerConfig struct {
	PollInterval time.Duration
	Clock        clockwork.Clock
}

// AutoAdvancer closes voting on the host's behalf once a question expires.
// It is a convenience: deadlines are enforced at submission time regardless.
// Each timer pins the record version it was armed for, so a timer that fires
// after the host already moved on loses the CAS and does nothing.
type AutoAdvancer struct {
	host         *HostController
	records      RecordSource
	clock        clockwork.Clock
	pollInterval time.Duration

	mu     sync.Mutex
	timers map[string]clockwork.Timer
}

func NewAutoAdvancer(host *HostController, records RecordSource, cfg AutoAdvancerConfig) *AutoAdvancer {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	return &AutoAdvancer{
		host:         host,
		records:      records,
		clock:        cfg.Clock,
		pollInterval: cfg.PollInterval,
		timers:       make(map[string]clockwork.Timer),
	}
}

// Watch follows one session until it completes or ctx ends. A lost
// subscription keeps the armed timer and falls back to polling until a new
// subscription can be opened.
func (a *AutoAdvancer) Watch(ctx context.Context, sessionID string) error {
	updates, cancel := a.subscribe(ctx, sessionID)
	defer func() {
		if cancel != nil {
			cancel()
		}
	}()
	defer a.cancelTimer(sessionID)

	rec, err := a.records.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	var latest int64
	arm := func(rec domain.SessionRecord) bool {
		if rec.Version <= latest {
			return true
		}
		latest = rec.Version
		if rec.Phase == domain.PhaseCompleted {
			return false
		}
		a.schedule(ctx, rec)
		return true
	}
	if !arm(rec) {
		return nil
	}

	ticker := a.clock.NewTicker(a.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case rec, ok := <-updates:
			if !ok {
				log.Warn().
					Err(domain.ErrSubscriptionLost).
					Str("session_id", sessionID).
					Msg("auto-advance falling back to polling")
				cancel()
				updates, cancel = nil, nil
				continue
			}
			if !arm(rec) {
				return nil
			}
		case <-ticker.Chan():
			rec, err := a.records.Get(ctx, sessionID)
			if err != nil {
				if ctx.Err() == nil {
					log.Warn().Err(err).Str("session_id", sessionID).Msg("auto-advance poll failed")
				}
			} else if !arm(rec) {
				return nil
			}
			if updates == nil {
				updates, cancel = a.subscribe(ctx, sessionID)
			}
		}
	}
}

func (a *AutoAdvancer) subscribe(ctx context.Context, sessionID string) (<-chan domain.SessionRecord, func()) {
	updates, cancel, err := a.records.Subscribe(ctx, sessionID)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn().
				Err(fmt.Errorf("%w: %v", domain.ErrSubscriptionLost, err)).
				Str("session_id", sessionID).
				Msg("auto-advance subscribe failed; polling only")
		}
		return nil, nil
	}
	return updates, cancel
}

// schedule replaces any pending timer for the session with one for rec's deadline.
func (a *AutoAdvancer) schedule(ctx context.Context, rec domain.SessionRecord) {
	a.cancelTimer(rec.SessionID)
	if rec.Phase != domain.PhaseVoting || rec.QuestionExpiresAt == nil {
		return
	}
	wait := rec.QuestionExpiresAt.Sub(a.clock.Now())
	if wait < 0 {
		wait = 0
	}

	cmd := HostCommand{SessionID: rec.SessionID, HostID: rec.HostID, ExpectedVersion: rec.Version}
	timer := a.clock.AfterFunc(wait, func() {
		if ctx.Err() != nil {
			return
		}
		if _, err := a.host.RevealResults(ctx, cmd); err != nil {
			log.Debug().Err(err).Str("session_id", cmd.SessionID).Int64("version", cmd.ExpectedVersion).Msg("auto-advance skipped")
		}
	})

	a.mu.Lock()
	a.timers[rec.SessionID] = timer
	a.mu.Unlock()
	log.Debug().Str("session_id", rec.SessionID).Dur("wait", wait).Msg("auto-advance armed")
}

func (a *AutoAdvancer) cancelTimer(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if timer, ok := a.timers[sessionID]; ok {
		timer.Stop()
		delete(a.timers, sessionID)
	}
}

// Pending reports whether a timer is armed for the session.
func (a *AutoAdvancer) Pending(sessionID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.timers[sessionID]
	return ok
}
