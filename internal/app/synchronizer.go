package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"quiz-sync-service/internal/domain"
)

// RecordSource is the read side of a RecordStore.
type RecordSource interface {
	Get(ctx context.Context, sessionID string) (domain.SessionRecord, error)
	Subscribe(ctx context.Context, sessionID string) (<-chan domain.SessionRecord, func(), error)
}

// AnswerSubmitter performs the authoritative answer write.
type AnswerSubmitter interface {
	SubmitAnswer(ctx context.Context, sessionID, participantID, questionID string, options []int) (domain.Attempt, error)
}

// View is what a participant should be showing.
type View struct {
	SessionID  string       `json:"sessionId"`
	QuestionID string       `json:"questionId"`
	Index      int          `json:"index"`
	Total      int          `json:"total"`
	Phase      domain.Phase `json:"phase"`
	ExpiresAt  *time.Time   `json:"expiresAt"`
	Version    int64        `json:"version"`
}

func viewOf(rec domain.SessionRecord) View {
	return View{
		SessionID:  rec.SessionID,
		QuestionID: rec.CurrentQuestionID(),
		Index:      rec.CurrentIndex,
		Total:      len(rec.QuestionOrder),
		Phase:      rec.Phase,
		ExpiresAt:  rec.Clone().QuestionExpiresAt,
		Version:    rec.Version,
	}
}

// sameRender ignores Version: a newer record showing the same thing is not a re-render.
func sameRender(a, b View) bool {
	if a.Index != b.Index || a.Phase != b.Phase {
		return false
	}
	if (a.ExpiresAt == nil) != (b.ExpiresAt == nil) {
		return false
	}
	return a.ExpiresAt == nil || a.ExpiresAt.Equal(*b.ExpiresAt)
}

// SynchronizerConfig tunes the reconciliation poll.
type SynchronizerConfig struct {
	PollInterval time.Duration
	Clock        clockwork.Clock
}

// Synchronizer keeps one participant's view converged on the session record.
// Push notifications are a hint; the periodic poll is the ground truth. Every
// record is applied highest-version-wins, so duplicates and reordering are harmless.
type Synchronizer struct {
	sessionID     string
	participantID string
	source        RecordSource
	submitter     AnswerSubmitter
	clock         clockwork.Clock
	pollInterval  time.Duration

	mu       sync.RWMutex
	record   domain.SessionRecord
	seen     bool
	view     View
	degraded bool
	views    chan View
}

func NewSynchronizer(sessionID, participantID string, source RecordSource, submitter AnswerSubmitter, cfg SynchronizerConfig) *Synchronizer {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	return &Synchronizer{
		sessionID:     sessionID,
		participantID: participantID,
		source:        source,
		submitter:     submitter,
		clock:         cfg.Clock,
		pollInterval:  cfg.PollInterval,
		views:         make(chan View, 1),
	}
}

// Views delivers the latest view each time what should be rendered changes.
func (s *Synchronizer) Views() <-chan View {
	return s.views
}

// Current returns the freshest record applied so far.
func (s *Synchronizer) Current() (domain.SessionRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.record.Clone(), s.seen
}

// Degraded reports whether the push subscription is down and only polling is active.
func (s *Synchronizer) Degraded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.degraded
}

// Apply folds rec into local state. Records with a version at or below the
// last applied one are discarded. It reports whether a new view was emitted.
func (s *Synchronizer) Apply(rec domain.SessionRecord) bool {
	if rec.SessionID != s.sessionID {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen && rec.Version <= s.record.Version {
		return false
	}
	first := !s.seen
	s.record = rec.Clone()
	s.seen = true

	next := viewOf(rec)
	if !first && sameRender(s.view, next) {
		s.view = next
		return false
	}
	s.view = next
	sendLatest(s.views, next)
	return true
}

// Sync fetches the record directly and applies it.
func (s *Synchronizer) Sync(ctx context.Context) error {
	rec, err := s.source.Get(ctx, s.sessionID)
	if err != nil {
		return err
	}
	s.Apply(rec)
	return nil
}

// Run joins the session and keeps the view converged until ctx ends.
func (s *Synchronizer) Run(ctx context.Context) error {
	if err := s.Sync(ctx); err != nil {
		return fmt.Errorf("initial fetch: %w", err)
	}

	updates, cancel := s.subscribe(ctx)
	defer func() {
		if cancel != nil {
			cancel()
		}
	}()

	ticker := s.clock.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case rec, ok := <-updates:
			if !ok {
				log.Warn().
					Err(domain.ErrSubscriptionLost).
					Str("session_id", s.sessionID).
					Str("participant_id", s.participantID).
					Msg("falling back to polling")
				cancel()
				updates, cancel = nil, nil
				s.setDegraded(true)
				continue
			}
			s.Apply(rec)
		case <-ticker.Chan():
			if err := s.Sync(ctx); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Str("session_id", s.sessionID).Msg("reconciliation poll failed")
			}
			if updates == nil {
				updates, cancel = s.subscribe(ctx)
			}
		}
	}
}

func (s *Synchronizer) subscribe(ctx context.Context) (<-chan domain.SessionRecord, func()) {
	updates, cancel, err := s.source.Subscribe(ctx, s.sessionID)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn().
				Err(fmt.Errorf("%w: %v", domain.ErrSubscriptionLost, err)).
				Str("session_id", s.sessionID).
				Msg("subscribe failed; polling only")
		}
		s.setDegraded(true)
		return nil, nil
	}
	s.setDegraded(false)
	return updates, cancel
}

func (s *Synchronizer) setDegraded(v bool) {
	s.mu.Lock()
	s.degraded = v
	s.mu.Unlock()
}

// Submit answers questionID. It is rejected locally when the known phase is not
// voting for that question or the deadline passed; otherwise the authoritative
// write decides. Authoritative rejections trigger a re-sync.
func (s *Synchronizer) Submit(ctx context.Context, questionID string, options []int) (domain.Attempt, error) {
	rec, ok := s.Current()
	if !ok {
		return domain.Attempt{}, fmt.Errorf("%w: session state not yet known", domain.ErrStalePhase)
	}
	if err := domain.CheckSubmission(rec, questionID, s.clock.Now()); err != nil {
		return domain.Attempt{}, err
	}
	attempt, err := s.submitter.SubmitAnswer(ctx, s.sessionID, s.participantID, questionID, options)
	if errors.Is(err, domain.ErrStalePhase) || errors.Is(err, domain.ErrDeadlineExceeded) {
		if syncErr := s.Sync(ctx); syncErr != nil {
			log.Warn().Err(syncErr).Str("session_id", s.sessionID).Msg("re-sync after rejected answer failed")
		}
	}
	return attempt, err
}
