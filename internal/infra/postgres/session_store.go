package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"
	"quiz-sync-service/internal/domain"
	"quiz-sync-service/internal/pubsub"
)

const (
	recordsChannel  = "quiz_session_records"
	attemptsChannel = "quiz_attempt_events"
)

// attemptNotice is the NOTIFY payload for attempt writes. The listener loads
// the row itself, which keeps payloads under the 8000 byte limit.
type attemptNotice struct {
	Type          domain.AttemptEventType `json:"type"`
	SessionID     string                  `json:"sessionId"`
	ParticipantID string                  `json:"participantId"`
}

// SessionStore keeps records and attempts in Postgres. Writes NOTIFY inside
// their transaction; a Listener turns notifications into subscriber updates.
type SessionStore struct {
	db       *bun.DB
	records  *pubsub.Hub[domain.SessionRecord]
	attempts *pubsub.Hub[domain.AttemptEvent]
}

func NewSessionStore(db *bun.DB) *SessionStore {
	return &SessionStore{
		db:       db,
		records:  pubsub.NewHub[domain.SessionRecord](8),
		attempts: pubsub.NewHub[domain.AttemptEvent](64),
	}
}

func (s *SessionStore) Create(ctx context.Context, rec domain.SessionRecord) (domain.SessionRecord, error) {
	stored := rec.Clone()
	stored.Version = 1
	row := sessionRowFrom(stored)

	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewInsert().Model(&row).On("CONFLICT (id) DO NOTHING").Exec(ctx)
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return domain.ErrSessionExists
		}
		return notify(ctx, tx, recordsChannel, stored.SessionID)
	})
	if err != nil {
		return domain.SessionRecord{}, err
	}
	return stored, nil
}

func (s *SessionStore) Get(ctx context.Context, sessionID string) (domain.SessionRecord, error) {
	var row sessionRow
	err := s.db.NewSelect().Model(&row).Where("id = ?", sessionID).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.SessionRecord{}, domain.ErrSessionNotFound
	}
	if err != nil {
		return domain.SessionRecord{}, fmt.Errorf("select session: %w", err)
	}
	return row.record(), nil
}

// CompareAndSet is a conditional UPDATE on the version column.
func (s *SessionStore) CompareAndSet(ctx context.Context, sessionID string, expectedVersion int64, next domain.SessionRecord) (domain.SessionRecord, error) {
	stored := next.Clone()
	stored.SessionID = sessionID
	stored.Version = expectedVersion + 1
	row := sessionRowFrom(stored)

	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewUpdate().
			Model(&row).
			Column("current_index", "phase", "question_expires_at", "time_budget_seconds", "version", "updated_at").
			WherePK().
			Where("version = ?", expectedVersion).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("update session: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			exists, err := tx.NewSelect().Model((*sessionRow)(nil)).Where("id = ?", sessionID).Exists(ctx)
			if err != nil {
				return err
			}
			if !exists {
				return domain.ErrSessionNotFound
			}
			return fmt.Errorf("%w: expected %d", domain.ErrVersionConflict, expectedVersion)
		}
		return notify(ctx, tx, recordsChannel, sessionID)
	})
	if err != nil {
		return domain.SessionRecord{}, err
	}
	return stored, nil
}

func (s *SessionStore) Subscribe(ctx context.Context, sessionID string) (<-chan domain.SessionRecord, func(), error) {
	if err := s.ensureSession(ctx, s.db, sessionID); err != nil {
		return nil, nil, err
	}
	ch, cancel := s.records.Subscribe(sessionID)
	return ch, cancel, nil
}

func (s *SessionStore) CreateAttempt(ctx context.Context, sessionID, participantID string, now time.Time) (domain.Attempt, bool, error) {
	row := attemptRow{
		SessionID:     sessionID,
		ParticipantID: participantID,
		Answers:       make(map[string]domain.Answer),
		Revision:      1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	var (
		result  domain.Attempt
		created bool
	)
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := s.ensureSession(ctx, tx, sessionID); err != nil {
			return err
		}
		res, err := tx.NewInsert().Model(&row).On("CONFLICT (session_id, participant_id) DO NOTHING").Exec(ctx)
		if err != nil {
			return fmt.Errorf("insert attempt: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			existing, err := s.selectAttempt(ctx, tx, sessionID, participantID, false)
			if err != nil {
				return err
			}
			result = existing.attempt()
			return nil
		}
		created = true
		result = row.attempt()
		return notifyAttempt(ctx, tx, domain.AttemptCreated, sessionID, participantID)
	})
	if err != nil {
		return domain.Attempt{}, false, err
	}
	return result, created, nil
}

// UpsertAnswer holds a share lock on the session row for the whole write, so a
// host transition either commits before the phase check or waits for the answer.
func (s *SessionStore) UpsertAnswer(ctx context.Context, sessionID, participantID, questionID string, options []int, now time.Time) (domain.Attempt, error) {
	var result domain.Attempt
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var session sessionRow
		err := tx.NewSelect().Model(&session).Where("id = ?", sessionID).For("SHARE").Scan(ctx)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrSessionNotFound
		}
		if err != nil {
			return fmt.Errorf("lock session: %w", err)
		}
		row, err := s.selectAttempt(ctx, tx, sessionID, participantID, true)
		if err != nil {
			return err
		}
		rec := session.record()
		if err := domain.CheckSubmission(rec, questionID, now); err != nil {
			return err
		}

		if row.Answers == nil {
			row.Answers = make(map[string]domain.Answer)
		}
		row.Answers[questionID] = domain.Answer{
			Options:       append([]int(nil), options...),
			QuestionIndex: rec.CurrentIndex,
			RecordVersion: rec.Version,
			SubmittedAt:   now,
		}
		row.Revision++
		row.UpdatedAt = now
		if _, err := tx.NewUpdate().Model(&row).Column("answers", "revision", "updated_at").WherePK().Exec(ctx); err != nil {
			return fmt.Errorf("update attempt: %w", err)
		}
		result = row.attempt()
		return notifyAttempt(ctx, tx, domain.AttemptUpdated, sessionID, participantID)
	})
	if err != nil {
		return domain.Attempt{}, err
	}
	return result, nil
}

func (s *SessionStore) ListAttempts(ctx context.Context, sessionID string) ([]domain.Attempt, error) {
	if err := s.ensureSession(ctx, s.db, sessionID); err != nil {
		return nil, err
	}
	var rows []attemptRow
	if err := s.db.NewSelect().Model(&rows).Where("session_id = ?", sessionID).Scan(ctx); err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	out := make([]domain.Attempt, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.attempt())
	}
	return out, nil
}

func (s *SessionStore) StreamAttempts(ctx context.Context, sessionID string) (<-chan domain.AttemptEvent, func(), error) {
	if err := s.ensureSession(ctx, s.db, sessionID); err != nil {
		return nil, nil, err
	}
	ch, cancel := s.attempts.Subscribe(sessionID)
	return ch, cancel, nil
}

// dispatch loads the row a notification points at and fans it out locally.
func (s *SessionStore) dispatch(ctx context.Context, channel, payload string) error {
	switch channel {
	case recordsChannel:
		rec, err := s.Get(ctx, payload)
		if err != nil {
			return err
		}
		s.records.Publish(rec.SessionID, rec)
	case attemptsChannel:
		var notice attemptNotice
		if err := json.Unmarshal([]byte(payload), &notice); err != nil {
			return fmt.Errorf("decode attempt notice: %w", err)
		}
		row, err := s.selectAttempt(ctx, s.db, notice.SessionID, notice.ParticipantID, false)
		if err != nil {
			return err
		}
		s.attempts.Publish(notice.SessionID, domain.AttemptEvent{Type: notice.Type, Attempt: row.attempt()})
	default:
		return fmt.Errorf("unexpected channel %q", channel)
	}
	return nil
}

// closeSubscriptions ends every local subscription; subscribers fall back to polling.
func (s *SessionStore) closeSubscriptions() {
	s.records.Close()
	s.attempts.Close()
}

func (s *SessionStore) selectAttempt(ctx context.Context, db bun.IDB, sessionID, participantID string, forUpdate bool) (attemptRow, error) {
	var row attemptRow
	q := db.NewSelect().Model(&row).
		Where("session_id = ?", sessionID).
		Where("participant_id = ?", participantID)
	if forUpdate {
		q = q.For("UPDATE")
	}
	err := q.Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return attemptRow{}, domain.ErrAttemptNotFound
	}
	if err != nil {
		return attemptRow{}, fmt.Errorf("select attempt: %w", err)
	}
	return row, nil
}

func (s *SessionStore) ensureSession(ctx context.Context, db bun.IDB, sessionID string) error {
	exists, err := db.NewSelect().Model((*sessionRow)(nil)).Where("id = ?", sessionID).Exists(ctx)
	if err != nil {
		return fmt.Errorf("check session: %w", err)
	}
	if !exists {
		return domain.ErrSessionNotFound
	}
	return nil
}

func notifyAttempt(ctx context.Context, tx bun.Tx, typ domain.AttemptEventType, sessionID, participantID string) error {
	payload, err := json.Marshal(attemptNotice{Type: typ, SessionID: sessionID, ParticipantID: participantID})
	if err != nil {
		return err
	}
	return notify(ctx, tx, attemptsChannel, string(payload))
}

// notify is delivered at commit, so listeners never see an uncommitted write.
func notify(ctx context.Context, tx bun.Tx, channel, payload string) error {
	if _, err := tx.ExecContext(ctx, "SELECT pg_notify(?, ?)", channel, payload); err != nil {
		return fmt.Errorf("notify %s: %w", channel, err)
	}
	return nil
}
