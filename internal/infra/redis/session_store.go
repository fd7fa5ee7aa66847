package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"quiz-sync-service/internal/domain"
)

const maxTxRetries = 5

// SessionStore keeps session records and attempts in Redis so several instances
// can serve one session.
//   - quiz:session:{id}          record JSON, replaced under WATCH
//   - quiz:session:{id}:attempts hash participantID -> attempt JSON
//   - quiz:session:{id}:records  / :events pub/sub channels
//
// Every key carries the configured TTL, refreshed on write.
type SessionStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewSessionStore(client *redis.Client, ttl time.Duration) *SessionStore {
	return &SessionStore{client: client, ttl: ttl}
}

func (s *SessionStore) Create(ctx context.Context, rec domain.SessionRecord) (domain.SessionRecord, error) {
	stored := rec.Clone()
	stored.Version = 1
	payload, err := json.Marshal(stored)
	if err != nil {
		return domain.SessionRecord{}, err
	}
	ok, err := s.client.SetNX(ctx, s.recordKey(rec.SessionID), payload, s.ttl).Result()
	if err != nil {
		return domain.SessionRecord{}, fmt.Errorf("create session: %w", err)
	}
	if !ok {
		return domain.SessionRecord{}, domain.ErrSessionExists
	}
	s.publish(ctx, s.recordChannel(rec.SessionID), payload)
	return stored, nil
}

func (s *SessionStore) Get(ctx context.Context, sessionID string) (domain.SessionRecord, error) {
	return s.getRecord(ctx, s.client, sessionID)
}

// CompareAndSet replaces the record inside WATCH/MULTI. A concurrent writer
// aborts the transaction, which is reported as a version conflict.
func (s *SessionStore) CompareAndSet(ctx context.Context, sessionID string, expectedVersion int64, next domain.SessionRecord) (domain.SessionRecord, error) {
	key := s.recordKey(sessionID)
	stored := next.Clone()
	stored.SessionID = sessionID
	stored.Version = expectedVersion + 1
	payload, err := json.Marshal(stored)
	if err != nil {
		return domain.SessionRecord{}, err
	}

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := s.getRecord(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if current.Version != expectedVersion {
			return fmt.Errorf("%w: expected %d, stored %d", domain.ErrVersionConflict, expectedVersion, current.Version)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, s.ttl)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return domain.SessionRecord{}, fmt.Errorf("%w: record %s changed during write", domain.ErrVersionConflict, sessionID)
	}
	if err != nil {
		return domain.SessionRecord{}, err
	}
	s.publish(ctx, s.recordChannel(sessionID), payload)
	return stored, nil
}

func (s *SessionStore) Subscribe(ctx context.Context, sessionID string) (<-chan domain.SessionRecord, func(), error) {
	if err := s.ensureSession(ctx, sessionID); err != nil {
		return nil, nil, err
	}
	return subscribe[domain.SessionRecord](ctx, s.client, s.recordChannel(sessionID))
}

func (s *SessionStore) CreateAttempt(ctx context.Context, sessionID, participantID string, now time.Time) (domain.Attempt, bool, error) {
	if err := s.ensureSession(ctx, sessionID); err != nil {
		return domain.Attempt{}, false, err
	}
	attempt := domain.Attempt{
		SessionID:     sessionID,
		ParticipantID: participantID,
		Answers:       make(map[string]domain.Answer),
		Revision:      1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	payload, err := json.Marshal(attempt)
	if err != nil {
		return domain.Attempt{}, false, err
	}

	key := s.attemptsKey(sessionID)
	created, err := s.client.HSetNX(ctx, key, participantID, payload).Result()
	if err != nil {
		return domain.Attempt{}, false, fmt.Errorf("create attempt: %w", err)
	}
	if !created {
		existing, err := s.getAttempt(ctx, s.client, sessionID, participantID)
		return existing, false, err
	}
	if s.ttl > 0 {
		_ = s.client.Expire(ctx, key, s.ttl).Err()
	}
	s.publishAttempt(ctx, domain.AttemptEvent{Type: domain.AttemptCreated, Attempt: attempt})
	return attempt, true, nil
}

// UpsertAnswer watches both the record and the attempts hash, so a host
// transition committed between the phase check and the write aborts it.
func (s *SessionStore) UpsertAnswer(ctx context.Context, sessionID, participantID, questionID string, options []int, now time.Time) (domain.Attempt, error) {
	recordKey := s.recordKey(sessionID)
	attemptsKey := s.attemptsKey(sessionID)

	var updated domain.Attempt
	txf := func(tx *redis.Tx) error {
		rec, err := s.getRecord(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		attempt, err := s.getAttempt(ctx, tx, sessionID, participantID)
		if err != nil {
			return err
		}
		if err := domain.CheckSubmission(rec, questionID, now); err != nil {
			return err
		}

		attempt.Answers[questionID] = domain.Answer{
			Options:       append([]int(nil), options...),
			QuestionIndex: rec.CurrentIndex,
			RecordVersion: rec.Version,
			SubmittedAt:   now,
		}
		attempt.Revision++
		attempt.UpdatedAt = now
		payload, err := json.Marshal(attempt)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, attemptsKey, participantID, payload)
			if s.ttl > 0 {
				pipe.Expire(ctx, attemptsKey, s.ttl)
			}
			return nil
		})
		if err == nil {
			updated = attempt
		}
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, recordKey, attemptsKey)
		if err == nil {
			s.publishAttempt(ctx, domain.AttemptEvent{Type: domain.AttemptUpdated, Attempt: updated})
			return updated, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return domain.Attempt{}, err
	}
	return domain.Attempt{}, fmt.Errorf("%w: answer for %s/%s", domain.ErrConcurrentModification, sessionID, participantID)
}

func (s *SessionStore) ListAttempts(ctx context.Context, sessionID string) ([]domain.Attempt, error) {
	if err := s.ensureSession(ctx, sessionID); err != nil {
		return nil, err
	}
	raw, err := s.client.HGetAll(ctx, s.attemptsKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	out := make([]domain.Attempt, 0, len(raw))
	for participantID, payload := range raw {
		var attempt domain.Attempt
		if err := json.Unmarshal([]byte(payload), &attempt); err != nil {
			return nil, fmt.Errorf("decode attempt %s: %w", participantID, err)
		}
		out = append(out, normalizeAttempt(attempt))
	}
	return out, nil
}

func (s *SessionStore) StreamAttempts(ctx context.Context, sessionID string) (<-chan domain.AttemptEvent, func(), error) {
	if err := s.ensureSession(ctx, sessionID); err != nil {
		return nil, nil, err
	}
	return subscribe[domain.AttemptEvent](ctx, s.client, s.eventsChannel(sessionID))
}

func (s *SessionStore) getRecord(ctx context.Context, c redis.Cmdable, sessionID string) (domain.SessionRecord, error) {
	payload, err := c.Get(ctx, s.recordKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.SessionRecord{}, domain.ErrSessionNotFound
	}
	if err != nil {
		return domain.SessionRecord{}, err
	}
	var rec domain.SessionRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return domain.SessionRecord{}, fmt.Errorf("decode session %s: %w", sessionID, err)
	}
	return rec, nil
}

func (s *SessionStore) getAttempt(ctx context.Context, c redis.Cmdable, sessionID, participantID string) (domain.Attempt, error) {
	payload, err := c.HGet(ctx, s.attemptsKey(sessionID), participantID).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Attempt{}, domain.ErrAttemptNotFound
	}
	if err != nil {
		return domain.Attempt{}, err
	}
	var attempt domain.Attempt
	if err := json.Unmarshal(payload, &attempt); err != nil {
		return domain.Attempt{}, fmt.Errorf("decode attempt %s: %w", participantID, err)
	}
	return normalizeAttempt(attempt), nil
}

func (s *SessionStore) ensureSession(ctx context.Context, sessionID string) error {
	n, err := s.client.Exists(ctx, s.recordKey(sessionID)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrSessionNotFound
	}
	return nil
}

func (s *SessionStore) publishAttempt(ctx context.Context, ev domain.AttemptEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Msg("encode attempt event")
		return
	}
	s.publish(ctx, s.eventsChannel(ev.Attempt.SessionID), payload)
}

// publish is best effort. Readers reconcile against the stored record and
// attempts on their own poll, so a lost message only delays them.
func (s *SessionStore) publish(ctx context.Context, channel string, payload []byte) {
	if err := s.client.Publish(ctx, channel, payload).Err(); err != nil {
		log.Warn().Err(err).Str("channel", channel).Msg("redis publish failed")
	}
}

func (s *SessionStore) recordKey(sessionID string) string {
	return "quiz:session:" + sessionID
}

func (s *SessionStore) attemptsKey(sessionID string) string {
	return "quiz:session:" + sessionID + ":attempts"
}

func (s *SessionStore) recordChannel(sessionID string) string {
	return "quiz:session:" + sessionID + ":records"
}

func (s *SessionStore) eventsChannel(sessionID string) string {
	return "quiz:session:" + sessionID + ":events"
}

func normalizeAttempt(a domain.Attempt) domain.Attempt {
	if a.Answers == nil {
		a.Answers = make(map[string]domain.Answer)
	}
	return a
}

// subscribe relays JSON messages from a Redis channel. The returned channel is
// closed when the Redis subscription ends, ctx is done, or cancel is called.
func subscribe[T any](ctx context.Context, client *redis.Client, channel string) (<-chan T, func(), error) {
	sub := client.Subscribe(ctx, channel)
	// Wait for the confirmation so nothing published after return is missed.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	out := make(chan T, 16)
	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			_ = sub.Close()
		})
	}

	go func() {
		defer close(out)
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				cancel()
				return
			case <-done:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var v T
				if err := json.Unmarshal([]byte(msg.Payload), &v); err != nil {
					log.Warn().Err(err).Str("channel", channel).Msg("dropping undecodable message")
					continue
				}
				select {
				case out <- v:
				case <-done:
					return
				case <-ctx.Done():
					cancel()
					return
				}
			}
		}
	}()
	return out, cancel, nil
}
