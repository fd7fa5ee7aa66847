// Package natsbus fans session record changes out over NATS so every instance
// can push them to its own participants.
package natsbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
	"quiz-sync-service/internal/app"
	"quiz-sync-service/internal/domain"
	"quiz-sync-service/internal/pubsub"
)

type Config struct {
	URL           string
	SubjectPrefix string
	MaxReconnects int
	ReconnectWait time.Duration
}

func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		SubjectPrefix: "quiz.sessions",
		MaxReconnects: -1, // Infinite
		ReconnectWait: 2 * time.Second,
	}
}

// Store decorates a SessionStore: record writes are published on
// <prefix>.<sessionID> after they commit, and Subscribe is served from NATS.
// Everything else passes straight through.
type Store struct {
	app.SessionStore

	nc     *nats.Conn
	sub    *nats.Subscription
	prefix string
	hub    *pubsub.Hub[domain.SessionRecord]
}

// Connect dials NATS and starts relaying record messages for all sessions.
func Connect(inner app.SessionStore, cfg Config) (*Store, error) {
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = DefaultConfig().SubjectPrefix
	}
	s := &Store{
		SessionStore: inner,
		prefix:       cfg.SubjectPrefix,
		hub:          pubsub.NewHub[domain.SessionRecord](8),
	}

	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
			// subscribers resubscribe on their next poll
			s.hub.Close()
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	s.nc = nc

	sub, err := nc.Subscribe(s.prefix+".*", s.handle)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("subscribe %s.*: %w", s.prefix, err)
	}
	s.sub = sub
	if err := nc.Flush(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("flush subscription: %w", err)
	}
	return s, nil
}

func (s *Store) Create(ctx context.Context, rec domain.SessionRecord) (domain.SessionRecord, error) {
	stored, err := s.SessionStore.Create(ctx, rec)
	if err != nil {
		return stored, err
	}
	s.publish(stored)
	return stored, nil
}

func (s *Store) CompareAndSet(ctx context.Context, sessionID string, expectedVersion int64, next domain.SessionRecord) (domain.SessionRecord, error) {
	stored, err := s.SessionStore.CompareAndSet(ctx, sessionID, expectedVersion, next)
	if err != nil {
		return stored, err
	}
	s.publish(stored)
	return stored, nil
}

func (s *Store) Subscribe(ctx context.Context, sessionID string) (<-chan domain.SessionRecord, func(), error) {
	if _, err := s.SessionStore.Get(ctx, sessionID); err != nil {
		return nil, nil, err
	}
	if !s.nc.IsConnected() {
		return nil, nil, fmt.Errorf("%w: nats %s", domain.ErrSubscriptionLost, s.nc.Status())
	}
	ch, cancel := s.hub.Subscribe(sessionID)
	return ch, cancel, nil
}

func (s *Store) Close() {
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
	s.nc.Close()
	s.hub.Close()
}

func (s *Store) subject(sessionID string) string {
	return s.prefix + "." + sessionID
}

// publish is best effort; pollers pick up anything lost here.
func (s *Store) publish(rec domain.SessionRecord) {
	data, err := json.Marshal(rec)
	if err != nil {
		log.Error().Err(err).Msg("marshal record")
		return
	}
	if err := s.nc.Publish(s.subject(rec.SessionID), data); err != nil {
		log.Warn().Err(err).Str("session_id", rec.SessionID).Msg("NATS publish failed")
	}
}

func (s *Store) handle(msg *nats.Msg) {
	sessionID := strings.TrimPrefix(msg.Subject, s.prefix+".")
	var rec domain.SessionRecord
	if err := json.Unmarshal(msg.Data, &rec); err != nil {
		log.Warn().Err(err).Str("subject", msg.Subject).Msg("dropping undecodable record")
		return
	}
	if rec.SessionID != sessionID {
		log.Warn().Str("subject", msg.Subject).Str("session_id", rec.SessionID).Msg("record on wrong subject")
		return
	}
	s.hub.Publish(sessionID, rec)
}
