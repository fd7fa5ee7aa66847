package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

type ListenerConfig struct {
	DatabaseURL  string        // Postgres DSN for LISTEN/NOTIFY
	PingInterval time.Duration // keepalive on the listening connection
}

func DefaultListenerConfig() ListenerConfig {
	return ListenerConfig{
		PingInterval: 90 * time.Second,
	}
}

// Listener turns Postgres notifications into SessionStore subscriber updates.
type Listener struct {
	store    *SessionStore
	listener *pq.Listener
	cfg      ListenerConfig
}

func NewListener(store *SessionStore, cfg ListenerConfig) (*Listener, error) {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultListenerConfig().PingInterval
	}
	l := pq.NewListener(
		cfg.DatabaseURL,
		10*time.Second,
		time.Minute,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				log.Error().Err(err).Msg("listener event")
			}
		},
	)
	for _, channel := range []string{recordsChannel, attemptsChannel} {
		if err := l.Listen(channel); err != nil {
			_ = l.Close()
			return nil, fmt.Errorf("failed to listen to channel %s: %w", channel, err)
		}
	}
	return &Listener{store: store, listener: l, cfg: cfg}, nil
}

// Run dispatches notifications until ctx ends. Local subscriptions are closed
// on return so their owners degrade to polling.
func (l *Listener) Run(ctx context.Context) error {
	log.Info().
		Strs("channels", []string{recordsChannel, attemptsChannel}).
		Dur("ping_interval", l.cfg.PingInterval).
		Msg("listener started")
	defer l.store.closeSubscriptions()

	pingTicker := time.NewTicker(l.cfg.PingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("listener shutting down")
			return l.listener.Close()
		case note, ok := <-l.listener.Notify:
			if !ok {
				return fmt.Errorf("listener closed")
			}
			if note == nil {
				// reconnected; anything sent meanwhile is picked up by pollers
				log.Warn().Msg("listener reconnected, notifications may have been missed")
				continue
			}
			if err := l.store.dispatch(ctx, note.Channel, note.Extra); err != nil {
				log.Error().Err(err).Str("channel", note.Channel).Msg("failed to handle notification")
			}
		case <-pingTicker.C:
			if err := l.listener.Ping(); err != nil {
				log.Error().Err(err).Msg("failed to ping listener")
			}
		}
	}
}
