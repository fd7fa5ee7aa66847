package http

import (
	"context"
	"net/http"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"quiz-sync-service/internal/app"
	"quiz-sync-service/internal/domain"
)

// ServeHostWS streams the session record and the live tally of the current
// question to the host. Commands go through the REST routes.
func (h *Handler) ServeHostWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	hostID := r.URL.Query().Get("hostId")
	if sessionID == "" || hostID == "" {
		http.Error(w, "missing sessionId or hostId", http.StatusBadRequest)
		return
	}
	rec, err := h.sessions.Get(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	if rec.HostID != hostID {
		writeError(w, domain.ErrNotHost)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("ws upgrade failed")
		return
	}
	c := newWSConn(conn, h.opts.Conn, hostID)
	syncer := app.NewSynchronizer(sessionID, hostID, h.sessions, h.sessions, app.SynchronizerConfig{
		PollInterval: h.opts.PollInterval,
		Clock:        h.opts.Clock,
	})

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c.writePump()
		return nil
	})
	g.Go(func() error {
		defer c.close()
		return syncer.Run(gctx)
	})
	g.Go(func() error {
		h.streamHostView(gctx, c, syncer)
		return nil
	})

	c.readPump(func(msg inboundMessage) {
		c.enqueue("error", errorPayload{Code: "bad_message", Message: "host socket is read-only"})
	})
	cancel()
	if err := g.Wait(); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("host view ended")
	}
}

// streamHostView forwards every record change and keeps one tally watch open on
// the question currently shown. A watch that could not be opened or has ended
// is retried on the poll interval.
func (h *Handler) streamHostView(ctx context.Context, c *wsConn, syncer *app.Synchronizer) {
	var (
		current   app.View
		watching  string
		tallies   <-chan domain.Tally
		stopTally = func() {}
	)
	defer func() { stopTally() }()

	watch := func(sessionID, questionID string) {
		stopTally()
		tctx, stop := context.WithCancel(ctx)
		stopTally = stop
		watching = questionID
		ch, err := h.aggregator.Watch(tctx, sessionID, questionID)
		if err != nil {
			log.Warn().Err(err).Str("session_id", sessionID).Msg("tally watch failed")
			tallies = nil
			return
		}
		tallies = ch
	}

	ticker := h.opts.Clock.NewTicker(h.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case view := <-syncer.Views():
			rec, ok := syncer.Current()
			if !ok {
				continue
			}
			current = view
			c.enqueue("state", rec)
			if view.QuestionID != watching || tallies == nil {
				watch(view.SessionID, view.QuestionID)
			}
		case tally, ok := <-tallies:
			if !ok {
				tallies = nil
				continue
			}
			c.enqueue("tally", tally)
		case <-ticker.Chan():
			if tallies == nil && current.SessionID != "" {
				watch(current.SessionID, current.QuestionID)
			}
		}
	}
}
