package http

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"quiz-sync-service/internal/app"
	"quiz-sync-service/internal/domain"
)

type answerPayload struct {
	QuestionID string `json:"questionId"`
	Options    []int  `json:"options"`
}

type ackPayload struct {
	QuestionID string `json:"questionId"`
	Options    []int  `json:"options"`
	Revision   int64  `json:"revision"`
}

type statePayload struct {
	app.View
	Question *domain.Question `json:"question,omitempty"`
}

// ServeWS runs one participant: it joins the session, then keeps the client's view
// converged with a Synchronizer and forwards answers to the authoritative store.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	participantID := r.URL.Query().Get("participantId")
	if sessionID == "" || participantID == "" {
		http.Error(w, "missing sessionId or participantId", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("ws upgrade failed")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	_, attempt, err := h.sessions.Join(ctx, sessionID, participantID)
	if err == nil {
		var questions []domain.Question
		questions, err = h.sessions.Questions(ctx, sessionID)
		if err == nil {
			h.runParticipant(ctx, newWSConn(conn, h.opts.Conn, participantID), attempt, questions)
			return
		}
	}
	_, code := classify(err)
	_ = conn.WriteJSON(outboundMessage[errorPayload]{Type: "error", Payload: errorPayload{Code: code, Message: err.Error()}})
	conn.Close()
}

func (h *Handler) runParticipant(ctx context.Context, c *wsConn, attempt domain.Attempt, questions []domain.Question) {
	byID := make(map[string]domain.Question, len(questions))
	for _, q := range questions {
		byID[q.ID] = q
	}
	syncer := app.NewSynchronizer(attempt.SessionID, attempt.ParticipantID, h.sessions, h.sessions, app.SynchronizerConfig{
		PollInterval: h.opts.PollInterval,
		Clock:        h.opts.Clock,
	})

	log.Info().
		Str("session_id", attempt.SessionID).
		Str("participant_id", attempt.ParticipantID).
		Msg("participant connected")

	c.enqueue("joined", attempt)

	ctx, cancel := context.WithCancel(ctx)
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
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-c.done:
				return nil
			case view := <-syncer.Views():
				state := statePayload{View: view}
				if q, ok := byID[view.QuestionID]; ok {
					state.Question = &q
				}
				c.enqueue("state", state)
			}
		}
	})

	c.readPump(func(msg inboundMessage) {
		switch msg.Type {
		case "answer":
			var payload answerPayload
			if err := json.Unmarshal(msg.Payload, &payload); err != nil {
				c.enqueue("error", errorPayload{Code: "bad_message", Message: "invalid answer payload"})
				return
			}
			updated, err := syncer.Submit(gctx, payload.QuestionID, payload.Options)
			if err != nil {
				c.sendError(err)
				return
			}
			c.enqueue("ack", ackPayload{
				QuestionID: payload.QuestionID,
				Options:    updated.Answers[payload.QuestionID].Options,
				Revision:   updated.Revision,
			})
		default:
			c.enqueue("error", errorPayload{Code: "bad_message", Message: "unsupported message type"})
		}
	})

	cancel()
	if err := g.Wait(); err != nil {
		log.Warn().Err(err).Str("session_id", attempt.SessionID).Msg("participant sync ended")
	}
	log.Info().
		Str("session_id", attempt.SessionID).
		Str("participant_id", attempt.ParticipantID).
		Msg("participant disconnected")
}
