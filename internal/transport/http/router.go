package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"quiz-sync-service/internal/app"
	"quiz-sync-service/internal/domain"
)

// Deps are the use cases the transport drives.
type Deps struct {
	Sessions   *app.SessionService
	Host       *app.HostController
	Aggregator *app.Aggregator
}

// Options tune the transport. Zero values fall back to defaults.
type Options struct {
	AllowedOrigins []string
	PollInterval   time.Duration
	Clock          clockwork.Clock
	Conn           ConnConfig
	// OnSessionStarted runs after a session is created over REST.
	OnSessionStarted func(domain.SessionRecord)
}

type Handler struct {
	sessions   *app.SessionService
	host       *app.HostController
	aggregator *app.Aggregator
	opts       Options
	upgrader   websocket.Upgrader
}

func NewHandler(deps Deps, opts Options) *Handler {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.Conn == (ConnConfig{}) {
		opts.Conn = DefaultConnConfig()
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	h := &Handler{
		sessions:   deps.Sessions,
		host:       deps.Host,
		aggregator: deps.Aggregator,
		opts:       opts,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// Router wires REST and websocket routes behind CORS.
func (h *Handler) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	api := r.PathPrefix("/api/sessions").Subrouter()
	api.HandleFunc("", h.createSession).Methods(http.MethodPost)
	api.HandleFunc("/{id}", h.getSession).Methods(http.MethodGet)
	api.HandleFunc("/{id}/questions", h.listQuestions).Methods(http.MethodGet)
	api.HandleFunc("/{id}/questions/{questionId}/tally", h.getTally).Methods(http.MethodGet)
	api.HandleFunc("/{id}/advance", h.hostCommand(h.host.Advance)).Methods(http.MethodPost)
	api.HandleFunc("/{id}/retreat", h.hostCommand(h.host.Retreat)).Methods(http.MethodPost)
	api.HandleFunc("/{id}/reveal", h.hostCommand(h.host.RevealResults)).Methods(http.MethodPost)
	api.HandleFunc("/{id}/jump", h.jump).Methods(http.MethodPost)

	r.HandleFunc("/ws", h.ServeWS)
	r.HandleFunc("/ws/host", h.ServeHostWS)

	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
		},
		AllowedOrigins: h.opts.AllowedOrigins,
		AllowedHeaders: []string{"*"},
	})
	return c.Handler(r)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.opts.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

type startSessionRequest struct {
	QuizID            string `json:"quizId"`
	HostID            string `json:"hostId"`
	TimeBudgetSeconds int    `json:"timeBudgetSeconds"`
}

type hostCommandRequest struct {
	HostID          string `json:"hostId"`
	Index           int    `json:"index"`
	ExpectedVersion int64  `json:"expectedVersion"`
}

func (h *Handler) createSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.QuizID == "" {
		http.Error(w, "quizId is required", http.StatusBadRequest)
		return
	}
	budget := time.Duration(req.TimeBudgetSeconds) * time.Second
	rec, err := h.sessions.StartSession(r.Context(), req.QuizID, req.HostID, budget)
	if err != nil {
		writeError(w, err)
		return
	}
	if h.opts.OnSessionStarted != nil {
		h.opts.OnSessionStarted(rec)
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	rec, err := h.sessions.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) listQuestions(w http.ResponseWriter, r *http.Request) {
	questions, err := h.sessions.Questions(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, questions)
}

func (h *Handler) getTally(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	tally, err := h.aggregator.Tally(r.Context(), vars["id"], vars["questionId"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tally)
}

type commandFunc func(ctx context.Context, cmd app.HostCommand) (domain.SessionRecord, error)

func (h *Handler) hostCommand(run commandFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cmd, _, ok := decodeHostCommand(w, r)
		if !ok {
			return
		}
		rec, err := run(r.Context(), cmd)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

func (h *Handler) jump(w http.ResponseWriter, r *http.Request) {
	cmd, index, ok := decodeHostCommand(w, r)
	if !ok {
		return
	}
	rec, err := h.host.JumpTo(r.Context(), cmd, index)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func decodeHostCommand(w http.ResponseWriter, r *http.Request) (app.HostCommand, int, bool) {
	var req hostCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return app.HostCommand{}, 0, false
	}
	return app.HostCommand{
		SessionID:       mux.Vars(r)["id"],
		HostID:          req.HostID,
		ExpectedVersion: req.ExpectedVersion,
	}, req.Index, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("encode response")
	}
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	status, code := classify(err)
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Msg("request failed")
	}
	writeJSON(w, status, errorPayload{Code: code, Message: err.Error()})
}

// classify maps domain errors to an HTTP status and a stable client code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrSessionNotFound),
		errors.Is(err, domain.ErrQuizNotFound),
		errors.Is(err, domain.ErrAttemptNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrNotHost):
		return http.StatusForbidden, "not_host"
	case errors.Is(err, domain.ErrOutOfRange):
		return http.StatusBadRequest, "out_of_range"
	case errors.Is(err, domain.ErrQuestionNotFound),
		errors.Is(err, domain.ErrOptionOutOfRange),
		errors.Is(err, domain.ErrInvalidAnswer):
		return http.StatusBadRequest, "invalid_answer"
	case errors.Is(err, domain.ErrNoQuestions), errors.Is(err, domain.ErrInvalidQuiz):
		return http.StatusUnprocessableEntity, "invalid_quiz"
	case errors.Is(err, domain.ErrVersionConflict):
		return http.StatusConflict, "version_conflict"
	case errors.Is(err, domain.ErrConcurrentModification):
		return http.StatusConflict, "concurrent_modification"
	case errors.Is(err, domain.ErrSessionClosed):
		return http.StatusConflict, "session_closed"
	case errors.Is(err, domain.ErrStalePhase):
		return http.StatusConflict, "stale_phase"
	case errors.Is(err, domain.ErrDeadlineExceeded):
		return http.StatusConflict, "deadline_exceeded"
	}
	return http.StatusInternalServerError, "internal"
}
