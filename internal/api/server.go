// Package api HTTP интерфейс приглашений, челленджей и наград.
// Аутентификация внешняя: ID пользователя приходит в заголовке X-User-ID.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"duo-habits/internal/challenge"
	"duo-habits/internal/config"
	"duo-habits/internal/handoff"
	"duo-habits/internal/i18n"
	"duo-habits/internal/invitation"
	"duo-habits/internal/metrics"
	"duo-habits/internal/reward"
	"duo-habits/internal/store"
	"duo-habits/internal/user"
	"duo-habits/pkg/models"

	"go.uber.org/zap"
)

const (
	HeaderUserID    = "X-User-ID"
	HeaderSessionID = "X-Session-ID"

	maxBodySize = 1 << 20
)

// Server HTTP обработчики сервиса
type Server struct {
	users         *user.Service
	invitations   *invitation.Service
	challenges    *challenge.Service
	rewards       *reward.Service
	sessions      *Sessions
	metrics       *metrics.Handler
	defaultLocale string
	logger        *zap.Logger
}

// Deps зависимости HTTP слоя
type Deps struct {
	Store       store.Store
	Users       *user.Service
	Invitations *invitation.Service
	Challenges  *challenge.Service
	Rewards     *reward.Service
	Metrics     *metrics.Metrics
}

// NewServer создает HTTP обработчики
func NewServer(deps Deps, cfg *config.Config, logger *zap.Logger) (*Server, error) {
	sessions, err := NewSessions(deps.Store.Docs(), deps.Store.Invitation(), cfg.Handoff, cfg.Inbox, deps.Metrics, logger)
	if err != nil {
		return nil, err
	}
	return &Server{
		users:         deps.Users,
		invitations:   deps.Invitations,
		challenges:    deps.Challenges,
		rewards:       deps.Rewards,
		sessions:      sessions,
		metrics:       metrics.NewHandler(deps.Metrics, deps.Store, logger),
		defaultLocale: cfg.App.DefaultLocale,
		logger:        logger,
	}, nil
}

// Sessions возвращает кэш клиентских сессий
func (s *Server) Sessions() *Sessions {
	return s.sessions
}

// Close закрывает сессии и их подписки
func (s *Server) Close() {
	s.sessions.Close()
}

// Handler возвращает корневой обработчик
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", s.metrics.MetricsHandler())
	mux.HandleFunc("GET /health", s.metrics.HealthHandler)

	mux.HandleFunc("GET /v1/me", s.authed(s.getMe))
	mux.HandleFunc("PUT /v1/me", s.authed(s.register))

	mux.HandleFunc("POST /v1/invitations", s.authed(s.sendInvitation))
	mux.HandleFunc("GET /v1/invitations/pending", s.authed(s.resolvePending))
	mux.HandleFunc("GET /v1/invitations/{id}", s.authed(s.getInvitation))
	mux.HandleFunc("POST /v1/invitations/{id}/claim", s.authed(s.invitationAction(s.invitations.Claim)))
	mux.HandleFunc("POST /v1/invitations/{id}/accept", s.authed(s.invitationAction(s.invitations.Accept)))
	mux.HandleFunc("POST /v1/invitations/{id}/refuse", s.authed(s.invitationAction(s.invitations.Refuse)))
	mux.HandleFunc("POST /v1/invitations/{id}/cancel", s.authed(s.invitationAction(s.invitations.Cancel)))
	mux.HandleFunc("POST /v1/invitations/{id}/mirror", s.authed(s.mirrorInvitation))

	mux.HandleFunc("GET /v1/inbox", s.authed(s.inbox))
	mux.HandleFunc("GET /v1/handoff", s.handoff)
	mux.HandleFunc("POST /v1/handoff/dismiss", s.dismiss)

	mux.HandleFunc("GET /v1/challenges/{cid}/active", s.authed(s.activeChallenge))
	mux.HandleFunc("POST /v1/challenges/{cid}/start", s.authed(s.startChallenge))
	mux.HandleFunc("POST /v1/challenges/{cid}/mark", s.authed(s.markChallenge))
	mux.HandleFunc("DELETE /v1/challenges/{cid}", s.authed(s.abandonChallenge))

	mux.HandleFunc("GET /v1/ledger", s.authed(s.ledger))
	mux.HandleFunc("GET /v1/ledger/receipts", s.authed(s.receipts))
	mux.HandleFunc("POST /v1/ledger/unlock", s.authed(s.unlock))
	mux.HandleFunc("POST /v1/milestones/{m}/claim", s.authed(s.claimMilestone))

	return s.logRequests(mux)
}

type authedHandler func(w http.ResponseWriter, r *http.Request, userID string)

// authed требует заголовок с ID пользователя
func (s *Server) authed(h authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get(HeaderUserID)
		if userID == "" {
			s.writeError(w, r, "auth", models.ErrUnauthenticated)
			return
		}
		h(w, r, userID)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("HTTP запрос обработан",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)))
	})
}

// locale выбирает язык ответа: параметр lang, Accept-Language, настройка сервиса
func (s *Server) locale(r *http.Request) string {
	return i18n.Match(r.URL.Query().Get("lang"), r.Header.Get("Accept-Language"), s.defaultLocale).String()
}

// ErrorResponse тело ответа с ошибкой
type ErrorResponse struct {
	Code    models.ErrorCode `json:"code"`
	Message string           `json:"message"`
}

func statusFor(code models.ErrorCode) int {
	switch code {
	case models.CodeInvalidArgument:
		return http.StatusBadRequest
	case models.CodeUnauthenticated:
		return http.StatusUnauthorized
	case models.CodePermissionDenied:
		return http.StatusForbidden
	case models.CodeNotFound:
		return http.StatusNotFound
	case models.CodeNotPending, models.CodeInvalidTransition, models.CodeAlreadyTaken,
		models.CodeAlreadyClaimed, models.CodeConflict:
		return http.StatusConflict
	case models.CodeNotUnlocked:
		return http.StatusPreconditionFailed
	case models.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	code := models.Code(err)
	status := statusFor(code)

	fields := []zap.Field{
		zap.String("operation", op),
		zap.String("code", string(code)),
		zap.Error(err),
	}
	switch {
	case models.IsExpectedRace(err), status < http.StatusInternalServerError:
		s.logger.Info("запрос отклонен", fields...)
	default:
		s.logger.Error("ошибка обработки запроса", fields...)
	}

	tag := i18n.Match(r.URL.Query().Get("lang"), r.Header.Get("Accept-Language"), s.defaultLocale)
	writeJSON(w, status, ErrorResponse{Code: code, Message: i18n.ErrorMessage(tag, code)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeBody разбирает JSON тело; пустое тело оставляет v без изменений
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return models.Errorf(models.ErrInvalidArgument, "некорректное тело запроса: %v", err)
	}
	return nil
}

func hintsFrom(r *http.Request) challenge.Hints {
	q := r.URL.Query()
	days, _ := strconv.Atoi(q.Get("days"))
	return challenge.Hints{UniqueKey: q.Get("uniqueKey"), SelectedDays: days}
}

func (s *Server) getMe(w http.ResponseWriter, r *http.Request, userID string) {
	profile, err := s.users.GetProfile(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, "get_me", err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (s *Server) register(w http.ResponseWriter, r *http.Request, userID string) {
	var req models.RegisterUserRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, "register", err)
		return
	}
	if req.Locale == "" {
		req.Locale = s.locale(r)
	}
	if _, err := s.users.Register(r.Context(), userID, req); err != nil {
		s.writeError(w, r, "register", err)
		return
	}
	s.getMe(w, r, userID)
}

func (s *Server) sendInvitation(w http.ResponseWriter, r *http.Request, userID string) {
	var req models.CreateInvitationRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, "invitation_send", err)
		return
	}
	req.InviterID = userID
	inv, err := s.invitations.Send(r.Context(), req)
	if err != nil {
		s.writeError(w, r, "invitation_send", err)
		return
	}
	writeJSON(w, http.StatusCreated, inv)
}

func (s *Server) getInvitation(w http.ResponseWriter, r *http.Request, userID string) {
	inv, err := s.invitations.Get(r.Context(), r.PathValue("id"), userID)
	if err != nil {
		s.writeError(w, r, "invitation_get", err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

func (s *Server) resolvePending(w http.ResponseWriter, r *http.Request, userID string) {
	challengeID := r.URL.Query().Get("challengeId")
	if challengeID == "" {
		s.writeError(w, r, "invitation_resolve", models.Errorf(models.ErrInvalidArgument, "не указан челлендж"))
		return
	}
	inv, err := s.invitations.ResolvePending(r.Context(), userID, challengeID)
	if err == nil && inv == nil {
		err = models.Errorf(models.ErrNotFound, "нет ожидающего приглашения для %s", challengeID)
	}
	if err != nil {
		s.writeError(w, r, "invitation_resolve", err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

type invitationFn func(ctx context.Context, id, userID string) (*models.Invitation, error)

func (s *Server) invitationAction(fn invitationFn) authedHandler {
	return func(w http.ResponseWriter, r *http.Request, userID string) {
		inv, err := fn(r.Context(), r.PathValue("id"), userID)
		if err != nil {
			s.writeError(w, r, "invitation_action", err)
			return
		}
		writeJSON(w, http.StatusOK, inv)
	}
}

func (s *Server) mirrorInvitation(w http.ResponseWriter, r *http.Request, userID string) {
	added, err := s.invitations.MirrorAccepted(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, "invitation_mirror", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"added": added})
}

// InboxResponse новые входящие приглашения сессии
type InboxResponse struct {
	SessionID   string               `json:"sessionId"`
	Invitations []*models.Invitation `json:"invitations"`
	Degraded    bool                 `json:"degraded"`
}

func (s *Server) session(w http.ResponseWriter, r *http.Request) *Session {
	sess := s.sessions.Get(r.Header.Get(HeaderSessionID))
	w.Header().Set(HeaderSessionID, sess.ID)
	return sess
}

func (s *Server) inbox(w http.ResponseWriter, r *http.Request, userID string) {
	challengeID := r.URL.Query().Get("challengeId")
	if challengeID == "" {
		s.writeError(w, r, "inbox", models.Errorf(models.ErrInvalidArgument, "не указан челлендж"))
		return
	}
	sess := s.session(w, r)
	if err := sess.Watch(r.Context(), userID, challengeID); err != nil {
		s.writeError(w, r, "inbox", store.MapErr(err))
		return
	}
	writeJSON(w, http.StatusOK, InboxResponse{
		SessionID:   sess.ID,
		Invitations: sess.Drain(),
		Degraded:    sess.Degraded(),
	})
}

// HandoffResponse итог обработки ссылки-приглашения
type HandoffResponse struct {
	SessionID string `json:"sessionId"`
	handoff.Result
}

func (s *Server) handoff(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sess := s.session(w, r)
	token := q.Get(handoff.TokenParam)
	if token != "" {
		// ссылка важнее входящих: наблюдатель молчит, пока идет обработка
		sess.Watcher.Suppress()
	}
	days, _ := strconv.Atoi(q.Get("days"))
	res := sess.Coordinator.Handle(r.Context(), handoff.Request{
		Token:             token,
		UserID:            r.Header.Get(HeaderUserID),
		ViewedChallengeID: q.Get("challengeId"),
		TargetChallengeID: q.Get("target"),
		SuggestedDays:     days,
		Locale:            q.Get("lang"),
	})
	writeJSON(w, http.StatusOK, HandoffResponse{SessionID: sess.ID, Result: res})
}

func (s *Server) dismiss(w http.ResponseWriter, r *http.Request) {
	sess := s.session(w, r)
	res := sess.Coordinator.Dismiss(r.URL.Query().Get(handoff.TokenParam))
	writeJSON(w, http.StatusOK, HandoffResponse{SessionID: sess.ID, Result: res})
}

func (s *Server) activeChallenge(w http.ResponseWriter, r *http.Request, userID string) {
	view, err := s.challenges.Active(r.Context(), userID, r.PathValue("cid"), hintsFrom(r))
	if err != nil {
		s.writeError(w, r, "challenge_active", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// StartRequest запрос на начало соло-челленджа
type StartRequest struct {
	SelectedDays int `json:"selectedDays"`
}

func (s *Server) startChallenge(w http.ResponseWriter, r *http.Request, userID string) {
	var req StartRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, "challenge_start", err)
		return
	}
	entry, err := s.challenges.StartSolo(r.Context(), userID, r.PathValue("cid"), req.SelectedDays)
	if err != nil {
		s.writeError(w, r, "challenge_start", err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) markChallenge(w http.ResponseWriter, r *http.Request, userID string) {
	res, err := s.challenges.MarkProgress(r.Context(), userID, r.PathValue("cid"), hintsFrom(r))
	if err != nil {
		s.writeError(w, r, "challenge_mark", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) abandonChallenge(w http.ResponseWriter, r *http.Request, userID string) {
	if err := s.challenges.Abandon(r.Context(), userID, r.PathValue("cid"), hintsFrom(r)); err != nil {
		s.writeError(w, r, "challenge_abandon", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) ledger(w http.ResponseWriter, r *http.Request, userID string) {
	view, err := s.rewards.View(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, "ledger", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) receipts(w http.ResponseWriter, r *http.Request, userID string) {
	entries, err := s.rewards.Receipts(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, "ledger_receipts", err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// UnlockResponse итог пересчета открытых порогов
type UnlockResponse struct {
	Ledger   *models.Ledger `json:"ledger"`
	Unlocked []int          `json:"unlocked"`
}

func (s *Server) unlock(w http.ResponseWriter, r *http.Request, userID string) {
	ledger, unlocked, err := s.rewards.Unlock(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, "milestone_unlock", err)
		return
	}
	if unlocked == nil {
		unlocked = []int{}
	}
	writeJSON(w, http.StatusOK, UnlockResponse{Ledger: ledger, Unlocked: unlocked})
}

func (s *Server) claimMilestone(w http.ResponseWriter, r *http.Request, userID string) {
	milestone, err := strconv.Atoi(r.PathValue("m"))
	if err != nil {
		s.writeError(w, r, "milestone_claim", models.Errorf(models.ErrInvalidArgument, "некорректный порог %q", r.PathValue("m")))
		return
	}
	ledger, err := s.rewards.Claim(r.Context(), userID, milestone)
	if err != nil {
		s.writeError(w, r, "milestone_claim", err)
		return
	}
	writeJSON(w, http.StatusOK, ledger)
}
