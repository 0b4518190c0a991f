package handoff

import (
	"context"
	"errors"
	"net/url"
	"path"
	"strconv"
	"sync"
	"time"

	"duo-habits/internal/config"
	"duo-habits/internal/metrics"
	"duo-habits/internal/poll"
	"duo-habits/internal/session"
	"duo-habits/pkg/models"

	"go.uber.org/zap"
)

const (
	// TokenParam имя параметра ссылки с токеном приглашения
	TokenParam = "invite"

	refreshAttempts = 5
	refreshInterval = 100 * time.Millisecond
)

// Invitations источник приглашений для координатора
type Invitations interface {
	Get(ctx context.Context, id string) (*models.Invitation, error)
	ClaimOpen(ctx context.Context, id, claimantID string) (*models.Invitation, error)
}

// Effects действия интерфейса, которые выполняет координатор
type Effects interface {
	SetBlocking(state UIBlockingState)
	ClearParam(token string)
}

type noEffects struct{}

func (noEffects) SetBlocking(UIBlockingState) {}
func (noEffects) ClearParam(string)           {}

// Request параметры ссылки-приглашения
type Request struct {
	Token             string
	UserID            string // пусто, если пользователь не вошел
	ViewedChallengeID string // челлендж, открытый сейчас
	TargetChallengeID string // челлендж из ссылки, если указан
	SuggestedDays     int
	Locale            string
}

// Result итог обработки ссылки
type Result struct {
	State      State              `json:"state"`
	Outcome    string             `json:"outcome"`
	Invitation *models.Invitation `json:"invitation,omitempty"`
	Redirect   string             `json:"redirect,omitempty"`
	ClearParam bool               `json:"clearParam"`
	Blocking   UIBlockingState    `json:"blocking"`
}

// Исходы обработки для логов и метрик
const (
	OutcomeEmpty          = "empty"
	OutcomeProcessed      = "already_processed"
	OutcomeInFlight       = "in_flight"
	OutcomeLogin          = "login_redirect"
	OutcomeNotFound       = "not_found"
	OutcomeNotPending     = "not_pending"
	OutcomeSelfInvite     = "self_invite"
	OutcomeNotAddressed   = "not_addressed"
	OutcomeClaimFailed    = "claim_failed"
	OutcomeFetchFailed    = "fetch_failed"
	OutcomeOtherChallenge = "other_challenge"
	OutcomeShown          = "shown"
	OutcomeDismissed      = "dismissed"
	OutcomeFailsafe       = "failsafe"
)

// Coordinator координатор одной сессии пользователя
type Coordinator struct {
	invitations Invitations
	processed   *session.ProcessedSet
	effects     Effects
	cfg         config.HandoffConfig
	metrics     *metrics.Metrics
	logger      *zap.Logger

	mu       sync.Mutex
	state    State
	inFlight bool
	failsafe *time.Timer
}

// Option настройка координатора
type Option func(*Coordinator)

// WithEffects задает обработчик действий интерфейса
func WithEffects(e Effects) Option {
	return func(c *Coordinator) {
		c.effects = e
	}
}

// WithProcessed задает общее с наблюдателем входящих множество
// обработанных приглашений
func WithProcessed(p *session.ProcessedSet) Option {
	return func(c *Coordinator) {
		c.processed = p
	}
}

// NewCoordinator создает координатор для сессии
func NewCoordinator(invitations Invitations, cfg config.HandoffConfig, m *metrics.Metrics, logger *zap.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		invitations: invitations,
		effects:     noEffects{},
		cfg:         cfg,
		metrics:     m,
		logger:      logger,
		state:       StateIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.processed == nil {
		c.processed = session.NewProcessedSet(cfg.ProcessedCacheSize)
	}
	return c
}

// State возвращает текущее состояние
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Blocking возвращает признак блокировки интерфейса
func (c *Coordinator) Blocking() UIBlockingState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blockingLocked()
}

func (c *Coordinator) blockingLocked() UIBlockingState {
	return UIBlockingState{Blocked: c.state.Blocking(), State: c.state}
}

// Processed возвращает множество обработанных токенов сессии
func (c *Coordinator) Processed() *session.ProcessedSet {
	return c.processed
}

// advanceLocked выполняет переход; недопустимый переход только логируется
func (c *Coordinator) advanceLocked(event Event) {
	next, ok := Next(c.state, event)
	if !ok {
		c.logger.Debug("переход координатора пропущен",
			zap.String("state", string(c.state)),
			zap.String("event", string(event)))
		return
	}
	wasBlocking := c.state.Blocking()
	c.state = next
	if wasBlocking != next.Blocking() {
		c.effects.SetBlocking(c.blockingLocked())
	}
}

func (c *Coordinator) advance(event Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.advanceLocked(event)
}

// Handle обрабатывает токен приглашения. Ожидаемые отказы не возвращают
// ошибку: координатор тихо возвращается в idle.
func (c *Coordinator) Handle(ctx context.Context, req Request) Result {
	if req.Token == "" {
		return c.result(OutcomeEmpty)
	}
	if c.processed.Has(req.Token) {
		return c.result(OutcomeProcessed)
	}

	c.mu.Lock()
	if c.inFlight {
		c.mu.Unlock()
		return c.result(OutcomeInFlight)
	}
	c.inFlight = true
	c.advanceLocked(EventToken)
	c.armFailsafeLocked()
	c.mu.Unlock()

	res := c.resolve(ctx, req)

	c.mu.Lock()
	c.inFlight = false
	if c.failsafe != nil {
		c.failsafe.Stop()
		c.failsafe = nil
	}
	res.State = c.state
	res.Blocking = c.blockingLocked()
	c.mu.Unlock()

	if res.ClearParam {
		c.effects.ClearParam(req.Token)
	}

	c.metrics.RecordHandoff(res.Outcome)
	c.logger.Info("ссылка-приглашение обработана",
		zap.String("token", req.Token),
		zap.String("user_id", req.UserID),
		zap.String("outcome", res.Outcome),
		zap.String("state", string(res.State)))
	return res
}

func (c *Coordinator) armFailsafeLocked() {
	if c.cfg.FailsafeTimeout <= 0 {
		return
	}
	c.failsafe = time.AfterFunc(c.cfg.FailsafeTimeout, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if !c.state.Blocking() {
			return
		}
		c.logger.Warn("страховочный таймер снял блокировку интерфейса",
			zap.String("state", string(c.state)))
		c.advanceLocked(EventFailsafe)
		c.metrics.RecordHandoff(OutcomeFailsafe)
	})
}

func (c *Coordinator) resolve(ctx context.Context, req Request) Result {
	if req.UserID == "" {
		c.advance(EventNoIdentity)
		c.advance(EventRedirected)
		return Result{Outcome: OutcomeLogin, Redirect: c.loginURL(req)}
	}
	c.advance(EventIdentified)

	ignore := func(outcome string, err error) Result {
		fields := []zap.Field{zap.String("token", req.Token), zap.String("outcome", outcome)}
		if err != nil {
			fields = append(fields, zap.Error(err))
		}
		c.logger.Debug("приглашение не показано", fields...)
		c.advance(EventIgnored)
		return Result{Outcome: outcome}
	}

	inv, err := c.invitations.Get(ctx, req.Token)
	switch {
	case errors.Is(err, models.ErrNotFound):
		return ignore(OutcomeNotFound, nil)
	case err != nil:
		return ignore(OutcomeFetchFailed, err)
	case inv.Status != models.InvitationStatusPending:
		return ignore(OutcomeNotPending, nil)
	case inv.InviterID == req.UserID:
		return ignore(OutcomeSelfInvite, nil)
	case inv.Kind == models.InvitationKindDirect && !inv.IsAddressedTo(req.UserID):
		return ignore(OutcomeNotAddressed, nil)
	case inv.InviteeID != nil && !inv.IsAddressedTo(req.UserID):
		return ignore(OutcomeNotAddressed, nil)
	}

	if inv.Kind == models.InvitationKindOpen && inv.InviteeID == nil {
		inv, err = c.claim(ctx, req)
		if err != nil {
			return ignore(OutcomeClaimFailed, err)
		}
	}

	if req.ViewedChallengeID != "" && inv.ChallengeID != req.ViewedChallengeID {
		c.advance(EventOtherChallenge)
		c.advance(EventRedirected)
		return Result{
			Outcome:  OutcomeOtherChallenge,
			Redirect: c.challengeURL(inv.ChallengeID, req.Token),
		}
	}

	c.processed.Mark(req.Token)
	c.advance(EventShow)
	return Result{Outcome: OutcomeShown, Invitation: inv, ClearParam: true}
}

// claim захватывает открытое приглашение и дожидается, пока чтение
// увидит нового получателя
func (c *Coordinator) claim(ctx context.Context, req Request) (*models.Invitation, error) {
	inv, err := c.invitations.ClaimOpen(ctx, req.Token, req.UserID)
	if err != nil {
		return nil, err
	}
	if inv.IsAddressedTo(req.UserID) {
		return inv, nil
	}

	err = poll.AwaitCondition(ctx, func(ctx context.Context) (bool, error) {
		fresh, err := c.invitations.Get(ctx, req.Token)
		if err != nil {
			return false, err
		}
		inv = fresh
		return fresh.IsAddressedTo(req.UserID), nil
	}, refreshAttempts, refreshInterval)
	if err != nil {
		return nil, err
	}
	return inv, nil
}

// Dismiss закрывает показанное приглашение. Порядок шагов фиксирован:
// снять блокировку, отметить токен обработанным, очистить параметр ссылки.
func (c *Coordinator) Dismiss(token string) Result {
	c.mu.Lock()
	if c.state.Blocking() {
		c.advanceLocked(EventFailsafe)
	}
	c.effects.SetBlocking(UIBlockingState{Blocked: false, State: c.state})
	c.mu.Unlock()

	if token != "" {
		c.processed.Mark(token)
	}
	c.effects.ClearParam(token)

	c.advance(EventDismiss)
	c.metrics.RecordHandoff(OutcomeDismissed)
	res := c.result(OutcomeDismissed)
	res.ClearParam = true
	return res
}

func (c *Coordinator) result(outcome string) Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Result{Outcome: outcome, State: c.state, Blocking: c.blockingLocked()}
}

func (c *Coordinator) challengeURL(challengeID, token string) string {
	u := url.URL{Path: path.Join("/", c.cfg.ChallengePath, challengeID)}
	q := url.Values{}
	q.Set(TokenParam, token)
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Coordinator) loginURL(req Request) string {
	q := url.Values{}
	q.Set(TokenParam, req.Token)
	target := req.TargetChallengeID
	if target == "" {
		target = req.ViewedChallengeID
	}
	if target != "" {
		q.Set("next", c.challengeURL(target, req.Token))
	}
	if req.SuggestedDays > 0 {
		q.Set("days", strconv.Itoa(req.SuggestedDays))
	}
	if req.Locale != "" {
		q.Set("lang", req.Locale)
	}
	u := url.URL{Path: path.Join("/", c.cfg.LoginPath), RawQuery: q.Encode()}
	return u.String()
}
