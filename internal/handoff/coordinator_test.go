package handoff

import (
	"context"
	"net/url"
	"sync"
	"testing"
	"time"

	"duo-habits/internal/config"
	"duo-habits/internal/docstore"
	"duo-habits/internal/metrics"
	"duo-habits/internal/poll"
	"duo-habits/internal/store"
	"duo-habits/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig() config.HandoffConfig {
	return config.HandoffConfig{
		FailsafeTimeout:    time.Second,
		ProcessedCacheSize: 16,
		LoginPath:          "/login",
		ChallengePath:      "/challenges",
	}
}

func newRepo(t *testing.T) store.InvitationRepository {
	t.Helper()
	docs := docstore.NewMemory()
	t.Cleanup(func() { _ = docs.Close() })
	return store.New(docs, zap.NewNop()).Invitation()
}

func create(t *testing.T, repo store.InvitationRepository, challengeID string, kind models.InvitationKind, invitee string) *models.Invitation {
	t.Helper()
	inv, err := repo.Create(context.Background(), models.CreateInvitationRequest{
		ChallengeID:  challengeID,
		InviterID:    "A",
		SelectedDays: 14,
		Kind:         kind,
		InviteeID:    invitee,
	})
	require.NoError(t, err)
	return inv
}

func newCoordinator(repo Invitations, cfg config.HandoffConfig, opts ...Option) *Coordinator {
	return NewCoordinator(repo, cfg, metrics.New(zap.NewNop()), zap.NewNop(), opts...)
}

func TestNext(t *testing.T) {
	tests := []struct {
		from  State
		event Event
		want  State
		ok    bool
	}{
		{StateIdle, EventToken, StateBooting, true},
		{StateBooting, EventNoIdentity, StateRedirectingToLogin, true},
		{StateBooting, EventIdentified, StateResolving, true},
		{StateResolving, EventShow, StateShowing, true},
		{StateResolving, EventIgnored, StateIdle, true},
		{StateResolving, EventOtherChallenge, StateRedirectingToChallenge, true},
		{StateRedirectingToLogin, EventRedirected, StateDone, true},
		{StateShowing, EventDismiss, StateDone, true},
		{StateResolving, EventFailsafe, StateIdle, true},
		{StateIdle, EventShow, StateShowing, true},
		{StateIdle, EventDismiss, "", false},
		{StateBooting, EventShow, "", false},
		{StateShowing, EventFailsafe, "", false},
		{StateDone, EventShow, "", false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.event), func(t *testing.T) {
			got, ok := Next(tt.from, tt.event)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}

	assert.True(t, StateBooting.Blocking())
	assert.True(t, StateResolving.Blocking())
	assert.False(t, StateShowing.Blocking())
}

func TestHandleShowsDirectInvitation(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	inv := create(t, repo, "c1", models.InvitationKindDirect, "B")
	c := newCoordinator(repo, testConfig())

	res := c.Handle(ctx, Request{Token: inv.ID, UserID: "B", ViewedChallengeID: "c1"})
	assert.Equal(t, OutcomeShown, res.Outcome)
	assert.Equal(t, StateShowing, res.State)
	assert.False(t, res.Blocking.Blocked)
	assert.True(t, res.ClearParam)
	require.NotNil(t, res.Invitation)
	assert.Equal(t, inv.ID, res.Invitation.ID)
	assert.True(t, c.Processed().Has(inv.ID))

	// повторная обработка того же токена ничего не делает
	res = c.Handle(ctx, Request{Token: inv.ID, UserID: "B", ViewedChallengeID: "c1"})
	assert.Equal(t, OutcomeProcessed, res.Outcome)
	assert.Nil(t, res.Invitation)
}

func TestHandleSilentOutcomes(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	direct := create(t, repo, "c1", models.InvitationKindDirect, "B")
	refused := create(t, repo, "c1", models.InvitationKindDirect, "B")
	_, err := repo.Transition(ctx, refused.ID, models.InvitationStatusRefused)
	require.NoError(t, err)
	taken := create(t, repo, "c1", models.InvitationKindOpen, "")
	_, err = repo.ClaimOpen(ctx, taken.ID, "C")
	require.NoError(t, err)

	tests := []struct {
		name    string
		token   string
		user    string
		outcome string
	}{
		{name: "нет документа", token: "missing", user: "B", outcome: OutcomeNotFound},
		{name: "уже отклонено", token: refused.ID, user: "B", outcome: OutcomeNotPending},
		{name: "свое приглашение", token: direct.ID, user: "A", outcome: OutcomeSelfInvite},
		{name: "адресовано другому", token: direct.ID, user: "C", outcome: OutcomeNotAddressed},
		{name: "открытое уже захвачено", token: taken.ID, user: "B", outcome: OutcomeNotAddressed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newCoordinator(repo, testConfig())
			res := c.Handle(ctx, Request{Token: tt.token, UserID: tt.user, ViewedChallengeID: "c1"})
			assert.Equal(t, tt.outcome, res.Outcome)
			assert.Equal(t, StateIdle, res.State)
			assert.Nil(t, res.Invitation)
			assert.False(t, res.ClearParam)
			assert.False(t, c.Processed().Has(tt.token))
		})
	}
}

func TestHandleClaimsOpenInvitation(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	inv := create(t, repo, "c1", models.InvitationKindOpen, "")

	c := newCoordinator(repo, testConfig())
	res := c.Handle(ctx, Request{Token: inv.ID, UserID: "B", ViewedChallengeID: "c1"})
	require.Equal(t, OutcomeShown, res.Outcome)
	assert.Equal(t, "B", res.Invitation.Invitee())

	stored, err := repo.Get(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, "B", stored.Invitee())
	assert.Equal(t, models.InvitationStatusPending, stored.Status)

	other := newCoordinator(repo, testConfig())
	res = other.Handle(ctx, Request{Token: inv.ID, UserID: "C", ViewedChallengeID: "c1"})
	assert.Equal(t, OutcomeNotAddressed, res.Outcome)
}

func TestHandleRedirects(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	inv := create(t, repo, "c2", models.InvitationKindDirect, "B")

	t.Run("на вход", func(t *testing.T) {
		c := newCoordinator(repo, testConfig())
		res := c.Handle(ctx, Request{Token: inv.ID, TargetChallengeID: "c2", SuggestedDays: 14})
		assert.Equal(t, OutcomeLogin, res.Outcome)
		assert.Equal(t, StateDone, res.State)

		u, err := url.Parse(res.Redirect)
		require.NoError(t, err)
		assert.Equal(t, "/login", u.Path)
		assert.Equal(t, inv.ID, u.Query().Get(TokenParam))
		assert.Equal(t, "/challenges/c2?invite="+inv.ID, u.Query().Get("next"))
		assert.Equal(t, "14", u.Query().Get("days"))
		assert.False(t, c.Processed().Has(inv.ID))
	})

	t.Run("на другой челлендж", func(t *testing.T) {
		c := newCoordinator(repo, testConfig())
		res := c.Handle(ctx, Request{Token: inv.ID, UserID: "B", ViewedChallengeID: "c1"})
		assert.Equal(t, OutcomeOtherChallenge, res.Outcome)
		assert.Equal(t, StateDone, res.State)
		assert.Equal(t, "/challenges/c2?invite="+inv.ID, res.Redirect)
		assert.False(t, c.Processed().Has(inv.ID))
	})
}

// gatedInvitations задерживает чтение до сигнала
type gatedInvitations struct {
	Invitations
	entered chan struct{}
	release chan struct{}
}

func (g *gatedInvitations) Get(ctx context.Context, id string) (*models.Invitation, error) {
	g.entered <- struct{}{}
	<-g.release
	return g.Invitations.Get(ctx, id)
}

func TestFailsafeUnblocksStalledResolution(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	inv := create(t, repo, "c1", models.InvitationKindDirect, "B")

	gated := &gatedInvitations{Invitations: repo, entered: make(chan struct{}, 1), release: make(chan struct{})}
	cfg := testConfig()
	cfg.FailsafeTimeout = 100 * time.Millisecond
	c := newCoordinator(gated, cfg)

	done := make(chan Result, 1)
	go func() {
		done <- c.Handle(ctx, Request{Token: inv.ID, UserID: "B", ViewedChallengeID: "c1"})
	}()
	<-gated.entered
	assert.True(t, c.Blocking().Blocked)

	// параллельный вызов отбрасывается защитой от повторного входа
	res := c.Handle(ctx, Request{Token: inv.ID, UserID: "B", ViewedChallengeID: "c1"})
	assert.Equal(t, OutcomeInFlight, res.Outcome)

	err := poll.AwaitCondition(ctx, func(ctx context.Context) (bool, error) {
		return !c.Blocking().Blocked, nil
	}, 100, 5*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, c.State())

	// поздний результат все равно показывается
	close(gated.release)
	res = <-done
	assert.Equal(t, OutcomeShown, res.Outcome)
	assert.Equal(t, StateShowing, res.State)
}

// recordingEffects записывает шаги интерфейса
type recordingEffects struct {
	mu        sync.Mutex
	steps     []string
	processed func() bool
}

func (r *recordingEffects) SetBlocking(state UIBlockingState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !state.Blocked {
		r.steps = append(r.steps, "unblock")
	}
}

func (r *recordingEffects) ClearParam(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.processed() {
		r.steps = append(r.steps, "clear_after_mark")
		return
	}
	r.steps = append(r.steps, "clear_before_mark")
}

func TestDismissOrder(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	inv := create(t, repo, "c1", models.InvitationKindDirect, "B")

	effects := &recordingEffects{}
	c := newCoordinator(repo, testConfig(), WithEffects(effects))
	effects.processed = func() bool { return c.Processed().Has(inv.ID) }

	res := c.Handle(ctx, Request{Token: inv.ID, UserID: "B", ViewedChallengeID: "c1"})
	require.Equal(t, OutcomeShown, res.Outcome)

	effects.mu.Lock()
	effects.steps = nil
	effects.mu.Unlock()

	res = c.Dismiss(inv.ID)
	assert.Equal(t, StateDone, res.State)
	assert.True(t, res.ClearParam)
	assert.Equal(t, []string{"unblock", "clear_after_mark"}, effects.steps)

	res = c.Handle(ctx, Request{Token: inv.ID, UserID: "B", ViewedChallengeID: "c1"})
	assert.Equal(t, OutcomeProcessed, res.Outcome)
}

func TestDismissWithoutShownInvitation(t *testing.T) {
	repo := newRepo(t)
	c := newCoordinator(repo, testConfig())

	res := c.Dismiss("tok")
	assert.False(t, res.Blocking.Blocked)
	assert.True(t, c.Processed().Has("tok"))
}
