package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"duo-habits/internal/docstore"
	"duo-habits/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// stepClock сдвигает время на минуту при каждом чтении
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Minute)
	return c.now
}

func newTestStore(t *testing.T, opts ...docstore.MemoryOption) Store {
	t.Helper()
	clk := &stepClock{now: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)}
	opts = append([]docstore.MemoryOption{
		docstore.WithClock(clk.Now),
		docstore.WithMaxAttempts(50),
	}, opts...)
	s := New(docstore.NewMemory(opts...), zap.NewNop())
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func openInvitation(t *testing.T, s Store) *models.Invitation {
	t.Helper()
	inv, err := s.Invitation().Create(context.Background(), models.CreateInvitationRequest{
		ChallengeID:  "c1",
		InviterID:    "U1",
		SelectedDays: 21,
		Kind:         models.InvitationKindOpen,
	})
	require.NoError(t, err)
	return inv
}

func TestCreateInvitationValidation(t *testing.T) {
	s := newTestStore(t)

	tests := []struct {
		name string
		req  models.CreateInvitationRequest
	}{
		{
			name: "нулевая длительность",
			req:  models.CreateInvitationRequest{ChallengeID: "c1", InviterID: "U1", Kind: models.InvitationKindOpen},
		},
		{
			name: "приглашение самому себе",
			req: models.CreateInvitationRequest{
				ChallengeID: "c1", InviterID: "U1", InviteeID: "U1", SelectedDays: 7, Kind: models.InvitationKindDirect,
			},
		},
		{
			name: "прямое без получателя",
			req:  models.CreateInvitationRequest{ChallengeID: "c1", InviterID: "U1", SelectedDays: 7, Kind: models.InvitationKindDirect},
		},
		{
			name: "неизвестный тип",
			req:  models.CreateInvitationRequest{ChallengeID: "c1", InviterID: "U1", SelectedDays: 7, Kind: "group"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Invitation().Create(context.Background(), tt.req)
			assert.ErrorIs(t, err, models.ErrInvalidArgument)
		})
	}
}

// Открытое приглашение достается первому претенденту
func TestClaimOpen(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	inv := openInvitation(t, s)
	assert.Nil(t, inv.InviteeID)
	assert.Equal(t, 21, inv.SelectedDays)

	claimed, err := s.Invitation().ClaimOpen(ctx, inv.ID, "U2")
	require.NoError(t, err)
	assert.Equal(t, "U2", claimed.Invitee())
	assert.Equal(t, models.InvitationStatusPending, claimed.Status)

	_, err = s.Invitation().ClaimOpen(ctx, inv.ID, "U3")
	assert.ErrorIs(t, err, models.ErrAlreadyTaken)

	again, err := s.Invitation().ClaimOpen(ctx, inv.ID, "U2")
	require.NoError(t, err)
	assert.Equal(t, "U2", again.Invitee())

	_, err = s.Invitation().ClaimOpen(ctx, "missing", "U2")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestClaimOpenRejects(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	inv := openInvitation(t, s)
	_, err := s.Invitation().ClaimOpen(ctx, inv.ID, "U1")
	assert.ErrorIs(t, err, models.ErrInvalidArgument)

	_, err = s.Invitation().Transition(ctx, inv.ID, models.InvitationStatusCancelled)
	require.NoError(t, err)
	_, err = s.Invitation().ClaimOpen(ctx, inv.ID, "U2")
	assert.ErrorIs(t, err, models.ErrNotPending)
}

func TestClaimOpenConcurrent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	inv := openInvitation(t, s)

	claimants := []string{"U2", "U3", "U4", "U5", "U6"}
	errs := make([]error, len(claimants))
	var wg sync.WaitGroup
	for i, id := range claimants {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = s.Invitation().ClaimOpen(ctx, inv.ID, id)
		}()
	}
	wg.Wait()

	winner := ""
	for i, err := range errs {
		if err == nil {
			require.Empty(t, winner, "победитель должен быть один")
			winner = claimants[i]
			continue
		}
		assert.ErrorIs(t, err, models.ErrAlreadyTaken)
	}
	require.NotEmpty(t, winner)

	got, err := s.Invitation().Get(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, winner, got.Invitee())
}

func TestTransition(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	inv := openInvitation(t, s)

	_, err := s.Invitation().Transition(ctx, inv.ID, models.InvitationStatusPending)
	assert.ErrorIs(t, err, models.ErrInvalidArgument)

	got, err := s.Invitation().Transition(ctx, inv.ID, models.InvitationStatusRefused)
	require.NoError(t, err)
	assert.Equal(t, models.InvitationStatusRefused, got.Status)

	for _, to := range []models.InvitationStatus{
		models.InvitationStatusAccepted,
		models.InvitationStatusRefused,
		models.InvitationStatusCancelled,
	} {
		_, err = s.Invitation().Transition(ctx, inv.ID, to)
		assert.ErrorIs(t, err, models.ErrInvalidTransition)
		assert.True(t, models.IsExpectedRace(err))
	}
}

func TestResolvePending(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, docstore.WithStrictIndexes(Indexes...))

	got, err := s.Invitation().ResolvePending(ctx, "U1", "c1")
	require.NoError(t, err)
	assert.Nil(t, got)

	first := openInvitation(t, s)
	second := openInvitation(t, s)

	got, err = s.Invitation().ResolvePending(ctx, "U1", "c1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, second.ID, got.ID)

	_, err = s.Invitation().Transition(ctx, second.ID, models.InvitationStatusCancelled)
	require.NoError(t, err)

	got, err = s.Invitation().ResolvePending(ctx, "U1", "c1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, first.ID, got.ID)
}

func TestPendingFallsBackWithoutIndex(t *testing.T) {
	ctx := context.Background()
	// строгий режим без объявленных индексов
	s := newTestStore(t, docstore.WithStrictIndexes())

	direct, err := s.Invitation().Create(ctx, models.CreateInvitationRequest{
		ChallengeID: "c1", InviterID: "U1", InviteeID: "U2", SelectedDays: 7, Kind: models.InvitationKindDirect,
	})
	require.NoError(t, err)
	_, err = s.Invitation().Create(ctx, models.CreateInvitationRequest{
		ChallengeID: "c2", InviterID: "U1", InviteeID: "U2", SelectedDays: 7, Kind: models.InvitationKindDirect,
	})
	require.NoError(t, err)

	_, err = s.Docs().Query(ctx, s.Invitation().InboxQuery("U2", "c1"))
	require.True(t, errors.Is(err, docstore.ErrIndexRequired))

	pending, err := s.Invitation().Pending(ctx, "U2", "c1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, direct.ID, pending[0].ID)
}

func TestRegister(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	u, err := s.User().Register(ctx, "U", models.RegisterUserRequest{Username: "anna", ReferrerID: "R"})
	require.NoError(t, err)
	assert.Equal(t, "R", u.ReferrerID)
	assert.False(t, u.Activated)
	assert.Empty(t, u.CurrentChallenges)

	// пригласивший не перезаписывается
	u, err = s.User().Register(ctx, "U", models.RegisterUserRequest{Locale: "en", ReferrerID: "X"})
	require.NoError(t, err)
	assert.Equal(t, "R", u.ReferrerID)
	assert.Equal(t, "en", u.Locale)
	assert.Equal(t, "anna", u.Username)

	_, err = s.User().Register(ctx, "Z", models.RegisterUserRequest{ReferrerID: "Z"})
	assert.ErrorIs(t, err, models.ErrInvalidArgument)

	_, err = s.User().Get(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestLedgerReceipts(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	ledgers := s.Ledger()

	empty, err := ledgers.Get(ctx, "R")
	require.NoError(t, err)
	assert.Equal(t, "R", empty.UserID)
	assert.Zero(t, empty.ActivatedCount)

	for i := 0; i < 3; i++ {
		err := s.Docs().RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
			if err := ledgers.AddTrophiesTx(tx, "R", 10); err != nil {
				return err
			}
			return ledgers.AddReceiptTx(tx, models.LedgerEntry{
				UserID: "R",
				Kind:   models.EntryKindTrophies,
				Key:    fmt.Sprintf("c%d", i),
				Amount: 10,
			})
		})
		require.NoError(t, err)
	}

	// повторная квитанция отклоняет всю транзакцию
	err = s.Docs().RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		if err := ledgers.AddTrophiesTx(tx, "R", 10); err != nil {
			return err
		}
		return ledgers.AddReceiptTx(tx, models.LedgerEntry{UserID: "R", Kind: models.EntryKindTrophies, Key: "c0", Amount: 10})
	})
	assert.ErrorIs(t, err, docstore.ErrAlreadyExists)

	l, err := ledgers.Get(ctx, "R")
	require.NoError(t, err)
	assert.Equal(t, 30, l.Trophies)

	receipts, err := ledgers.Receipts(ctx, "R")
	require.NoError(t, err)
	require.Len(t, receipts, 3)
	assert.Equal(t, "c0", receipts[0].Key)
	assert.Equal(t, "c2", receipts[2].Key)

	ids, err := ledgers.ListUserIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"R"}, ids)
}
