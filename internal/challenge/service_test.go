package challenge

import (
	"context"
	"sync"
	"testing"
	"time"

	"duo-habits/internal/config"
	"duo-habits/internal/docstore"
	"duo-habits/internal/metrics"
	"duo-habits/internal/notify"
	"duo-habits/internal/poll"
	"duo-habits/internal/reward"
	"duo-habits/internal/store"
	"duo-habits/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) NextDay() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.AddDate(0, 0, 1)
}

type fixture struct {
	docs    *docstore.Memory
	store   store.Store
	rewards *reward.Service
	service *Service
	clock   *clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zap.NewNop()
	docs := docstore.NewMemory(docstore.WithMaxAttempts(20))
	t.Cleanup(func() { _ = docs.Close() })

	rewards, err := config.LoadRewards("")
	require.NoError(t, err)

	st := store.New(docs, logger)
	outbox := notify.NewOutbox(docs, config.NotifyConfig{}, logger)
	rewardService := reward.NewService(st, rewards, outbox, metrics.New(logger), logger)
	clk := &clock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}

	f := &fixture{
		docs:    docs,
		store:   st,
		rewards: rewardService,
		service: NewService(st, rewardService, outbox, logger, WithClock(clk.Now)),
		clock:   clk,
	}
	t.Cleanup(f.service.Cleaner().Wait)
	return f
}

func (f *fixture) user(t *testing.T, id string) *models.User {
	t.Helper()
	u, err := f.store.User().Get(context.Background(), id)
	require.NoError(t, err)
	return u
}

// Соло-дубликат рядом с дуо удаляется в фоне, дуо остается активным
func TestActiveRemovesSoloDuplicate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.docs.Set(ctx, docstore.Doc(models.CollectionUsers, "U"), docstore.Data{
		"CurrentChallenges": []any{
			map[string]any{"id": "c1", "selectedDays": 30},
			map[string]any{"challengeId": "c1", "duo": true, "selectedDays": 30, "uniqueKey": "c1_A-U", "duoPartnerId": "A"},
			map[string]any{"challengeId": "c2", "selectedDays": 7},
		},
	}))

	view, err := f.service.Active(ctx, "U", "c1", Hints{})
	require.NoError(t, err)
	require.NotNil(t, view.Entry)
	assert.True(t, view.Duo)
	assert.Equal(t, "A", view.PartnerID)
	assert.Equal(t, "c1_A-U", view.Entry.UniqueKey)
	assert.True(t, view.CleanupScheduled)

	err = poll.AwaitCondition(ctx, func(ctx context.Context) (bool, error) {
		u, err := f.store.User().Get(ctx, "U")
		if err != nil {
			return false, err
		}
		for _, e := range u.CurrentChallenges {
			if e.ChallengeID == "c1" && !IsDuo(e) {
				return false, nil
			}
		}
		return true, nil
	}, 50, 10*time.Millisecond)
	require.NoError(t, err)

	entries := f.user(t, "U").CurrentChallenges
	require.Len(t, entries, 2)
	assert.Equal(t, "c1_A-U", entries[0].UniqueKey)
	assert.Equal(t, "c2", entries[1].ChallengeID)

	view, err = f.service.Active(ctx, "U", "c1", Hints{})
	require.NoError(t, err)
	assert.False(t, view.CleanupScheduled)
}

func TestCleanerSkipsWhenInFlight(t *testing.T) {
	f := newFixture(t)
	c := f.service.Cleaner()

	c.inFlight.Store("U|c1", struct{}{})
	assert.False(t, c.Schedule("U", "c1"))
	c.inFlight.Delete("U|c1")
}

func TestCleanerRunIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.docs.Set(ctx, docstore.Doc(models.CollectionUsers, "U"), docstore.Data{
		"CurrentChallenges": []any{
			map[string]any{"challengeId": "c1", "selectedDays": 30},
			map[string]any{"challengeId": "c1", "duo": true, "selectedDays": 30, "duoPartnerId": "A"},
		},
	}))

	var wg sync.WaitGroup
	results := make(chan bool, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			removed, err := f.service.Cleaner().Run(ctx, "U", "c1")
			assert.NoError(t, err)
			results <- removed
		}()
	}
	wg.Wait()
	close(results)

	removals := 0
	for r := range results {
		if r {
			removals++
		}
	}
	assert.Equal(t, 1, removals)
	assert.Len(t, f.user(t, "U").CurrentChallenges, 1)
}

func TestStartSolo(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.store.User().Register(ctx, "R", models.RegisterUserRequest{})
	require.NoError(t, err)
	_, err = f.store.User().Register(ctx, "U", models.RegisterUserRequest{ReferrerID: "R"})
	require.NoError(t, err)

	entry, err := f.service.StartSolo(ctx, "U", "reading", 21)
	require.NoError(t, err)
	assert.Equal(t, "2024-03-01", entry.StartedAt)

	_, err = f.service.StartSolo(ctx, "U", "reading", 7)
	assert.ErrorIs(t, err, models.ErrConflict)

	_, err = f.service.StartSolo(ctx, "U", "", 7)
	assert.ErrorIs(t, err, models.ErrInvalidArgument)

	_, err = f.service.StartSolo(ctx, "missing", "reading", 7)
	assert.ErrorIs(t, err, models.ErrNotFound)

	// первый челлендж активирует приглашенного
	assert.True(t, f.user(t, "U").Activated)
	ledger, err := f.store.Ledger().Get(ctx, "R")
	require.NoError(t, err)
	assert.Equal(t, 1, ledger.ActivatedCount)
}

func TestMarkProgressAndComplete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.store.User().Register(ctx, "U", models.RegisterUserRequest{})
	require.NoError(t, err)
	_, err = f.service.StartSolo(ctx, "U", "reading", 3)
	require.NoError(t, err)

	res, err := f.service.MarkProgress(ctx, "U", "reading", Hints{})
	require.NoError(t, err)
	assert.False(t, res.AlreadyMarked)
	assert.Equal(t, 1, res.Entry.CompletedDays)

	res, err = f.service.MarkProgress(ctx, "U", "reading", Hints{})
	require.NoError(t, err)
	assert.True(t, res.AlreadyMarked, "второй раз за день")
	assert.Equal(t, 1, res.Entry.CompletedDays)

	f.clock.NextDay()
	_, err = f.service.MarkProgress(ctx, "U", "reading", Hints{})
	require.NoError(t, err)

	f.clock.NextDay()
	res, err = f.service.MarkProgress(ctx, "U", "reading", Hints{})
	require.NoError(t, err)
	require.True(t, res.Completed)

	want := reward.ComputeChallengeTrophies(reward.TrophyInput{
		SelectedDays:   3,
		CompletionKeys: []string{"2024-03-01", "2024-03-02", "2024-03-03"},
	})
	assert.Equal(t, want, res.Trophies)

	u := f.user(t, "U")
	assert.Empty(t, u.CurrentChallenges)
	require.Len(t, u.CompletedChallenges, 1)
	assert.Equal(t, "2024-03-03", u.CompletedChallenges[0].CompletedOn)
	assert.Equal(t, want, u.CompletedChallenges[0].Trophies)
	assert.Equal(t, 3, u.LongestStreak)

	ledger, err := f.store.Ledger().Get(ctx, "U")
	require.NoError(t, err)
	assert.Equal(t, want, ledger.Trophies)

	_, err = f.service.MarkProgress(ctx, "U", "reading", Hints{})
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestDuoCompletionInSync(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	key := models.DuoUniqueKey("c1", "A", "B")
	for _, pair := range [][2]string{{"A", "B"}, {"B", "A"}} {
		require.NoError(t, f.docs.Set(ctx, docstore.Doc(models.CollectionUsers, pair[0]), docstore.Data{
			"CurrentChallenges": []any{map[string]any{
				"challengeId":  "c1",
				"uniqueKey":    key,
				"duo":          true,
				"duoPartnerId": pair[1],
				"selectedDays": 1,
			}},
		}))
	}

	first, err := f.service.MarkProgress(ctx, "B", "c1", Hints{UniqueKey: key})
	require.NoError(t, err)
	require.True(t, first.Completed)

	second, err := f.service.MarkProgress(ctx, "A", "c1", Hints{UniqueKey: key})
	require.NoError(t, err)
	require.True(t, second.Completed)

	assert.Equal(t, reward.ComputeChallengeTrophies(reward.TrophyInput{
		SelectedDays: 1, CompletionKeys: []string{"2024-03-01"},
	}), first.Trophies)
	assert.Equal(t, reward.ComputeChallengeTrophies(reward.TrophyInput{
		SelectedDays: 1, CompletionKeys: []string{"2024-03-01"}, DuoSynced: true,
	}), second.Trophies)

	// документ партнера не изменяется
	b := f.user(t, "B")
	require.Len(t, b.CompletedChallenges, 1)
	assert.Equal(t, first.Trophies, b.CompletedChallenges[0].Trophies)
}

func TestRepeatedDuoCreditedPerRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	key := models.DuoUniqueKey("c1", "A", "B")
	seed := func() {
		for _, pair := range [][2]string{{"A", "B"}, {"B", "A"}} {
			require.NoError(t, f.docs.Set(ctx, docstore.Doc(models.CollectionUsers, pair[0]), docstore.Data{
				"CurrentChallenges": []any{map[string]any{
					"challengeId":  "c1",
					"uniqueKey":    key,
					"duo":          true,
					"duoPartnerId": pair[1],
					"selectedDays": 1,
				}},
			}, docstore.Merge))
		}
	}
	trophies := func(t *testing.T, id string) int {
		t.Helper()
		ledger, err := f.store.Ledger().Get(ctx, id)
		require.NoError(t, err)
		return ledger.Trophies
	}

	seed()
	_, err := f.service.MarkProgress(ctx, "B", "c1", Hints{UniqueKey: key})
	require.NoError(t, err)
	first, err := f.service.MarkProgress(ctx, "A", "c1", Hints{UniqueKey: key})
	require.NoError(t, err)
	require.True(t, first.Completed)
	require.Positive(t, first.Trophies)
	assert.Equal(t, first.Trophies, trophies(t, "A"))

	// та же пара снова берет тот же челлендж на следующий день
	f.clock.NextDay()
	seed()
	second, err := f.service.MarkProgress(ctx, "A", "c1", Hints{UniqueKey: key})
	require.NoError(t, err)
	require.True(t, second.Completed)
	assert.False(t, second.AlreadyCredited)

	// архив партнера за прошлый запуск не дает синхронности
	assert.Equal(t, reward.ComputeChallengeTrophies(reward.TrophyInput{
		SelectedDays: 1, CompletionKeys: []string{"2024-03-02"}, LongestStreak: 1,
	}), second.Trophies)
	assert.Equal(t, first.Trophies+second.Trophies, trophies(t, "A"))

	a := f.user(t, "A")
	require.Len(t, a.CompletedChallenges, 2)
	assert.NotEqual(t, a.CompletedChallenges[0].RunKey, a.CompletedChallenges[1].RunKey)

	partner, err := f.service.MarkProgress(ctx, "B", "c1", Hints{UniqueKey: key})
	require.NoError(t, err)
	assert.Equal(t, reward.ComputeChallengeTrophies(reward.TrophyInput{
		SelectedDays: 1, CompletionKeys: []string{"2024-03-02"}, LongestStreak: 1, DuoSynced: true,
	}), partner.Trophies)
}

func TestCompletionAlreadyCredited(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.store.User().Register(ctx, "U", models.RegisterUserRequest{})
	require.NoError(t, err)
	_, err = f.service.StartSolo(ctx, "U", "reading", 1)
	require.NoError(t, err)

	err = f.docs.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		_, err := f.rewards.CreditChallengeTx(ctx, tx, "U", "reading_2024-03-01_2024-03-01", 7)
		return err
	})
	require.NoError(t, err)

	res, err := f.service.MarkProgress(ctx, "U", "reading", Hints{})
	require.NoError(t, err)
	assert.True(t, res.Completed)
	assert.True(t, res.AlreadyCredited)
	assert.Zero(t, res.Trophies)

	ledger, err := f.store.Ledger().Get(ctx, "U")
	require.NoError(t, err)
	assert.Equal(t, 7, ledger.Trophies)
	u := f.user(t, "U")
	require.Len(t, u.CompletedChallenges, 1)
	assert.Zero(t, u.CompletedChallenges[0].Trophies)
}

func TestAbandon(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.store.User().Register(ctx, "U", models.RegisterUserRequest{})
	require.NoError(t, err)
	_, err = f.service.StartSolo(ctx, "U", "reading", 7)
	require.NoError(t, err)

	require.NoError(t, f.service.Abandon(ctx, "U", "reading", Hints{}))
	assert.Empty(t, f.user(t, "U").CurrentChallenges)
	assert.ErrorIs(t, f.service.Abandon(ctx, "U", "reading", Hints{}), models.ErrNotFound)
}
