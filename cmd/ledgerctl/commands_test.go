package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"duo-habits/internal/config"
	"duo-habits/internal/docstore"
	"duo-habits/internal/store"
	"duo-habits/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// sharedDocs не закрывает хранилище между запусками команд
type sharedDocs struct {
	docstore.Store
}

func (sharedDocs) Close() error { return nil }

func testEnv(t *testing.T) (env, store.Store) {
	t.Helper()
	docs := docstore.NewMemory(docstore.WithMaxAttempts(20))
	t.Cleanup(func() { _ = docs.Close() })

	rewards, err := config.LoadRewards("")
	require.NoError(t, err)
	cfg := &config.Config{Rewards: rewards}

	e := env{
		loadConfig: func() (*config.Config, error) { return cfg, nil },
		openDocs: func(context.Context, *config.Config, *zap.Logger) (docstore.Store, error) {
			return sharedDocs{docs}, nil
		},
		newLogger: func() (*zap.Logger, error) { return zap.NewNop(), nil },
	}
	return e, store.New(docs, zap.NewNop())
}

func seedReferees(t *testing.T, st store.Store, referrerID string, n int) {
	t.Helper()
	ctx := context.Background()
	_, err := st.User().Register(ctx, referrerID, models.RegisterUserRequest{})
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		id := referrerID + "-ref-" + string(rune('a'+i))
		_, err := st.User().Register(ctx, id, models.RegisterUserRequest{ReferrerID: referrerID})
		require.NoError(t, err)
		err = st.Docs().RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
			return st.User().MarkActivatedTx(tx, id)
		})
		require.NoError(t, err)
	}
}

func run(t *testing.T, e env, out any, args ...string) error {
	t.Helper()
	var buf bytes.Buffer
	cmd := newRootCommand(e)
	cmd.SetOut(&buf)
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		return err
	}
	if out != nil {
		require.NoError(t, json.Unmarshal(buf.Bytes(), out))
	}
	return nil
}

func TestRecountReportsDrift(t *testing.T) {
	e, st := testEnv(t)
	seedReferees(t, st, "R", 5)

	var report RecountReport
	require.NoError(t, run(t, e, &report, "recount", "R"))
	assert.Equal(t, RecountReport{UserID: "R", Stored: 0, Recounted: 5, Drift: true}, report)

	// пересчет ничего не записывает
	ledger, err := st.Ledger().Get(context.Background(), "R")
	require.NoError(t, err)
	assert.Zero(t, ledger.ActivatedCount)
}

func TestUnlockThenClaim(t *testing.T) {
	e, st := testEnv(t)
	seedReferees(t, st, "R", 5)

	var unlock UnlockReport
	require.NoError(t, run(t, e, &unlock, "unlock", "R"))
	assert.Equal(t, []int{5}, unlock.Unlocked)
	require.NotNil(t, unlock.Ledger)
	assert.Equal(t, 5, unlock.Ledger.ActivatedCount)

	// повторное открытие ничего не добавляет
	require.NoError(t, run(t, e, &unlock, "unlock", "R"))
	assert.Empty(t, unlock.Unlocked)

	var ledger models.Ledger
	require.NoError(t, run(t, e, &ledger, "claim", "R", "5"))
	assert.Equal(t, []int{5}, ledger.ClaimedMilestones)
	assert.Empty(t, ledger.PendingMilestones)

	err := run(t, e, nil, "claim", "R", "5")
	assert.ErrorIs(t, err, models.ErrAlreadyClaimed)
}

func TestClaimValidatesArguments(t *testing.T) {
	e, _ := testEnv(t)

	assert.Error(t, run(t, e, nil, "claim", "R", "five"))
	assert.Error(t, run(t, e, nil, "claim", "R"))

	err := run(t, e, nil, "claim", "R", "10")
	assert.ErrorIs(t, err, models.ErrNotUnlocked)
}
