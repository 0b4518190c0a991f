package user

import (
	"context"
	"testing"

	"duo-habits/internal/docstore"
	"duo-habits/internal/store"
	"duo-habits/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newService(t *testing.T) *Service {
	t.Helper()
	docs := docstore.NewMemory()
	t.Cleanup(func() { _ = docs.Close() })
	return NewService(store.New(docs, zap.NewNop()), zap.NewNop())
}

func TestNormalizeUsername(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"alice", "alice"},
		{"  @alice ", "alice"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeUsername(tt.in))
	}
}

func TestRegister(t *testing.T) {
	ctx := context.Background()
	s := newService(t)

	_, err := s.Register(ctx, "R", models.RegisterUserRequest{Username: "@ref"})
	require.NoError(t, err)

	u, err := s.Register(ctx, "U", models.RegisterUserRequest{Username: " @user", Locale: "en-GB", ReferrerID: "R"})
	require.NoError(t, err)
	assert.Equal(t, "U", u.ID)
	assert.Equal(t, "user", u.Username)
	assert.Equal(t, "en", u.Locale)
	assert.Equal(t, "R", u.ReferrerID)

	// пригласивший задается один раз
	_, err = s.Register(ctx, "X", models.RegisterUserRequest{})
	require.NoError(t, err)
	u, err = s.Register(ctx, "U", models.RegisterUserRequest{ReferrerID: "X"})
	require.NoError(t, err)
	assert.Equal(t, "R", u.ReferrerID)
}

func TestRegisterRejects(t *testing.T) {
	ctx := context.Background()
	s := newService(t)

	tests := []struct {
		name string
		id   string
		req  models.RegisterUserRequest
	}{
		{name: "неизвестный пригласивший", id: "U", req: models.RegisterUserRequest{ReferrerID: "missing"}},
		{name: "длинное имя", id: "U", req: models.RegisterUserRequest{Username: string(make([]byte, 100))}},
		{name: "пустой ID", id: "", req: models.RegisterUserRequest{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Register(ctx, tt.id, tt.req)
			assert.ErrorIs(t, err, models.ErrInvalidArgument)
		})
	}
}

func TestGetProfile(t *testing.T) {
	ctx := context.Background()
	s := newService(t)

	_, err := s.GetProfile(ctx, "U")
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = s.Register(ctx, "U", models.RegisterUserRequest{})
	require.NoError(t, err)
	p, err := s.GetProfile(ctx, "U")
	require.NoError(t, err)
	assert.Equal(t, "U", p.ID)
	assert.Equal(t, "ru", p.Locale)
	assert.NotNil(t, p.CurrentChallenges)
	assert.NotNil(t, p.CompletedChallenges)
	assert.False(t, p.Activated)
}
