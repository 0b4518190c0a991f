package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"duo-habits/pkg/models"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMetrics(t *testing.T) {
	logger := zap.NewNop()
	m := New(logger)

	m.RecordInvitation("created")
	m.RecordInvitation("created")
	m.RecordOutcome("claim", models.ErrAlreadyTaken)
	m.RecordOutcome("claim", nil)
	m.RecordHandoff("showing")
	m.RecordInboxFallback()
	m.RecordNotification(models.NotificationStatusSent)
	m.RecordReward(models.EntryKindTrophies, 12)
	m.WatcherStarted()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.invitationEvents.WithLabelValues("created")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.outcomes.WithLabelValues("claim", "INVITATION_ALREADY_TAKEN")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.outcomes.WithLabelValues("claim", "OK")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.inboxFallbacks))
	assert.Equal(t, 12.0, testutil.ToFloat64(m.rewardsCredited.WithLabelValues("challenge_trophies")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.activeWatchers))

	// неизвестная метрика только логируется
	m.IncrementCounter("unknown_total", "x")
}

func TestNewIsIsolated(t *testing.T) {
	a := New(zap.NewNop())
	b := New(zap.NewNop())
	a.RecordInvitation("accepted")
	assert.Equal(t, 0.0, testutil.ToFloat64(b.invitationEvents.WithLabelValues("accepted")))
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestHealthHandler(t *testing.T) {
	m := New(zap.NewNop())

	tests := []struct {
		name string
		ping error
		code int
	}{
		{"хранилище доступно", nil, http.StatusOK},
		{"хранилище недоступно", errors.New("down"), http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler(m, pingFunc(func(context.Context) error { return tt.ping }), zap.NewNop())
			rec := httptest.NewRecorder()
			h.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
			require.Equal(t, tt.code, rec.Code)
			assert.Contains(t, rec.Body.String(), `"service":"duo-habits"`)
		})
	}
}
