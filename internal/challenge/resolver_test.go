package challenge

import (
	"testing"

	"duo-habits/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solo(challengeID string, days int) models.ChallengeEntry {
	return models.ChallengeEntry{ChallengeID: challengeID, SelectedDays: days}
}

func duo(challengeID string, days int, a, b string) models.ChallengeEntry {
	return models.ChallengeEntry{
		ChallengeID:  challengeID,
		SelectedDays: days,
		Duo:          true,
		DuoPartnerID: b,
		UniqueKey:    models.DuoUniqueKey(challengeID, a, b),
	}
}

func TestResolve(t *testing.T) {
	withKey := solo("reading", 14)
	withKey.UniqueKey = "reading_solo-14"

	tests := []struct {
		name      string
		entries   []models.ChallengeEntry
		hints     Hints
		wantIndex int
		wantStale int
	}{
		{
			name:      "нет записей",
			entries:   nil,
			wantIndex: -1,
		},
		{
			name:      "другой челлендж",
			entries:   []models.ChallengeEntry{solo("running", 7)},
			wantIndex: -1,
		},
		{
			name:      "точное совпадение ключа",
			entries:   []models.ChallengeEntry{duo("reading", 21, "A", "B"), duo("reading", 30, "A", "C")},
			hints:     Hints{UniqueKey: "reading_A-C"},
			wantIndex: 1,
		},
		{
			name:      "дуо важнее соло",
			entries:   []models.ChallengeEntry{solo("reading", 30), duo("reading", 30, "A", "B")},
			wantIndex: 1,
			wantStale: 1,
		},
		{
			name:      "ключ соло-записи не вытесняет дуэт",
			entries:   []models.ChallengeEntry{withKey, duo("reading", 30, "A", "B")},
			hints:     Hints{UniqueKey: "reading_solo-14"},
			wantIndex: 1,
			wantStale: 1,
		},
		{
			name:      "ключ соло-записи без дуэта",
			entries:   []models.ChallengeEntry{solo("reading", 7), withKey},
			hints:     Hints{UniqueKey: "reading_solo-14"},
			wantIndex: 1,
		},
		{
			name:      "соло по длительности",
			entries:   []models.ChallengeEntry{solo("reading", 7), solo("reading", 21)},
			hints:     Hints{SelectedDays: 21},
			wantIndex: 1,
		},
		{
			name:      "первая соло-запись",
			entries:   []models.ChallengeEntry{solo("running", 7), solo("reading", 7), solo("reading", 21)},
			hints:     Hints{SelectedDays: 30},
			wantIndex: 1,
		},
		{
			name:      "неизвестный ключ",
			entries:   []models.ChallengeEntry{duo("reading", 21, "A", "B")},
			hints:     Hints{UniqueKey: "reading_X-Y"},
			wantIndex: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Resolve(tt.entries, "reading", tt.hints)
			if tt.wantIndex < 0 {
				assert.False(t, res.Found())
				assert.Empty(t, res.Partner("A"))
				return
			}
			require.True(t, res.Found())
			assert.Equal(t, tt.wantIndex, res.Index)
			assert.Equal(t, tt.entries[tt.wantIndex], *res.Entry)
			assert.Len(t, res.Stale, tt.wantStale)
			assert.Equal(t, tt.wantStale > 0, res.NeedsCleanup())

			again := Resolve(tt.entries, "reading", tt.hints)
			assert.Equal(t, res.Index, again.Index, "выбор детерминирован")
		})
	}
}

func TestResolvePartner(t *testing.T) {
	entries := []models.ChallengeEntry{duo("reading", 21, "A", "B")}
	assert.Equal(t, "B", Resolve(entries, "reading", Hints{}).Partner("A"))
	assert.Equal(t, "A", Resolve(entries, "reading", Hints{}).Partner("B"))

	// ключ с некорректной парой: используется явный партнер
	broken := models.ChallengeEntry{ChallengeID: "reading", UniqueKey: "reading_broken", Duo: true, DuoPartnerID: "B"}
	assert.Equal(t, "B", Resolve([]models.ChallengeEntry{broken}, "reading", Hints{}).Partner("A"))
}

func TestWithoutStale(t *testing.T) {
	entries := []models.ChallengeEntry{
		solo("running", 7),
		solo("reading", 30),
		duo("reading", 30, "A", "B"),
	}

	out, changed := WithoutStale(entries, "reading")
	require.True(t, changed)
	assert.Equal(t, []models.ChallengeEntry{entries[0], entries[2]}, out)

	out, changed = WithoutStale(out, "reading")
	assert.False(t, changed, "повторная очистка ничего не меняет")
	assert.Len(t, out, 2)

	_, changed = WithoutStale(entries, "running")
	assert.False(t, changed)
}
