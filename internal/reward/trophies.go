package reward

import (
	"sort"
	"time"

	"duo-habits/pkg/models"

	"github.com/shopspring/decimal"
)

// Множители и бонусы трофеев
var (
	flawlessMultiplier     = decimal.RequireFromString("1.15")
	duoSyncMultiplier      = decimal.RequireFromString("1.2")
	personalBestMultiplier = decimal.RequireFromString("1.1")
)

const (
	lengthBonusMinDays = 7
	lengthBonusPerWeek = 3
	maxTrophiesPerDay  = 6
)

// TrophyInput входные данные расчета трофеев за челлендж
type TrophyInput struct {
	SelectedDays   int
	CompletionKeys []string // ключи дней YYYY-MM-DD в любом порядке
	DuoSynced      bool     // оба участника завершили с разницей не более дня
	LongestStreak  int      // лучший результат до этого челленджа
}

// ComputeChallengeTrophies вычисляет трофеи за завершенный челлендж.
// Результат зависит только от входа и не зависит от порядка ключей дней.
func ComputeChallengeTrophies(in TrophyInput) int {
	if in.SelectedDays <= 0 {
		return 0
	}

	days := uniqueDays(in.CompletionKeys)

	total := decimal.NewFromInt(int64(in.SelectedDays))
	if in.SelectedDays >= lengthBonusMinDays {
		bonus := in.SelectedDays / 7 * lengthBonusPerWeek
		total = total.Add(decimal.NewFromInt(int64(bonus)))
	}
	if isFlawless(days, in.SelectedDays) {
		total = total.Mul(flawlessMultiplier)
	}
	if in.DuoSynced {
		total = total.Mul(duoSyncMultiplier)
	}
	if len(days) >= in.LongestStreak {
		total = total.Mul(personalBestMultiplier)
	}

	result := total.Round(0).IntPart()
	upper := int64(in.SelectedDays * maxTrophiesPerDay)
	switch {
	case result < 1:
		return 1
	case result > upper:
		return int(upper)
	}
	return int(result)
}

// uniqueDays возвращает отсортированные уникальные корректные дни
func uniqueDays(keys []string) []time.Time {
	seen := make(map[string]bool, len(keys))
	days := make([]time.Time, 0, len(keys))
	for _, k := range keys {
		if seen[k] {
			continue
		}
		t, err := time.Parse(models.DayLayout, k)
		if err != nil {
			continue
		}
		seen[k] = true
		days = append(days, t)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })
	return days
}

// isFlawless: дни образуют непрерывную серию на всю длительность
func isFlawless(days []time.Time, selectedDays int) bool {
	if len(days) < selectedDays {
		return false
	}
	run := 1
	for i := 1; i < len(days); i++ {
		if days[i].Sub(days[i-1]) == 24*time.Hour {
			run++
			if run >= selectedDays {
				return true
			}
		} else {
			run = 1
		}
	}
	return run >= selectedDays
}

// FinishedInSync сообщает, завершили ли участники дуэта челлендж с
// разницей не более одного дня
func FinishedInSync(a, b string) bool {
	ta, errA := time.Parse(models.DayLayout, a)
	tb, errB := time.Parse(models.DayLayout, b)
	if errA != nil || errB != nil {
		return false
	}
	diff := ta.Sub(tb)
	if diff < 0 {
		diff = -diff
	}
	return diff <= 24*time.Hour
}
