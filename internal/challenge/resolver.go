// Package challenge выбирает активную запись челленджа пользователя,
// устраняет дубли соло/дуо и ведет прогресс.
package challenge

import "duo-habits/pkg/models"

// Hints ранее известные параметры активной записи
type Hints struct {
	UniqueKey    string
	SelectedDays int
}

// Resolution результат выбора активной записи
type Resolution struct {
	Entry *models.ChallengeEntry // nil, если активной записи нет
	Index int                    // позиция Entry в исходном списке
	Stale []models.ChallengeEntry
}

// Found сообщает, найдена ли активная запись
func (r Resolution) Found() bool {
	return r.Entry != nil
}

// NeedsCleanup сообщает, есть ли соло-записи, вытесненные дуо-записью
func (r Resolution) NeedsCleanup() bool {
	return len(r.Stale) > 0
}

// Partner возвращает ID партнера по дуэту; пустая строка для соло
func (r Resolution) Partner(userID string) string {
	if r.Entry == nil {
		return ""
	}
	return r.Entry.PartnerID(userID)
}

// IsDuo сообщает, является ли запись дуо-записью
func IsDuo(e models.ChallengeEntry) bool {
	return e.Duo || e.DuoPartnerID != ""
}

// Resolve детерминированно выбирает активную запись челленджа:
// точное совпадение uniqueKey, затем первая дуо-запись, затем соло-запись
// с подсказанной длительностью, затем первая соло-запись.
func Resolve(entries []models.ChallengeEntry, challengeID string, hints Hints) Resolution {
	var matching []int
	hasDuo, hasSolo := false, false
	for i, e := range entries {
		if e.ChallengeID != challengeID {
			continue
		}
		matching = append(matching, i)
		if IsDuo(e) {
			hasDuo = true
		} else {
			hasSolo = true
		}
	}
	if len(matching) == 0 {
		return Resolution{Index: -1}
	}

	pick := -1
	if hints.UniqueKey != "" {
		for _, i := range matching {
			// соло-запись по подсказке не вытесняет существующий дуэт
			if entries[i].UniqueKey == hints.UniqueKey && (IsDuo(entries[i]) || !hasDuo) {
				pick = i
				break
			}
		}
	}
	if pick < 0 && hasDuo {
		for _, i := range matching {
			if IsDuo(entries[i]) {
				pick = i
				break
			}
		}
	}
	if pick < 0 && hints.SelectedDays > 0 {
		for _, i := range matching {
			if !IsDuo(entries[i]) && entries[i].SelectedDays == hints.SelectedDays {
				pick = i
				break
			}
		}
	}
	if pick < 0 {
		pick = matching[0]
		for _, i := range matching {
			if !IsDuo(entries[i]) {
				pick = i
				break
			}
		}
	}

	res := Resolution{Entry: &entries[pick], Index: pick}
	if hasDuo && hasSolo {
		for _, i := range matching {
			if !IsDuo(entries[i]) {
				res.Stale = append(res.Stale, entries[i])
			}
		}
	}
	return res
}

// WithoutStale возвращает список без соло-записей челленджа, если для него
// есть дуо-запись. Остальные записи сохраняют порядок.
func WithoutStale(entries []models.ChallengeEntry, challengeID string) ([]models.ChallengeEntry, bool) {
	if !Resolve(entries, challengeID, Hints{}).NeedsCleanup() {
		return entries, false
	}
	out := make([]models.ChallengeEntry, 0, len(entries))
	for _, e := range entries {
		if e.ChallengeID == challengeID && !IsDuo(e) {
			continue
		}
		out = append(out, e)
	}
	return out, true
}
