package models

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// FieldAlias нормализованное поле записи и пути в документе, из которых
// оно читается, в порядке приоритета
type FieldAlias struct {
	Field string
	Paths []string
}

// EntryAliases поля записи челленджа и их устаревшие имена. Запись всегда
// выполняется под первым (каноническим) именем.
var EntryAliases = []FieldAlias{
	{Field: "challengeId", Paths: []string{"challengeId", "id"}},
	{Field: "uniqueKey", Paths: []string{"uniqueKey"}},
	{Field: "duo", Paths: []string{"duo"}},
	{Field: "duoPartnerId", Paths: []string{"duoPartnerId"}},
	{Field: "selectedDays", Paths: []string{"selectedDays"}},
	{Field: "completedDays", Paths: []string{"completedDays", "progress.completedDays"}},
	{Field: "completionDates", Paths: []string{"completionDates", "progress.completionDates"}},
	{Field: "markedDate", Paths: []string{"markedDate", "lastMarkedDate", "progress.lastMarkedDate"}},
	{Field: "startedAt", Paths: []string{"startedAt"}},
}

// maxCount верхняя граница счетчиков дней
const maxCount = math.MaxInt32

// ChallengeEntry нормализованная запись текущего челленджа пользователя
type ChallengeEntry struct {
	ChallengeID     string
	UniqueKey       string
	Duo             bool
	DuoPartnerID    string
	SelectedDays    int
	CompletedDays   int
	CompletionDates []string
	MarkedDate      string // последний отмеченный день YYYY-MM-DD
	StartedAt       string

	// остальные поля исходного документа сохраняются при перезаписи
	extra map[string]any
}

func lookupPath(raw map[string]any, path string) (any, bool) {
	var cur any = raw
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[part]; !ok {
			return nil, false
		}
	}
	return cur, cur != nil
}

func aliasPaths(field string) []string {
	for _, a := range EntryAliases {
		if a.Field == field {
			return a.Paths
		}
	}
	return []string{field}
}

// lookupAlias возвращает первое непустое значение по путям поля
func lookupAlias(raw map[string]any, field string) (any, bool) {
	for _, p := range aliasPaths(field) {
		if v, ok := lookupPath(raw, p); ok {
			return v, true
		}
	}
	return nil, false
}

// toInt приводит число или числовую строку к неотрицательному целому
func toInt(v any) (int, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case int32:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return 0, true
	}
	if f >= maxCount {
		return maxCount, true
	}
	return int(math.Trunc(f)), true
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func toStrings(v any) ([]string, bool) {
	list, ok := v.([]any)
	if !ok {
		if ss, ok := v.([]string); ok {
			return ss, true
		}
		return nil, false
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out, true
}

// NormalizeCompletedDays число завершенных дней: число, числовая строка,
// длина completionDates, иначе 0. Отрицательные и нечисловые значения дают 0,
// слишком большие ограничены maxCount.
func NormalizeCompletedDays(raw map[string]any) int {
	for _, p := range aliasPaths("completedDays") {
		if v, ok := lookupPath(raw, p); ok {
			if n, ok := toInt(v); ok {
				return n
			}
		}
	}
	if v, ok := lookupAlias(raw, "completionDates"); ok {
		if dates, ok := toStrings(v); ok {
			return len(dates)
		}
	}
	return 0
}

// DecodeEntry строит нормализованную запись из документа
func DecodeEntry(raw map[string]any) ChallengeEntry {
	e := ChallengeEntry{extra: make(map[string]any, len(raw))}
	for k, v := range raw {
		e.extra[k] = v
	}
	if v, ok := lookupAlias(raw, "challengeId"); ok {
		e.ChallengeID = toString(v)
	}
	if v, ok := lookupAlias(raw, "uniqueKey"); ok {
		e.UniqueKey = toString(v)
	}
	if v, ok := lookupAlias(raw, "duo"); ok {
		e.Duo, _ = v.(bool)
	}
	if v, ok := lookupAlias(raw, "duoPartnerId"); ok {
		e.DuoPartnerID = toString(v)
	}
	if v, ok := lookupAlias(raw, "selectedDays"); ok {
		e.SelectedDays, _ = toInt(v)
	}
	if v, ok := lookupAlias(raw, "completionDates"); ok {
		e.CompletionDates, _ = toStrings(v)
	}
	e.CompletedDays = NormalizeCompletedDays(raw)
	if v, ok := lookupAlias(raw, "markedDate"); ok {
		e.MarkedDate = toString(v)
	}
	if v, ok := lookupAlias(raw, "startedAt"); ok {
		e.StartedAt = toString(v)
	}
	return e
}

// Encode возвращает документ записи с каноническими именами полей
func (e ChallengeEntry) Encode() map[string]any {
	out := make(map[string]any, len(e.extra)+9)
	for k, v := range e.extra {
		out[k] = v
	}
	out["challengeId"] = e.ChallengeID
	out["duo"] = e.Duo
	out["selectedDays"] = e.SelectedDays
	out["completedDays"] = e.CompletedDays
	setOrDelete(out, "uniqueKey", e.UniqueKey)
	setOrDelete(out, "duoPartnerId", e.DuoPartnerID)
	setOrDelete(out, "markedDate", e.MarkedDate)
	setOrDelete(out, "startedAt", e.StartedAt)
	if len(e.CompletionDates) > 0 {
		dates := make([]any, len(e.CompletionDates))
		for i, d := range e.CompletionDates {
			dates[i] = d
		}
		out["completionDates"] = dates
	} else {
		delete(out, "completionDates")
	}
	return out
}

func setOrDelete(m map[string]any, key, value string) {
	if value == "" {
		delete(m, key)
		return
	}
	m[key] = value
}

// MarshalJSON кодирует запись с каноническими именами полей
func (e ChallengeEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.Encode())
}

// UnmarshalJSON декодирует запись с учетом устаревших имен полей
func (e *ChallengeEntry) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*e = DecodeEntry(raw)
	return nil
}

// DuoUniqueKey составной ключ дуо-записи: <challengeId>_<inviterId>-<inviteeId>
func DuoUniqueKey(challengeID, inviterID, inviteeID string) string {
	return challengeID + "_" + inviterID + "-" + inviteeID
}

// ParseDuoPair извлекает пару участников из составного ключа
func ParseDuoPair(uniqueKey string) (string, string, bool) {
	idx := strings.LastIndex(uniqueKey, "_")
	if idx < 0 {
		return "", "", false
	}
	a, b, ok := strings.Cut(uniqueKey[idx+1:], "-")
	if !ok || a == "" || b == "" || strings.Contains(b, "-") {
		return "", "", false
	}
	return a, b, true
}

// PartnerID возвращает ID партнера по дуо. Ключ записи имеет приоритет;
// при некорректном ключе используется явное поле duoPartnerId.
func (e ChallengeEntry) PartnerID(userID string) string {
	if a, b, ok := ParseDuoPair(e.UniqueKey); ok {
		switch userID {
		case a:
			return b
		case b:
			return a
		}
	}
	if e.Duo || e.DuoPartnerID != "" {
		return e.DuoPartnerID
	}
	return ""
}

// RunStart день начала запуска: startedAt, а для старых записей без него
// самый ранний отмеченный день
func (e ChallengeEntry) RunStart() string {
	if e.StartedAt != "" {
		return e.StartedAt
	}
	start := ""
	for _, d := range e.CompletionDates {
		if start == "" || d < start {
			start = d
		}
	}
	return start
}

// RunKey идентификатор конкретного запуска челленджа. Повторный дуэт той же
// пары отличается днем начала.
func (e ChallengeEntry) RunKey() string {
	base := e.UniqueKey
	if base == "" {
		base = e.ChallengeID
	}
	if start := e.RunStart(); start != "" {
		return base + "_" + start
	}
	return base
}

// AlreadyMarked сообщает, отмечен ли прогресс за день
func (e ChallengeEntry) AlreadyMarked(day string) bool {
	return e.MarkedDate == day
}
