package docstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplySet(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 6, time.UTC)
	current := Data{"a": float64(1), "nested": map[string]any{"keep": true}}

	replaced, err := applySet(current, true, Data{"b": 2}, false, now)
	require.NoError(t, err)
	assert.Equal(t, Data{"b": float64(2)}, replaced)

	merged, err := applySet(current, true, Data{
		"nested": Data{"add": "x"},
		"at":     ServerTimestamp,
		"when":   now,
		"a":      DeleteField,
	}, true, now)
	require.NoError(t, err)
	assert.Equal(t, Data{
		"nested": map[string]any{"keep": true, "add": "x"},
		"at":     "2024-01-02T03:04:05.000000006Z",
		"when":   "2024-01-02T03:04:05.000000006Z",
	}, merged)

	// исходный документ не изменяется
	assert.Equal(t, float64(1), current["a"])
}

func TestApplyUpdates(t *testing.T) {
	now := time.Now()
	doc := Data{"progress": map[string]any{"completedDays": float64(2)}}

	out, err := applyUpdates(doc, []Update{
		{Path: "progress.completedDays", Value: Increment(1)},
		{Path: "progress.lastMarkedDate", Value: "2024-01-02"},
		{Path: "counter", Value: Increment(2)},
	}, now)
	require.NoError(t, err)

	v, _ := Lookup(out, "progress.completedDays")
	assert.Equal(t, float64(3), v)
	v, _ = Lookup(out, "progress.lastMarkedDate")
	assert.Equal(t, "2024-01-02", v)
	assert.Equal(t, float64(2), out["counter"])

	_, err = applyUpdates(doc, []Update{{Path: ""}}, now)
	assert.Error(t, err)
}

func TestFormatTimeSortsLexically(t *testing.T) {
	a := FormatTime(time.Date(2024, 1, 1, 0, 0, 0, 5, time.UTC))
	b := FormatTime(time.Date(2024, 1, 1, 0, 0, 0, 40, time.UTC))
	c := FormatTime(time.Date(2024, 1, 1, 0, 0, 1, 0, time.UTC))
	assert.Less(t, a, b)
	assert.Less(t, b, c)
}

func TestBuildWhere(t *testing.T) {
	q := NewQuery("invitations").
		Where("status", OpEqual, "pending").
		Where("recipientId", OpEqual, nil).
		Where("progress.completedDays", OpGreaterOrEqual, 3)

	where, args, err := buildWhere(q)
	require.NoError(t, err)
	assert.Contains(t, where, "collection = $1")
	assert.Contains(t, where, "data @> $2::jsonb")
	assert.Contains(t, where, "COALESCE(data #> $3, 'null'::jsonb) = 'null'::jsonb")
	assert.Contains(t, where, "(data #>> $4)::numeric >= $5")
	require.Len(t, args, 5)
	assert.Equal(t, `{"status":"pending"}`, args[1])
	assert.Equal(t, []string{"progress", "completedDays"}, args[3])
	assert.Equal(t, float64(3), args[4])

	_, _, err = buildWhere(NewQuery("x").Where("a", Op("!="), 1))
	assert.Error(t, err)
}

func TestMongoFilter(t *testing.T) {
	filter, err := mongoFilter(NewQuery("users").Where("referredBy", OpEqual, "u1"))
	require.NoError(t, err)
	require.Len(t, filter, 2)
	assert.Equal(t, "collection", filter[0].Key)
	assert.Equal(t, "data.referredBy", filter[1].Key)
	assert.Equal(t, "u1", filter[1].Value)
}
