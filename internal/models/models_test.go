package models

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStageRank(t *testing.T) {
	assert.Equal(t, 0, StageRank(StageView))
	assert.Equal(t, 3, StageRank(StagePurchase))
	assert.Equal(t, -1, StageRank("banner"))
	assert.Equal(t, -1, StageRank(""))
}

func TestWindowContainsIsHalfOpen(t *testing.T) {
	w := Window{
		From: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2024, 3, 8, 0, 0, 0, 0, time.UTC),
	}
	assert.True(t, w.Contains(w.From))
	assert.True(t, w.Contains(w.To.Add(-time.Nanosecond)))
	assert.False(t, w.Contains(w.To))
	assert.False(t, w.Contains(w.From.Add(-time.Nanosecond)))
}

func TestWindowDays(t *testing.T) {
	w := Window{
		From: time.Date(2024, 3, 1, 15, 0, 0, 0, time.UTC),
		To:   time.Date(2024, 3, 4, 2, 0, 0, 0, time.UTC),
	}
	days := w.Days()
	require.Len(t, days, 4)
	assert.True(t, days[0].Equal(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)))
	assert.True(t, days[3].Equal(time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)))
}

func TestNewMetricKeyTruncatesToUTCDay(t *testing.T) {
	loc := time.FixedZone("UTC+5", 5*3600)
	key := NewMetricKey(FamilyRevenue, time.Date(2024, 3, 2, 3, 30, 0, 0, loc), "US")
	assert.True(t, key.Date.Equal(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, "US", key.Dimension)
}

func TestIncrementValid(t *testing.T) {
	good := Increment{Partition: "batch_0000", MetricFields: MetricFields{Sum: 1.5, Count: 1}}
	assert.True(t, good.Valid())

	assert.False(t, Increment{MetricFields: MetricFields{Sum: 1}}.Valid())
	assert.False(t, Increment{Partition: "p", MetricFields: MetricFields{Sum: math.NaN()}}.Valid())
	assert.False(t, Increment{Partition: "p", MetricFields: MetricFields{Denominator: -1}}.Valid())
}

func TestDailyMetricRatio(t *testing.T) {
	m := DailyMetric{MetricFields: MetricFields{Numerator: 1, Denominator: 4}}
	assert.InDelta(t, 0.25, m.Ratio(), 1e-9)
	assert.Zero(t, DailyMetric{}.Ratio())
}

func TestSessionRowKeySortsByUserThenTime(t *testing.T) {
	early := Session{UserID: "u1", StartTime: time.Date(2024, 3, 2, 9, 0, 0, 0, time.UTC)}
	late := Session{UserID: "u1", StartTime: time.Date(2024, 3, 2, 10, 0, 0, 0, time.UTC)}
	other := Session{UserID: "u2", StartTime: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)}

	assert.Less(t, early.RowKey(), late.RowKey())
	assert.Less(t, late.RowKey(), other.RowKey())
}
