package report

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/syntheon/crossmetrics/internal/metricstore"
	"github.com/syntheon/crossmetrics/internal/models"
)

func testWindow() models.Window {
	return models.Window{
		From: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2024, 3, 8, 0, 0, 0, 0, time.UTC),
	}
}

func put(t *testing.T, store metricstore.Store, family string, d time.Time, dim string, f models.MetricFields) {
	t.Helper()
	key := models.NewMetricKey(family, d, dim)
	err := store.UpsertBucket(context.Background(), key, models.Increment{Partition: "batch_0000", MetricFields: f})
	require.NoError(t, err)
}

func TestBuildEmptyStore(t *testing.T) {
	store := metricstore.NewMemoryStore()
	snap, err := NewBuilder(store, 10, zap.NewNop(), nil).Build(context.Background(), testWindow())
	require.NoError(t, err)

	assert.NotEmpty(t, snap.SnapshotID)
	assert.False(t, snap.Partial)
	assert.Zero(t, snap.TotalRevenue.Value)
	assert.Zero(t, snap.AverageOrderValue.Value)
	assert.Zero(t, snap.ConversionRate.Value)
	assert.Zero(t, snap.ActiveProducts.Value)
	assert.Empty(t, snap.GeographicBreakdown)
	assert.Empty(t, snap.FunnelStages)
	assert.Empty(t, snap.FunnelConversion)
}

func TestBuildAssemblesSnapshot(t *testing.T) {
	store := metricstore.NewMemoryStore()
	w := testWindow()
	day2 := time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)
	day3 := time.Date(2024, 3, 3, 0, 0, 0, 0, time.UTC)

	put(t, store, models.FamilyRevenue, day2, "", models.MetricFields{Sum: 100, Count: 2})
	put(t, store, models.FamilyRevenue, day3, "", models.MetricFields{Sum: 75, Count: 1})
	put(t, store, models.FamilyCustomers, w.From, "", models.MetricFields{Count: 2})
	put(t, store, models.FamilyConversion, day2, "", models.MetricFields{Numerator: 1, Denominator: 3})
	put(t, store, models.FamilyFunnel, day2, models.StagePurchase, models.MetricFields{Count: 1})
	put(t, store, models.FamilyFunnel, day2, models.StageView, models.MetricFields{Count: 2})
	put(t, store, models.FamilyProductsActive, w.From, "", models.MetricFields{Count: 12})
	put(t, store, models.FamilyAudit, day2, models.AuditUnresolvedRef, models.MetricFields{Count: 4})
	put(t, store, models.FamilyAudit, day3, models.AuditExcludedTxn, models.MetricFields{Count: 1})

	snap, err := NewBuilder(store, 10, zap.NewNop(), nil).Build(context.Background(), w)
	require.NoError(t, err)

	assert.InDelta(t, 175, snap.TotalRevenue.Value, 1e-9)
	assert.Equal(t, int64(3), snap.TotalOrders)
	assert.InDelta(t, 58.33, snap.AverageOrderValue.Value, 1e-9)
	assert.InDelta(t, 2, snap.ActiveCustomers.Value, 1e-9)
	assert.Equal(t, int64(3), snap.TotalSessions)
	assert.InDelta(t, 33.33, snap.ConversionRate.Value, 1e-9)
	assert.Equal(t, int64(1), snap.FunnelStages[models.StagePurchase])
	assert.Equal(t, int64(2), snap.FunnelStages[models.StageView])
	assert.InDelta(t, 33.33, snap.FunnelConversion["view_to_cart"], 1e-9)
	assert.InDelta(t, 100, snap.FunnelConversion["checkout_to_purchase"], 1e-9)
	assert.InDelta(t, 12, snap.ActiveProducts.Value, 1e-9)
	assert.Equal(t, int64(4), snap.UnresolvedReferences)
	assert.Equal(t, int64(1), snap.ExcludedTransactions)
	assert.False(t, snap.Partial)
}

func TestBuildRanksAndTruncatesBreakdowns(t *testing.T) {
	store := metricstore.NewMemoryStore()
	day2 := time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)
	day3 := time.Date(2024, 3, 3, 0, 0, 0, 0, time.UTC)

	// Country revenue split across days must fold before ranking.
	put(t, store, models.FamilyRevenueCountry, day2, "US", models.MetricFields{Sum: 60, Count: 1})
	put(t, store, models.FamilyRevenueCountry, day3, "US", models.MetricFields{Sum: 60, Count: 1})
	put(t, store, models.FamilyRevenueCountry, day2, "DE", models.MetricFields{Sum: 90, Count: 1})
	put(t, store, models.FamilyRevenueCountry, day2, "CA", models.MetricFields{Sum: 10, Count: 1})

	put(t, store, models.FamilyRevenueCategory, day2, "books", models.MetricFields{Sum: 20, Count: 2})
	put(t, store, models.FamilyRevenueCategory, day2, "electronics", models.MetricFields{Sum: 200, Count: 1})

	snap, err := NewBuilder(store, 2, zap.NewNop(), nil).Build(context.Background(), testWindow())
	require.NoError(t, err)

	require.Len(t, snap.GeographicBreakdown, 2)
	assert.Equal(t, "US", snap.GeographicBreakdown[0].Country)
	assert.InDelta(t, 120, snap.GeographicBreakdown[0].Revenue, 1e-9)
	assert.Equal(t, int64(2), snap.GeographicBreakdown[0].Orders)
	assert.Equal(t, "DE", snap.GeographicBreakdown[1].Country)

	require.Len(t, snap.ProductPerformance, 2)
	assert.Equal(t, "electronics", snap.ProductPerformance[0].Category)
}

func TestBuildSegmentBreakdown(t *testing.T) {
	store := metricstore.NewMemoryStore()
	w := testWindow()

	put(t, store, models.FamilySegments, w.From, "High Value",
		models.MetricFields{Sum: 900, Count: 2, Numerator: 70, Denominator: 6})
	put(t, store, models.FamilySegments, w.From, "Low Value",
		models.MetricFields{Sum: 120, Count: 6, Numerator: 150, Denominator: 9})

	snap, err := NewBuilder(store, 10, zap.NewNop(), nil).Build(context.Background(), w)
	require.NoError(t, err)

	require.Len(t, snap.SegmentBreakdown, 2)
	assert.Equal(t, "High Value", snap.SegmentBreakdown[0].Segment)
	assert.Equal(t, int64(2), snap.SegmentBreakdown[0].Customers)
	assert.InDelta(t, 450, snap.SegmentBreakdown[0].AvgMonetary, 1e-9)
	assert.InDelta(t, 3, snap.SegmentBreakdown[0].AvgFrequency, 1e-9)
	assert.InDelta(t, 35, snap.SegmentBreakdown[0].AvgAge, 1e-9)
	assert.InDelta(t, 20, snap.SegmentBreakdown[1].AvgMonetary, 1e-9)
	assert.InDelta(t, 1.5, snap.SegmentBreakdown[1].AvgFrequency, 1e-9)
	assert.InDelta(t, 25, snap.SegmentBreakdown[1].AvgAge, 1e-9)
}

func TestBuildFlagsPartialWindows(t *testing.T) {
	store := metricstore.NewMemoryStore()
	w := testWindow()
	put(t, store, models.FamilyRevenue, w.From, "", models.MetricFields{Sum: 50, Count: 1})

	key := models.NewMetricKey(models.FamilyRunStatus, w.From, "batch_0003")
	err := store.UpsertBucket(context.Background(), key,
		models.Increment{Partition: "batch_0003", MetricFields: models.MetricFields{Count: 1}})
	require.NoError(t, err)

	snap, err := NewBuilder(store, 10, zap.NewNop(), nil).Build(context.Background(), w)
	require.NoError(t, err)
	assert.True(t, snap.Partial)
	assert.InDelta(t, 50, snap.TotalRevenue.Value, 1e-9)

	// The same partition reporting success clears the flag.
	err = store.UpsertBucket(context.Background(), key,
		models.Increment{Partition: "batch_0003", MetricFields: models.MetricFields{Count: 0}})
	require.NoError(t, err)

	snap, err = NewBuilder(store, 10, zap.NewNop(), nil).Build(context.Background(), w)
	require.NoError(t, err)
	assert.False(t, snap.Partial)
}

func TestBuildsAreRepeatable(t *testing.T) {
	store := metricstore.NewMemoryStore()
	day2 := time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)
	put(t, store, models.FamilyRevenue, day2, "", models.MetricFields{Sum: 99.995, Count: 3})
	put(t, store, models.FamilyConversion, day2, "", models.MetricFields{Numerator: 1, Denominator: 7})

	b := NewBuilder(store, 10, zap.NewNop(), nil)
	first, err := b.Build(context.Background(), testWindow())
	require.NoError(t, err)
	second, err := b.Build(context.Background(), testWindow())
	require.NoError(t, err)

	assert.Equal(t, first.TotalRevenue, second.TotalRevenue)
	assert.Equal(t, first.AverageOrderValue, second.AverageOrderValue)
	assert.Equal(t, first.ConversionRate, second.ConversionRate)
}
