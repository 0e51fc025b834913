package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/syntheon/crossmetrics/internal/adapter"
	"github.com/syntheon/crossmetrics/internal/aggregate"
	"github.com/syntheon/crossmetrics/internal/config"
	"github.com/syntheon/crossmetrics/internal/correlate"
	"github.com/syntheon/crossmetrics/internal/metricstore"
	"github.com/syntheon/crossmetrics/internal/models"
	"github.com/syntheon/crossmetrics/internal/report"
)

func testWindow() models.Window {
	return models.Window{
		From: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2024, 3, 8, 0, 0, 0, 0, time.UTC),
	}
}

func testPipelineConfig() config.PipelineConfig {
	return config.PipelineConfig{
		BatchSize:      1,
		Workers:        2,
		AdapterTimeout: time.Second,
		RetryBackoff:   time.Millisecond,
		TopN:           10,
	}
}

// seedCommerce loads three users: two buyers with $175 across three completed
// orders, and one who never transacted.
func seedCommerce(t *testing.T) (*adapter.MemoryDocumentStore, *adapter.MemoryColumnStore) {
	t.Helper()
	docs := adapter.NewMemoryDocumentStore()
	cols := adapter.NewMemoryColumnStore()

	docs.PutUser(models.User{ID: "u1", Age: 30, Country: "US", AccountStatus: "active"})
	docs.PutUser(models.User{ID: "u2", Age: 40, Country: "CA", AccountStatus: "active"})
	docs.PutUser(models.User{ID: "u3", Age: 22, Country: "DE", AccountStatus: "active"})
	docs.PutProduct(models.Product{ID: "p1", CategoryID: "electronics", IsActive: true})
	docs.PutProduct(models.Product{ID: "p2", CategoryID: "books", IsActive: true})
	docs.PutProduct(models.Product{ID: "p3", CategoryID: "books", IsActive: false})

	day2 := time.Date(2024, 3, 2, 10, 0, 0, 0, time.UTC)
	day3 := time.Date(2024, 3, 3, 10, 0, 0, 0, time.UTC)
	docs.PutTransaction(models.Transaction{ID: "t1", UserID: "u1", ProductID: "p1", Amount: 100, Status: models.TxnCompleted, Timestamp: day2})
	docs.PutTransaction(models.Transaction{ID: "t2", UserID: "u1", ProductID: "p2", Amount: 50, Status: models.TxnCompleted, Timestamp: day3})
	docs.PutTransaction(models.Transaction{ID: "t3", UserID: "u2", ProductID: "p2", Amount: 25, Status: models.TxnCompleted, Timestamp: day3})

	cols.PutSession(models.Session{
		UserID: "u1", StartTime: day2.Add(-time.Hour), DeviceType: "desktop", Country: "US",
		Events: []models.PageEvent{{Stage: models.StageView}, {Stage: models.StageCart}, {Stage: models.StagePurchase}},
	})
	cols.PutSession(models.Session{
		UserID: "u2", StartTime: day3.Add(-time.Hour), DeviceType: "mobile", Country: "CA",
		Events: []models.PageEvent{{Stage: models.StageView}},
	})
	return docs, cols
}

func newTestRunner(docs adapter.DocumentStore, cols adapter.ColumnStore, store metricstore.Store) *Runner {
	logger := zap.NewNop()
	c := correlate.New(docs, cols, correlate.Options{
		AdapterTimeout: time.Second,
		RetryBackoff:   time.Millisecond,
	}, logger)
	return NewRunner(docs, c, store, testPipelineConfig(), logger, nil)
}

func TestRunProducesReportableMetrics(t *testing.T) {
	ctx := context.Background()
	docs, cols := seedCommerce(t)
	store := metricstore.NewMemoryStore()
	runner := newTestRunner(docs, cols, store)

	result, err := runner.Run(ctx, testWindow())
	require.NoError(t, err)
	assert.Equal(t, 3, result.Users)
	assert.Equal(t, 3, result.Batches)
	assert.Empty(t, result.FailedBatches)
	assert.Zero(t, result.Warnings)

	snap, err := report.NewBuilder(store, 10, zap.NewNop(), nil).Build(ctx, testWindow())
	require.NoError(t, err)

	assert.False(t, snap.Partial)
	assert.InDelta(t, 175, snap.TotalRevenue.Value, 1e-9)
	assert.Equal(t, int64(3), snap.TotalOrders)
	assert.InDelta(t, 58.33, snap.AverageOrderValue.Value, 1e-9)
	assert.InDelta(t, 2, snap.ActiveCustomers.Value, 1e-9)
	assert.Equal(t, int64(2), snap.TotalSessions)
	assert.InDelta(t, 50, snap.ConversionRate.Value, 1e-9)

	require.Len(t, snap.GeographicBreakdown, 2)
	assert.Equal(t, "US", snap.GeographicBreakdown[0].Country)
	assert.InDelta(t, 150, snap.GeographicBreakdown[0].Revenue, 1e-9)

	assert.Equal(t, int64(1), snap.FunnelStages[models.StagePurchase])
	assert.Equal(t, int64(1), snap.FunnelStages[models.StageView])
	assert.InDelta(t, 50, snap.FunnelConversion["view_to_cart"], 1e-9)
	assert.InDelta(t, 100, snap.FunnelConversion["checkout_to_purchase"], 1e-9)

	assert.InDelta(t, 2, snap.ActiveProducts.Value, 1e-9)

	require.Len(t, snap.SegmentBreakdown, 2)
	assert.Equal(t, aggregate.SegmentMediumValue, snap.SegmentBreakdown[0].Segment)
	assert.InDelta(t, 150, snap.SegmentBreakdown[0].TotalMonetary, 1e-9)
	assert.InDelta(t, 2, snap.SegmentBreakdown[0].AvgFrequency, 1e-9)
	assert.InDelta(t, 30, snap.SegmentBreakdown[0].AvgAge, 1e-9)
	assert.Equal(t, aggregate.SegmentNewCustomer, snap.SegmentBreakdown[1].Segment)
	assert.InDelta(t, 40, snap.SegmentBreakdown[1].AvgAge, 1e-9)
}

func TestRunIsIdempotent(t *testing.T) {
	ctx := context.Background()
	docs, cols := seedCommerce(t)
	store := metricstore.NewMemoryStore()
	runner := newTestRunner(docs, cols, store)

	_, err := runner.Run(ctx, testWindow())
	require.NoError(t, err)
	first, err := report.NewBuilder(store, 10, zap.NewNop(), nil).Build(ctx, testWindow())
	require.NoError(t, err)

	_, err = runner.Run(ctx, testWindow())
	require.NoError(t, err)
	second, err := report.NewBuilder(store, 10, zap.NewNop(), nil).Build(ctx, testWindow())
	require.NoError(t, err)

	assert.Equal(t, first.TotalRevenue, second.TotalRevenue)
	assert.Equal(t, first.TotalOrders, second.TotalOrders)
	assert.Equal(t, first.ActiveCustomers, second.ActiveCustomers)
	assert.Equal(t, first.ConversionRate, second.ConversionRate)
	assert.Equal(t, first.SegmentBreakdown, second.SegmentBreakdown)
}

func TestRerunOverGrownWindowIsUnionNotDoubleCount(t *testing.T) {
	ctx := context.Background()
	docs, cols := seedCommerce(t)
	store := metricstore.NewMemoryStore()
	runner := newTestRunner(docs, cols, store)

	_, err := runner.Run(ctx, testWindow())
	require.NoError(t, err)

	// A new order lands inside the already-processed window; the re-run
	// recomputes the buyer's partition and must replace it, not add to it.
	docs.PutTransaction(models.Transaction{
		ID: "t4", UserID: "u2", ProductID: "p1", Amount: 25,
		Status: models.TxnCompleted, Timestamp: time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC),
	})

	_, err = runner.Run(ctx, testWindow())
	require.NoError(t, err)

	snap, err := report.NewBuilder(store, 10, zap.NewNop(), nil).Build(ctx, testWindow())
	require.NoError(t, err)
	assert.InDelta(t, 200, snap.TotalRevenue.Value, 1e-9)
	assert.Equal(t, int64(4), snap.TotalOrders)
}

// failingDocStore fails the transaction fetch for one specific buyer.
type failingDocStore struct {
	*adapter.MemoryDocumentStore
	failFor string
	broken  bool
}

func (s *failingDocStore) TransactionsByBuyers(ctx context.Context, buyerIDs []string, window models.Window) ([]models.Transaction, error) {
	if s.broken {
		for _, id := range buyerIDs {
			if id == s.failFor {
				return nil, errors.New("connection reset")
			}
		}
	}
	return s.MemoryDocumentStore.TransactionsByBuyers(ctx, buyerIDs, window)
}

func TestRunIsolatesBatchFailures(t *testing.T) {
	ctx := context.Background()
	docs, cols := seedCommerce(t)
	failing := &failingDocStore{MemoryDocumentStore: docs, failFor: "u2", broken: true}
	store := metricstore.NewMemoryStore()
	runner := newTestRunner(failing, cols, store)

	result, err := runner.Run(ctx, testWindow())
	require.NoError(t, err)
	assert.Equal(t, []string{"batch_0001"}, result.FailedBatches)

	snap, err := report.NewBuilder(store, 10, zap.NewNop(), nil).Build(ctx, testWindow())
	require.NoError(t, err)

	// The healthy batch still landed; the report is flagged partial.
	assert.True(t, snap.Partial)
	assert.InDelta(t, 150, snap.TotalRevenue.Value, 1e-9)

	// A successful re-run heals the failure marker.
	failing.broken = false
	result, err = runner.Run(ctx, testWindow())
	require.NoError(t, err)
	assert.Empty(t, result.FailedBatches)

	snap, err = report.NewBuilder(store, 10, zap.NewNop(), nil).Build(ctx, testWindow())
	require.NoError(t, err)
	assert.False(t, snap.Partial)
	assert.InDelta(t, 175, snap.TotalRevenue.Value, 1e-9)
}

func TestPartitionSlicing(t *testing.T) {
	ids := []string{"a", "b", "c", "d", "e"}

	batches := partition(ids, 2)
	require.Len(t, batches, 3)
	assert.Equal(t, []string{"a", "b"}, batches[0])
	assert.Equal(t, []string{"e"}, batches[2])

	assert.Len(t, partition(ids, 0), 1)
	assert.Empty(t, partition(nil, 10))
}
