package aggregate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syntheon/crossmetrics/internal/correlate"
	"github.com/syntheon/crossmetrics/internal/models"
)

func TestRollupRevenueAndAudit(t *testing.T) {
	window := models.Window{
		From: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2024, 3, 8, 0, 0, 0, 0, time.UTC),
	}
	day := time.Date(2024, 3, 2, 15, 30, 0, 0, time.UTC)

	shoes := models.Product{ID: "p1", CategoryID: "footwear", BasePrice: 100}
	view := correlate.JoinedView{
		User:     models.User{ID: "u1", Country: "US", AccountStatus: "active"},
		Products: map[string]models.Product{"p1": shoes},
		Transactions: []models.Transaction{
			{ID: "t1", UserID: "u1", ProductID: "p1", Amount: 100, Status: models.TxnCompleted, Timestamp: day},
			{ID: "t2", UserID: "u1", ProductID: "p1", Amount: 75, Status: models.TxnCompleted, Timestamp: day.Add(time.Hour)},
			{ID: "t3", UserID: "u1", ProductID: "p1", Amount: 40, Status: models.TxnRefunded, Timestamp: day},
			{ID: "t4", UserID: "u1", ProductID: "ghost", Amount: 10, Status: models.TxnCompleted, Timestamp: day},
		},
	}

	out := Rollup([]correlate.JoinedView{view}, window)

	revenue := out[models.NewMetricKey(models.FamilyRevenue, day, "")]
	assert.InDelta(t, 175, revenue.Sum, 1e-9)
	assert.Equal(t, int64(2), revenue.Count)

	byCountry := out[models.NewMetricKey(models.FamilyRevenueCountry, day, "US")]
	assert.InDelta(t, 175, byCountry.Sum, 1e-9)

	byCategory := out[models.NewMetricKey(models.FamilyRevenueCategory, day, "footwear")]
	assert.InDelta(t, 175, byCategory.Sum, 1e-9)

	excluded := out[models.NewMetricKey(models.FamilyAudit, day, models.AuditExcludedTxn)]
	assert.Equal(t, int64(1), excluded.Count)

	unresolved := out[models.NewMetricKey(models.FamilyAudit, day, models.AuditUnresolvedRef)]
	assert.Equal(t, int64(1), unresolved.Count)

	customers := out[models.NewMetricKey(models.FamilyCustomers, window.From, "")]
	assert.Equal(t, int64(1), customers.Count)
}

func TestRollupInactiveBuyersExcludedFromCustomers(t *testing.T) {
	window := models.Window{
		From: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2024, 3, 8, 0, 0, 0, 0, time.UTC),
	}
	day := window.From.Add(6 * time.Hour)

	view := correlate.JoinedView{
		User:     models.User{ID: "u1", Country: "CA", AccountStatus: "suspended"},
		Products: map[string]models.Product{"p1": {ID: "p1", CategoryID: "books"}},
		Transactions: []models.Transaction{
			{ID: "t1", UserID: "u1", ProductID: "p1", Amount: 20, Status: models.TxnCompleted, Timestamp: day},
		},
	}

	out := Rollup([]correlate.JoinedView{view}, window)

	// Revenue still counts; only the active-customer bucket skips them.
	revenue := out[models.NewMetricKey(models.FamilyRevenue, day, "")]
	assert.InDelta(t, 20, revenue.Sum, 1e-9)

	_, ok := out[models.NewMetricKey(models.FamilyCustomers, window.From, "")]
	assert.False(t, ok)
}

func TestRollupSessionMetrics(t *testing.T) {
	window := models.Window{
		From: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2024, 3, 8, 0, 0, 0, 0, time.UTC),
	}
	start := time.Date(2024, 3, 3, 9, 0, 0, 0, time.UTC)

	view := correlate.JoinedView{
		User: models.User{ID: "u1", AccountStatus: "active"},
		Sessions: []models.Session{
			sessionWithStages("u1", start, "view", "cart", "purchase"),
			sessionWithStages("u1", start.Add(time.Hour), "view"),
			{UserID: "u1", StartTime: start.Add(2 * time.Hour)},
		},
	}
	view.Sessions[1].DeviceType = "mobile"
	view.Sessions[2].DeviceType = ""

	out := Rollup([]correlate.JoinedView{view}, window)

	conv := out[models.NewMetricKey(models.FamilyConversion, start, "")]
	assert.Equal(t, int64(1), conv.Numerator)
	assert.Equal(t, int64(3), conv.Denominator)

	assert.Equal(t, int64(1), out[models.NewMetricKey(models.FamilyFunnel, start, models.StagePurchase)].Count)
	assert.Equal(t, int64(1), out[models.NewMetricKey(models.FamilyFunnel, start, models.StageView)].Count)
	assert.Equal(t, int64(1), out[models.NewMetricKey(models.FamilyFunnel, start, models.StageUnclassified)].Count)

	assert.Equal(t, int64(1), out[models.NewMetricKey(models.FamilySessionsDevice, start, "desktop")].Count)
	assert.Equal(t, int64(1), out[models.NewMetricKey(models.FamilySessionsDevice, start, "mobile")].Count)
	assert.Equal(t, int64(1), out[models.NewMetricKey(models.FamilySessionsDevice, start, "unknown")].Count)
}

func TestRollupDeterministicAcrossInputOrder(t *testing.T) {
	window := models.Window{
		From: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2024, 3, 8, 0, 0, 0, 0, time.UTC),
	}
	day := window.From.Add(time.Hour)

	views := []correlate.JoinedView{
		{
			User:     models.User{ID: "u1", Country: "US", AccountStatus: "active"},
			Products: map[string]models.Product{"p1": {ID: "p1", CategoryID: "c1"}},
			Transactions: []models.Transaction{
				{ID: "t1", UserID: "u1", ProductID: "p1", Amount: 0.1, Status: models.TxnCompleted, Timestamp: day},
			},
		},
		{
			User:     models.User{ID: "u2", Country: "US", AccountStatus: "active"},
			Products: map[string]models.Product{"p1": {ID: "p1", CategoryID: "c1"}},
			Transactions: []models.Transaction{
				{ID: "t2", UserID: "u2", ProductID: "p1", Amount: 0.2, Status: models.TxnCompleted, Timestamp: day},
			},
		},
	}

	forward := Rollup(views, window)
	backward := Rollup([]correlate.JoinedView{views[1], views[0]}, window)
	require.Equal(t, forward, backward)
}

func TestSegmentMetrics(t *testing.T) {
	window := models.Window{
		From: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC),
	}
	summaries := []SegmentSummary{
		{Segment: SegmentHighValue, Customers: 2, TotalMonetary: 900, TotalFrequency: 6, TotalAge: 70},
		{Segment: SegmentLowValue, Customers: 5, TotalMonetary: 120, TotalFrequency: 7, TotalAge: 160},
	}

	out := SegmentMetrics(summaries, window)
	require.Len(t, out, 2)

	high := out[models.NewMetricKey(models.FamilySegments, window.From, SegmentHighValue)]
	assert.InDelta(t, 900, high.Sum, 1e-9)
	assert.Equal(t, int64(2), high.Count)
	assert.Equal(t, int64(70), high.Numerator)
	assert.Equal(t, int64(6), high.Denominator)
}
