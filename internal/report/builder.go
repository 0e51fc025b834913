package report

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/syntheon/crossmetrics/internal/aggregate"
	"github.com/syntheon/crossmetrics/internal/metrics"
	"github.com/syntheon/crossmetrics/internal/metricstore"
	"github.com/syntheon/crossmetrics/internal/models"
)

// MetricValue pairs a metric with the window it was computed over.
type MetricValue struct {
	Value  float64       `json:"value"`
	Window models.Window `json:"window"`
}

// SegmentEntry is one row of the segment breakdown. Averages are recomputed
// from the stored totals, never merged as pre-computed ratios.
type SegmentEntry struct {
	Segment       string  `json:"segment"`
	Customers     int64   `json:"customers"`
	TotalMonetary float64 `json:"totalMonetary"`
	AvgMonetary   float64 `json:"avgMonetary"`
	AvgFrequency  float64 `json:"avgFrequency"`
	AvgAge        float64 `json:"avgAge"`
}

// GeoEntry is one row of the geographic breakdown.
type GeoEntry struct {
	Country string  `json:"country"`
	Revenue float64 `json:"revenue"`
	Orders  int64   `json:"orders"`
}

// ProductEntry is one row of the product performance ranking.
type ProductEntry struct {
	Category string  `json:"category"`
	Revenue  float64 `json:"revenue"`
	Orders   int64   `json:"orders"`
}

// DeviceEntry is one row of the device breakdown.
type DeviceEntry struct {
	Device   string `json:"device"`
	Sessions int64  `json:"sessions"`
}

// Snapshot is the stable document external dashboard renderers consume. Its
// top-level field set is a contract; additions are allowed, renames are not.
type Snapshot struct {
	SnapshotID  string        `json:"snapshotId"`
	GeneratedAt time.Time     `json:"generatedAt"`
	Window      models.Window `json:"window"`

	// Partial is set when any batch inside the window failed; numbers are
	// then a lower bound rather than silently incomplete.
	Partial bool `json:"partial"`

	TotalRevenue      MetricValue `json:"totalRevenue"`
	ActiveCustomers   MetricValue `json:"activeCustomers"`
	ActiveProducts    MetricValue `json:"activeProducts"`
	ConversionRate    MetricValue `json:"conversionRate"`
	AverageOrderValue MetricValue `json:"averageOrderValue"`

	SegmentBreakdown    []SegmentEntry `json:"segmentBreakdown"`
	GeographicBreakdown []GeoEntry     `json:"geographicBreakdown"`
	ProductPerformance  []ProductEntry `json:"productPerformance"`

	TotalSessions        int64              `json:"totalSessions"`
	TotalOrders          int64              `json:"totalOrders"`
	DeviceBreakdown      []DeviceEntry      `json:"deviceBreakdown"`
	FunnelStages         map[string]int64   `json:"funnelStages"`
	FunnelConversion     map[string]float64 `json:"funnelConversion"`
	UnresolvedReferences int64              `json:"unresolvedReferences"`
	ExcludedTransactions int64              `json:"excludedTransactions"`
}

// Builder assembles snapshots from materialized buckets. It never recomputes
// raw aggregates: everything here is a presentation transform (rounding,
// percentages, top-N ranking) over stored sums and counts, so two builds
// over unchanged buckets produce identical numbers.
type Builder struct {
	store   metricstore.Store
	topN    int
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewBuilder creates a report builder over the metric store.
func NewBuilder(store metricstore.Store, topN int, logger *zap.Logger, m *metrics.Metrics) *Builder {
	if topN <= 0 {
		topN = 10
	}
	return &Builder{store: store, topN: topN, logger: logger, metrics: m}
}

// Build reads the window's metric families and assembles a snapshot.
func (b *Builder) Build(ctx context.Context, window models.Window) (*Snapshot, error) {
	snap := &Snapshot{
		SnapshotID:  uuid.NewString(),
		GeneratedAt: time.Now().UTC(),
		Window:      window,
	}

	revenue, err := b.readFolded(ctx, models.FamilyRevenue, window)
	if err != nil {
		return nil, err
	}
	snap.TotalRevenue = MetricValue{Value: round2(revenue.Sum), Window: window}
	snap.TotalOrders = revenue.Count
	if revenue.Count > 0 {
		snap.AverageOrderValue = MetricValue{Value: round2(revenue.Sum / float64(revenue.Count)), Window: window}
	} else {
		snap.AverageOrderValue = MetricValue{Window: window}
	}

	customers, err := b.readFolded(ctx, models.FamilyCustomers, window)
	if err != nil {
		return nil, err
	}
	snap.ActiveCustomers = MetricValue{Value: float64(customers.Count), Window: window}

	catalog, err := b.readFolded(ctx, models.FamilyProductsActive, window)
	if err != nil {
		return nil, err
	}
	snap.ActiveProducts = MetricValue{Value: float64(catalog.Count), Window: window}

	conversion, err := b.readFolded(ctx, models.FamilyConversion, window)
	if err != nil {
		return nil, err
	}
	snap.TotalSessions = conversion.Denominator
	snap.ConversionRate = MetricValue{Value: round2(conversion.Ratio() * 100), Window: window}

	if snap.SegmentBreakdown, err = b.segments(ctx, window); err != nil {
		return nil, err
	}
	if snap.GeographicBreakdown, err = b.geography(ctx, window); err != nil {
		return nil, err
	}
	if snap.ProductPerformance, err = b.products(ctx, window); err != nil {
		return nil, err
	}
	if snap.DeviceBreakdown, err = b.devices(ctx, window); err != nil {
		return nil, err
	}
	funnel, err := b.funnel(ctx, window)
	if err != nil {
		return nil, err
	}
	snap.FunnelStages = funnel.Stages
	snap.FunnelConversion = funnelConversion(funnel)

	audit, err := b.store.ReadRange(ctx, models.FamilyAudit, window, "")
	if err != nil {
		return nil, err
	}
	for _, m := range audit {
		switch m.Key.Dimension {
		case models.AuditUnresolvedRef:
			snap.UnresolvedReferences += m.Count
		case models.AuditExcludedTxn:
			snap.ExcludedTransactions += m.Count
		}
	}

	if snap.Partial, err = b.partial(ctx, window); err != nil {
		return nil, err
	}

	b.metrics.RecordReport(snap.Partial)
	b.logger.Info("report snapshot assembled",
		zap.String("snapshot_id", snap.SnapshotID),
		zap.Bool("partial", snap.Partial),
		zap.Float64("total_revenue", snap.TotalRevenue.Value),
	)
	return snap, nil
}

// readFolded sums a dimensionless family across the window's days.
func (b *Builder) readFolded(ctx context.Context, family string, window models.Window) (models.DailyMetric, error) {
	buckets, err := b.store.ReadRange(ctx, family, window, "")
	if err != nil {
		return models.DailyMetric{}, fmt.Errorf("read %s: %w", family, err)
	}
	folded := models.DailyMetric{Key: models.NewMetricKey(family, window.From, "")}
	for _, m := range buckets {
		folded.Add(m.MetricFields)
	}
	return folded, nil
}

// byDimension folds a family's buckets across days, keyed by dimension.
func (b *Builder) byDimension(ctx context.Context, family string, window models.Window) (map[string]models.MetricFields, error) {
	buckets, err := b.store.ReadRange(ctx, family, window, "")
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", family, err)
	}
	out := make(map[string]models.MetricFields)
	for _, m := range buckets {
		cur := out[m.Key.Dimension]
		cur.Add(m.MetricFields)
		out[m.Key.Dimension] = cur
	}
	return out, nil
}

func (b *Builder) segments(ctx context.Context, window models.Window) ([]SegmentEntry, error) {
	byDim, err := b.byDimension(ctx, models.FamilySegments, window)
	if err != nil {
		return nil, err
	}
	entries := make([]SegmentEntry, 0, len(byDim))
	for seg, f := range byDim {
		e := SegmentEntry{Segment: seg, Customers: f.Count, TotalMonetary: round2(f.Sum)}
		if f.Count > 0 {
			e.AvgMonetary = round2(f.Sum / float64(f.Count))
			e.AvgFrequency = round2(float64(f.Denominator) / float64(f.Count))
			e.AvgAge = round2(float64(f.Numerator) / float64(f.Count))
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].TotalMonetary != entries[j].TotalMonetary {
			return entries[i].TotalMonetary > entries[j].TotalMonetary
		}
		return entries[i].Segment < entries[j].Segment
	})
	return entries, nil
}

func (b *Builder) geography(ctx context.Context, window models.Window) ([]GeoEntry, error) {
	byDim, err := b.byDimension(ctx, models.FamilyRevenueCountry, window)
	if err != nil {
		return nil, err
	}
	entries := make([]GeoEntry, 0, len(byDim))
	for country, f := range byDim {
		entries = append(entries, GeoEntry{Country: country, Revenue: round2(f.Sum), Orders: f.Count})
	}
	sortByRevenue(entries, func(e GeoEntry) (float64, string) { return e.Revenue, e.Country })
	return truncate(entries, b.topN), nil
}

func (b *Builder) products(ctx context.Context, window models.Window) ([]ProductEntry, error) {
	byDim, err := b.byDimension(ctx, models.FamilyRevenueCategory, window)
	if err != nil {
		return nil, err
	}
	entries := make([]ProductEntry, 0, len(byDim))
	for category, f := range byDim {
		entries = append(entries, ProductEntry{Category: category, Revenue: round2(f.Sum), Orders: f.Count})
	}
	sortByRevenue(entries, func(e ProductEntry) (float64, string) { return e.Revenue, e.Category })
	return truncate(entries, b.topN), nil
}

func (b *Builder) devices(ctx context.Context, window models.Window) ([]DeviceEntry, error) {
	byDim, err := b.byDimension(ctx, models.FamilySessionsDevice, window)
	if err != nil {
		return nil, err
	}
	entries := make([]DeviceEntry, 0, len(byDim))
	for device, f := range byDim {
		entries = append(entries, DeviceEntry{Device: device, Sessions: f.Count})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Sessions != entries[j].Sessions {
			return entries[i].Sessions > entries[j].Sessions
		}
		return entries[i].Device < entries[j].Device
	})
	return entries, nil
}

func (b *Builder) funnel(ctx context.Context, window models.Window) (aggregate.FunnelCounts, error) {
	byDim, err := b.byDimension(ctx, models.FamilyFunnel, window)
	if err != nil {
		return aggregate.FunnelCounts{}, err
	}
	counts := aggregate.FunnelCounts{Stages: make(map[string]int64, len(byDim))}
	for stage, f := range byDim {
		counts.Stages[stage] = f.Count
		counts.Total += f.Count
	}
	return counts, nil
}

// funnelConversion derives the stage-to-stage drop-off percentages.
func funnelConversion(counts aggregate.FunnelCounts) map[string]float64 {
	if counts.Total == 0 {
		return map[string]float64{}
	}
	return map[string]float64{
		"view_to_cart":         round2(counts.StageRatio(models.StageView, models.StageCart) * 100),
		"cart_to_checkout":     round2(counts.StageRatio(models.StageCart, models.StageCheckout) * 100),
		"checkout_to_purchase": round2(counts.StageRatio(models.StageCheckout, models.StagePurchase) * 100),
	}
}

// partial reports whether any batch inside the window is marked failed.
func (b *Builder) partial(ctx context.Context, window models.Window) (bool, error) {
	status, err := b.store.ReadRange(ctx, models.FamilyRunStatus, window, "")
	if err != nil {
		return false, fmt.Errorf("read runstatus: %w", err)
	}
	for _, m := range status {
		if m.Count > 0 {
			return true, nil
		}
	}
	return false, nil
}

func sortByRevenue[T any](entries []T, key func(T) (float64, string)) {
	sort.Slice(entries, func(i, j int) bool {
		ri, ni := key(entries[i])
		rj, nj := key(entries[j])
		if ri != rj {
			return ri > rj
		}
		return ni < nj
	})
}

func truncate[T any](entries []T, n int) []T {
	if len(entries) > n {
		return entries[:n]
	}
	return entries
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
