package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/syntheon/crossmetrics/internal/adapter"
	"github.com/syntheon/crossmetrics/internal/aggregate"
	"github.com/syntheon/crossmetrics/internal/config"
	"github.com/syntheon/crossmetrics/internal/correlate"
	"github.com/syntheon/crossmetrics/internal/metrics"
	"github.com/syntheon/crossmetrics/internal/metricstore"
	"github.com/syntheon/crossmetrics/internal/models"
)

// Runner drives the correlation -> aggregation -> persistence pipeline over
// a window. Work partitions by user-identity batch; batches run on parallel
// workers and write disjoint partition contributions, so no locking is
// needed beyond the metric store's merge contract. A failed batch never
// aborts its siblings; it is recorded under the runstatus family so reports
// can flag the window as partial.
type Runner struct {
	docs       adapter.DocumentStore
	correlator *correlate.Correlator
	store      metricstore.Store
	cfg        config.PipelineConfig
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

// NewRunner creates a pipeline runner.
func NewRunner(docs adapter.DocumentStore, correlator *correlate.Correlator, store metricstore.Store,
	cfg config.PipelineConfig, logger *zap.Logger, m *metrics.Metrics) *Runner {
	return &Runner{
		docs:       docs,
		correlator: correlator,
		store:      store,
		cfg:        cfg,
		logger:     logger,
		metrics:    m,
	}
}

// RunResult summarizes one pipeline run.
type RunResult struct {
	RunID         string        `json:"run_id"`
	Window        models.Window `json:"window"`
	Users         int           `json:"users"`
	Batches       int           `json:"batches"`
	FailedBatches []string      `json:"failed_batches,omitempty"`
	Warnings      int           `json:"warnings"`
	Duration      time.Duration `json:"duration"`
}

// Run refreshes every daily metric bucket covered by the window. Re-running
// over the same window is idempotent: each batch partition replaces its own
// previous contribution.
func (r *Runner) Run(ctx context.Context, window models.Window) (*RunResult, error) {
	start := time.Now()
	result := &RunResult{RunID: uuid.NewString(), Window: window}

	userIDs, err := r.docs.ListUserIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list user ids: %w", err)
	}
	result.Users = len(userIDs)

	batches := partition(userIDs, r.cfg.BatchSize)
	result.Batches = len(batches)

	r.logger.Info("pipeline run starting",
		zap.String("run_id", result.RunID),
		zap.Time("from", window.From),
		zap.Time("to", window.To),
		zap.Int("users", len(userIDs)),
		zap.Int("batches", len(batches)),
	)

	var (
		mu       sync.Mutex
		allViews []correlate.JoinedView
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Workers)

	for i, ids := range batches {
		name := fmt.Sprintf("batch_%04d", i)
		ids := ids
		g.Go(func() error {
			r.metrics.WorkerStarted()
			defer r.metrics.WorkerFinished()

			views, warnings, err := r.runBatch(gctx, name, ids, window)

			mu.Lock()
			defer mu.Unlock()
			result.Warnings += warnings
			if err != nil {
				// Failure isolation: record, mark, keep siblings running.
				result.FailedBatches = append(result.FailedBatches, name)
				r.metrics.RecordBatch("failed")
				r.logger.Error("batch failed", zap.String("batch", name), zap.Error(err))
				r.markRunStatus(gctx, window, name, true)
				return nil
			}
			allViews = append(allViews, views...)
			r.metrics.RecordBatch("ok")
			r.markRunStatus(gctx, window, name, false)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Segmentation is a whole-window operation: quantile boundaries need the
	// full batch, so it runs once over every successfully correlated view.
	segStart := time.Now()
	_, summaries := aggregate.ComputeRFM(allViews, window, aggregate.RFMConfig{})
	for key, fields := range aggregate.SegmentMetrics(summaries, window) {
		if err := r.upsert(ctx, key, models.Increment{Partition: "segments", MetricFields: fields}); err != nil {
			return nil, err
		}
	}
	r.metrics.RecordStage("segment", time.Since(segStart))

	// Catalog-wide active product count, refreshed once per run.
	activeProducts, err := r.docs.CountActiveProducts(ctx)
	if err != nil {
		return nil, fmt.Errorf("count active products: %w", err)
	}
	catalogKey := models.NewMetricKey(models.FamilyProductsActive, window.From, "")
	catalogInc := models.Increment{Partition: "catalog", MetricFields: models.MetricFields{Count: activeProducts}}
	if err := r.upsert(ctx, catalogKey, catalogInc); err != nil {
		return nil, err
	}

	result.Duration = time.Since(start)
	r.logger.Info("pipeline run finished",
		zap.String("run_id", result.RunID),
		zap.Int("failed_batches", len(result.FailedBatches)),
		zap.Int("warnings", result.Warnings),
		zap.Duration("duration", result.Duration),
	)
	return result, nil
}

// runBatch correlates and aggregates one user batch and persists its
// partition contribution. Cancellation between stages leaves no partial
// bucket behind: nothing is visible until an upsert call returns.
func (r *Runner) runBatch(ctx context.Context, name string, ids []string, window models.Window) ([]correlate.JoinedView, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	corrStart := time.Now()
	batch, err := r.correlator.JoinBatch(ctx, ids, window)
	r.metrics.RecordStage("correlate", time.Since(corrStart))
	if err != nil {
		return nil, 0, err
	}

	aggStart := time.Now()
	buckets := aggregate.Rollup(batch.Views, window)

	// Batch-level unresolved references (transactions whose buyer never
	// resolved) still count toward the audit bucket.
	warnings := len(batch.Warnings)
	for _, v := range batch.Views {
		warnings += len(v.Warnings)
	}
	var orphaned int64
	for _, w := range batch.Warnings {
		if w.Kind == correlate.WarnInconsistentRef {
			orphaned++
		}
	}
	if orphaned > 0 {
		key := models.NewMetricKey(models.FamilyAudit, window.From, models.AuditUnresolvedRef)
		cur := buckets[key]
		cur.Add(models.MetricFields{Count: orphaned})
		buckets[key] = cur
	}
	r.metrics.RecordStage("aggregate", time.Since(aggStart))

	if err := ctx.Err(); err != nil {
		return nil, warnings, err
	}

	persistStart := time.Now()
	for key, fields := range buckets {
		if err := r.upsert(ctx, key, models.Increment{Partition: name, MetricFields: fields}); err != nil {
			return nil, warnings, err
		}
	}
	r.metrics.RecordStage("persist", time.Since(persistStart))

	return batch.Views, warnings, nil
}

func (r *Runner) upsert(ctx context.Context, key models.MetricKey, inc models.Increment) error {
	err := r.store.UpsertBucket(ctx, key, inc)
	if err != nil {
		r.metrics.RecordUpsert(key.Family, "error")
		return fmt.Errorf("upsert %s/%s: %w", key.Family, key.Dimension, err)
	}
	r.metrics.RecordUpsert(key.Family, "ok")
	return nil
}

// markRunStatus records batch success or failure under the runstatus family.
// A later successful re-run of the same partition clears the failure marker.
func (r *Runner) markRunStatus(ctx context.Context, window models.Window, name string, failed bool) {
	var count int64
	if failed {
		count = 1
	}
	key := models.NewMetricKey(models.FamilyRunStatus, window.From, name)
	inc := models.Increment{Partition: name, MetricFields: models.MetricFields{Count: count}}
	if err := r.store.UpsertBucket(ctx, key, inc); err != nil {
		r.logger.Error("failed to record run status", zap.String("batch", name), zap.Error(err))
	}
}

// partition slices ids into contiguous batches. The slicing is deterministic
// for a given ID universe, so partition names are stable across re-runs and
// replace their own prior contributions. If the universe shrinks between
// runs, trailing partition names stop being produced and their old
// contributions linger per the metric store contract; rebuilding the window
// after bulk user deletion is the operator's call.
func partition(ids []string, size int) [][]string {
	if size <= 0 {
		size = len(ids)
	}
	var out [][]string
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		out = append(out, ids[start:end])
	}
	return out
}
