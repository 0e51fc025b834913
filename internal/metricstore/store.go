package metricstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/syntheon/crossmetrics/internal/faults"
	"github.com/syntheon/crossmetrics/internal/models"
)

// Store persists DailyMetric buckets with merge-on-write semantics.
//
// An increment carries the complete contribution of one partition (a
// disjoint user batch or a window-level stage). Contributions from distinct
// partitions add field-wise; addition is associative and commutative, so
// parallel partitions and split windows merge safely in any order. Upserting
// the same partition again replaces its previous contribution, which makes
// re-running aggregation over an overlapping window idempotent instead of
// double-counting.
//
// Replacement only reaches partitions the new run still produces. If the
// input universe shrinks so that a run emits fewer partitions than the last
// one, the trailing partitions keep their old contributions until a run
// writes them again; reclaiming them takes an explicit rebuild of the
// affected buckets.
//
// Ratio metrics are never stored; readers recompute them from the stored
// numerator/denominator fields.
type Store interface {
	// UpsertBucket merges one partition contribution into a bucket. A
	// malformed increment fails with faults.ErrMergeConflict and leaves the
	// bucket untouched.
	UpsertBucket(ctx context.Context, key models.MetricKey, inc models.Increment) error

	// ReadRange returns the family's buckets inside the window in ascending
	// date order (ascending dimension within a date), with all partition
	// contributions folded together. An empty dimension filter matches every
	// dimension.
	ReadRange(ctx context.Context, family string, window models.Window, dimension string) ([]models.DailyMetric, error)
}

// MemoryStore is an in-memory Store used when Redis is unavailable and in
// tests. A read immediately after a write in the same process observes that
// write.
type MemoryStore struct {
	mu      sync.RWMutex
	buckets map[models.MetricKey]map[string]models.MetricFields
}

// NewMemoryStore creates an empty in-memory metric store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[models.MetricKey]map[string]models.MetricFields)}
}

// UpsertBucket merges one partition contribution into a bucket.
func (s *MemoryStore) UpsertBucket(ctx context.Context, key models.MetricKey, inc models.Increment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !inc.Valid() {
		return faults.MergeConflict("bucket " + key.Family + "/" + key.Dimension)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	parts, ok := s.buckets[key]
	if !ok {
		parts = make(map[string]models.MetricFields)
		s.buckets[key] = parts
	}
	parts[inc.Partition] = inc.MetricFields
	return nil
}

// ReadRange returns folded buckets in ascending (date, dimension) order.
func (s *MemoryStore) ReadRange(ctx context.Context, family string, window models.Window, dimension string) ([]models.DailyMetric, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	// Match the day-level granularity of Window.Days: a bucket on the
	// window's first (possibly partial) day is still inside the range.
	firstDay := window.From.UTC().Truncate(24 * time.Hour)

	var out []models.DailyMetric
	for key, parts := range s.buckets {
		if key.Family != family || key.Date.Before(firstDay) || !key.Date.Before(window.To) {
			continue
		}
		if dimension != "" && key.Dimension != dimension {
			continue
		}
		m := models.DailyMetric{Key: key}
		for _, f := range sortedPartitions(parts) {
			m.Add(f)
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Key.Date.Equal(out[j].Key.Date) {
			return out[i].Key.Date.Before(out[j].Key.Date)
		}
		return out[i].Key.Dimension < out[j].Key.Dimension
	})
	return out, nil
}

// sortedPartitions folds in ascending partition order so sums are
// bit-identical across repeated reads.
func sortedPartitions(parts map[string]models.MetricFields) []models.MetricFields {
	names := make([]string, 0, len(parts))
	for name := range parts {
		names = append(names, name)
	}
	sort.Strings(names)
	fields := make([]models.MetricFields, 0, len(names))
	for _, name := range names {
		fields = append(fields, parts[name])
	}
	return fields
}
