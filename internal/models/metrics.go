package models

import (
	"math"
	"time"
)

// Metric families owned by the materialized metrics store.
const (
	FamilyRevenue         = "revenue"          // Sum = completed amounts, Count = orders
	FamilyRevenueCountry  = "revenue_country"  // dimension = user country
	FamilyRevenueCategory = "revenue_category" // dimension = product category
	FamilyCustomers       = "customers"        // Count = active buyers in window partition
	FamilyConversion      = "conversion"       // Numerator = purchase sessions, Denominator = sessions
	FamilyFunnel          = "funnel"           // dimension = stage, Count = sessions peaking there
	FamilySessionsDevice  = "sessions_device"  // dimension = device type, Count = sessions
	FamilySegments        = "segments"         // dimension = segment label; Sum = monetary, Count = customers, Numerator = summed ages, Denominator = summed order counts
	FamilyProductsActive  = "products_active"  // Count = catalog products currently active
	FamilyAudit           = "audit"            // dimension = audit counter name
	FamilyRunStatus       = "runstatus"        // dimension = partition, Count > 0 means failed
)

// Audit counter dimensions under FamilyAudit.
const (
	AuditUnresolvedRef = "unresolved_ref"
	AuditExcludedTxn   = "excluded_txn"
)

// MetricKey identifies one daily bucket: (family, UTC day, optional
// dimension such as a country or category).
type MetricKey struct {
	Family    string    `json:"family"`
	Date      time.Time `json:"date"`
	Dimension string    `json:"dimension,omitempty"`
}

// NewMetricKey truncates date to its UTC day.
func NewMetricKey(family string, date time.Time, dimension string) MetricKey {
	return MetricKey{Family: family, Date: date.UTC().Truncate(24 * time.Hour), Dimension: dimension}
}

// MetricFields are the numeric values carried by a bucket. Ratios are never
// stored; they are recomputed from Numerator/Denominator at read time.
type MetricFields struct {
	Sum         float64 `json:"sum"`
	Count       int64   `json:"count"`
	Numerator   int64   `json:"numerator"`
	Denominator int64   `json:"denominator"`
}

// Add folds other into f field-wise. Addition is associative and
// commutative, so partial results from parallel partitions merge safely.
func (f *MetricFields) Add(other MetricFields) {
	f.Sum += other.Sum
	f.Count += other.Count
	f.Numerator += other.Numerator
	f.Denominator += other.Denominator
}

// Increment is one partition's complete contribution to a bucket. Upserting
// the same partition again replaces its previous contribution, which is what
// makes overlapping re-runs idempotent; contributions from distinct
// partitions add.
type Increment struct {
	// Partition names the disjoint slice of the input that produced this
	// contribution (a user-ID batch, or a window-level stage name).
	Partition string `json:"partition"`
	MetricFields
}

// Valid reports whether the increment can be merged. Negative counts and
// non-finite sums cannot be combined associatively.
func (inc Increment) Valid() bool {
	if inc.Partition == "" {
		return false
	}
	if math.IsNaN(inc.Sum) || math.IsInf(inc.Sum, 0) {
		return false
	}
	return inc.Count >= 0 && inc.Numerator >= 0 && inc.Denominator >= 0
}

// DailyMetric is one materialized bucket as read back from the store, with
// all partition contributions already folded together.
type DailyMetric struct {
	Key MetricKey `json:"key"`
	MetricFields
}

// Ratio returns Numerator/Denominator, or 0 for an empty denominator.
func (m DailyMetric) Ratio() float64 {
	if m.Denominator == 0 {
		return 0
	}
	return float64(m.Numerator) / float64(m.Denominator)
}
