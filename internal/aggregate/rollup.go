package aggregate

import (
	"sort"

	"github.com/syntheon/crossmetrics/internal/correlate"
	"github.com/syntheon/crossmetrics/internal/models"
)

// Rollup computes every daily metric contribution for one batch of joined
// views. It is a pure function: no storage writes, no shared state. Views
// are processed in ascending user-ID order and transactions in ascending
// transaction-ID order, so summation order is stable and repeated runs over
// identical input produce bit-identical sums.
//
// A completed transaction whose product resolves contributes to exactly one
// revenue bucket per dimension. One that does not resolve contributes only
// to the unresolved-reference audit counter; refunded and pending
// transactions land in the excluded-transaction counter. Nothing is silently
// dropped.
func Rollup(views []correlate.JoinedView, window models.Window) map[models.MetricKey]models.MetricFields {
	ordered := append([]correlate.JoinedView(nil), views...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].User.ID < ordered[j].User.ID })

	out := make(map[models.MetricKey]models.MetricFields)
	add := func(key models.MetricKey, f models.MetricFields) {
		cur := out[key]
		cur.Add(f)
		out[key] = cur
	}

	windowDay := window.From
	for _, v := range ordered {
		var completed int64

		for _, t := range v.Transactions {
			if !t.Completed() {
				add(models.NewMetricKey(models.FamilyAudit, t.Timestamp, models.AuditExcludedTxn),
					models.MetricFields{Count: 1})
				continue
			}
			if _, ok := v.Products[t.ProductID]; !ok {
				add(models.NewMetricKey(models.FamilyAudit, t.Timestamp, models.AuditUnresolvedRef),
					models.MetricFields{Count: 1})
				continue
			}
			completed++

			sale := models.MetricFields{Sum: t.Amount, Count: 1}
			add(models.NewMetricKey(models.FamilyRevenue, t.Timestamp, ""), sale)
			add(models.NewMetricKey(models.FamilyRevenueCountry, t.Timestamp, v.User.Country), sale)
			add(models.NewMetricKey(models.FamilyRevenueCategory, t.Timestamp, v.Products[t.ProductID].CategoryID), sale)
		}

		// Active customers are a window-level distinct count; partitions hold
		// disjoint users, so per-partition counts add exactly.
		if completed > 0 && v.User.Active() {
			add(models.NewMetricKey(models.FamilyCustomers, windowDay, ""), models.MetricFields{Count: 1})
		}

		for _, s := range v.Sessions {
			stage := HighestStage(s)
			add(models.NewMetricKey(models.FamilyFunnel, s.StartTime, stage), models.MetricFields{Count: 1})

			conv := models.MetricFields{Denominator: 1}
			if stage == models.StagePurchase {
				conv.Numerator = 1
			}
			add(models.NewMetricKey(models.FamilyConversion, s.StartTime, ""), conv)

			device := s.DeviceType
			if device == "" {
				device = "unknown"
			}
			add(models.NewMetricKey(models.FamilySessionsDevice, s.StartTime, device), models.MetricFields{Count: 1})
		}

		// Per-view correlation warnings are already reflected above; the
		// batch-level ones are accounted for by the caller.
	}

	return out
}

// SegmentMetrics converts segment summaries into window-level buckets under
// the segments family, keyed by the window's first day. Age and order-count
// totals ride in the numerator/denominator fields so readers can recompute
// the per-segment averages without re-running segmentation.
func SegmentMetrics(summaries []SegmentSummary, window models.Window) map[models.MetricKey]models.MetricFields {
	out := make(map[models.MetricKey]models.MetricFields, len(summaries))
	for _, s := range summaries {
		out[models.NewMetricKey(models.FamilySegments, window.From, s.Segment)] = models.MetricFields{
			Sum:         s.TotalMonetary,
			Count:       s.Customers,
			Numerator:   s.TotalAge,
			Denominator: s.TotalFrequency,
		}
	}
	return out
}
