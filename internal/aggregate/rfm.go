package aggregate

import (
	"sort"
	"time"

	"github.com/syntheon/crossmetrics/internal/correlate"
	"github.com/syntheon/crossmetrics/internal/models"
)

// Segment labels derived from the monetary quantile.
const (
	SegmentHighValue   = "High Value"
	SegmentMediumValue = "Medium Value"
	SegmentLowValue    = "Low Value"
	SegmentNewCustomer = "New Customer"
)

// RFMConfig tunes the segmentation.
type RFMConfig struct {
	// Quantiles is the number of score buckets per dimension (default 5).
	Quantiles int
}

// RFMScore holds one buyer's recency/frequency/monetary values and their
// quantile scores over the batch.
type RFMScore struct {
	UserID         string  `json:"user_id"`
	RecencyDays    int     `json:"recency_days"`
	Frequency      int64   `json:"frequency"`
	Monetary       float64 `json:"monetary"`
	RecencyScore   int     `json:"recency_score"`
	FrequencyScore int     `json:"frequency_score"`
	MonetaryScore  int     `json:"monetary_score"`
	Segment        string  `json:"segment"`
}

// SegmentSummary aggregates one segment's population. Totals are carried
// alongside the averages so the persisted buckets stay mergeable; averages
// are recomputed from totals at read time.
type SegmentSummary struct {
	Segment        string  `json:"segment"`
	Customers      int64   `json:"customers"`
	AvgFrequency   float64 `json:"avg_frequency"`
	AvgMonetary    float64 `json:"avg_monetary"`
	AvgAge         float64 `json:"avg_age"`
	TotalMonetary  float64 `json:"total_monetary"`
	TotalFrequency int64   `json:"total_frequency"`
	TotalAge       int64   `json:"total_age"`
}

// ComputeRFM scores every user in the batch that has at least one completed
// transaction in the window. Quantile boundaries are computed over the full
// batch, never per user, and ties at a boundary are broken by ascending user
// ID so repeated runs assign identical segments. Segmentation is a
// batch-window operation: boundaries are recomputed from the window's full
// history on every run.
func ComputeRFM(views []correlate.JoinedView, window models.Window, cfg RFMConfig) ([]RFMScore, []SegmentSummary) {
	q := cfg.Quantiles
	if q <= 0 {
		q = 5
	}

	ages := make(map[string]int, len(views))
	var scores []RFMScore
	for _, v := range views {
		ages[v.User.ID] = v.User.Age

		var (
			freq     int64
			monetary float64
			last     time.Time
		)
		for _, t := range v.Transactions {
			if !t.Completed() {
				continue
			}
			freq++
			monetary += t.Amount
			if t.Timestamp.After(last) {
				last = t.Timestamp
			}
		}
		if freq == 0 {
			continue
		}

		scores = append(scores, RFMScore{
			UserID:      v.User.ID,
			RecencyDays: int(window.To.Sub(last).Hours() / 24),
			Frequency:   freq,
			Monetary:    monetary,
		})
	}
	if len(scores) == 0 {
		return nil, nil
	}

	// More recent purchases earn a higher recency score, so rank with the
	// oldest purchase first.
	rank(scores, q, func(a, b *RFMScore) bool { return a.RecencyDays > b.RecencyDays },
		func(s *RFMScore, v int) { s.RecencyScore = v })
	rank(scores, q, func(a, b *RFMScore) bool { return a.Frequency < b.Frequency },
		func(s *RFMScore, v int) { s.FrequencyScore = v })
	rank(scores, q, func(a, b *RFMScore) bool { return a.Monetary < b.Monetary },
		func(s *RFMScore, v int) { s.MonetaryScore = v })

	for i := range scores {
		scores[i].Segment = segmentLabel(scores[i].MonetaryScore, q)
	}

	sort.Slice(scores, func(i, j int) bool { return scores[i].UserID < scores[j].UserID })

	return scores, summarize(scores, ages)
}

// rank assigns quantile scores 1..q by position in the sorted order. The
// user-ID tie break keeps boundary assignment deterministic across runs.
func rank(scores []RFMScore, q int, less func(a, b *RFMScore) bool, set func(*RFMScore, int)) {
	idx := make([]int, len(scores))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		sa, sb := &scores[idx[a]], &scores[idx[b]]
		if less(sa, sb) {
			return true
		}
		if less(sb, sa) {
			return false
		}
		return sa.UserID < sb.UserID
	})
	n := len(idx)
	for pos, i := range idx {
		set(&scores[i], 1+pos*q/n)
	}
}

func segmentLabel(monetaryScore, q int) string {
	switch {
	case monetaryScore >= q:
		return SegmentHighValue
	case monetaryScore >= (q+1)/2:
		return SegmentMediumValue
	case monetaryScore >= 2:
		return SegmentLowValue
	default:
		return SegmentNewCustomer
	}
}

func summarize(scores []RFMScore, ages map[string]int) []SegmentSummary {
	type acc struct {
		customers int64
		freq      int64
		monetary  float64
		age       int64
	}
	accs := make(map[string]*acc)
	for _, s := range scores {
		a, ok := accs[s.Segment]
		if !ok {
			a = &acc{}
			accs[s.Segment] = a
		}
		a.customers++
		a.freq += s.Frequency
		a.monetary += s.Monetary
		a.age += int64(ages[s.UserID])
	}

	summaries := make([]SegmentSummary, 0, len(accs))
	for seg, a := range accs {
		n := float64(a.customers)
		summaries = append(summaries, SegmentSummary{
			Segment:        seg,
			Customers:      a.customers,
			AvgFrequency:   float64(a.freq) / n,
			AvgMonetary:    a.monetary / n,
			AvgAge:         float64(a.age) / n,
			TotalMonetary:  a.monetary,
			TotalFrequency: a.freq,
			TotalAge:       a.age,
		})
	}
	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].AvgMonetary != summaries[j].AvgMonetary {
			return summaries[i].AvgMonetary > summaries[j].AvgMonetary
		}
		return summaries[i].Segment < summaries[j].Segment
	})
	return summaries
}
