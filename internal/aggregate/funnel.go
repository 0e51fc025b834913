package aggregate

import (
	"github.com/syntheon/crossmetrics/internal/models"
)

// FunnelCounts holds per-stage session counts for a window. Each session is
// counted once, under the highest funnel stage it reached; sessions with no
// events or only unrecognized stage labels land in the unclassified bucket.
// Stage counts always sum to Total.
type FunnelCounts struct {
	Stages map[string]int64 `json:"stages"`
	Total  int64            `json:"total"`
}

// HighestStage reduces a session's ordered events to the furthest funnel
// stage reached (view < cart < checkout < purchase).
func HighestStage(s models.Session) string {
	best := -1
	stage := models.StageUnclassified
	for _, ev := range s.Events {
		if r := models.StageRank(ev.Stage); r > best {
			best = r
			stage = ev.Stage
		}
	}
	return stage
}

// ReachedAtLeast returns how many sessions progressed to the given stage or
// beyond. Unclassified sessions never count toward a real stage.
func (f FunnelCounts) ReachedAtLeast(stage string) int64 {
	want := models.StageRank(stage)
	if want < 0 {
		return f.Stages[models.StageUnclassified]
	}
	var n int64
	for s, count := range f.Stages {
		if models.StageRank(s) >= want {
			n += count
		}
	}
	return n
}

// StageRatio returns the stage-to-stage conversion ratio: the share of
// sessions that reached from that progressed to. Returns 0 when nothing
// reached from.
func (f FunnelCounts) StageRatio(from, to string) float64 {
	reached := f.ReachedAtLeast(from)
	if reached == 0 {
		return 0
	}
	return float64(f.ReachedAtLeast(to)) / float64(reached)
}
