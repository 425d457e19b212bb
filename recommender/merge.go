package recommender

import (
	"github.com/itskum47/ThresholdForge/store"
)

// mergeDirections pairs the up and down passes of a both-direction run by
// series key. Failed sides collapse the pair to a failure, a side that
// consolidated into a single whole-day block donates its bound to every
// block of the other side, and everything else pairs by exact hour range.
// Each merged result is re-merged so blocks that became compatible after
// pairing collapse again.
func (e *Executor) mergeDirections(upResults, downResults []store.MetricThresholdResult) []store.MetricThresholdResult {
	downByKey := make(map[string]store.MetricThresholdResult, len(downResults))
	for _, d := range downResults {
		downByKey[d.UniqueKey] = d
	}

	merged := make([]store.MetricThresholdResult, 0, len(upResults))
	for _, up := range upResults {
		down, ok := downByKey[up.UniqueKey]
		if !ok {
			merged = append(merged, up)
			continue
		}

		if up.Status != store.StatusSuccess || down.Status != store.StatusSuccess {
			message := up.ErrorMessage
			if up.Status == store.StatusSuccess {
				message = down.ErrorMessage
			}
			merged = append(merged, store.MetricThresholdResult{
				Name:         up.Name,
				Labels:       up.Labels,
				UniqueKey:    up.UniqueKey,
				Thresholds:   []store.ThresholdConfig{},
				Status:       store.StatusFailed,
				ErrorMessage: message,
			})
			continue
		}

		merged = append(merged, store.MetricThresholdResult{
			Name:       up.Name,
			Labels:     up.Labels,
			UniqueKey:  up.UniqueKey,
			Thresholds: pairBlocks(up.Thresholds, down.Thresholds),
			Status:     store.StatusSuccess,
		})
	}

	upKeys := make(map[string]bool, len(upResults))
	for _, u := range upResults {
		upKeys[u.UniqueKey] = true
	}
	for _, down := range downResults {
		if !upKeys[down.UniqueKey] {
			merged = append(merged, down)
		}
	}

	for i := range merged {
		merged[i].Thresholds = e.merger.MergeContinuous(merged[i].Thresholds)
	}
	return merged
}

// consolidated reports whether a side reduced to one whole-day block.
func consolidated(blocks []store.ThresholdConfig) bool {
	return len(blocks) == 1 && blocks[0].StartHour == 0 && blocks[0].EndHour == 24
}

// pairBlocks combines the upper and lower blocks of one series.
func pairBlocks(ups, downs []store.ThresholdConfig) []store.ThresholdConfig {
	upWhole := consolidated(ups)
	downWhole := consolidated(downs)

	switch {
	case upWhole && downWhole:
		return []store.ThresholdConfig{{
			StartHour:  0,
			EndHour:    24,
			UpperBound: ups[0].UpperBound,
			LowerBound: downs[0].LowerBound,
			WindowSize: ups[0].WindowSize,
		}}
	case upWhole:
		out := make([]store.ThresholdConfig, 0, len(downs))
		for _, d := range downs {
			out = append(out, store.ThresholdConfig{
				StartHour:  d.StartHour,
				EndHour:    d.EndHour,
				UpperBound: ups[0].UpperBound,
				LowerBound: d.LowerBound,
				WindowSize: d.WindowSize,
			})
		}
		return out
	case downWhole:
		out := make([]store.ThresholdConfig, 0, len(ups))
		for _, u := range ups {
			out = append(out, store.ThresholdConfig{
				StartHour:  u.StartHour,
				EndHour:    u.EndHour,
				UpperBound: u.UpperBound,
				LowerBound: downs[0].LowerBound,
				WindowSize: u.WindowSize,
			})
		}
		return out
	}

	type hourRange struct{ start, end float64 }
	downByRange := make(map[hourRange]store.ThresholdConfig, len(downs))
	for _, d := range downs {
		downByRange[hourRange{d.StartHour, d.EndHour}] = d
	}

	upRanges := make(map[hourRange]bool, len(ups))
	out := make([]store.ThresholdConfig, 0, len(ups)+len(downs))
	for _, u := range ups {
		key := hourRange{u.StartHour, u.EndHour}
		upRanges[key] = true
		if d, ok := downByRange[key]; ok {
			out = append(out, store.ThresholdConfig{
				StartHour:  u.StartHour,
				EndHour:    u.EndHour,
				UpperBound: u.UpperBound,
				LowerBound: d.LowerBound,
				WindowSize: u.WindowSize,
			})
		} else {
			out = append(out, u)
		}
	}
	for _, d := range downs {
		if !upRanges[hourRange{d.StartHour, d.EndHour}] {
			out = append(out, d)
		}
	}
	return out
}
