package conflict

import (
	"fmt"
	"sort"
	"strings"

	"github.com/wms-platform/occupation-service/internal/domain"
)

// HotSpot is one work unit that conflicted more than once in a sample
type HotSpot struct {
	WorkUnitID string   `json:"workUnitId"`
	Conflicts  int      `json:"conflicts"`
	Operations []string `json:"operations"`
	MaxRetry   int      `json:"maxRetry"`
}

// HotSpotReport is the result of DetectHotSpots
type HotSpotReport struct {
	HotSpots        []HotSpot `json:"hotSpots"`
	Recommendations []string  `json:"recommendations"`
}

// DetectHotSpots groups a conflict sample by work unit. Any unit with more
// than one conflict is a hot spot. It has no side effects.
func DetectHotSpots(conflicts []domain.VersionConflictError) HotSpotReport {
	type agg struct {
		count    int
		ops      map[string]struct{}
		maxRetry int
	}
	byUnit := make(map[string]*agg)
	for _, c := range conflicts {
		a, ok := byUnit[c.WorkUnitID]
		if !ok {
			a = &agg{ops: make(map[string]struct{})}
			byUnit[c.WorkUnitID] = a
		}
		a.count++
		if c.Operation != "" {
			a.ops[c.Operation] = struct{}{}
		}
		if c.RetryCount > a.maxRetry {
			a.maxRetry = c.RetryCount
		}
	}

	report := HotSpotReport{HotSpots: []HotSpot{}, Recommendations: []string{}}
	for id, a := range byUnit {
		if a.count <= 1 {
			continue
		}
		ops := make([]string, 0, len(a.ops))
		for op := range a.ops {
			ops = append(ops, op)
		}
		sort.Strings(ops)
		report.HotSpots = append(report.HotSpots, HotSpot{
			WorkUnitID: id,
			Conflicts:  a.count,
			Operations: ops,
			MaxRetry:   a.maxRetry,
		})
	}
	sort.Slice(report.HotSpots, func(i, j int) bool {
		if report.HotSpots[i].Conflicts != report.HotSpots[j].Conflicts {
			return report.HotSpots[i].Conflicts > report.HotSpots[j].Conflicts
		}
		return report.HotSpots[i].WorkUnitID < report.HotSpots[j].WorkUnitID
	})

	for _, h := range report.HotSpots {
		msg := fmt.Sprintf("work unit %s conflicted %d times", h.WorkUnitID, h.Conflicts)
		if len(h.Operations) > 1 {
			msg += fmt.Sprintf(" across %s; stagger these operations", strings.Join(h.Operations, ", "))
		} else {
			msg += "; route workers to other units while it settles"
		}
		report.Recommendations = append(report.Recommendations, msg)
	}
	if len(report.HotSpots) > 0 && len(report.HotSpots)*2 >= len(byUnit) {
		report.Recommendations = append(report.Recommendations,
			"most conflicting units are hot spots; consider raising the base retry delay")
	}
	return report
}
