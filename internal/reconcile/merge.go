// Package reconcile computes the canonical values of an event from its
// reports and keeps them materialized.
package reconcile

import (
	"sort"

	"github.com/transformaps/vera/internal/models"
)

// Outcome is the reconciled state of one event.
type Outcome struct {
	// Results holds one entry per parameter with a value, sorted by
	// parameter id. EventID is left for the caller to fill in.
	Results []models.EventResult
	// Valid is true when at least one report currently has a valid status.
	Valid bool
}

// Merge picks, for every parameter, the value of the most recently created
// valid report that supplied a non-null value. Ties on creation time go to
// the higher report id. Reports with a non-valid status never contribute and
// a null never replaces an earlier value.
func Merge(reports []models.Report) Outcome {
	var out Outcome
	winners := make(map[int64]*models.Report)
	for i := range reports {
		r := &reports[i]
		if !r.IsValid() {
			continue
		}
		out.Valid = true
		for paramID, v := range r.Values {
			if v.IsNull() {
				continue
			}
			if cur, ok := winners[paramID]; !ok || newer(r, cur) {
				winners[paramID] = r
			}
		}
	}

	out.Results = make([]models.EventResult, 0, len(winners))
	for paramID, r := range winners {
		out.Results = append(out.Results, models.EventResult{
			EventID:     r.EventID,
			ParameterID: paramID,
			ReportID:    r.ID,
			Value:       r.Values[paramID],
		})
	}
	sort.Slice(out.Results, func(i, j int) bool {
		return out.Results[i].ParameterID < out.Results[j].ParameterID
	})
	return out
}

func newer(a, b *models.Report) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}
