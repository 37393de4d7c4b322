package api

import (
	"time"

	"github.com/transformaps/vera/internal/errs"
	"github.com/transformaps/vera/internal/models"
	"github.com/transformaps/vera/internal/vera"
)

// ReportRequest is the body of POST /reports and one line of an import
// batch.
type ReportRequest struct {
	Event struct {
		Site struct {
			Latitude  *float64 `json:"latitude"`
			Longitude *float64 `json:"longitude"`
		} `json:"site"`
		Date string `json:"date"`
	} `json:"event"`
	Results []ResultJSON `json:"results"`
	Status  *StatusRef   `json:"status,omitempty"`
	User    string       `json:"user,omitempty"`
}

type StatusRef struct {
	Slug string `json:"slug"`
}

// StatusUpdateRequest is the body of PATCH /reports/{id}.
type StatusUpdateRequest struct {
	Status StatusRef `json:"status"`
}

type ResultJSON struct {
	TypeID string `json:"type_id"`
	Value  any    `json:"value"`
}

type ReceiptJSON struct {
	ID         int64        `json:"id"`
	EventID    int64        `json:"event_id"`
	EventLabel string       `json:"event_label"`
	Results    []ResultJSON `json:"results"`
}

type EventJSON struct {
	ID        int64        `json:"id"`
	Label     string       `json:"label"`
	Date      string       `json:"date"`
	Latitude  float64      `json:"latitude"`
	Longitude float64      `json:"longitude"`
	IsValid   bool         `json:"is_valid"`
	Results   []ResultJSON `json:"results"`
}

type ReportJSON struct {
	ID        int64        `json:"id"`
	EventID   int64        `json:"event_id"`
	User      string       `json:"user"`
	Status    StatusJSON   `json:"status"`
	CreatedAt time.Time    `json:"created_at"`
	Results   []ResultJSON `json:"results"`
}

type ParameterJSON struct {
	ID        int64  `json:"id,omitempty"`
	Slug      string `json:"slug,omitempty"`
	Name      string `json:"name"`
	IsNumeric bool   `json:"is_numeric"`
	Units     string `json:"units"`
}

type StatusJSON struct {
	ID      int64  `json:"id,omitempty"`
	Slug    string `json:"slug"`
	Name    string `json:"name"`
	IsValid bool   `json:"is_valid"`
}

type ErrorJSON struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// NewReport converts the request to a submission. Duplicate type ids are
// rejected here since the value map cannot hold them.
func (req ReportRequest) NewReport() (vera.NewReport, error) {
	var in vera.NewReport
	site := req.Event.Site
	if site.Latitude == nil || site.Longitude == nil {
		return in, &errs.InvalidValueError{Parameter: "event.site", Reason: "latitude and longitude are required"}
	}
	date, err := time.Parse(models.DateLayout, req.Event.Date)
	if err != nil {
		return in, &errs.InvalidValueError{Parameter: "event.date", Value: req.Event.Date, Reason: "expected YYYY-MM-DD"}
	}

	in.Event = vera.EventKey{Latitude: *site.Latitude, Longitude: *site.Longitude, Date: date}
	in.User = req.User
	if req.Status != nil {
		in.Status = req.Status.Slug
	}
	in.Values = make(map[string]any, len(req.Results))
	for _, r := range req.Results {
		if r.TypeID == "" {
			return in, &errs.InvalidValueError{Parameter: "results.type_id", Reason: "required"}
		}
		if _, dup := in.Values[r.TypeID]; dup {
			return in, &errs.InvalidValueError{Parameter: r.TypeID, Value: r.Value, Reason: "parameter submitted more than once"}
		}
		in.Values[r.TypeID] = r.Value
	}
	return in, nil
}

func resultsJSON(results []vera.Result) []ResultJSON {
	out := make([]ResultJSON, 0, len(results))
	for _, r := range results {
		out = append(out, ResultJSON{TypeID: r.TypeID, Value: r.Value})
	}
	return out
}

func receiptJSON(r *vera.ReportReceipt) ReceiptJSON {
	return ReceiptJSON{
		ID:         r.ReportID,
		EventID:    r.EventID,
		EventLabel: r.EventLabel,
		Results:    resultsJSON(r.Results),
	}
}

func eventJSON(v *vera.EventView) EventJSON {
	return EventJSON{
		ID:        v.ID,
		Label:     v.Label,
		Date:      v.Date.Format(models.DateLayout),
		Latitude:  v.Site.Latitude,
		Longitude: v.Site.Longitude,
		IsValid:   v.IsValid,
		Results:   resultsJSON(v.Results),
	}
}

func reportJSON(v *vera.ReportView) ReportJSON {
	return ReportJSON{
		ID:        v.ID,
		EventID:   v.EventID,
		User:      v.User,
		Status:    statusJSON(v.Status),
		CreatedAt: v.CreatedAt,
		Results:   resultsJSON(v.Results),
	}
}

func parameterJSON(p models.Parameter) ParameterJSON {
	return ParameterJSON{ID: p.ID, Slug: p.Slug, Name: p.Name, IsNumeric: p.IsNumeric, Units: p.Units}
}

func statusJSON(st models.ReportStatus) StatusJSON {
	return StatusJSON{ID: st.ID, Slug: st.Slug, Name: st.Name, IsValid: st.IsValid}
}
