package vera

import (
	"context"
	"strconv"
	"time"

	"github.com/transformaps/vera/internal/errs"
	"github.com/transformaps/vera/internal/models"
	"github.com/transformaps/vera/internal/store"
)

// EventView is the reconciled state of an event as last materialized.
type EventView struct {
	ID      int64
	Label   string
	Date    time.Time
	Site    models.Site
	IsValid bool
	Results []Result
	// Values holds the same results keyed by parameter slug.
	Values map[string]any
}

// Mapping keys materialized results by parameter slug. Numeric values are
// float64, text values string.
func Mapping(results []models.EventResult, params map[int64]*models.Parameter) map[string]any {
	m := make(map[string]any, len(results))
	for _, r := range results {
		if r.Value.IsNull() {
			continue
		}
		m[slugFor(params, r.ParameterID)] = r.Value.Interface()
	}
	return m
}

func (s *Service) GetEvent(ctx context.Context, eventID int64) (*EventView, error) {
	var view *EventView
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		ev, err := tx.GetEventByID(ctx, eventID)
		if err != nil {
			return err
		}
		if ev == nil {
			return &errs.NotFoundError{Entity: "event", Key: formatID(eventID)}
		}
		view, err = eventView(ctx, tx, ev)
		return err
	})
	return view, err
}

// FindEvent looks an event up by its natural key without creating it.
func (s *Service) FindEvent(ctx context.Context, key EventKey) (*EventView, error) {
	lat, lon, err := s.resolver.Coordinates(key.Latitude, key.Longitude)
	if err != nil {
		return nil, err
	}
	notFound := &errs.NotFoundError{
		Entity: "event",
		Key:    (models.Event{Site: &models.Site{Latitude: lat, Longitude: lon}, Date: key.Date}).Label(),
	}

	var view *EventView
	err = s.store.InTx(ctx, func(tx store.Tx) error {
		site, err := tx.GetSite(ctx, lat, lon)
		if err != nil {
			return err
		}
		if site == nil {
			return notFound
		}
		ev, err := tx.GetEvent(ctx, site.ID, key.Date)
		if err != nil {
			return err
		}
		if ev == nil {
			return notFound
		}
		ev.Site = site
		view, err = eventView(ctx, tx, ev)
		return err
	})
	return view, err
}

func eventView(ctx context.Context, tx store.Tx, ev *models.Event) (*EventView, error) {
	if ev.Site == nil {
		site, err := tx.GetSiteByID(ctx, ev.SiteID)
		if err != nil {
			return nil, err
		}
		if site == nil {
			return nil, &errs.NotFoundError{Entity: "site", Key: formatID(ev.SiteID)}
		}
		ev.Site = site
	}
	results, err := tx.ListEventResults(ctx, ev.ID)
	if err != nil {
		return nil, err
	}
	params, err := parameterIndex(ctx, tx)
	if err != nil {
		return nil, err
	}

	view := &EventView{
		ID:      ev.ID,
		Label:   ev.Label(),
		Date:    ev.Date,
		Site:    *ev.Site,
		IsValid: ev.IsValid,
		Results: make([]Result, 0, len(results)),
		Values:  Mapping(results, params),
	}
	for _, r := range results {
		if r.Value.IsNull() {
			continue
		}
		view.Results = append(view.Results, Result{TypeID: slugFor(params, r.ParameterID), Value: r.Value.Interface()})
	}
	return view, nil
}

func parameterIndex(ctx context.Context, tx store.Tx) (map[int64]*models.Parameter, error) {
	params, err := tx.ListParameters(ctx)
	if err != nil {
		return nil, err
	}
	index := make(map[int64]*models.Parameter, len(params))
	for i := range params {
		index[params[i].ID] = &params[i]
	}
	return index, nil
}

func slugFor(params map[int64]*models.Parameter, id int64) string {
	if p, ok := params[id]; ok {
		return p.Slug
	}
	return formatID(id)
}

func formatID(id int64) string { return strconv.FormatInt(id, 10) }
