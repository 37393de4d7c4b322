package vera

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/transformaps/vera/internal/errs"
	"github.com/transformaps/vera/internal/models"
	"github.com/transformaps/vera/internal/reconcile"
	"github.com/transformaps/vera/internal/store"
)

type ParameterDef struct {
	Name      string `mapstructure:"name"`
	IsNumeric bool   `mapstructure:"numeric"`
	Units     string `mapstructure:"units"`
}

type StatusDef struct {
	Slug    string `mapstructure:"slug"`
	Name    string `mapstructure:"name"`
	IsValid bool   `mapstructure:"valid"`
}

// DefineParameter creates or updates a parameter. Its numeric flag cannot
// change once any report has a value for it.
func (s *Service) DefineParameter(ctx context.Context, def ParameterDef) (*models.Parameter, error) {
	want := models.Parameter{Name: def.Name, IsNumeric: def.IsNumeric, Units: def.Units}

	var p *models.Parameter
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		if p, err = s.resolver.ParameterWithDefaults(ctx, tx, want); err != nil {
			return err
		}
		// Report writers hold the row shared until they commit.
		slug := p.Slug
		if p, err = tx.LockParameter(ctx, slug, true); err != nil {
			return err
		}
		if p == nil {
			return &errs.NotFoundError{Entity: "parameter", Key: slug}
		}
		if p.Name == want.Name && p.IsNumeric == want.IsNumeric && p.Units == want.Units {
			return nil
		}
		if p.IsNumeric != want.IsNumeric {
			used, err := tx.ParameterInUse(ctx, p.ID)
			if err != nil {
				return err
			}
			if used {
				return &errs.ConflictError{
					Entity: "parameter",
					Key:    p.Slug,
					Err:    eris.New("numeric flag is fixed once reports reference the parameter"),
				}
			}
		}
		p.Name, p.IsNumeric, p.Units = want.Name, want.IsNumeric, want.Units
		return tx.UpdateParameter(ctx, *p)
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("parameter defined", zap.String("slug", p.Slug), zap.Bool("numeric", p.IsNumeric))
	return p, nil
}

// DefineStatus creates or updates a status. Changing whether a status is
// valid reconciles every event with a report in that status.
func (s *Service) DefineStatus(ctx context.Context, def StatusDef) (*models.ReportStatus, error) {
	want := models.ReportStatus{Slug: def.Slug, Name: def.Name, IsValid: def.IsValid}

	var (
		st       *models.ReportStatus
		affected []int64
	)
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		if st, err = s.resolver.StatusWithDefaults(ctx, tx, want, true); err != nil {
			return err
		}
		if want.Name == "" {
			want.Name = st.Name
		}
		if st.Name == want.Name && st.IsValid == want.IsValid {
			return nil
		}
		flipped := st.IsValid != want.IsValid
		st.Name, st.IsValid = want.Name, want.IsValid
		if err := tx.UpdateStatus(ctx, *st); err != nil {
			return err
		}
		if !flipped {
			return nil
		}
		if affected, err = tx.EventsForStatus(ctx, st.ID); err != nil {
			return err
		}
		for _, id := range affected {
			if _, err := s.engine.Reconcile(ctx, tx, id); err != nil {
				return eris.Wrapf(err, "reconcile event %d", id)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("status defined",
		zap.String("slug", st.Slug),
		zap.Bool("valid", st.IsValid),
		zap.Int("events_reconciled", len(affected)))
	return st, nil
}

func (s *Service) ListParameters(ctx context.Context) ([]models.Parameter, error) {
	var params []models.Parameter
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		params, err = tx.ListParameters(ctx)
		return err
	})
	return params, err
}

func (s *Service) ListStatuses(ctx context.Context) ([]models.ReportStatus, error) {
	var statuses []models.ReportStatus
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		statuses, err = tx.ListStatuses(ctx)
		return err
	})
	return statuses, err
}

// Seed defines the given parameters and statuses. Existing definitions are
// updated to match.
func (s *Service) Seed(ctx context.Context, params []ParameterDef, statuses []StatusDef) error {
	for _, st := range statuses {
		if _, err := s.DefineStatus(ctx, st); err != nil {
			return eris.Wrapf(err, "seed status %q", st.Slug)
		}
	}
	for _, p := range params {
		if _, err := s.DefineParameter(ctx, p); err != nil {
			return eris.Wrapf(err, "seed parameter %q", p.Name)
		}
	}
	return nil
}

// RebuildResults recomputes every event matching f. See
// reconcile.Engine.ReconcileAll.
func (s *Service) RebuildResults(ctx context.Context, f store.EventFilter) (reconcile.Summary, error) {
	return s.engine.ReconcileAll(ctx, f)
}

func (s *Service) ResolveSite(ctx context.Context, lat, lon float64) (*models.Site, error) {
	var site *models.Site
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		site, err = s.resolver.Site(ctx, tx, lat, lon)
		return err
	})
	return site, err
}

func (s *Service) ResolveParameter(ctx context.Context, name string) (*models.Parameter, error) {
	var p *models.Parameter
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		p, err = s.resolver.Parameter(ctx, tx, name)
		return err
	})
	return p, err
}

func (s *Service) ResolveStatus(ctx context.Context, slug string) (*models.ReportStatus, error) {
	var st *models.ReportStatus
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		st, err = s.resolver.Status(ctx, tx, slug)
		return err
	})
	return st, err
}

func (s *Service) ResolveEvent(ctx context.Context, site *models.Site, date time.Time) (*models.Event, error) {
	var ev *models.Event
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		ev, err = s.resolver.Event(ctx, tx, site, date)
		return err
	})
	return ev, err
}
