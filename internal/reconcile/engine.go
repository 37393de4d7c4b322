package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/transformaps/vera/internal/metrics"
	"github.com/transformaps/vera/internal/store"
)

const (
	ModeIncremental = "incremental"
	ModeRebuild     = "rebuild"

	DefaultConcurrency = 4
)

type Engine struct {
	store       store.Store
	concurrency int
	log         *zap.Logger
}

func New(s store.Store, concurrency int, log *zap.Logger) *Engine {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if log == nil {
		log = zap.L()
	}
	return &Engine{store: s, concurrency: concurrency, log: log}
}

// Reconcile recomputes the results and validity of one event from all of its
// reports, inside the caller's transaction. The event is locked first.
func (e *Engine) Reconcile(ctx context.Context, tx store.Tx, eventID int64) (Outcome, error) {
	return e.reconcile(ctx, tx, eventID, ModeIncremental)
}

func (e *Engine) reconcile(ctx context.Context, tx store.Tx, eventID int64, mode string) (Outcome, error) {
	start := time.Now()
	out, err := e.recompute(ctx, tx, eventID)
	metrics.ReconcileDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ReconcileTotal.WithLabelValues(mode, "error").Inc()
		return Outcome{}, err
	}
	metrics.ReconcileTotal.WithLabelValues(mode, "ok").Inc()
	return out, nil
}

func (e *Engine) recompute(ctx context.Context, tx store.Tx, eventID int64) (Outcome, error) {
	if err := tx.LockEvent(ctx, eventID); err != nil {
		return Outcome{}, err
	}
	reports, err := tx.ListEventReports(ctx, eventID)
	if err != nil {
		return Outcome{}, err
	}

	out := Merge(reports)
	for i := range out.Results {
		out.Results[i].EventID = eventID
	}
	if err := tx.ReplaceEventResults(ctx, eventID, out.Results); err != nil {
		return Outcome{}, err
	}
	if err := tx.SetEventValid(ctx, eventID, out.Valid); err != nil {
		return Outcome{}, err
	}
	return out, nil
}

// Summary counts the events visited by a rebuild.
type Summary struct {
	Events int
	Failed int
}

// ReconcileAll rebuilds every event matching f, each in its own transaction.
// A failed event is logged and skipped; the returned error joins every
// failure.
func (e *Engine) ReconcileAll(ctx context.Context, f store.EventFilter) (Summary, error) {
	var ids []int64
	if err := e.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		ids, err = tx.ListEventIDs(ctx, f)
		return err
	}); err != nil {
		return Summary{}, err
	}

	e.log.Info("reconcile: rebuild starting", zap.Int("events", len(ids)), zap.Int("concurrency", e.concurrency))
	start := time.Now()

	var (
		g       errgroup.Group
		failed  atomic.Int64
		errList = make([]error, len(ids))
	)
	g.SetLimit(e.concurrency)
	for i, id := range ids {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				errList[i] = err
				failed.Add(1)
				return nil
			}
			err := e.store.InTx(ctx, func(tx store.Tx) error {
				_, err := e.reconcile(ctx, tx, id, ModeRebuild)
				return err
			})
			if err != nil {
				e.log.Error("reconcile: event rebuild failed", zap.Int64("event_id", id), zap.Error(err))
				errList[i] = fmt.Errorf("event %d: %w", id, err)
				failed.Add(1)
			}
			return nil
		})
	}
	g.Wait()

	sum := Summary{Events: len(ids), Failed: int(failed.Load())}
	e.log.Info("reconcile: rebuild complete",
		zap.Int("events", sum.Events),
		zap.Int("failed", sum.Failed),
		zap.Duration("elapsed", time.Since(start)))
	return sum, errors.Join(errList...)
}
