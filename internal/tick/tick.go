// Package tick runs the periodic sweep that advances clocks, expires ready
// phases and settles finished matches.
package tick

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/park285/cheese-arena/internal/match"
	"github.com/park285/cheese-arena/internal/obslog"
	"github.com/park285/cheese-arena/internal/settle"
)

// Broadcaster pushes match updates to connected clients.
type Broadcaster interface {
	State(r *match.Record)
	Ended(r *match.Record)
}

// Finalizer settles a finished match; emit is true for exactly one caller.
type Finalizer interface {
	Finalize(ctx context.Context, id string) (*match.Record, bool, error)
}

type Config struct {
	Engine   *match.Engine
	Settler  Finalizer
	Out      Broadcaster
	Interval time.Duration
	Logger   *zap.Logger
}

type Loop struct {
	engine   *match.Engine
	settler  Finalizer
	out      Broadcaster
	interval time.Duration
	log      *zap.Logger

	sched gocron.Scheduler
}

func New(cfg Config) (*Loop, error) {
	if cfg.Engine == nil || cfg.Settler == nil || cfg.Out == nil {
		return nil, errors.New("tick: engine, settler and broadcaster are required")
	}
	l := &Loop{engine: cfg.Engine, settler: cfg.Settler, out: cfg.Out, interval: cfg.Interval, log: cfg.Logger}
	if l.interval <= 0 {
		l.interval = time.Second
	}
	if l.log == nil {
		l.log = obslog.L()
	}
	return l, nil
}

// Start schedules the sweep. A slow sweep delays the next one instead of overlapping it.
func (l *Loop) Start() error {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("new scheduler: %w", err)
	}
	_, err = sched.NewJob(
		gocron.DurationJob(l.interval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), l.interval*5)
			defer cancel()
			l.RunOnce(ctx)
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithName("match-tick"),
	)
	if err != nil {
		_ = sched.Shutdown()
		return fmt.Errorf("schedule tick: %w", err)
	}
	sched.Start()
	l.sched = sched
	l.log.Info("tick_started", zap.Duration("interval", l.interval))
	return nil
}

func (l *Loop) Stop() error {
	if l.sched == nil {
		return nil
	}
	return l.sched.Shutdown()
}

// RunOnce performs a single sweep over live and unsettled matches.
func (l *Loop) RunOnce(ctx context.Context) {
	store := l.engine.Store()
	ids, err := store.LiveIDs(ctx)
	if err != nil {
		l.log.Error("tick_live_ids_error", zap.Error(err))
	}
	for _, id := range ids {
		l.safely(id, func() { l.tickOne(ctx, id) })
	}

	pending, err := store.UnsettledIDs(ctx)
	if err != nil {
		l.log.Error("tick_unsettled_ids_error", zap.Error(err))
		return
	}
	for _, id := range pending {
		l.safely(id, func() { l.settle(ctx, id) })
	}
}

func (l *Loop) safely(id string, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			l.log.Error("tick_panic", zap.String("match_id", id), zap.Any("panic", p), zap.Stack("stack"))
		}
	}()
	fn()
}

func (l *Loop) tickOne(ctx context.Context, id string) {
	rec, changed, err := l.engine.Tick(ctx, id)
	if err != nil {
		if !errors.Is(err, match.ErrNotFound) {
			l.log.Warn("tick_match_error", zap.String("match_id", id), zap.Error(err))
		}
		return
	}
	// finished matches are announced by the settle pass
	if rec.Finished() {
		return
	}
	if changed || rec.State == match.StateActive {
		l.out.State(rec)
	}
}

func (l *Loop) settle(ctx context.Context, id string) {
	rec, emit, err := l.settler.Finalize(ctx, id)
	if err != nil {
		if errors.Is(err, match.ErrNotFound) {
			_ = l.engine.Store().MarkSettled(ctx, id)
			return
		}
		if errors.Is(err, settle.ErrRatingsPending) {
			l.log.Debug("tick_finalize_pending", zap.String("match_id", id))
			return
		}
		l.log.Warn("tick_finalize_error", zap.String("match_id", id), zap.Error(err))
		return
	}
	if emit {
		l.out.State(rec)
		l.out.Ended(rec)
	}
}
