package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"whispr/pkg/archive"
	"whispr/pkg/domain"
	"whispr/pkg/events"
	"whispr/pkg/index"
	"whispr/pkg/store"
)

// Config holds runtime dependencies for the core application.
type Config struct {
	Store store.Store
	// Pinner backs archive retrieval and scheduled pins. Nil disables both.
	Pinner    archive.Pinner
	Scheduler archive.Scheduler
	Events    events.Publisher
	Logger    *slog.Logger
	Now       func() time.Time
}

// App is the report lifecycle engine. Every read-modify-write runs under
// mu, so one operation's validation and writes never interleave with
// another's.
type App struct {
	mu        sync.Mutex
	store     store.Store
	index     *index.Index
	pinner    archive.Pinner
	scheduler archive.Scheduler
	events    events.Publisher
	logger    *slog.Logger
	now       func() time.Time

	// inTx and staged belong to atomicLocked.
	inTx   bool
	staged []func()
}

func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, errors.New("store required")
	}
	a := &App{
		store:     cfg.Store,
		index:     index.New(),
		pinner:    cfg.Pinner,
		scheduler: cfg.Scheduler,
		events:    cfg.Events,
		logger:    cfg.Logger,
		now:       cfg.Now,
	}
	if a.scheduler == nil {
		a.scheduler = archive.Discard{}
	}
	if a.events == nil {
		a.events = events.Nop{}
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	if a.now == nil {
		a.now = time.Now
	}
	if err := a.RebuildIndexes(); err != nil {
		return nil, err
	}
	return a, nil
}

// RebuildIndexes repopulates every index from the report table.
func (a *App) RebuildIndexes() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	reports, err := a.store.ListReports()
	if err != nil {
		return fmt.Errorf("load reports: %w", err)
	}
	a.index.Rebuild(reports)
	return nil
}

func (a *App) clock() time.Time {
	return a.now().UTC()
}

func requireCaller(caller domain.Principal) error {
	if caller.IsAnonymous() {
		return unauthorized("anonymous callers are not allowed")
	}
	return nil
}

// requireAuthorityLocked returns the caller's authority record.
func (a *App) requireAuthorityLocked(caller domain.Principal) (domain.Authority, error) {
	if err := requireCaller(caller); err != nil {
		return domain.Authority{}, err
	}
	auth, ok, err := a.store.GetAuthority(caller)
	if err != nil {
		return domain.Authority{}, fmt.Errorf("load authority: %w", err)
	}
	if !ok {
		return domain.Authority{}, unauthorized("caller is not a registered authority")
	}
	return auth, nil
}

func (a *App) isAuthorityLocked(p domain.Principal) (bool, error) {
	if p.IsAnonymous() {
		return false, nil
	}
	_, ok, err := a.store.GetAuthority(p)
	if err != nil {
		return false, fmt.Errorf("load authority: %w", err)
	}
	return ok, nil
}

func (a *App) loadReportLocked(id uint64) (domain.Report, error) {
	r, ok, err := a.store.GetReport(id)
	if err != nil {
		return domain.Report{}, fmt.Errorf("load report %d: %w", id, err)
	}
	if !ok {
		return domain.Report{}, notFound("report %d not found", id)
	}
	return r, nil
}

// loadReportsLocked resolves ids in order, skipping ids with no record.
func (a *App) loadReportsLocked(ids []uint64) ([]domain.Report, error) {
	out := make([]domain.Report, 0, len(ids))
	for _, id := range ids {
		r, ok, err := a.store.GetReport(id)
		if err != nil {
			return nil, fmt.Errorf("load report %d: %w", id, err)
		}
		if ok {
			out = append(out, r)
		}
	}
	return out, nil
}

// canReadReportLocked allows the submitter and any authority.
func (a *App) canReadReportLocked(caller domain.Principal, r domain.Report) error {
	if err := requireCaller(caller); err != nil {
		return err
	}
	if r.Submitter == caller {
		return nil
	}
	ok, err := a.isAuthorityLocked(caller)
	if err != nil {
		return err
	}
	if !ok {
		return unauthorized("only the submitter or an authority may access report %d", r.ID)
	}
	return nil
}

// atomicLocked runs fn with a.store bound to one store transaction, so a
// failed write leaves no partial mutation behind. Index moves staged by
// putReportLocked apply only after the commit.
func (a *App) atomicLocked(fn func() error) error {
	root := a.store
	defer func() {
		a.store = root
		a.inTx = false
		a.staged = nil
	}()
	err := root.Atomic(func(tx store.Store) error {
		a.store = tx
		a.inTx = true
		a.staged = a.staged[:0]
		return fn()
	})
	if err != nil {
		return err
	}
	for _, apply := range a.staged {
		apply()
	}
	return nil
}

// putReportLocked writes r and moves it between index buckets.
func (a *App) putReportLocked(old *domain.Report, r domain.Report) error {
	if err := a.store.PutReport(r); err != nil {
		return fmt.Errorf("save report %d: %w", r.ID, err)
	}
	apply := func() {
		if old == nil {
			a.index.OnCreate(r)
		} else {
			a.index.OnUpdate(*old, r)
		}
	}
	if a.inTx {
		a.staged = append(a.staged, apply)
	} else {
		apply()
	}
	return nil
}

// afterCommit runs the best-effort side effects of a committed mutation.
// It must be called without mu held: archive workers take mu to patch.
func (a *App) afterCommit(ctx context.Context, task *archive.Task, evt *events.Event) {
	if task != nil {
		if err := a.scheduler.Schedule(ctx, *task); err != nil {
			a.logger.Warn("schedule archive failed", "kind", task.Kind, "report_id", task.ReportID, "err", err)
		}
	}
	if evt != nil {
		if evt.At.IsZero() {
			evt.At = a.clock()
		}
		if err := a.events.Publish(ctx, *evt); err != nil {
			a.logger.Warn("publish event failed", "type", evt.Type, "report_id", evt.ReportID, "err", err)
		}
	}
}
