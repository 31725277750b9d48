// Package loader owns the plugin registry and the job queue. Jobs are
// dispatched asynchronously onto worker goroutines so callers are never
// blocked on plugin work.
package loader

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"codeberg.org/depot-center/depot/internal/app"
	"codeberg.org/depot-center/depot/internal/plugin"
)

// Store persists the installed-app records contributed by mutating jobs.
type Store interface {
	Installed(ctx context.Context) ([]*app.App, error)
	RecordInstall(ctx context.Context, a *app.App) error
	RecordRemoval(ctx context.Context, uniqueID string) error
}

// Config configures the loader.
type Config struct {
	// Workers is the number of job worker goroutines (default: 4).
	Workers int
}

const defaultWorkers = 4

// Loader drives the registered plugins. Construct with New, register
// plugins, then call Setup before submitting jobs.
type Loader struct {
	registry *plugin.Registry
	store    Store
	pending  *PendingHub
	logger   *slog.Logger
	workers  int

	requestCh chan *Job
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// New creates a loader. Store may be nil when install bookkeeping is not
// wanted.
func New(cfg Config, store Store, logger *slog.Logger) *Loader {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	return &Loader{
		registry:  plugin.NewRegistry(),
		store:     store,
		pending:   NewPendingHub(),
		logger:    logger,
		workers:   cfg.Workers,
		requestCh: make(chan *Job, 100),
		stopCh:    make(chan struct{}),
	}
}

// Register adds a plugin to the registry. All plugins must be registered
// before Setup.
func (l *Loader) Register(p plugin.Plugin) error {
	return l.registry.Add(p)
}

// Pending returns the live set of apps mid-install or mid-removal.
func (l *Loader) Pending() *PendingHub {
	return l.pending
}

// Setup resolves the plugin execution order, runs every plugin's Setup
// and starts the job workers. Plugins whose Setup reports the operation
// as unsupported are disabled rather than failing startup; cyclic
// ordering constraints are fatal.
func (l *Loader) Setup(ctx context.Context) error {
	if err := l.registry.Resolve(); err != nil {
		return err
	}
	l.logger.Info("resolved plugin order", "plugins", l.registry.OrderedNames())

	for _, p := range l.registry.Ordered() {
		name := p.Descriptor().Name
		if err := p.Setup(ctx); err != nil {
			if plugin.IsCode(err, plugin.CodeNotSupported) {
				l.logger.Info("disabling plugin", "plugin", name, "reason", err)
				l.registry.SetEnabled(name, false)
				continue
			}
			return fmt.Errorf("failed to setup %s: %w", name, err)
		}
	}

	for i := 0; i < l.workers; i++ {
		l.wg.Add(1)
		go l.worker()
	}
	return nil
}

// Shutdown stops the workers, cancelling queued jobs, then shuts down
// every enabled plugin.
func (l *Loader) Shutdown() {
	close(l.stopCh)
	l.wg.Wait()
	l.drainPending()

	for _, p := range l.registry.Ordered() {
		p.Shutdown()
	}
}

// Enqueue submits a job and returns immediately. The result is delivered
// exactly once on the returned channel.
func (l *Loader) Enqueue(ctx context.Context, req JobRequest) (*Job, <-chan JobResult, error) {
	job := newJob(ctx, req)

	if err := l.prepare(job); err != nil {
		return nil, nil, err
	}

	l.logger.Debug("enqueueing job", "job", job.ID, "kind", req.Kind)
	select {
	case l.requestCh <- job:
		return job, job.resultCh, nil
	case <-ctx.Done():
		l.rollback(job)
		return nil, nil, ctx.Err()
	case <-l.stopCh:
		l.rollback(job)
		return nil, nil, context.Canceled
	}
}

// Do submits a job and waits for its result.
func (l *Loader) Do(ctx context.Context, req JobRequest) (*app.List, error) {
	_, resultCh, err := l.Enqueue(ctx, req)
	if err != nil {
		return nil, err
	}
	select {
	case result := <-resultCh:
		return result.List, result.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// prepare validates a job before it is queued. Mutating jobs claim their
// app here so one unique ID never has two operations in flight.
func (l *Loader) prepare(job *Job) error {
	switch job.Req.Kind {
	case JobInstall, JobRemove:
		a := job.Req.App
		if a == nil {
			return plugin.Errorf(plugin.CodeFailed, "job %s needs an app", job.Req.Kind)
		}
		if a.InTransaction() || l.pending.Contains(a.UniqueID()) {
			return plugin.Errorf(plugin.CodeFailed,
				"%s already has an operation in flight", a.UniqueID())
		}
		if job.Req.Kind == JobInstall && a.State() == app.StateAvailable {
			prev := a.State()
			if err := a.SetState(app.StateQueuedForInstall); err != nil {
				return plugin.WrapError(plugin.CodeFailed, err)
			}
			job.claimed = true
			job.claimedState = prev
		}
		l.pending.Add(a)
	}
	return nil
}

// rollback undoes prepare for a job that never ran.
func (l *Loader) rollback(job *Job) {
	switch job.Req.Kind {
	case JobInstall, JobRemove:
		l.releaseClaim(job)
		l.pending.Remove(job.Req.App)
	}
}

// releaseClaim returns a claimed app to its pre-queue state. A plugin
// that handled the install has already moved the record to a settled
// state, leaving nothing to release. A plugin that failed recovers only
// to the queued claim, so the loader finishes the rollback here.
func (l *Loader) releaseClaim(job *Job) {
	if !job.claimed {
		return
	}
	if a := job.Req.App; a.InTransaction() {
		a.ForceState(job.claimedState)
	}
}

func (l *Loader) worker() {
	defer l.wg.Done()
	for {
		select {
		case <-l.stopCh:
			return
		case job := <-l.requestCh:
			l.run(job)
		}
	}
}

// drainPending cancels jobs still queued during shutdown.
func (l *Loader) drainPending() {
	for {
		select {
		case job := <-l.requestCh:
			l.rollback(job)
			job.resultCh <- JobResult{Job: job, Err: context.Canceled}
		default:
			return
		}
	}
}

func (l *Loader) run(job *Job) {
	list, err := l.execute(job.ctx, job.Req)
	l.releaseClaim(job)
	if err != nil {
		l.logger.Error("job failed", "job", job.ID, "kind", job.Req.Kind, "error", err)
	} else {
		l.logger.Debug("job complete", "job", job.ID, "kind", job.Req.Kind)
	}
	job.resultCh <- JobResult{Job: job, List: list, Err: err}
}

func (l *Loader) execute(ctx context.Context, req JobRequest) (*app.List, error) {
	switch req.Kind {
	case JobGetUpdates:
		return l.listJob(ctx, req, func(p plugin.Plugin, list *app.List) (bool, error) {
			u, ok := p.(plugin.UpdatesProvider)
			if !ok {
				return false, nil
			}
			return true, u.AddUpdates(ctx, list)
		})
	case JobGetHistoricalUpdates:
		return l.listJob(ctx, req, func(p plugin.Plugin, list *app.List) (bool, error) {
			u, ok := p.(plugin.HistoricalUpdatesProvider)
			if !ok {
				return false, nil
			}
			return true, u.AddHistoricalUpdates(ctx, list)
		})
	case JobGetSources:
		return l.listJob(ctx, req, func(p plugin.Plugin, list *app.List) (bool, error) {
			s, ok := p.(plugin.SourcesProvider)
			if !ok {
				return false, nil
			}
			return true, s.AddSources(ctx, list)
		})
	case JobGetInstalled:
		return l.getInstalled(ctx, req)
	case JobInstall:
		return nil, l.install(ctx, req)
	case JobRemove:
		return nil, l.remove(ctx, req)
	case JobRefine:
		if req.List == nil {
			return nil, plugin.Errorf(plugin.CodeFailed, "refine job needs a list")
		}
		return req.List, l.refineList(ctx, req.List, req.Flags)
	case JobRefresh:
		return nil, l.refresh(ctx, req)
	case JobDownload:
		return nil, l.download(ctx, req)
	case JobFileToApp:
		return l.fileToApp(ctx, req)
	default:
		return nil, plugin.Errorf(plugin.CodeNotSupported, "unknown job kind %d", req.Kind)
	}
}

// listJob collects records from every interested plugin in dependency
// order, then refines the merged list.
func (l *Loader) listJob(ctx context.Context, req JobRequest,
	collect func(plugin.Plugin, *app.List) (bool, error)) (*app.List, error) {

	list := app.NewList()
	for _, p := range l.registry.Ordered() {
		interested, err := collect(p, list)
		if !interested {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%s failed for %s: %w",
				req.Kind, p.Descriptor().Name, err)
		}
	}
	if err := l.refineList(ctx, list, req.Flags); err != nil {
		return nil, err
	}
	return list, nil
}

func (l *Loader) getInstalled(ctx context.Context, req JobRequest) (*app.List, error) {
	list := app.NewList()
	if l.store != nil {
		apps, err := l.store.Installed(ctx)
		if err != nil {
			return nil, fmt.Errorf("get-installed failed: %w", err)
		}
		for _, a := range apps {
			list.Add(a)
		}
	}
	if err := l.refineList(ctx, list, req.Flags); err != nil {
		return nil, err
	}
	return list, nil
}

func (l *Loader) install(ctx context.Context, req JobRequest) error {
	a := req.App
	defer l.pending.Remove(a)

	for _, p := range l.registry.Ordered() {
		in, ok := p.(plugin.Installer)
		if !ok {
			continue
		}
		if err := in.Install(ctx, a); err != nil {
			return &plugin.Error{
				Code: plugin.CodeOf(err),
				App:  a.UniqueID(),
				Op:   "install",
				Err:  err,
			}
		}
	}

	if l.store != nil && a.State() == app.StateInstalled {
		if err := l.store.RecordInstall(ctx, a); err != nil {
			l.logger.Warn("failed to record install", "app", a.UniqueID(), "error", err)
		}
	}
	return nil
}

func (l *Loader) remove(ctx context.Context, req JobRequest) error {
	a := req.App
	defer l.pending.Remove(a)

	for _, p := range l.registry.Ordered() {
		rm, ok := p.(plugin.Remover)
		if !ok {
			continue
		}
		if err := rm.Remove(ctx, a); err != nil {
			return &plugin.Error{
				Code: plugin.CodeOf(err),
				App:  a.UniqueID(),
				Op:   "remove",
				Err:  err,
			}
		}
	}

	if l.store != nil && a.State() != app.StateInstalled {
		if err := l.store.RecordRemoval(ctx, a.UniqueID()); err != nil {
			l.logger.Warn("failed to record removal", "app", a.UniqueID(), "error", err)
		}
	}
	return nil
}

func (l *Loader) refresh(ctx context.Context, req JobRequest) error {
	for _, p := range l.registry.Ordered() {
		r, ok := p.(plugin.Refresher)
		if !ok {
			continue
		}
		if err := r.Refresh(ctx, req.MaxAge); err != nil {
			return fmt.Errorf("refresh failed for %s: %w", p.Descriptor().Name, err)
		}
	}
	return nil
}

func (l *Loader) download(ctx context.Context, req JobRequest) error {
	a := req.App
	if a == nil {
		return plugin.Errorf(plugin.CodeFailed, "download job needs an app")
	}
	for _, p := range l.registry.Ordered() {
		d, ok := p.(plugin.AppDownloader)
		if !ok {
			continue
		}
		if err := d.Download(ctx, a, req.Interactive); err != nil {
			return &plugin.Error{
				Code: plugin.CodeOf(err),
				App:  a.UniqueID(),
				Op:   "download",
				Err:  err,
			}
		}
	}
	return nil
}

func (l *Loader) fileToApp(ctx context.Context, req JobRequest) (*app.List, error) {
	list := app.NewList()
	for _, p := range l.registry.Ordered() {
		fi, ok := p.(plugin.FileImporter)
		if !ok {
			continue
		}
		if err := fi.FileToApp(ctx, list, req.Path); err != nil {
			return nil, fmt.Errorf("file-to-app failed for %s: %w",
				p.Descriptor().Name, err)
		}
	}
	if err := l.refineList(ctx, list, req.Flags); err != nil {
		return nil, err
	}
	return list, nil
}
