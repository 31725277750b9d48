package loader

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeberg.org/depot-center/depot/internal/app"
	"codeberg.org/depot-center/depot/internal/plugin"
)

type fakePlugin struct {
	desc     plugin.Descriptor
	setupErr error

	updates []*app.App
	sources []*app.App

	refineErr error
	refined   atomic.Int32

	mu         sync.Mutex
	installed  []*app.App
	installErr error
	removed    []*app.App
	refreshed  []time.Duration
	imported   []*app.App
}

func (p *fakePlugin) Descriptor() plugin.Descriptor   { return p.desc }
func (p *fakePlugin) Setup(ctx context.Context) error { return p.setupErr }
func (p *fakePlugin) Shutdown()                       {}

func (p *fakePlugin) AddUpdates(ctx context.Context, list *app.List) error {
	for _, a := range p.updates {
		list.Add(a)
	}
	return nil
}

func (p *fakePlugin) AddSources(ctx context.Context, list *app.List) error {
	for _, a := range p.sources {
		list.Add(a)
	}
	return nil
}

func (p *fakePlugin) Refine(ctx context.Context, a *app.App, flags plugin.RefineFlags) error {
	p.refined.Add(1)
	return p.refineErr
}

func (p *fakePlugin) Install(ctx context.Context, a *app.App) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.installErr != nil {
		return p.installErr
	}
	p.installed = append(p.installed, a)
	a.ForceState(app.StateInstalled)
	return nil
}

func (p *fakePlugin) Remove(ctx context.Context, a *app.App) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removed = append(p.removed, a)
	a.ForceState(app.StateAvailable)
	return nil
}

func (p *fakePlugin) Refresh(ctx context.Context, maxAge time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshed = append(p.refreshed, maxAge)
	return nil
}

func (p *fakePlugin) FileToApp(ctx context.Context, list *app.List, path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, a := range p.imported {
		list.Add(a)
	}
	return nil
}

type fakeStore struct {
	mu        sync.Mutex
	installed []*app.App
	recorded  []string
	removed   []string
}

func (s *fakeStore) Installed(ctx context.Context) ([]*app.App, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.installed, nil
}

func (s *fakeStore) RecordInstall(ctx context.Context, a *app.App) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recorded = append(s.recorded, a.UniqueID())
	return nil
}

func (s *fakeStore) RecordRemoval(ctx context.Context, uniqueID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = append(s.removed, uniqueID)
	return nil
}

func newTestLoader(t *testing.T, store Store, plugins ...plugin.Plugin) *Loader {
	t.Helper()
	l := New(Config{Workers: 2}, store, slog.New(slog.NewTextHandler(io.Discard, nil)))
	for _, p := range plugins {
		require.NoError(t, l.Register(p))
	}
	require.NoError(t, l.Setup(context.Background()))
	t.Cleanup(l.Shutdown)
	return l
}

func TestSetupDisablesUnsupportedPlugin(t *testing.T) {
	disabled := &fakePlugin{
		desc:     plugin.Descriptor{Name: "unsupported"},
		setupErr: plugin.Errorf(plugin.CodeNotSupported, "not on this system"),
		updates:  []*app.App{app.New("ghost.desktop")},
	}
	active := &fakePlugin{
		desc:    plugin.Descriptor{Name: "active"},
		updates: []*app.App{app.New("real.desktop")},
	}
	l := newTestLoader(t, nil, disabled, active)

	list, err := l.Do(context.Background(), JobRequest{Kind: JobGetUpdates})
	require.NoError(t, err)
	require.Equal(t, 1, list.Len())
	assert.Equal(t, "real.desktop", list.Apps()[0].ID())
}

func TestSetupFailsOnHardError(t *testing.T) {
	broken := &fakePlugin{
		desc:     plugin.Descriptor{Name: "broken"},
		setupErr: errors.New("cannot connect"),
	}
	l := New(Config{}, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, l.Register(broken))
	assert.Error(t, l.Setup(context.Background()))
}

func TestGetUpdatesRefinesResults(t *testing.T) {
	provider := &fakePlugin{
		desc:    plugin.Descriptor{Name: "provider"},
		updates: []*app.App{app.New("a.desktop"), app.New("b.desktop")},
	}
	l := newTestLoader(t, nil, provider)

	list, err := l.Do(context.Background(), JobRequest{
		Kind:  JobGetUpdates,
		Flags: plugin.RefineVersion,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, list.Len())
	assert.Equal(t, int32(2), provider.refined.Load())
}

func TestRefineNetworkFailureIsTolerated(t *testing.T) {
	provider := &fakePlugin{
		desc:      plugin.Descriptor{Name: "provider"},
		updates:   []*app.App{app.New("a.desktop")},
		refineErr: plugin.Errorf(plugin.CodeNoNetwork, "offline"),
	}
	l := newTestLoader(t, nil, provider)

	list, err := l.Do(context.Background(), JobRequest{
		Kind:  JobGetUpdates,
		Flags: plugin.RefineVersion,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, list.Len())
}

func TestRefineFailureAbortsWithContext(t *testing.T) {
	provider := &fakePlugin{
		desc:      plugin.Descriptor{Name: "provider"},
		updates:   []*app.App{app.New("a.desktop")},
		refineErr: plugin.Errorf(plugin.CodeInvalidFormat, "bad data"),
	}
	l := newTestLoader(t, nil, provider)

	_, err := l.Do(context.Background(), JobRequest{
		Kind:  JobGetUpdates,
		Flags: plugin.RefineVersion,
	})
	require.Error(t, err)

	var pe *plugin.Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, plugin.CodeInvalidFormat, pe.Code)
	assert.Equal(t, "refine[provider]", pe.Op)
	assert.NotEmpty(t, pe.App)
}

func TestInstallJob(t *testing.T) {
	installer := &fakePlugin{desc: plugin.Descriptor{Name: "installer"}}
	store := &fakeStore{}
	l := newTestLoader(t, store, installer)

	a := app.New("a.desktop")
	a.ForceState(app.StateAvailable)
	_, err := l.Do(context.Background(), JobRequest{Kind: JobInstall, App: a})
	require.NoError(t, err)

	assert.Equal(t, app.StateInstalled, a.State())
	require.Len(t, installer.installed, 1)
	assert.Equal(t, []string{a.UniqueID()}, store.recorded)
	assert.False(t, l.Pending().Contains(a.UniqueID()))
}

// recoveringInstaller walks the app through the backend state dance the
// way a real plugin does, recovering the previous state on failure.
type recoveringInstaller struct {
	desc       plugin.Descriptor
	installErr error
}

func (p *recoveringInstaller) Descriptor() plugin.Descriptor   { return p.desc }
func (p *recoveringInstaller) Setup(ctx context.Context) error { return nil }
func (p *recoveringInstaller) Shutdown()                       {}

func (p *recoveringInstaller) Install(ctx context.Context, a *app.App) error {
	if err := a.SetState(app.StateInstalling); err != nil {
		return err
	}
	if p.installErr != nil {
		a.RecoverState()
		return p.installErr
	}
	return a.SetState(app.StateInstalled)
}

func TestFailedInstallReturnsAppToPreQueueState(t *testing.T) {
	installer := &recoveringInstaller{
		desc:       plugin.Descriptor{Name: "installer"},
		installErr: plugin.Errorf(plugin.CodeWriteFailed, "flash failed"),
	}
	l := newTestLoader(t, nil, installer)

	a := app.New("a.desktop")
	a.ForceState(app.StateAvailable)
	_, err := l.Do(context.Background(), JobRequest{Kind: JobInstall, App: a})
	require.Error(t, err)

	assert.Equal(t, app.StateAvailable, a.State())
	assert.False(t, a.InTransaction())
	assert.False(t, l.Pending().Contains(a.UniqueID()))

	// A released claim must not block a retry.
	_, _, err = l.Enqueue(context.Background(), JobRequest{Kind: JobInstall, App: a})
	require.NoError(t, err)
}

func TestInstallWithNoHandlerReleasesQueuedClaim(t *testing.T) {
	l := newTestLoader(t, nil)

	a := app.New("a.desktop")
	a.ForceState(app.StateAvailable)
	_, err := l.Do(context.Background(), JobRequest{Kind: JobInstall, App: a})
	require.NoError(t, err)

	assert.Equal(t, app.StateAvailable, a.State())
	assert.False(t, l.Pending().Contains(a.UniqueID()))
}

func TestInstallJobRequiresApp(t *testing.T) {
	l := newTestLoader(t, nil)
	_, err := l.Do(context.Background(), JobRequest{Kind: JobInstall})
	assert.Error(t, err)
}

func TestDuplicateMutationIsRejected(t *testing.T) {
	l := New(Config{}, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	a := app.New("a.desktop")
	a.ForceState(app.StateAvailable)
	_, _, err := l.Enqueue(context.Background(), JobRequest{Kind: JobInstall, App: a})
	require.NoError(t, err)
	assert.Equal(t, app.StateQueuedForInstall, a.State())

	_, _, err = l.Enqueue(context.Background(), JobRequest{Kind: JobInstall, App: a})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "operation in flight")
}

func TestRemoveJob(t *testing.T) {
	remover := &fakePlugin{desc: plugin.Descriptor{Name: "remover"}}
	store := &fakeStore{}
	l := newTestLoader(t, store, remover)

	a := app.New("a.desktop")
	a.ForceState(app.StateInstalled)
	_, err := l.Do(context.Background(), JobRequest{Kind: JobRemove, App: a})
	require.NoError(t, err)

	assert.Equal(t, app.StateAvailable, a.State())
	assert.Equal(t, []string{a.UniqueID()}, store.removed)
}

func TestGetInstalled(t *testing.T) {
	installed := app.New("present.desktop")
	installed.ForceState(app.StateInstalled)
	store := &fakeStore{installed: []*app.App{installed}}
	l := newTestLoader(t, store)

	list, err := l.Do(context.Background(), JobRequest{Kind: JobGetInstalled})
	require.NoError(t, err)
	require.Equal(t, 1, list.Len())
	assert.Equal(t, "present.desktop", list.Apps()[0].ID())
}

func TestRefreshJob(t *testing.T) {
	refresher := &fakePlugin{desc: plugin.Descriptor{Name: "refresher"}}
	l := newTestLoader(t, nil, refresher)

	_, err := l.Do(context.Background(), JobRequest{Kind: JobRefresh, MaxAge: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{time.Hour}, refresher.refreshed)
}

func TestFileToAppJob(t *testing.T) {
	importer := &fakePlugin{
		desc:     plugin.Descriptor{Name: "importer"},
		imported: []*app.App{app.New("from.file")},
	}
	l := newTestLoader(t, nil, importer)

	list, err := l.Do(context.Background(), JobRequest{
		Kind: JobFileToApp,
		Path: "/tmp/firmware.cab",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, list.Len())
}

func TestShutdownCancelsQueuedJobs(t *testing.T) {
	// No Setup, so no workers ever pick the job up.
	l := New(Config{}, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, resultCh, err := l.Enqueue(context.Background(), JobRequest{Kind: JobGetUpdates})
	require.NoError(t, err)

	l.Shutdown()
	select {
	case result := <-resultCh:
		assert.ErrorIs(t, result.Err, context.Canceled)
	default:
		t.Fatal("expected a cancelled result for the queued job")
	}
}

func TestPluginOrderRespectedDuringCollection(t *testing.T) {
	var order []string
	var mu sync.Mutex
	mark := func(name string) func(context.Context, *app.List) error {
		return func(context.Context, *app.List) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}
	first := &orderedProvider{desc: plugin.Descriptor{Name: "first"}, add: mark("first")}
	second := &orderedProvider{
		desc: plugin.Descriptor{Name: "second", RunAfter: []string{"first"}},
		add:  mark("second"),
	}
	l := newTestLoader(t, nil, second, first)

	_, err := l.Do(context.Background(), JobRequest{Kind: JobGetUpdates})
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, order)
}

type orderedProvider struct {
	desc plugin.Descriptor
	add  func(context.Context, *app.List) error
}

func (p *orderedProvider) Descriptor() plugin.Descriptor   { return p.desc }
func (p *orderedProvider) Setup(ctx context.Context) error { return nil }
func (p *orderedProvider) Shutdown()                       {}
func (p *orderedProvider) AddUpdates(ctx context.Context, list *app.List) error {
	return p.add(ctx, list)
}
