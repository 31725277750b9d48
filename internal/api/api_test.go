package api

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeberg.org/depot-center/depot/internal/app"
	"codeberg.org/depot-center/depot/internal/loader"
	"codeberg.org/depot-center/depot/internal/plugin"
	"codeberg.org/depot-center/depot/internal/store"
)

type testPlugin struct {
	updates []*app.App
	sources []*app.App
}

func (p *testPlugin) Descriptor() plugin.Descriptor {
	return plugin.Descriptor{Name: "test"}
}
func (p *testPlugin) Setup(ctx context.Context) error { return nil }
func (p *testPlugin) Shutdown()                       {}

func (p *testPlugin) AddUpdates(ctx context.Context, list *app.List) error {
	for _, a := range p.updates {
		list.Add(a)
	}
	return nil
}

func (p *testPlugin) AddSources(ctx context.Context, list *app.List) error {
	for _, a := range p.sources {
		list.Add(a)
	}
	return nil
}

func (p *testPlugin) Install(ctx context.Context, a *app.App) error {
	a.ForceState(app.StateInstalled)
	return nil
}

func (p *testPlugin) Remove(ctx context.Context, a *app.App) error {
	a.ForceState(app.StateAvailable)
	return nil
}

type stubAppStore struct {
	store.AppStoreInterface
	records map[string]*store.InstalledApp
}

func (s *stubAppStore) GetByUniqueID(ctx context.Context, uniqueID string) (*store.InstalledApp, error) {
	return s.records[uniqueID], nil
}

func newTestServer(t *testing.T, p plugin.Plugin, appStore store.AppStoreInterface) *Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	l := loader.New(loader.Config{Workers: 2}, nil, logger)
	if p != nil {
		require.NoError(t, l.Register(p))
	}
	require.NoError(t, l.Setup(context.Background()))
	t.Cleanup(l.Shutdown)
	return NewServer(l, appStore, ServerConfig{Port: 0}, logger)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, nil, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestGetUpdates(t *testing.T) {
	update := app.New("com.hughski.ColorHug.firmware")
	update.SetName("ColorHug")
	update.SetVersion("1.2.0")
	update.SetUpdateVersion("1.2.4")
	update.ForceState(app.StateUpdatableLive)
	s := newTestServer(t, &testPlugin{updates: []*app.App{update}}, nil)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/updates", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got []appJSON
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "com.hughski.ColorHug.firmware", got[0].ID)
	assert.Equal(t, "1.2.4", got[0].UpdateVersion)
	assert.Equal(t, "updatable-live", got[0].State)
}

func TestInstallByID(t *testing.T) {
	update := app.New("com.hughski.ColorHug.firmware")
	update.ForceState(app.StateUpdatableLive)
	s := newTestServer(t, &testPlugin{updates: []*app.App{update}}, nil)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost,
		"/v1/apps/com.hughski.ColorHug.firmware/install", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, app.StateInstalled, update.State())
}

func TestInstallUnknownIDIs404(t *testing.T) {
	s := newTestServer(t, &testPlugin{}, nil)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost,
		"/v1/apps/no.such.app/install", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRemoveSource(t *testing.T) {
	src := app.New("org.fwupd.lvfs.remote")
	src.SetKind(app.KindRepository)
	src.ForceState(app.StateInstalled)
	s := newTestServer(t, &testPlugin{sources: []*app.App{src}}, nil)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost,
		"/v1/apps/org.fwupd.lvfs.remote/remove", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, app.StateAvailable, src.State())
}

func TestGetAppRecord(t *testing.T) {
	appStore := &stubAppStore{records: map[string]*store.InstalledApp{
		"uid-a": {UniqueID: "uid-a", AppID: "a.desktop", Name: "Alpha"},
	}}
	s := newTestServer(t, nil, appStore)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/apps/uid-a", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"Alpha"`)

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/apps/uid-b", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJobErrorMapping(t *testing.T) {
	cases := []struct {
		code plugin.Code
		want int
	}{
		{plugin.CodeNotSupported, http.StatusBadRequest},
		{plugin.CodeAuthInvalid, http.StatusUnauthorized},
		{plugin.CodeNoNetwork, http.StatusBadGateway},
		{plugin.CodeCancelled, http.StatusRequestTimeout},
		{plugin.CodeFailed, http.StatusInternalServerError},
	}
	s := newTestServer(t, nil, nil)
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		s.respondJobError(rec, plugin.Errorf(tc.code, "boom"))
		assert.Equal(t, tc.want, rec.Code, "code %s", tc.code)
	}
}

func TestEventsStreamsInitialSnapshot(t *testing.T) {
	pending := app.New("installing.desktop")
	pending.ForceState(app.StateInstalling)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	l := loader.New(loader.Config{}, nil, logger)
	l.Pending().Add(pending)
	s := NewServer(l, nil, ServerConfig{}, logger)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(line, "data: "))

	var apps []appJSON
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &apps))
	require.Len(t, apps, 1)
	assert.Equal(t, "installing.desktop", apps[0].ID)
}
