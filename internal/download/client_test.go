package download

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeberg.org/depot-center/depot/internal/plugin"
)

func TestFetch(t *testing.T) {
	var gotAgent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAgent = r.Header.Get("User-Agent")
		w.Write([]byte("payload"))
	}))
	defer srv.Close()

	c := NewClient("depot/test", 0)
	data, err := c.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
	assert.Equal(t, "depot/test", gotAgent)
}

func TestFetchNon200IsDownloadFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient("depot/test", 0)
	_, err := c.Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Equal(t, plugin.CodeDownloadFailed, plugin.CodeOf(err))
}

func TestFetchUnreachableHostIsNoNetwork(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	uri := srv.URL
	srv.Close()

	c := NewClient("depot/test", 0)
	_, err := c.Fetch(context.Background(), uri)
	require.Error(t, err)
	assert.Equal(t, plugin.CodeNoNetwork, plugin.CodeOf(err))
}

func TestFetchCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := NewClient("depot/test", 0)
	_, err := c.Fetch(ctx, srv.URL)
	require.Error(t, err)
	assert.Equal(t, plugin.CodeCancelled, plugin.CodeOf(err))
}

func TestDownloadFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("firmware blob"))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "fwupd", "firmware.cab")
	c := NewClient("depot/test", 0)
	require.NoError(t, c.DownloadFile(context.Background(), srv.URL, dest))

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "firmware blob", string(data))
}

func TestDownloadFileFailureLeavesNoPartial(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "artifact")
	c := NewClient("depot/test", 0)
	err := c.DownloadFile(context.Background(), srv.URL, dest)
	require.Error(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPostJSONReturnsBodyOnErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json; charset=utf-8", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"msg":"bad request"}`))
	}))
	defer srv.Close()

	c := NewClient("depot/test", 0)
	body, status, err := c.PostJSON(context.Background(), srv.URL, []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, `{"msg":"bad request"}`, string(body))
}
