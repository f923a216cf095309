package geoip

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestEnsureDBDownloadsMissing verifies a missing database is fetched and a fresh one is kept.
func TestEnsureDBDownloadsMissing(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits++
		_, _ = w.Write([]byte("mmdb"))
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "country.mmdb")

	updated, err := EnsureDB(context.Background(), path, srv.URL, time.Hour)
	require.NoError(t, err)
	assert.True(t, updated)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "mmdb", string(data))

	updated, err = EnsureDB(context.Background(), path, srv.URL, time.Hour)
	require.NoError(t, err)
	assert.False(t, updated)
	assert.Equal(t, 1, hits)
}

// TestEnsureDBBadStatus verifies a failed download leaves no file behind.
func TestEnsureDBBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "country.mmdb")

	_, err := EnsureDB(context.Background(), path, srv.URL, time.Hour)
	require.Error(t, err)
	assert.NoFileExists(t, path)
}

// TestNilResolver verifies lookups without a database yield no country.
func TestNilResolver(t *testing.T) {
	var r *Resolver
	assert.Empty(t, r.Country("8.8.8.8"))
}
