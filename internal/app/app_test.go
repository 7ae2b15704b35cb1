package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/serverai/knowledge-engine/internal/config"
)

// TestNewBuildsMemoryBackedApp wires the full service graph with the default
// in-memory store and checks the HTTP surface responds.
func TestNewBuildsMemoryBackedApp(t *testing.T) {
	t.Parallel()

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Storage.Path = t.TempDir()

	engine, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer engine.Close()

	require.NotNil(t, engine.Bus)
	require.NotNil(t, engine.Registry)
	require.NotNil(t, engine.Gateway)

	rec := httptest.NewRecorder()
	engine.API.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	engine.API.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

// TestNewRejectsPostgresWithoutReachableDB fails fast on a bad DSN.
func TestNewRejectsPostgresWithoutReachableDB(t *testing.T) {
	t.Parallel()

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.DB.Driver = "postgres"
	cfg.DB.DSN = "not a dsn"

	_, err = New(context.Background(), cfg, nil)
	require.Error(t, err)
}
