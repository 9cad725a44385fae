package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/prl-harvester/internal/config"
	"github.com/JakeFAU/prl-harvester/internal/harvest"
)

func defaultConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Server.Port = 0
	return cfg
}

func TestBuildWithInMemoryBackends(t *testing.T) {
	cfg := defaultConfig(t)
	app, err := Build(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, app.Close(context.Background())) })

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	// The scheduler only becomes ready once Run starts it.
	rec = httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	insts, err := app.Service().ListInstitutions(context.Background())
	require.NoError(t, err)
	require.Empty(t, insts)

	_, err = app.HarvestOnce(context.Background(), 42)
	require.True(t, harvest.IsKind(err, harvest.KindNotFound), "got %v", err)
}

func TestBuildWithLocalStorage(t *testing.T) {
	cfg := defaultConfig(t)
	cfg.Storage.Backend = config.StorageLocal
	cfg.Storage.Local.BaseDir = t.TempDir()
	cfg.Storage.ArchivePages = true
	cfg.RateLimit.Enabled = true

	app, err := Build(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, app.Close(context.Background()))
	// Closing twice is harmless.
	require.NoError(t, app.Close(context.Background()))
}

func TestBuildRejectsUnknownTimeZone(t *testing.T) {
	cfg := defaultConfig(t)
	cfg.Scheduler.TimeZone = "Mars/Olympus_Mons"

	_, err := Build(context.Background(), cfg)
	require.Error(t, err)
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := defaultConfig(t)
	cfg.Scheduler.ShutdownTimeoutSeconds = 1
	app, err := Build(context.Background(), cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	require.Eventually(t, func() bool {
		rec := httptest.NewRecorder()
		app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		return rec.Code == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
