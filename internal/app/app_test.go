package app_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bissquit/agentic-notifier/internal/app"
	"github.com/bissquit/agentic-notifier/internal/config"
	"github.com/bissquit/agentic-notifier/internal/domain"
	"github.com/bissquit/agentic-notifier/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const openAPISpecPath = "../../api/openapi/openapi.yaml"

const rulesYAML = `rules:
  - name: build-failures
    subject: ci.build.*.failed
    recipients: [oncall@example.com, lead@example.com]
    template: task_failed
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	rulesFile := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(rulesFile, []byte(rulesYAML), 0o600))

	cfg := config.Default()
	cfg.Log.Level = "error"
	cfg.Log.Format = "text"
	cfg.Ledger.Driver = config.DriverMemory
	cfg.SMTP.Enabled = false
	cfg.Source.Enabled = false
	cfg.Rules.File = rulesFile
	cfg.Worker.Count = 2
	cfg.Worker.ShutdownGrace = 5 * time.Second
	cfg.Maintenance = config.MaintenanceConfig{}
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config) (*app.App, *testutil.Client) {
	t.Helper()
	ctx := context.Background()

	a, err := app.New(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, a.Start(ctx))

	srv := httptest.NewServer(a.Router())
	t.Cleanup(func() {
		srv.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		require.NoError(t, a.Shutdown(shutdownCtx))
	})

	return a, testutil.NewClientWithValidation(t, srv.URL, openAPISpecPath)
}

type envelope[T any] struct {
	Data T `json:"data"`
}

func TestApp_Health(t *testing.T) {
	_, client := newTestApp(t, testConfig(t))

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := client.GET(path)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		assert.Equal(t, "OK", testutil.ReadBody(t, resp))
	}

	resp, err := client.GET("/version")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var info map[string]string
	testutil.DecodeJSON(t, resp, &info)
	assert.Contains(t, info, "version")
}

func TestApp_IngestDeliversEvent(t *testing.T) {
	a, client := newTestApp(t, testConfig(t))

	resp, err := client.POST("/api/v1/events", map[string]any{
		"id":      "evt-100",
		"subject": "ci.build.api.failed",
		"payload": map[string]any{"task": "build-100", "exit_code": 2},
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var ingest envelope[struct {
		EventID string `json:"event_id"`
		Outcome string `json:"outcome"`
	}]
	testutil.DecodeJSON(t, resp, &ingest)
	assert.Equal(t, "evt-100", ingest.Data.EventID)
	assert.Equal(t, "ack", ingest.Data.Outcome)

	require.Eventually(t, func() bool {
		entry, err := a.Ledger().Entry(context.Background(), "evt-100")
		return err == nil && entry.Status == domain.LedgerDelivered
	}, 5*time.Second, 20*time.Millisecond)

	resp, err = client.GET("/api/v1/ledger/evt-100")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var entry envelope[domain.LedgerEntry]
	testutil.DecodeJSON(t, resp, &entry)
	assert.Equal(t, domain.LedgerDelivered, entry.Data.Status)
	assert.ElementsMatch(t, []string{"oncall@example.com", "lead@example.com"}, entry.Data.Delivered())

	// A redelivered event is acknowledged without a second delivery.
	resp, err = client.POST("/api/v1/events", map[string]any{
		"id":      "evt-100",
		"subject": "ci.build.api.failed",
		"payload": map[string]any{"task": "build-100", "exit_code": 2},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestApp_IngestValidation(t *testing.T) {
	_, client := newTestApp(t, testConfig(t))
	raw := client.WithoutValidation()

	tests := []struct {
		name string
		body any
	}{
		{"missing id", map[string]any{"subject": "ci.build.api.failed"}},
		{"missing subject", map[string]any{"id": "evt-1"}},
		{"nested payload", map[string]any{"id": "evt-1", "subject": "a.b", "payload": map[string]any{"nested": map[string]any{"x": 1}}}},
		{"unknown field", map[string]any{"id": "evt-1", "subject": "a.b", "extra": true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := raw.POST("/api/v1/events", tt.body)
			require.NoError(t, err)
			defer func() { _ = resp.Body.Close() }()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestApp_LedgerEntryNotFound(t *testing.T) {
	_, client := newTestApp(t, testConfig(t))

	resp, err := client.GET("/api/v1/ledger/unknown")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestApp_RulesReload(t *testing.T) {
	cfg := testConfig(t)
	_, client := newTestApp(t, cfg)

	resp, err := client.GET("/api/v1/rules")
	require.NoError(t, err)
	var before envelope[struct {
		Version uint64 `json:"version"`
		Rules   []struct {
			Name string `json:"name"`
		} `json:"rules"`
	}]
	testutil.DecodeJSON(t, resp, &before)
	require.Len(t, before.Data.Rules, 1)

	updated := rulesYAML + `  - name: deploys
    subject: cd.deploy.>
    recipients: [releases@example.com]
    template: generic
`
	require.NoError(t, os.WriteFile(cfg.Rules.File, []byte(updated), 0o600))

	resp, err = client.POST("/api/v1/rules/reload", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var after envelope[struct {
		Version uint64 `json:"version"`
		Rules   []struct {
			Name string `json:"name"`
		} `json:"rules"`
	}]
	testutil.DecodeJSON(t, resp, &after)
	assert.Len(t, after.Data.Rules, 2)
	assert.Greater(t, after.Data.Version, before.Data.Version)

	// Unknown template: rejected, previous snapshot stays active.
	broken := `rules:
  - name: broken
    subject: x.y
    recipients: [a@example.com]
    template: does_not_exist
`
	require.NoError(t, os.WriteFile(cfg.Rules.File, []byte(broken), 0o600))

	resp, err = client.POST("/api/v1/rules/reload", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	_ = resp.Body.Close()

	resp, err = client.GET("/api/v1/status")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status envelope[struct {
		RulesCount    int `json:"rules_count"`
		QueueCapacity int `json:"queue_capacity"`
		Workers       int `json:"workers"`
	}]
	testutil.DecodeJSON(t, resp, &status)
	assert.Equal(t, 2, status.Data.RulesCount)
	assert.Equal(t, cfg.Queue.Capacity, status.Data.QueueCapacity)
	assert.Equal(t, 2, status.Data.Workers)
}

func TestApp_DeadLetters(t *testing.T) {
	_, client := newTestApp(t, testConfig(t))

	resp, err := client.GET("/api/v1/dead-letters?limit=10")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list envelope[[]domain.DeadLetter]
	testutil.DecodeJSON(t, resp, &list)
	assert.Empty(t, list.Data)

	resp, err = client.WithoutValidation().GET("/api/v1/dead-letters?limit=abc")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestNew_InvalidRulesFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.Rules.File = filepath.Join(t.TempDir(), "missing.yaml")

	_, err := app.New(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load rules")
}

func TestNew_SQLiteLedger(t *testing.T) {
	cfg := testConfig(t)
	cfg.Ledger.Driver = config.DriverSQLite
	cfg.Ledger.SQLite.Path = filepath.Join(t.TempDir(), "ledger.db")

	a, client := newTestApp(t, cfg)

	resp, err := client.POST("/api/v1/events", map[string]any{
		"id":      "evt-sqlite",
		"subject": "noise.heartbeat",
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	_ = resp.Body.Close()

	entry, err := a.Ledger().Entry(context.Background(), "evt-sqlite")
	require.NoError(t, err)
	assert.Empty(t, entry.Recipients)
}
