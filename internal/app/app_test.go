package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridconsent/internal/config"
	"gridconsent/internal/domain"
	"gridconsent/internal/engine"
	"gridconsent/internal/region/rest"
	"gridconsent/internal/region/simulation"
)

var now = time.Date(2024, 6, 15, 10, 0, 0, 0, time.UTC)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Database.Workspace = t.TempDir()
	cfg.Regions[0].Simulation.ReadingStep = 240 * time.Hour
	return cfg
}

func build(t *testing.T, cfg *config.Config, opts Options) *App {
	t.Helper()
	opts.Now = func() time.Time { return now }
	a, err := Build(context.Background(), cfg, quiet(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	return a
}

func createOptions() engine.CreateOptions {
	return engine.CreateOptions{
		ConnectionID: "conn-1",
		DataNeedID:   "historical-consumption",
		Region:       "sim",
		Start:        time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		End:          time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC),
	}
}

func TestLifecycleRunsToFulfilment(t *testing.T) {
	for _, ephemeral := range []bool{true, false} {
		name := "sqlite"
		if ephemeral {
			name = "memory"
		}
		t.Run(name, func(t *testing.T) {
			a := build(t, testConfig(t), Options{Ephemeral: ephemeral})
			ctx := context.Background()

			pr, err := a.Engine.CreatePermissionRequest(ctx, createOptions())
			require.NoError(t, err)
			require.NoError(t, a.Bus.Drain(ctx))

			got, err := a.Engine.Get(ctx, pr.PermissionID)
			require.NoError(t, err)
			assert.Equal(t, domain.StatusFulfilled, got.Status)
			assert.Equal(t, "sim-"+pr.PermissionID, got.ExternalID)

			_, err = a.Credentials.Get(ctx, pr.PermissionID)
			assert.Error(t, err, "credentials are removed once the permission is fulfilled")

			hist, err := a.Engine.History(ctx, pr.PermissionID)
			require.NoError(t, err)
			var types []domain.EventType
			for _, e := range hist {
				types = append(types, e.Type)
			}
			assert.Equal(t, []domain.EventType{
				domain.EventCreated,
				domain.EventValidated,
				domain.EventSentToAdministrator,
				domain.EventExternalIDReceived,
				domain.EventCredentialsCreated,
				domain.EventAccepted,
				domain.EventMeterReading,
				domain.EventFulfilled,
			}, types)
		})
	}
}

func TestHTTPAndStreamShareTheGraph(t *testing.T) {
	a := build(t, testConfig(t), Options{Ephemeral: true})
	handler, err := a.Handler()
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	defer srv.Close()

	body, _ := json.Marshal(map[string]any{
		"connection_id": "conn-9",
		"data_need_id":  "historical-consumption",
		"region":        "XX",
		"start":         "2024-01-01",
		"end":           "2024-01-10",
	})
	res, err := http.Post(srv.URL+"/v1/permission-requests", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	data, _ := io.ReadAll(res.Body)
	res.Body.Close()
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))

	var created struct {
		PermissionRequest domain.PermissionRequest `json:"permission_request"`
	}
	require.NoError(t, json.Unmarshal(data, &created))
	require.NoError(t, a.Bus.Drain(context.Background()))

	res, err = http.Get(srv.URL + "/v1/permission-requests/" + created.PermissionRequest.PermissionID)
	require.NoError(t, err)
	data, _ = io.ReadAll(res.Body)
	res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(data), `"FULFILLED"`)
}

func TestResyncReplaysOpenRequests(t *testing.T) {
	cfg := testConfig(t)
	cfg.Regions[0].Simulation.Decision = "pending"
	a := build(t, cfg, Options{Ephemeral: true})
	ctx := context.Background()

	pr, err := a.Engine.CreatePermissionRequest(ctx, createOptions())
	require.NoError(t, err)
	require.NoError(t, a.Bus.Drain(ctx))
	got, err := a.Engine.Get(ctx, pr.PermissionID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusPendingAcknowledgement, got.Status)

	n, err := a.Engine.Resync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, a.Bus.Drain(ctx))
	got, err = a.Engine.Get(ctx, pr.PermissionID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPendingAcknowledgement, got.Status, "replaying a pending request does not move it")
}

func TestBuildRegions(t *testing.T) {
	cfg := config.Default()
	cfg.Regions = append(cfg.Regions, config.Region{ID: "fi-rest", Country: "FI", Kind: "rest", BaseURL: "http://127.0.0.1:1", Rate: 5, Burst: 2})
	reg, err := BuildRegions(cfg, nil)
	require.NoError(t, err)

	a, err := reg.Lookup("fi")
	require.NoError(t, err)
	assert.IsType(t, &rest.Adapter{}, a)
	a, err = reg.Lookup("sim")
	require.NoError(t, err)
	assert.IsType(t, &simulation.Adapter{}, a)

	cfg.Regions = append(cfg.Regions, config.Region{ID: "bad", Kind: "carrier-pigeon"})
	_, err = BuildRegions(cfg, nil)
	assert.Error(t, err)
}

func TestResolveConfig(t *testing.T) {
	dir := t.TempDir()
	cfg, err := ResolveConfig("", dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "."), cfg.Database.Workspace)

	raw := []byte(config.GenerateDefault() + "\n")
	raw = bytes.Replace(raw, []byte("addr: 127.0.0.1:8080"), []byte("addr: 0.0.0.0:9999"), 1)
	require.NoError(t, os.WriteFile(config.Path(dir), raw, 0o644))
	cfg, err = ResolveConfig("", dir)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9999", cfg.Server.Addr)

	_, err = ResolveConfig(filepath.Join(dir, "missing.yml"), dir)
	assert.Error(t, err)
}
