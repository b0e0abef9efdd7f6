package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/me/zoneq/internal/config"
	"github.com/me/zoneq/internal/store"
	"github.com/me/zoneq/pkg/model"
)

func serveFixtures(t *testing.T) (config.QueueConfig, store.Store, *slog.Logger) {
	t.Helper()
	cfg, err := config.LoadFile(testdataPath("fast.yaml"))
	require.NoError(t, err)

	log := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	st, err := store.NewSQLiteStore(":memory:", log)
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() })
	return cfg, st, log
}

func TestBuildServer_PreloadsWorkload(t *testing.T) {
	cfg, st, log := serveFixtures(t)
	w, err := LoadWorkload(testdataPath("workload.yaml"))
	require.NoError(t, err)

	ctx := context.Background()
	sched, srv, err := buildServer(ctx, w, cfg, st, t.TempDir(), log)
	require.NoError(t, err)
	defer sched.Close()
	assert.Len(t, sched.Zones(), 5)

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go sched.Start(runCtx)

	var state struct {
		Data struct {
			Status  model.QueueStatus  `json:"status"`
			Metrics model.QueueMetrics `json:"metrics"`
		} `json:"data"`
	}
	require.Eventually(t, func() bool {
		resp, err := http.Get(ts.URL + "/api/v1/queue")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		if json.NewDecoder(resp.Body).Decode(&state) != nil {
			return false
		}
		return state.Data.Status.IsTerminal()
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, model.QueueStatusCompleted, state.Data.Status)
	assert.Equal(t, 3, state.Data.Metrics.Counts.Completed)
	assert.Equal(t, 1, state.Data.Metrics.Counts.Failed)

	resp, err := http.Post(ts.URL+"/api/v1/snapshots", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	_, total, err := st.ListSnapshots(ctx, model.DefaultListOptions())
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestServe_StopsOnContextCancel(t *testing.T) {
	cfg, st, log := serveFixtures(t)
	sched, srv, err := buildServer(context.Background(), &Workload{Name: "empty"}, cfg, st, t.TempDir(), log)
	require.NoError(t, err)
	defer sched.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- serve(ctx, sched, &http.Server{Addr: "127.0.0.1:0", Handler: srv.Handler()}, log)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}
