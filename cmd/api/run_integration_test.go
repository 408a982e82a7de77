//go:build integration

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	wmstesting "github.com/wms-platform/occupation-service/pkg/testing"
)

func TestRun_FullStack(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test")
	}
	ctx := context.Background()
	env, err := wmstesting.NewTestEnvironment(ctx, wmstesting.EnvironmentOptions{MongoDB: true, Redis: true, Kafka: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = env.Close(context.Background()) })

	t.Setenv("MONGODB_URI", env.MongoDB.URI)
	t.Setenv("MONGODB_DATABASE", "occupation_run_it")
	t.Setenv("REDIS_ADDR", env.Redis.Addr)
	t.Setenv("KAFKA_BROKERS", strings.Join(env.Kafka.Brokers, ","))
	t.Setenv("KAFKA_CREATE_TOPICS", "true")
	t.Setenv("TRACING_ENABLED", "false")
	t.Setenv("LOG_LEVEL", "error")

	path := filepath.Join(t.TempDir(), "occupation.yaml")
	require.NoError(t, os.WriteFile(path, []byte("seed:\n  - workUnitId: WU-IT\n    materialsReady: true\n"), 0o600))
	t.Setenv("OCCUPATION_CONFIG", path)

	handlers := captureServer(t)
	signalCh := make(chan os.Signal)
	done := make(chan error, 1)
	go func() { done <- run(ctx, signalCh) }()

	var handler http.Handler
	select {
	case handler = <-handlers:
	case err := <-done:
		t.Fatalf("run exited early: %v", err)
	case <-time.After(30 * time.Second):
		t.Fatal("server was not started")
	}

	post := func(verb, worker string) (int, map[string]any) {
		body, _ := json.Marshal(map[string]string{"workerId": worker})
		req := httptest.NewRequest(http.MethodPost, "/api/v1/work-units/WU-IT/operations/assembly/"+verb, bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		var out map[string]any
		_ = json.Unmarshal(rec.Body.Bytes(), &out)
		return rec.Code, out
	}

	code, out := post("begin", "W-A")
	require.Equal(t, http.StatusOK, code, out)
	assert.Equal(t, "IN_PROGRESS", out["data"].(map[string]any)["state"])

	code, out = post("begin", "W-B")
	assert.Equal(t, http.StatusConflict, code, out)

	code, out = post("finish", "W-A")
	require.Equal(t, http.StatusOK, code, out)
	assert.Equal(t, "COMPLETED", out["data"].(map[string]any)["state"])

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/work-units/WU-IT/lock", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"lock":null`)

	signalCh <- os.Interrupt
	require.NoError(t, <-done)
}
