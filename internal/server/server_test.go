package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"openclusters/internal/pipeline"
	"openclusters/internal/storage"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoProcessor struct{}

func (echoProcessor) Process(ctx context.Context, job pipeline.Job) pipeline.Result {
	if job.InputPath == "bad" {
		return pipeline.Result{Job: job, Error: fmt.Errorf("cannot read %s", job.InputPath)}
	}
	return pipeline.Result{Job: job, Meta: map[string]any{"output": job.InputPath + ".out"}}
}

func newTestServer(t *testing.T) (*Server, *storage.Store, *httptest.Server) {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	pipe := pipeline.NewWithProcessor(context.Background(), 1, slog.Default(), store, echoProcessor{})
	t.Cleanup(pipe.Stop)

	s := NewServer("127.0.0.1:0", store, pipe, slog.Default())
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, store, ts
}

func submit(t *testing.T, url string, job pipeline.Job) *http.Response {
	t.Helper()
	body, err := json.Marshal(job)
	require.NoError(t, err)
	resp, err := http.Post(url+"/jobs", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	return resp
}

func TestHealthz(t *testing.T) {
	_, _, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSubmitAndFetchJob(t *testing.T) {
	_, store, ts := newTestServer(t)

	resp := submit(t, ts.URL, pipeline.Job{ID: "clusters-1", Type: pipeline.JobClusters, InputPath: "members.csv"})
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		rec, err := store.Job("clusters-1")
		return err == nil && rec.Status == "completed"
	}, 5*time.Second, 20*time.Millisecond)

	resp, err := http.Get(ts.URL + "/jobs/clusters-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "completed", got["status"])
	assert.Equal(t, "members.csv.out", got["meta"].(map[string]any)["output"])

	resp2, err := http.Get(ts.URL + "/jobs?limit=5")
	require.NoError(t, err)
	defer resp2.Body.Close()
	var list []storage.JobRecord
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&list))
	require.Len(t, list, 1)
}

func TestSubmitRejectsUnknownType(t *testing.T) {
	_, _, ts := newTestServer(t)
	resp := submit(t, ts.URL, pipeline.Job{Type: "stack"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	bad, err := http.Post(ts.URL+"/jobs", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	defer bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestJobNotFound(t *testing.T) {
	_, _, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/jobs/missing")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	limit, err := http.Get(ts.URL + "/jobs?limit=zero")
	require.NoError(t, err)
	defer limit.Body.Close()
	assert.Equal(t, http.StatusBadRequest, limit.StatusCode)
}

func TestFramesEndpoint(t *testing.T) {
	_, store, ts := newTestServer(t)
	require.NoError(t, store.RecordReducedFrame(storage.ReducedFrameRecord{JobID: "j", Path: "/d/V/a_r.fts", InputPath: "/d/V/a.fts", Filter: "V", Exposure: 60}))

	resp, err := http.Get(ts.URL + "/frames?filter=V")
	require.NoError(t, err)
	defer resp.Body.Close()
	var frames []storage.ReducedFrameRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&frames))
	require.Len(t, frames, 1)
	assert.Equal(t, "/d/V/a_r.fts", frames[0].Path)
}

func TestWebSocketReceivesResults(t *testing.T) {
	s, _, ts := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.hub.Run(ctx)
	go s.forwardResults(ctx)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Registration races the first broadcast, so keep submitting until a
	// message arrives.
	got := make(chan resultEvent, 1)
	go func() {
		var ev resultEvent
		if err := conn.ReadJSON(&ev); err == nil {
			got <- ev
		}
	}()
	deadline := time.After(5 * time.Second)
	for i := 0; ; i++ {
		resp := submit(t, ts.URL, pipeline.Job{ID: fmt.Sprintf("bad-%d", i), Type: pipeline.JobPreview, InputPath: "bad"})
		resp.Body.Close()
		select {
		case ev := <-got:
			assert.Equal(t, "failed", ev.Status)
			assert.Contains(t, ev.Error, "cannot read bad")
			return
		case <-deadline:
			t.Fatal("timed out waiting for websocket message")
		case <-time.After(100 * time.Millisecond):
		}
	}
}
