package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"openclusters/internal/pipeline"
	"openclusters/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsRawFrame(t *testing.T) {
	assert.True(t, IsRawFrame("/d/V/ngc2682_001.fts", nil))
	assert.True(t, IsRawFrame("/d/bias_01.FITS", nil))
	assert.False(t, IsRawFrame("/d/V/ngc2682_001_r.fts", nil))
	assert.False(t, IsRawFrame("/d/master_bias.fits", nil))
	assert.False(t, IsRawFrame("/d/V/ngc2682_001.csv", nil))

	fitOnly := []string{".fit"}
	assert.True(t, IsRawFrame("/d/V/ngc2682_001.fit", fitOnly))
	assert.False(t, IsRawFrame("/d/V/ngc2682_001.fts", fitOnly))
}

func TestWatchDirs(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "V"), 0o755))
	assert.Equal(t, []string{dir, filepath.Join(dir, "V")}, WatchDirs(dir, []string{"V", "B"}))
}

func TestFrameWatcherReportsNewFrames(t *testing.T) {
	dir := t.TempDir()
	fw, err := NewFrameWatcher([]string{dir}, []string{".fit"}, nil)
	require.NoError(t, err)
	require.NoError(t, fw.Start())
	defer fw.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "light_001.fts"), []byte("SIMPLE"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "light_002.fit"), []byte("SIMPLE"), 0o644))

	select {
	case ev := <-fw.Events:
		assert.Equal(t, filepath.Join(dir, "light_002.fit"), ev.Path)
		assert.Contains(t, []string{"created", "modified"}, ev.Operation)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for frame event")
	}
}

type fakeSubmitter struct {
	mu   sync.Mutex
	jobs []pipeline.Job
}

func (f *fakeSubmitter) Submit(job pipeline.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	return nil
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}

func TestReductionTriggerDebouncesBursts(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "V"), 0o755))
	store, err := storage.New(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	defer store.Close()

	sub := &fakeSubmitter{}
	trig, err := NewReductionTrigger(TriggerOptions{DataDir: dir, Filters: []string{"V"}, Debounce: 200 * time.Millisecond}, store, sub, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- trig.Run(ctx) }()

	// Give the watcher a moment to register its directories.
	time.Sleep(100 * time.Millisecond)
	for _, name := range []string{"a.fts", "b.fts", "c.fts"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "V", name), []byte("SIMPLE"), 0o644))
	}

	require.Eventually(t, func() bool { return sub.count() == 1 }, 5*time.Second, 20*time.Millisecond)
	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, 1, sub.count(), "a burst of frames should queue one reduction")

	cancel()
	require.NoError(t, <-done)

	job := sub.jobs[0]
	assert.Equal(t, pipeline.JobReduce, job.Type)
	assert.Equal(t, dir, job.InputPath)
	assert.Equal(t, true, job.Options["skipExisting"])

	n, err := store.CountRows("frame_events")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 3)
}

func TestNewReductionTriggerValidates(t *testing.T) {
	_, err := NewReductionTrigger(TriggerOptions{}, nil, &fakeSubmitter{}, nil)
	assert.Error(t, err)
	_, err = NewReductionTrigger(TriggerOptions{DataDir: t.TempDir(), Filters: []string{"V"}}, nil, nil, nil)
	assert.Error(t, err)
}
