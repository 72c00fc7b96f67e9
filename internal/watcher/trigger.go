package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"openclusters/internal/fsutil"
	"openclusters/internal/pipeline"
	"openclusters/internal/storage"
)

// DefaultDebounce is how long the trigger waits for a burst of frames to
// settle before queueing a reduction.
const DefaultDebounce = 5 * time.Second

// Submitter queues pipeline jobs.
type Submitter interface {
	Submit(job pipeline.Job) error
}

// TriggerOptions configures a ReductionTrigger.
type TriggerOptions struct {
	DataDir  string
	Filters  []string
	Debounce time.Duration

	// Extensions limits which files count as frames; empty means the defaults.
	Extensions []string
}

// ReductionTrigger turns new raw frames into incremental reduce jobs.
type ReductionTrigger struct {
	watcher *FrameWatcher
	store   *storage.Store
	submit  Submitter
	opts    TriggerOptions
	log     *slog.Logger
	seq     int
}

// WatchDirs returns the data directory plus each filter directory that exists.
func WatchDirs(dataDir string, filters []string) []string {
	dirs := []string{dataDir}
	for _, f := range filters {
		if d := filepath.Join(dataDir, f); fsutil.Exists(d) {
			dirs = append(dirs, d)
		}
	}
	return dirs
}

// NewReductionTrigger watches the data directory and its filter directories.
func NewReductionTrigger(opts TriggerOptions, store *storage.Store, submit Submitter, log *slog.Logger) (*ReductionTrigger, error) {
	if opts.DataDir == "" || len(opts.Filters) == 0 {
		return nil, errors.New("watcher: data directory and filters are required")
	}
	if submit == nil {
		return nil, errors.New("watcher: nil submitter")
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if log == nil {
		log = slog.Default()
	}
	fw, err := NewFrameWatcher(WatchDirs(opts.DataDir, opts.Filters), opts.Extensions, log)
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	return &ReductionTrigger{watcher: fw, store: store, submit: submit, opts: opts, log: log}, nil
}

// Run blocks until ctx is done, recording every frame event and submitting
// a reduce job once events stop arriving for the debounce interval.
func (t *ReductionTrigger) Run(ctx context.Context) error {
	if err := t.watcher.Start(); err != nil {
		t.watcher.Stop()
		return fmt.Errorf("start watcher: %w", err)
	}
	defer t.watcher.Stop()

	var timer *time.Timer
	var fire <-chan time.Time
	pending := 0
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case ev := <-t.watcher.Events:
			if err := t.store.RecordFrameEvent(storage.FrameEvent{
				FilePath:  ev.Path,
				EventType: ev.Operation,
				EventTime: ev.Time,
				FileSize:  ev.Size,
			}); err != nil {
				t.log.Error("record frame event", "path", ev.Path, "error", err)
			}
			if ev.Operation != "created" && ev.Operation != "modified" {
				continue
			}
			pending++
			if timer == nil {
				timer = time.NewTimer(t.opts.Debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(t.opts.Debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			t.seq++
			job := pipeline.Job{
				ID:        fmt.Sprintf("watch-reduce-%s-%d", time.Now().UTC().Format("20060102T150405"), t.seq),
				Type:      pipeline.JobReduce,
				InputPath: t.opts.DataDir,
				Options: map[string]any{
					"filters":      t.opts.Filters,
					"skipExisting": true,
				},
			}
			if err := t.submit.Submit(job); err != nil {
				t.log.Error("submit reduce job", "job_id", job.ID, "error", err)
				continue
			}
			t.log.Info("queued incremental reduction", "job_id", job.ID, "frames", pending)
			pending = 0
		}
	}
}
