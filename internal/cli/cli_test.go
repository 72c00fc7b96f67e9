package cli

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"openclusters/internal/catalog"
	"openclusters/internal/config"
	"openclusters/internal/pipeline"
	"openclusters/internal/storage"
	"openclusters/internal/watcher"
)

func TestCommandsDispatchJobs(t *testing.T) {
	root, fakePipe := newTestRoot(t)
	temp := t.TempDir()

	cases := []struct {
		name       string
		args       []string
		expectType pipeline.JobType
		check      func(t *testing.T, job pipeline.Job)
	}{
		{"reduce", []string{"reduce", temp, "B,V", "R", "--skip-existing"}, pipeline.JobReduce, func(t *testing.T, job pipeline.Job) {
			if got := job.Options["filters"].([]string); strings.Join(got, ",") != "B,V,R" {
				t.Fatalf("unexpected filters %v", got)
			}
			if job.Options["skipExisting"] != true {
				t.Fatalf("expected skipExisting")
			}
		}},
		{"regions", []string{"regions", temp, "ref_r.fts", "V", "NGC 2682", "--cmp-range", "0.5,1", "--colour", "red"}, pipeline.JobRegions, func(t *testing.T, job pipeline.Job) {
			if job.Options["cluster"] != "NGC 2682" || job.Options["cmpRange"] != "0.5,1" || job.Options["colour"] != "red" {
				t.Fatalf("unexpected options %v", job.Options)
			}
			if _, ok := job.Options["magRange"]; ok {
				t.Fatalf("unset magRange should not be sent")
			}
		}},
		{"photometry", []string{"photometry", temp, "--filters", "V,B", "--apertures", "4.5,5"}, pipeline.JobPhotometry, func(t *testing.T, job pipeline.Job) {
			if ap := job.Options["apertures"].([]float64); len(ap) != 2 || ap[1] != 5 {
				t.Fatalf("unexpected apertures %v", ap)
			}
		}},
		{"crossmatch", []string{"crossmatch", filepath.Join(temp, "members.dat"), "--limit", "10"}, pipeline.JobCrossmatch, func(t *testing.T, job pipeline.Job) {
			if job.Options["limit"] != 10 {
				t.Fatalf("unexpected limit %v", job.Options["limit"])
			}
		}},
		{"preview", []string{"preview", filepath.Join(temp, "a_r.fts"), "-o", filepath.Join(temp, "a.png")}, pipeline.JobPreview, func(t *testing.T, job pipeline.Job) {
			if job.Output != filepath.Join(temp, "a.png") {
				t.Fatalf("unexpected output %q", job.Output)
			}
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fakePipe.reset()
			if _, err := execute(root, tc.args...); err != nil {
				t.Fatalf("run failed: %v", err)
			}
			jobs := fakePipe.submitted()
			if len(jobs) != 1 {
				t.Fatalf("expected one job, got %d", len(jobs))
			}
			if jobs[0].Type != tc.expectType {
				t.Fatalf("expected type %s, got %s", tc.expectType, jobs[0].Type)
			}
			tc.check(t, jobs[0])
		})
	}
}

func TestCommandsValidateArguments(t *testing.T) {
	root, fakePipe := newTestRoot(t)
	for _, args := range [][]string{
		{"reduce", "/data"},
		{"reduce", "/data", ","},
		{"regions", "/data", "ref.fts", "V"},
		{"photometry", "/data", "--filters", "V,B", "--apertures", "4"},
		{"photometry", "/data"},
	} {
		if _, err := execute(root, args...); err == nil {
			t.Fatalf("expected error for %v", args)
		}
	}
	if n := len(fakePipe.submitted()); n != 0 {
		t.Fatalf("invalid commands must not queue jobs, got %d", n)
	}
}

func TestClustersPrintsRanking(t *testing.T) {
	root, fakePipe := newTestRoot(t)
	fakePipe.meta = map[string]any{"clusters": []catalog.ClusterStats{
		{Name: "NGC2682", HighPmem: 12, Radius: 4.5},
		{Name: "NGC2099", HighPmem: 7, Radius: 3.25},
	}}
	out, err := execute(root, "clusters", "members.csv", "--mag-limit", "14")
	if err != nil {
		t.Fatalf("clusters failed: %v", err)
	}
	if out != "NGC2682 12 4.50\nNGC2099 7 3.25\n" {
		t.Fatalf("unexpected ranking output %q", out)
	}
	if got := fakePipe.submitted()[0].Options["magLimit"]; got != 14.0 {
		t.Fatalf("unexpected magLimit %v", got)
	}
}

func TestRunCommandSubmitsStagesInOrder(t *testing.T) {
	root, fakePipe := newTestRoot(t)
	_, err := execute(root, "run", "/data", "--filters", "V", "--apertures", "4", "--reference", "ref_r.fts", "--cluster", "NGC2682", "--preview")
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	var types []string
	for _, job := range fakePipe.submitted() {
		types = append(types, string(job.Type))
	}
	if got := strings.Join(types, ","); got != "reduce,regions,photometry,preview" {
		t.Fatalf("unexpected stage order %s", got)
	}
}

func TestRunCommandStopsOnFailure(t *testing.T) {
	root, fakePipe := newTestRoot(t)
	fakePipe.jobErrors[string(pipeline.JobReduce)] = errors.New("no bias frames")
	_, err := execute(root, "run", "/data", "--filters", "V", "--apertures", "4", "--reference", "ref_r.fts", "--cluster", "NGC2682")
	if err == nil || !strings.Contains(err.Error(), "no bias frames") {
		t.Fatalf("expected reduce failure, got %v", err)
	}
	if n := len(fakePipe.submitted()); n != 1 {
		t.Fatalf("expected only the reduce stage to be queued, got %d", n)
	}
}

func TestServeCommandUsesInjectedFunction(t *testing.T) {
	root, _ := newTestRoot(t)
	var called bool
	root.serveFn = func(ctx context.Context, opts serveOptions, store *storage.Store, pipe pipelineClient, log *slog.Logger) error {
		called = true
		if opts.Addr != ":9999" || opts.WatchDir != "/data" || strings.Join(opts.Filters, ",") != "V" {
			t.Fatalf("unexpected options %+v", opts)
		}
		return nil
	}
	if _, err := execute(root, "serve", "--addr", ":9999", "--watch", "/data", "--filters", "V"); err != nil {
		t.Fatalf("serve failed: %v", err)
	}
	if !called {
		t.Fatalf("serve function was not invoked")
	}
}

func TestWatchCommandUsesInjectedFunction(t *testing.T) {
	root, _ := newTestRoot(t)
	var got watcher.TriggerOptions
	root.watchFn = func(ctx context.Context, opts watcher.TriggerOptions, store *storage.Store, pipe pipelineClient, log *slog.Logger) error {
		got = opts
		return nil
	}
	if _, err := execute(root, "watch", "/data", "--filters", "V,R", "--debounce", "2s"); err != nil {
		t.Fatalf("watch failed: %v", err)
	}
	if got.DataDir != "/data" || len(got.Filters) != 2 || got.Debounce != 2*time.Second {
		t.Fatalf("unexpected trigger options %+v", got)
	}
}

func TestConfigCommands(t *testing.T) {
	root, _ := newTestRoot(t)

	showOut, err := execute(root, "config", "show")
	if err != nil {
		t.Fatalf("config show failed: %v", err)
	}
	if !strings.Contains(showOut, "Current configuration") || !strings.Contains(showOut, "Annulus: 15-20 px") {
		t.Fatalf("expected configuration output, got %q", showOut)
	}

	jsonOut, err := execute(root, "config", "show", "--json")
	if err != nil || !strings.Contains(jsonOut, `"annulus_inner": 15`) {
		t.Fatalf("expected JSON configuration, got %q (%v)", jsonOut, err)
	}

	if _, err := execute(root, "config", "validate"); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	root.cfg.Regions.Colour = "mauve"
	if _, err := execute(root, "config", "validate"); err == nil {
		t.Fatalf("expected invalid colour to fail validation")
	}

	versionOut, err := execute(root, "version")
	if err != nil || !strings.Contains(versionOut, "openclusters "+Version) {
		t.Fatalf("expected version string, got %q", versionOut)
	}
}

func TestEnqueueAndWaitPropagatesErrors(t *testing.T) {
	root, fakePipe := newTestRoot(t)
	job := pipeline.Job{ID: "err-job", Type: pipeline.JobReduce}
	fakePipe.jobErrors["err-job"] = context.DeadlineExceeded
	if err := root.enqueueAndWait(context.Background(), job); err == nil {
		t.Fatalf("expected error from pipeline result")
	}
}

// Test helpers

func execute(root *Root, args ...string) (string, error) {
	cmd := newCommand(root)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func newTestRoot(t *testing.T) (*Root, *fakePipeline) {
	t.Helper()

	cfg := config.Default()
	tmp := t.TempDir()
	cfg.Paths.DatabasePath = filepath.Join(tmp, "openclusters.db")

	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
	pipe := newFakePipeline()

	root := &Root{
		pipeline: pipe,
		cfg:      cfg,
		log:      logger,
		store:    nil,
		serveFn:  defaultServe,
		watchFn:  defaultWatch,
	}
	return root, pipe
}

type fakePipeline struct {
	mu        sync.Mutex
	jobs      []pipeline.Job
	subs      map[int]chan pipeline.Result
	nextSubID int
	jobErrors map[string]error
	meta      map[string]any
}

func newFakePipeline() *fakePipeline {
	return &fakePipeline{
		subs:      make(map[int]chan pipeline.Result),
		jobErrors: make(map[string]error),
	}
}

func (f *fakePipeline) Submit(job pipeline.Job) error {
	f.mu.Lock()
	f.jobs = append(f.jobs, job)
	subs := make([]chan pipeline.Result, 0, len(f.subs))
	for _, ch := range f.subs {
		subs = append(subs, ch)
	}
	err := f.errorFor(job)
	meta := f.meta
	if meta == nil {
		meta = map[string]any{"ok": true}
	}
	f.mu.Unlock()

	go func() {
		res := pipeline.Result{Job: job, Error: err, Meta: meta}
		for _, ch := range subs {
			ch <- res
		}
	}()
	return nil
}

func (f *fakePipeline) Subscribe() (<-chan pipeline.Result, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextSubID
	f.nextSubID++
	ch := make(chan pipeline.Result, 2)
	f.subs[id] = ch
	unsub := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if _, ok := f.subs[id]; ok {
			delete(f.subs, id)
		}
	}
	return ch, unsub
}

func (f *fakePipeline) errorFor(job pipeline.Job) error {
	if err, ok := f.jobErrors[job.ID]; ok {
		return err
	}
	if err, ok := f.jobErrors[string(job.Type)]; ok {
		return err
	}
	return nil
}

func (f *fakePipeline) submitted() []pipeline.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]pipeline.Job(nil), f.jobs...)
}

func (f *fakePipeline) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = nil
	f.jobErrors = make(map[string]error)
	f.meta = nil
}
