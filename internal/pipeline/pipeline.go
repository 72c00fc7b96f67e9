package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"log/slog"

	"openclusters/internal/config"
	"openclusters/internal/logging"
	"openclusters/internal/storage"
	"openclusters/internal/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// JobType enumerates supported processing categories.
type JobType string

const (
	JobReduce     JobType = "reduce"
	JobRegions    JobType = "regions"
	JobPhotometry JobType = "photometry"
	JobClusters   JobType = "clusters"
	JobCrossmatch JobType = "crossmatch"
	JobPreview    JobType = "preview"
)

// JobTypes lists every type the router accepts.
var JobTypes = []JobType{JobReduce, JobRegions, JobPhotometry, JobClusters, JobCrossmatch, JobPreview}

// Job represents a single processing request.
type Job struct {
	ID        string         `json:"id"`
	Type      JobType        `json:"type"`
	InputPath string         `json:"input_path"`
	Output    string         `json:"output,omitempty"`
	Options   map[string]any `json:"options,omitempty"`
}

// Result captures the outcome of a Job.
type Result struct {
	Job   Job
	Error error
	Meta  map[string]any
}

// Processor executes a job and returns a Result.
type Processor interface {
	Process(ctx context.Context, job Job) Result
}

// Pipeline orchestrates job dispatch across workers.
type Pipeline struct {
	processor Processor
	log       *slog.Logger
	jobs      chan Job
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	startOnce sync.Once
	stopOnce  sync.Once
	store     *storage.Store
	tracer    trace.Tracer
	mu        sync.Mutex
	subs      map[int]chan Result
	nextSubID int
	stopped   bool
}

// New creates a new Pipeline with the given concurrency and the default router.
func New(ctx context.Context, concurrency int, logger *slog.Logger, store *storage.Store, cfg *config.Config) *Pipeline {
	if cfg == nil {
		cfg = config.Default()
	}
	return NewWithProcessor(ctx, concurrency, logger, store, newRouter(logger, store, cfg))
}

// NewWithProcessor creates a Pipeline that hands jobs to processor.
func NewWithProcessor(ctx context.Context, concurrency int, logger *slog.Logger, store *storage.Store, processor Processor) *Pipeline {
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Pipeline{
		log:    logger,
		jobs:   make(chan Job, concurrency*2),
		cancel: cancel,
		store:  store,
		tracer: telemetry.Tracer(),
		subs:   make(map[int]chan Result),
	}

	p.startOnce.Do(func() {
		p.processor = processor
		for i := 0; i < concurrency; i++ {
			p.wg.Add(1)
			go p.worker(ctx, i)
		}
	})

	return p
}

// Submit adds a job to the processing queue.
func (p *Pipeline) Submit(job Job) error {
	if p.store != nil {
		optsJSON, _ := json.Marshal(job.Options)
		_ = p.store.RecordJobQueued(storage.JobRecord{
			ID:          job.ID,
			JobType:     string(job.Type),
			Status:      "queued",
			InputPath:   job.InputPath,
			OutputPath:  job.Output,
			OptionsJSON: string(optsJSON),
		})
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return errors.New("pipeline stopped")
	}
	select {
	case p.jobs <- job:
		return nil
	default:
		return errors.New("job queue is full")
	}
}

// Stop signals workers to exit and waits for completion.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		p.mu.Unlock()
		p.cancel()
		close(p.jobs)
		p.wg.Wait()
		p.mu.Lock()
		for id, ch := range p.subs {
			close(ch)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	})
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			p.broadcast(p.run(ctx, job, id))
		}
	}
}

func (p *Pipeline) run(ctx context.Context, job Job, worker int) Result {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, "job."+string(job.Type), trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.type", string(job.Type)),
		attribute.String("job.input", job.InputPath),
		attribute.Int("worker", worker),
	))
	defer span.End()

	logging.LogJobStart(p.log, string(job.Type), job.ID, job.InputPath, job.Output, job.Options)

	if p.store != nil {
		_ = p.store.RecordJobStart(job.ID)
	}
	res := p.processor.Process(ctx, job)
	res.Job = job
	duration := time.Since(start)

	if res.Error != nil {
		logging.LogJobError(p.log, string(job.Type), job.ID, duration, res.Error, map[string]any{
			"input":   job.InputPath,
			"output":  job.Output,
			"options": job.Options,
		})
		span.RecordError(res.Error)
		span.SetStatus(codes.Error, res.Error.Error())
		if p.store != nil {
			_ = p.store.RecordJobResult(job.ID, "failed", res.Meta, errString(res.Error))
		}
	} else {
		logging.LogJobComplete(p.log, string(job.Type), job.ID, duration, res.Meta)
		span.SetStatus(codes.Ok, "")
		if p.store != nil {
			_ = p.store.RecordJobResult(job.ID, "completed", res.Meta, "")
		}
	}
	return res
}

// Subscribe returns a channel for receiving job results and an unsubscribe function.
func (p *Pipeline) Subscribe() (<-chan Result, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Result, 8)
	p.subs[id] = ch
	unsub := func() {
		p.mu.Lock()
		if c, ok := p.subs[id]; ok {
			close(c)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	}
	return ch, unsub
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (p *Pipeline) broadcast(res Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- res:
		default:
			p.log.Warn("result channel full", "subscriber", id, "job", res.Job.ID)
		}
	}
}
