package cli

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"openclusters/internal/config"
	"openclusters/internal/grpcserver"
	"openclusters/internal/pipeline"
	"openclusters/internal/server"
	"openclusters/internal/storage"
	"openclusters/internal/watcher"

	"golang.org/x/sync/errgroup"
)

type pipelineClient interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
}

// serveOptions carries the serve command's flags.
type serveOptions struct {
	Addr     string
	GRPCAddr string
	WatchDir string
	Filters  []string

	// Extensions are the FITS extensions the watcher reacts to.
	Extensions []string
}

type serverFunc func(ctx context.Context, opts serveOptions, store *storage.Store, pipe pipelineClient, log *slog.Logger) error

type watchFunc func(ctx context.Context, opts watcher.TriggerOptions, store *storage.Store, pipe pipelineClient, log *slog.Logger) error

// defaultServe runs the HTTP API, plus the gRPC health endpoint and the
// frame watcher when they are configured, until ctx is done.
func defaultServe(ctx context.Context, opts serveOptions, store *storage.Store, pipe pipelineClient, log *slog.Logger) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Serve(ctx, opts.Addr, store, pipe, log)
	})
	if opts.GRPCAddr != "" {
		gs, err := grpcserver.New(opts.GRPCAddr, log)
		if err != nil {
			return err
		}
		g.Go(func() error { return gs.Serve(ctx) })
	}
	if opts.WatchDir != "" {
		g.Go(func() error {
			return defaultWatch(ctx, watcher.TriggerOptions{DataDir: opts.WatchDir, Filters: opts.Filters, Extensions: opts.Extensions}, store, pipe, log)
		})
	}
	return g.Wait()
}

func defaultWatch(ctx context.Context, opts watcher.TriggerOptions, store *storage.Store, pipe pipelineClient, log *slog.Logger) error {
	trig, err := watcher.NewReductionTrigger(opts, store, pipe, log)
	if err != nil {
		return err
	}
	return trig.Run(ctx)
}

// Root holds what every subcommand needs.
type Root struct {
	pipeline pipelineClient
	cfg      *config.Config
	log      *slog.Logger
	store    *storage.Store
	serveFn  serverFunc
	watchFn  watchFunc
}

// NewRoot constructs the CLI root.
func NewRoot(pl *pipeline.Pipeline, cfg *config.Config, logger *slog.Logger, store *storage.Store) *Root {
	return &Root{
		pipeline: pl,
		cfg:      cfg,
		log:      logger,
		store:    store,
		serveFn:  defaultServe,
		watchFn:  defaultWatch,
	}
}

func (r *Root) enqueueAndWait(ctx context.Context, job pipeline.Job) error {
	_, err := r.enqueueAndResult(ctx, job)
	return err
}

// enqueueAndResult submits job and blocks until its result is broadcast.
func (r *Root) enqueueAndResult(ctx context.Context, job pipeline.Job) (pipeline.Result, error) {
	resCh, unsubscribe := r.pipeline.Subscribe()
	defer unsubscribe()
	if err := r.enqueue(ctx, job); err != nil {
		return pipeline.Result{}, err
	}
	for {
		select {
		case <-ctx.Done():
			return pipeline.Result{}, ctx.Err()
		case res, ok := <-resCh:
			if !ok {
				return pipeline.Result{}, fmt.Errorf("pipeline stopped before completion")
			}
			if res.Job.ID == job.ID {
				return res, res.Error
			}
		}
	}
}

func (r *Root) enqueue(ctx context.Context, job pipeline.Job) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := r.pipeline.Submit(job); err != nil {
		return err
	}

	r.log.Info("job queued", "type", job.Type, "id", job.ID, "input", job.InputPath)
	return nil
}

func newID(prefix string) string {
	ts := time.Now().UTC().Format("20060102T150405")
	return fmt.Sprintf("%s-%s-%04d", prefix, ts, rand.Intn(10000))
}
