package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"openclusters/internal/calib"
	"openclusters/internal/catalog"
	"openclusters/internal/config"
	"openclusters/internal/fits"
	"openclusters/internal/fsutil"
	"openclusters/internal/logging"
	"openclusters/internal/photometry"
	"openclusters/internal/preview"
	"openclusters/internal/regions"
	"openclusters/internal/storage"
)

// router implements Processor and routes jobs to their concrete handlers.
type router struct {
	log        *slog.Logger
	store      *storage.Store
	cfg        *config.Config
	reducerFac reducerFactory
	regionsFn  regionsFunc
	photFn     photometryFunc
	previewFn  previewFunc
	openTIC8   tic8Opener
}

type reducer interface {
	Reduce(ctx context.Context, dataDir string, filters []string) (*calib.Summary, error)
}

type reducerFactory func(opts calib.Options) reducer

type regionsFunc func(ctx context.Context, req regions.Request, log *slog.Logger) (*regions.Result, error)

type photometryFunc func(ctx context.Context, dataDir string, filters []string, apertures []float64, opts photometry.Options, log *slog.Logger) (*photometry.Summary, error)

type previewFunc func(frame *fits.Frame, circles []regions.Circle, out string, opts preview.Options) error

type tic8Opener func(path string) (*sql.DB, error)

func newRouter(logger *slog.Logger, store *storage.Store, cfg *config.Config) Processor {
	return &router{
		log:   logger,
		store: store,
		cfg:   cfg,
		reducerFac: func(opts calib.Options) reducer {
			return calib.NewReducer(logger, opts)
		},
		regionsFn: regions.MakeRegions,
		photFn:    photometry.Run,
		previewFn: preview.Render,
		openTIC8:  storage.OpenTIC8,
	}
}

func (r *router) Process(ctx context.Context, job Job) Result {
	switch job.Type {
	case JobReduce:
		return r.handleReduce(ctx, job)
	case JobRegions:
		return r.handleRegions(ctx, job)
	case JobPhotometry:
		return r.handlePhotometry(ctx, job)
	case JobClusters:
		return r.handleClusters(ctx, job)
	case JobCrossmatch:
		return r.handleCrossmatch(ctx, job)
	case JobPreview:
		return r.handlePreview(ctx, job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

func (r *router) dataDir(job Job) string {
	if job.InputPath != "" {
		return job.InputPath
	}
	return r.cfg.Paths.DataDir
}

func (r *router) handleReduce(ctx context.Context, job Job) Result {
	filters := optStrings(job.Options, "filters")
	if len(filters) == 0 {
		return Result{Job: job, Error: errors.New("reduce: no filters given")}
	}
	for _, f := range filters {
		if !slices.Contains(regions.Imager.Filters, f) {
			r.log.Warn("filter is not fitted to the imager", "filter", f, "known", regions.Imager.Filters)
		}
	}
	opts := calib.Options{
		Sky: calib.SkyEstimator{
			Sigma:     r.cfg.Reduction.SkySigma,
			Tolerance: r.cfg.Reduction.SkyTolerance,
		},
		DefaultDarkExposure: r.cfg.Reduction.DarkExposure,
		Exclude:             r.cfg.Reduction.Exclude,
		Extensions:          r.cfg.Reduction.Extensions,
		Parallel:            r.cfg.Processing.ParallelJobs,
		SkipExisting:        optBool(job.Options, "skipExisting"),
	}

	sum, err := r.reducerFac(opts).Reduce(ctx, r.dataDir(job), filters)
	meta := map[string]any{"filters": filters}
	if sum == nil {
		return Result{Job: job, Error: err, Meta: meta}
	}

	reduced, skipped := 0, 0
	for _, m := range sum.Masters {
		if r.store != nil {
			_ = r.store.RecordMasterFrame(storage.MasterFrameRecord{
				JobID:    job.ID,
				Kind:     m.Kind,
				Filter:   m.Filter,
				Path:     m.Path,
				NCombine: m.NCombine,
				Exposure: m.Exposure,
				Cached:   m.Cached,
			})
		}
	}
	logging.LogProcessingStep(r.log, job.ID, "masters", "done", map[string]any{"count": len(sum.Masters)})
	outputs := make([]string, 0, len(sum.Reduced))
	for _, rf := range sum.Reduced {
		if rf.Skipped {
			skipped++
			continue
		}
		reduced++
		outputs = append(outputs, rf.Output)
		if r.store != nil {
			_ = r.store.RecordReducedFrame(storage.ReducedFrameRecord{
				JobID:     job.ID,
				Path:      rf.Output,
				InputPath: rf.Input,
				Filter:    rf.Filter,
				Exposure:  rf.Exposure,
			})
		}
	}
	meta["masters"] = sum.Masters
	meta["reduced"] = reduced
	meta["skipped"] = skipped
	meta["outputs"] = outputs
	return Result{Job: job, Error: err, Meta: meta}
}

func (r *router) handleRegions(ctx context.Context, job Job) Result {
	border := r.cfg.Regions.Border
	req := regions.Request{
		DataDir:        r.dataDir(job),
		ReferenceImage: optString(job.Options, "reference"),
		Filter:         optString(job.Options, "filter"),
		Cluster:        optString(job.Options, "cluster"),
		CatalogPath:    optString(job.Options, "catalog"),
		Colour:         optString(job.Options, "colour"),
		Border:         &border,
		Radius:         r.cfg.Regions.Radius,
	}
	if req.ReferenceImage == "" || req.Cluster == "" {
		return Result{Job: job, Error: errors.New("regions: reference image and cluster are required")}
	}
	if req.CatalogPath == "" {
		req.CatalogPath = r.cfg.Paths.CatalogPath
	}
	if req.Colour == "" {
		req.Colour = r.cfg.Regions.Colour
	}
	if s := optString(job.Options, "cmpRange"); s != "" {
		pm, err := catalog.ParseProbabilityRange(s)
		if err != nil {
			return Result{Job: job, Error: err}
		}
		req.Selection.Membership = &pm
	}
	if s := optString(job.Options, "magRange"); s != "" {
		mag, err := catalog.ParseMagnitudeRange(s)
		if err != nil {
			return Result{Job: job, Error: err}
		}
		req.Selection.Magnitude = &mag
	}

	res, err := r.regionsFn(ctx, req, r.log)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	return Result{Job: job, Meta: map[string]any{
		"output":  res.Path,
		"members": res.Members,
		"onChip":  res.OnChip,
	}}
}

func (r *router) handlePhotometry(ctx context.Context, job Job) Result {
	filters := optStrings(job.Options, "filters")
	var apertures []float64
	var err error
	if s, ok := job.Options["apertures"].(string); ok {
		apertures, err = photometry.ParseApertures(s)
	} else {
		apertures, err = optFloats(job.Options, "apertures")
	}
	if err != nil {
		return Result{Job: job, Error: err}
	}
	opts := photometry.Options{
		Annulus:  photometry.Annulus{Inner: r.cfg.Photometry.AnnulusInner, Outer: r.cfg.Photometry.AnnulusOuter},
		Gain:     r.cfg.Photometry.Gain,
		Recenter: r.cfg.Photometry.Recenter || optBool(job.Options, "recenter"),
		Parallel: r.cfg.Processing.ParallelJobs,
	}

	sum, err := r.photFn(ctx, r.dataDir(job), filters, apertures, opts, r.log)
	meta := map[string]any{"filters": filters, "apertures": apertures}
	if sum != nil {
		outputs := make([]string, 0, len(sum.Outputs))
		for _, o := range sum.Outputs {
			outputs = append(outputs, o.Path)
			if r.store != nil {
				_ = r.store.RecordPhotometry(storage.PhotometryRecord{
					JobID:     job.ID,
					Path:      o.Path,
					ImagePath: o.Image,
					Filter:    o.Filter,
					Stars:     o.Stars,
				})
			}
		}
		meta["outputs"] = outputs
		meta["skipped"] = sum.Skipped
	}
	return Result{Job: job, Error: err, Meta: meta}
}

func (r *router) handleClusters(ctx context.Context, job Job) Result {
	path := job.InputPath
	if path == "" {
		path = r.cfg.Paths.CatalogPath
	}
	magLimit, err := optFloat(job.Options, "magLimit", 13)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	pmemLimit, err := optFloat(job.Options, "pmemLimit", 0.5)
	if err != nil {
		return Result{Job: job, Error: err}
	}

	cat, err := catalog.LoadFile(path, optString(job.Options, "magColumn"))
	if err != nil {
		return Result{Job: job, Error: err}
	}
	ranked := catalog.Rank(cat, magLimit, pmemLimit)
	if job.Output != "" {
		f, err := os.Create(job.Output)
		if err != nil {
			return Result{Job: job, Error: err}
		}
		werr := catalog.WriteRanking(f, ranked)
		if cerr := f.Close(); werr == nil {
			werr = cerr
		}
		if werr != nil {
			return Result{Job: job, Error: werr}
		}
	}
	return Result{Job: job, Meta: map[string]any{
		"clusters": ranked,
		"count":    len(ranked),
		"output":   job.Output,
	}}
}

func (r *router) handleCrossmatch(ctx context.Context, job Job) Result {
	dbPath := optString(job.Options, "db")
	if dbPath == "" {
		dbPath = r.cfg.Paths.TIC8Path
	}
	limit, err := optInt(job.Options, "limit", 0)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	out := job.Output
	if out == "" {
		out = fsutil.SwapExt(job.InputPath, "_tic8.csv")
	}

	table, err := catalog.ReadFixedWidthFile(job.InputPath, catalog.MembershipSpans, catalog.MembershipSkip)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	db, err := r.openTIC8(dbPath)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	defer db.Close()

	xm, err := catalog.NewCrossmatcher(db, optString(job.Options, "table"), r.log)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	f, err := os.Create(out)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	stats, err := xm.Run(ctx, table, f, limit)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return Result{Job: job, Error: err, Meta: map[string]any{
		"output":    out,
		"rows":      stats.Rows,
		"matched":   stats.Matched,
		"unmatched": stats.Unmatched,
	}}
}

func (r *router) handlePreview(ctx context.Context, job Job) Result {
	image := job.InputPath
	out := job.Output
	if out == "" {
		out = fsutil.SwapExt(image, ".png")
	}
	regPath := optString(job.Options, "regions")
	if regPath == "" {
		if candidate := regions.RegionPath(filepath.Dir(image), image); fsutil.Exists(candidate) {
			regPath = candidate
		}
	}

	frame, err := fits.Read(image)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	var circles []regions.Circle
	if regPath != "" {
		if circles, err = regions.ParseFile(regPath); err != nil {
			return Result{Job: job, Error: err}
		}
	}

	opts := preview.DefaultOptions()
	if c := optString(job.Options, "colour"); c != "" {
		opts.Colour = c
	} else if r.cfg.Regions.Colour != "" {
		opts.Colour = r.cfg.Regions.Colour
	}
	if err := r.previewFn(frame, circles, out, opts); err != nil {
		return Result{Job: job, Error: err}
	}
	return Result{Job: job, Meta: map[string]any{
		"output":  out,
		"regions": regPath,
		"circles": len(circles),
	}}
}
