// Package calib builds master calibration frames and reduces science frames.
package calib

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"openclusters/internal/fits"
	"openclusters/internal/fsutil"

	"golang.org/x/sync/errgroup"
)

// Image types and file names used by the reduction.
const (
	TypeBias      = "BIAS"
	TypeDark      = "DARK"
	TypeFlat      = "FLAT"
	TypeFlatField = "Flat Field"
	TypeLight     = "LIGHT"

	MasterBiasName = "master_bias.fits"
	MasterDarkName = "master_dark.fits"
)

// MasterFlatName is the cached flat for filter.
func MasterFlatName(filter string) string {
	return fmt.Sprintf("master_flat_%s.fits", filter)
}

// Options tunes a Reducer.
type Options struct {
	Sky                 SkyEstimator
	DefaultDarkExposure float64
	Exclude             string
	Extensions          []string
	Parallel            int
	// SkipExisting leaves a reduced frame alone when it is newer than its input.
	SkipExisting bool
}

// Masters holds the calibration frames applied to a light. Nil fields are
// skipped.
type Masters struct {
	Bias         *fits.Frame
	Dark         *fits.Frame
	DarkExposure float64
	Flat         *fits.Frame
}

// MasterInfo describes a master frame that was loaded or built.
type MasterInfo struct {
	Kind     string
	Filter   string
	Path     string
	NCombine int
	Exposure float64
	Cached   bool
}

// ReducedInfo describes one reduced light.
type ReducedInfo struct {
	Input    string
	Output   string
	Filter   string
	Exposure float64
	Skipped  bool
}

// Summary reports what a reduction run produced.
type Summary struct {
	Masters []MasterInfo
	Reduced []ReducedInfo
}

// Reducer runs the calibration chain over a data directory.
type Reducer struct {
	log  *slog.Logger
	opts Options
}

// NewReducer returns a Reducer; zero options take their defaults.
func NewReducer(log *slog.Logger, opts Options) *Reducer {
	if log == nil {
		log = slog.Default()
	}
	if opts.DefaultDarkExposure <= 0 {
		opts.DefaultDarkExposure = 30
	}
	if opts.Exclude == "" {
		opts.Exclude = "master*"
	}
	if opts.Parallel < 1 {
		opts.Parallel = 1
	}
	return &Reducer{log: log, opts: opts}
}

// Reduce builds bias and dark masters in dataDir, then for every filter
// builds the flat in dataDir/<filter> and reduces that directory's lights.
func (r *Reducer) Reduce(ctx context.Context, dataDir string, filters []string) (*Summary, error) {
	if len(filters) == 0 {
		return nil, errors.New("calib: no filters given")
	}
	sum := &Summary{}

	images, err := r.collection(dataDir)
	if err != nil {
		return nil, err
	}

	bias, info, err := r.MasterBias(dataDir, images)
	if err != nil {
		return nil, err
	}
	if info != nil {
		sum.Masters = append(sum.Masters, *info)
	}

	dark, darkExp, info, err := r.MasterDark(dataDir, images, bias)
	if err != nil {
		return nil, err
	}
	if info != nil {
		sum.Masters = append(sum.Masters, *info)
	}

	for _, filt := range filters {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		filterDir := filepath.Join(dataDir, filt)
		images, err := r.collection(filterDir)
		if err != nil {
			return sum, err
		}

		flat, info, err := r.MasterFlat(filterDir, images, filt, bias, dark, darkExp)
		if err != nil {
			return sum, err
		}
		if info != nil {
			sum.Masters = append(sum.Masters, *info)
		}

		masters := Masters{Bias: bias, Dark: dark, DarkExposure: darkExp, Flat: flat}
		reduced, err := r.reduceLights(ctx, images, filt, masters)
		sum.Reduced = append(sum.Reduced, reduced...)
		if err != nil {
			return sum, err
		}
	}
	return sum, nil
}

func (r *Reducer) collection(dir string) (*fsutil.Collection, error) {
	return fsutil.NewCollection(dir, fsutil.CollectionOptions{Exclude: r.opts.Exclude, Extensions: r.opts.Extensions}, r.log)
}

func (r *Reducer) reduceLights(ctx context.Context, images *fsutil.Collection, filt string, masters Masters) ([]ReducedInfo, error) {
	var lights []string
	for _, path := range images.Filter(TypeLight, filt) {
		if !fsutil.IsReduced(path) {
			lights = append(lights, path)
		}
	}
	if len(lights) == 0 {
		r.log.Warn("no light frames to reduce", "filter", filt, "dir", images.Dir)
		return nil, nil
	}

	var (
		mu  sync.Mutex
		out = make([]ReducedInfo, 0, len(lights))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Parallel)
	for _, path := range lights {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			info, err := r.correctOrSkip(path, filt, masters)
			if err != nil {
				return err
			}
			mu.Lock()
			out = append(out, info)
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	return out, err
}

func (r *Reducer) correctOrSkip(path, filt string, masters Masters) (ReducedInfo, error) {
	output := fsutil.ReducedName(path)
	if r.opts.SkipExisting && upToDate(output, path) {
		r.log.Debug("reduced frame up to date", "file", output)
		return ReducedInfo{Input: path, Output: output, Filter: filt, Skipped: true}, nil
	}
	frame, err := r.CorrectFrame(path, filt, masters)
	if err != nil {
		return ReducedInfo{}, err
	}
	if err := fits.Write(output, frame, true); err != nil {
		return ReducedInfo{}, fmt.Errorf("write %s: %w", output, err)
	}
	exp, _ := frame.Header.Exposure()
	return ReducedInfo{Input: path, Output: output, Filter: filt, Exposure: exp}, nil
}

// CorrectFrame applies the available masters to the light at path and
// returns the float64 result with the original header. Missing masters are
// skipped with a log line.
func (r *Reducer) CorrectFrame(path, filt string, masters Masters) (*fits.Frame, error) {
	r.log.Info("reducing frame", "file", path)
	frame, err := fits.Read(path)
	if err != nil {
		return nil, err
	}
	if err := r.calibrate(frame, path, masters); err != nil {
		return nil, err
	}
	if masters.Flat != nil {
		if err := FlatCorrect(frame, masters.Flat); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	} else {
		r.log.Info("no master flat, skipping correction", "filter", filt, "file", path)
	}
	return frame, nil
}

// calibrate applies bias and exposure-scaled dark subtraction.
func (r *Reducer) calibrate(frame *fits.Frame, path string, masters Masters) error {
	if masters.Bias != nil {
		if err := SubtractBias(frame, masters.Bias); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	} else {
		r.log.Info("no master bias, skipping correction", "file", path)
	}

	if masters.Dark == nil {
		r.log.Info("no master dark, skipping correction", "file", path)
		return nil
	}
	dataExp, ok := frame.Header.Exposure()
	if !ok {
		return fmt.Errorf("%s: missing %s", path, fits.KeyExposure)
	}
	darkExp := masters.DarkExposure
	if darkExp <= 0 {
		darkExp = r.opts.DefaultDarkExposure
	}
	if err := SubtractDark(frame, masters.Dark, dataExp, darkExp); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

func upToDate(output, input string) bool {
	out, err := os.Stat(output)
	if err != nil {
		return false
	}
	in, err := os.Stat(input)
	if err != nil {
		return false
	}
	return !out.ModTime().Before(in.ModTime())
}
