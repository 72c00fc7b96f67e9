package photometry

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"openclusters/internal/fits"
	"openclusters/internal/fsutil"
	"openclusters/internal/regions"
	"openclusters/internal/wcs"

	"golang.org/x/sync/errgroup"
)

// CSVHeader is the first line of every photometry file.
const CSVHeader = "# ID,X,Y,RA,Dec,Flux,Flux_err,Flux_w_sky,Flux_err_w_sky"

// ErrUneven is returned when filters and apertures differ in number.
var ErrUneven = errors.New("photometry: uneven number of filters and apertures")

// Options configures a photometry run.
type Options struct {
	Annulus  Annulus
	Gain     float64
	Recenter bool
	Parallel int
}

// DefaultOptions matches the 15-20 px background annulus and unit gain.
func DefaultOptions() Options {
	return Options{Annulus: Annulus{Inner: 15, Outer: 20}, Gain: 1, Parallel: 1}
}

// Star is one row of a photometry file.
type Star struct {
	ID          int
	X, Y        float64
	RA, Dec     float64
	Flux        float64
	FluxErr     float64
	FluxWithSky float64
	ErrWithSky  float64
}

// Output describes one written photometry file.
type Output struct {
	Image  string `json:"image"`
	Path   string `json:"path"`
	Filter string `json:"filter"`
	Stars  int    `json:"stars"`
}

// Summary lists the files written by Run and the frames skipped for lack
// of a region file.
type Summary struct {
	Outputs []Output `json:"outputs"`
	Skipped []string `json:"skipped"`
}

// ParseApertures parses a comma separated list of radii.
func ParseApertures(s string) ([]float64, error) {
	var out []float64
	for _, p := range strings.Split(s, ",") {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil || v <= 0 {
			return nil, fmt.Errorf("invalid aperture radius %q", p)
		}
		out = append(out, v)
	}
	return out, nil
}

// Run measures every reduced light in data_dir/<filter> that has a region
// file, using the aperture paired with its filter.
func Run(ctx context.Context, dataDir string, filters []string, apertures []float64, opts Options, log *slog.Logger) (*Summary, error) {
	if len(filters) != len(apertures) {
		return nil, fmt.Errorf("%w: %d filters, %d apertures", ErrUneven, len(filters), len(apertures))
	}
	if log == nil {
		log = slog.Default()
	}
	if opts.Parallel < 1 {
		opts.Parallel = 1
	}

	sum := &Summary{}
	var mu sync.Mutex
	for i, filt := range filters {
		dir := filepath.Join(dataDir, filt)
		coll, err := fsutil.NewCollection(dir, fsutil.CollectionOptions{Include: "*" + fsutil.ReducedSuffix}, log)
		if err != nil {
			return sum, err
		}
		aper := apertures[i]

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(opts.Parallel)
		for _, image := range coll.Filter("LIGHT", filt) {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				reg := regions.RegionPath(dir, image)
				if !fsutil.Exists(reg) {
					log.Warn("no region file, skipping", "image", image, "regions", reg)
					mu.Lock()
					sum.Skipped = append(sum.Skipped, image)
					mu.Unlock()
					return nil
				}
				out, err := MeasureFile(image, reg, aper, opts)
				if err != nil {
					return err
				}
				out.Filter = filt
				log.Info("photometry written", "image", filepath.Base(image), "output", out.Path, "stars", out.Stars)
				mu.Lock()
				sum.Outputs = append(sum.Outputs, *out)
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return sum, err
		}
	}
	return sum, nil
}

// MeasureFile measures image at the circles of regionPath with radius aper
// and writes <image root>.csv next to the image.
func MeasureFile(image, regionPath string, aper float64, opts Options) (*Output, error) {
	circles, err := regions.ParseFile(regionPath)
	if err != nil {
		return nil, err
	}
	frame, err := fits.Read(image)
	if err != nil {
		return nil, err
	}
	w, err := wcs.FromHeader(frame.Header)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", image, err)
	}

	stars := Measure(frame, w, circles, aper, opts)
	out := fsutil.SwapExt(image, ".csv")
	f, err := os.Create(out)
	if err != nil {
		return nil, err
	}
	if err := WriteCSV(f, stars); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}
	return &Output{Image: image, Path: out, Stars: len(stars)}, nil
}

// Measure runs the aperture sums with and without sky subtraction. Region
// positions are 1-based and converted to 0-based before measuring.
func Measure(frame *fits.Frame, w *wcs.WCS, circles []regions.Circle, aper float64, opts Options) []Star {
	ann := opts.Annulus
	stars := make([]Star, 0, len(circles))
	for id, c := range circles {
		x, y := c.X-1, c.Y-1
		if opts.Recenter {
			x, y = Recenter(frame, x, y, aper, &ann)
		}
		sub := SumCircle(frame, x, y, aper, SumOptions{Annulus: &ann, Gain: opts.Gain})
		raw := SumCircle(frame, x, y, aper, SumOptions{Gain: opts.Gain})
		s := Star{
			ID: id, X: x, Y: y,
			Flux: sub.Flux, FluxErr: sub.Err,
			FluxWithSky: raw.Flux, ErrWithSky: raw.Err,
		}
		if w != nil {
			s.RA, s.Dec = w.PixelToWorld(x, y, 0)
		}
		stars = append(stars, s)
	}
	return stars
}

// WriteCSV writes the header line and one formatted row per star.
func WriteCSV(w io.Writer, stars []Star) error {
	bw := bufio.NewWriter(w)
	if _, err := fmt.Fprintln(bw, CSVHeader); err != nil {
		return err
	}
	for _, s := range stars {
		_, err := fmt.Fprintf(bw, "%d,%.2f,%.2f,%.8f,%.8f,%.4f,%.4f,%.4f,%.4f\n",
			s.ID, s.X, s.Y, s.RA, s.Dec, s.Flux, s.FluxErr, s.FluxWithSky, s.ErrWithSky)
		if err != nil {
			return err
		}
	}
	return bw.Flush()
}
