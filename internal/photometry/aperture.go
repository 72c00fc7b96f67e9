// Package photometry measures circular-aperture fluxes on reduced frames.
package photometry

import (
	"math"

	"openclusters/internal/fits"

	"gonum.org/v1/gonum/stat"
)

// Annulus is a background ring between Inner and Outer radii.
type Annulus struct {
	Inner, Outer float64
}

// SumOptions controls SumCircle. A nil Annulus disables background
// subtraction; Gain <= 0 drops the Poisson term.
type SumOptions struct {
	Annulus *Annulus
	Gain    float64
}

// Measurement is the outcome of one aperture sum.
type Measurement struct {
	Flux float64
	Err  float64
	// Area is the overlap-weighted pixel count inside the aperture.
	Area float64
	// Background is the per-pixel sky level that was subtracted.
	Background float64
	// Truncated is set when the aperture or annulus runs off the image.
	Truncated bool
}

// SumCircle sums frame pixels inside the circle of radius r centred on the
// 0-based pixel position (x, y) using exact pixel/circle overlap. NaN
// pixels are skipped.
func SumCircle(frame *fits.Frame, x, y, r float64, opts SumOptions) Measurement {
	var m Measurement
	var flux float64
	ok := visit(frame, x, y, r, func(v, w float64) {
		flux += w * v
		m.Area += w
	})
	m.Truncated = !ok

	var bkgVar float64
	if opts.Annulus != nil && opts.Annulus.Outer > opts.Annulus.Inner {
		vals, weights, area, inside := annulusPixels(frame, x, y, *opts.Annulus)
		if !inside {
			m.Truncated = true
		}
		if area > 0 {
			m.Background, bkgVar = stat.PopMeanVariance(vals, weights)
			if bkgVar < 0 {
				bkgVar = 0
			}
			flux -= m.Area * m.Background
			m.Err = m.Area*bkgVar + m.Area*m.Area*bkgVar/area
		}
	}
	if opts.Gain > 0 && flux > 0 {
		m.Err += flux / opts.Gain
	}
	m.Flux = flux
	m.Err = math.Sqrt(m.Err)
	return m
}

// visit calls fn(value, overlap) for every finite pixel touched by the
// circle and reports whether the circle lies fully on the frame.
func visit(frame *fits.Frame, x, y, r float64, fn func(v, w float64)) bool {
	inside := true
	x0, x1 := int(math.Floor(x-r-0.5)), int(math.Ceil(x+r+0.5))
	y0, y1 := int(math.Floor(y-r-0.5)), int(math.Ceil(y+r+0.5))
	for j := y0; j <= y1; j++ {
		for i := x0; i <= x1; i++ {
			w := pixelOverlap(i, j, x, y, r)
			if w <= 0 {
				continue
			}
			if i < 0 || j < 0 || i >= frame.Width || j >= frame.Height {
				inside = false
				continue
			}
			v := frame.Data[j*frame.Width+i]
			if math.IsNaN(v) {
				continue
			}
			fn(v, w)
		}
	}
	return inside
}

func annulusPixels(frame *fits.Frame, x, y float64, ann Annulus) (vals, weights []float64, area float64, inside bool) {
	inside = true
	r := ann.Outer
	x0, x1 := int(math.Floor(x-r-0.5)), int(math.Ceil(x+r+0.5))
	y0, y1 := int(math.Floor(y-r-0.5)), int(math.Ceil(y+r+0.5))
	for j := y0; j <= y1; j++ {
		for i := x0; i <= x1; i++ {
			w := pixelOverlap(i, j, x, y, ann.Outer) - pixelOverlap(i, j, x, y, ann.Inner)
			if w <= 1e-12 {
				continue
			}
			if i < 0 || j < 0 || i >= frame.Width || j >= frame.Height {
				inside = false
				continue
			}
			v := frame.Data[j*frame.Width+i]
			if math.IsNaN(v) {
				continue
			}
			vals = append(vals, v)
			weights = append(weights, w)
			area += w
		}
	}
	return vals, weights, area, inside
}

const (
	recenterMaxIter = 10
	recenterTol     = 0.01
)

// Recenter moves (x, y) to the intensity-weighted centroid of the pixels in
// radius r, repeating until the shift drops below 0.01 px. The sky level
// from ann, when given, is removed before weighting. The input position is
// returned unchanged if the aperture holds no positive signal.
func Recenter(frame *fits.Frame, x, y, r float64, ann *Annulus) (float64, float64) {
	for it := 0; it < recenterMaxIter; it++ {
		var sky float64
		if ann != nil && ann.Outer > ann.Inner {
			vals, weights, area, _ := annulusPixels(frame, x, y, *ann)
			if area > 0 {
				sky = stat.Mean(vals, weights)
			}
		}
		var sw, sx, sy float64
		cx, cy := x, y
		x0, x1 := int(math.Floor(cx-r-0.5)), int(math.Ceil(cx+r+0.5))
		y0, y1 := int(math.Floor(cy-r-0.5)), int(math.Ceil(cy+r+0.5))
		for j := y0; j <= y1; j++ {
			for i := x0; i <= x1; i++ {
				if i < 0 || j < 0 || i >= frame.Width || j >= frame.Height {
					continue
				}
				w := pixelOverlap(i, j, cx, cy, r)
				v := frame.Data[j*frame.Width+i] - sky
				if w <= 0 || math.IsNaN(v) || v <= 0 {
					continue
				}
				sw += w * v
				sx += w * v * float64(i)
				sy += w * v * float64(j)
			}
		}
		if sw == 0 {
			return x, y
		}
		nx, ny := sx/sw, sy/sw
		shift := math.Hypot(nx-x, ny-y)
		x, y = nx, ny
		if shift < recenterTol {
			break
		}
	}
	return x, y
}
