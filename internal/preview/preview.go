// Package preview renders frames with their region circles to PNG.
package preview

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"openclusters/internal/fits"
	"openclusters/internal/regions"

	"gonum.org/v1/gonum/stat"
	"gopkg.in/gographics/imagick.v3/imagick"
)

// Options tunes the rendering.
type Options struct {
	// LowPercentile and HighPercentile bound the linear stretch (0-100).
	LowPercentile  float64
	HighPercentile float64
	// Colour is used for circles that carry none.
	Colour      string
	StrokeWidth float64
}

// DefaultOptions is a 0.5-99.5 percentile stretch with green circles.
func DefaultOptions() Options {
	return Options{LowPercentile: 0.5, HighPercentile: 99.5, Colour: "green", StrokeWidth: 1}
}

// Limits returns the pixel values at the low and high percentiles,
// ignoring NaN.
func Limits(data []float64, lowPct, highPct float64) (float64, float64, error) {
	vals := make([]float64, 0, len(data))
	for _, v := range data {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			vals = append(vals, v)
		}
	}
	if len(vals) == 0 {
		return 0, 0, errors.New("preview: no finite pixels")
	}
	sort.Float64s(vals)
	lo := stat.Quantile(lowPct/100, stat.Empirical, vals, nil)
	hi := stat.Quantile(highPct/100, stat.Empirical, vals, nil)
	return lo, hi, nil
}

// Stretch maps frame pixels to 8-bit grey RGB triplets between lo and hi,
// flipping rows so FITS row 0 ends up at the bottom of the picture.
func Stretch(frame *fits.Frame, lo, hi float64) []byte {
	out := make([]byte, frame.Width*frame.Height*3)
	span := hi - lo
	for y := 0; y < frame.Height; y++ {
		row := frame.Height - 1 - y
		for x := 0; x < frame.Width; x++ {
			v := frame.Data[y*frame.Width+x]
			var g byte
			switch {
			case math.IsNaN(v) || v <= lo || span <= 0:
				g = 0
			case v >= hi:
				g = 255
			default:
				g = byte(math.Round(255 * (v - lo) / span))
			}
			i := (row*frame.Width + x) * 3
			out[i], out[i+1], out[i+2] = g, g, g
		}
	}
	return out
}

// CanvasPosition converts a 1-based DS9 image position to picture
// coordinates, whose origin is the top-left corner.
func CanvasPosition(x, y float64, height int) (float64, float64) {
	return x - 1, float64(height) - y
}

// Render writes frame as a PNG at out with the given circles drawn on top.
func Render(frame *fits.Frame, circles []regions.Circle, out string, opts Options) error {
	if opts.HighPercentile <= opts.LowPercentile {
		return fmt.Errorf("preview: high percentile %.2f must exceed low percentile %.2f", opts.HighPercentile, opts.LowPercentile)
	}
	lo, hi, err := Limits(frame.Data, opts.LowPercentile, opts.HighPercentile)
	if err != nil {
		return err
	}

	imagick.Initialize()
	defer imagick.Terminate()

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	pixels := Stretch(frame, lo, hi)
	if err := mw.ConstituteImage(uint(frame.Width), uint(frame.Height), "RGB", imagick.PIXEL_CHAR, pixels); err != nil {
		return fmt.Errorf("failed to create preview image: %v", err)
	}

	if len(circles) > 0 {
		if err := drawCircles(mw, circles, frame.Height, opts); err != nil {
			return err
		}
	}

	if err := mw.SetImageFormat("PNG"); err != nil {
		return err
	}
	if err := mw.WriteImage(out); err != nil {
		return fmt.Errorf("failed to write preview: %v", err)
	}
	return nil
}

func drawCircles(mw *imagick.MagickWand, circles []regions.Circle, height int, opts Options) error {
	dw := imagick.NewDrawingWand()
	defer dw.Destroy()
	none := imagick.NewPixelWand()
	defer none.Destroy()
	none.SetColor("none")
	dw.SetFillColor(none)
	if opts.StrokeWidth > 0 {
		dw.SetStrokeWidth(opts.StrokeWidth)
	}

	stroke := imagick.NewPixelWand()
	defer stroke.Destroy()
	for _, c := range circles {
		colour := c.Colour
		if colour == "" {
			colour = opts.Colour
		}
		rgb, err := regions.ColourRGB(colour)
		if err != nil {
			return err
		}
		stroke.SetColor(rgb.String())
		dw.SetStrokeColor(stroke)

		cx, cy := CanvasPosition(c.X, c.Y, height)
		dw.Circle(cx, cy, cx+c.R, cy)
	}
	return mw.DrawImage(dw)
}
