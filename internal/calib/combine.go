package calib

import (
	"errors"
	"fmt"
	"sort"

	"openclusters/internal/fits"

	"gonum.org/v1/gonum/floats"
)

// ErrShapeMismatch is returned when frames of different sizes are combined.
var ErrShapeMismatch = errors.New("calib: frame shape mismatch")

// MedianCombine returns the per-pixel median of frames. The result carries
// the header of the first frame plus NCOMBINE and COMBINED cards.
func MedianCombine(frames []*fits.Frame) (*fits.Frame, error) {
	if len(frames) == 0 {
		return nil, errors.New("calib: nothing to combine")
	}
	first := frames[0]
	for _, f := range frames[1:] {
		if !first.SameShape(f) {
			return nil, fmt.Errorf("%w: %dx%d vs %dx%d", ErrShapeMismatch, first.Width, first.Height, f.Width, f.Height)
		}
	}

	hdr := first.Header.Clone()
	hdr.Set(fits.KeyNCombine, len(frames), "number of combined frames")
	hdr.Set(fits.KeyCombined, "median", "combination method")
	out := fits.NewFrame(first.Width, first.Height, hdr)

	stack := make([]float64, len(frames))
	for i := range out.Data {
		for j, f := range frames {
			stack[j] = f.Data[i]
		}
		out.Data[i] = median(stack)
	}
	return out, nil
}

// median sorts buf in place; even lengths average the two middle values.
func median(buf []float64) float64 {
	sort.Float64s(buf)
	n := len(buf)
	if n%2 == 1 {
		return buf[n/2]
	}
	return (buf[n/2-1] + buf[n/2]) / 2
}

// SubtractBias removes bias from frame in place.
func SubtractBias(frame, bias *fits.Frame) error {
	if !frame.SameShape(bias) {
		return fmt.Errorf("%w: bias", ErrShapeMismatch)
	}
	floats.Sub(frame.Data, bias.Data)
	return nil
}

// SubtractDark removes dark scaled by dataExposure/darkExposure in place.
func SubtractDark(frame, dark *fits.Frame, dataExposure, darkExposure float64) error {
	if !frame.SameShape(dark) {
		return fmt.Errorf("%w: dark", ErrShapeMismatch)
	}
	if darkExposure <= 0 {
		return fmt.Errorf("calib: invalid dark exposure %v", darkExposure)
	}
	floats.AddScaled(frame.Data, -dataExposure/darkExposure, dark.Data)
	return nil
}

// FlatCorrect divides frame by flat normalised to its mean, in place.
func FlatCorrect(frame, flat *fits.Frame) error {
	if !frame.SameShape(flat) {
		return fmt.Errorf("%w: flat", ErrShapeMismatch)
	}
	mean := floats.Sum(flat.Data) / float64(len(flat.Data))
	if mean == 0 {
		return errors.New("calib: flat has zero mean")
	}
	floats.Div(frame.Data, flat.Data)
	floats.Scale(mean, frame.Data)
	return nil
}
