package calib

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/stat"
)

const (
	defaultSigma     = 3.0
	defaultTolerance = 1e-6
	defaultMaxIter   = 100
	// badPixelFloor masks sentinel values written by some camera drivers.
	badPixelFloor = -1e6
)

// ErrNoSkyPixels is returned when no usable pixel survives masking.
var ErrNoSkyPixels = errors.New("calib: no unmasked pixels for sky estimate")

// SkyEstimator measures the background level by iterative sigma clipping.
type SkyEstimator struct {
	Sigma     float64
	Tolerance float64
	MaxIter   int
}

// SkyLevel is the result of a sky estimate.
type SkyLevel struct {
	Level      float64
	RMS        float64
	Iterations int
}

// EstimateSkyLevel runs the estimator with a 3-sigma clip and a 1e-6
// relative convergence limit.
func EstimateSkyLevel(data []float64) (SkyLevel, error) {
	return SkyEstimator{}.Estimate(data)
}

// Estimate masks pixels below -1e6, then repeatedly masks everything outside
// mean ± Sigma*rms until |new-old|/new drops to Tolerance.
// Masks accumulate across iterations.
func (e SkyEstimator) Estimate(data []float64) (SkyLevel, error) {
	sigma, tol, maxIter := e.Sigma, e.Tolerance, e.MaxIter
	if sigma <= 0 {
		sigma = defaultSigma
	}
	if tol <= 0 {
		tol = defaultTolerance
	}
	if maxIter <= 0 {
		maxIter = defaultMaxIter
	}

	kept := make([]float64, 0, len(data))
	for _, v := range data {
		if v < badPixelFloor || math.IsNaN(v) {
			continue
		}
		kept = append(kept, v)
	}
	if len(kept) == 0 {
		return SkyLevel{}, ErrNoSkyPixels
	}

	var res SkyLevel
	for res.Iterations < maxIter {
		mean, rms := popMeanStd(kept)
		lo, hi := mean-sigma*rms, mean+sigma*rms

		n := 0
		for _, v := range kept {
			if v < lo || v > hi {
				continue
			}
			kept[n] = v
			n++
		}
		kept = kept[:n]
		if n == 0 {
			return SkyLevel{}, ErrNoSkyPixels
		}

		res.Level, res.RMS = popMeanStd(kept)
		res.Iterations++

		// Relative to the signed level: a negative sky converges on the
		// first pass.
		diff := math.Abs(res.Level - mean)
		if res.Level != 0 {
			diff /= res.Level
		}
		if diff <= tol {
			break
		}
	}
	return res, nil
}

func popMeanStd(x []float64) (float64, float64) {
	mean, variance := stat.PopMeanVariance(x, nil)
	return mean, math.Sqrt(variance)
}
