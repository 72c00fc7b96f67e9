package calib

import (
	"fmt"
	"path/filepath"

	"openclusters/internal/fits"
	"openclusters/internal/fsutil"
)

// MasterBias returns the cached master bias in dir or median-combines the
// BIAS frames of images and caches the result. It returns nil when there is
// nothing to combine.
func (r *Reducer) MasterBias(dir string, images *fsutil.Collection) (*fits.Frame, *MasterInfo, error) {
	path := filepath.Join(dir, MasterBiasName)
	if fsutil.Exists(path) {
		frame, err := fits.Read(path)
		if err != nil {
			return nil, nil, fmt.Errorf("read master bias: %w", err)
		}
		return frame, masterInfo(TypeBias, "", path, frame, true), nil
	}

	var frames []*fits.Frame
	for _, f := range images.Filter(TypeBias, "") {
		r.log.Info("bias frame", "file", f)
		frame, err := fits.Read(f)
		if err != nil {
			return nil, nil, err
		}
		frames = append(frames, frame)
	}
	if len(frames) == 0 {
		r.log.Warn("no bias frames found", "dir", dir)
		return nil, nil, nil
	}

	master, err := MedianCombine(frames)
	if err != nil {
		return nil, nil, fmt.Errorf("combine bias: %w", err)
	}
	if err := fits.Write(path, master, true); err != nil {
		return nil, nil, fmt.Errorf("write master bias: %w", err)
	}
	return master, masterInfo(TypeBias, "", path, master, false), nil
}

// MasterDark returns the cached master dark and its exposure, or combines
// the bias-subtracted DARK frames of images. The exposure is the integer
// EXPTIME of the first dark.
func (r *Reducer) MasterDark(dir string, images *fsutil.Collection, bias *fits.Frame) (*fits.Frame, float64, *MasterInfo, error) {
	path := filepath.Join(dir, MasterDarkName)
	if fsutil.Exists(path) {
		frame, err := fits.Read(path)
		if err != nil {
			return nil, 0, nil, fmt.Errorf("read master dark: %w", err)
		}
		exp, ok := frame.Header.Int(fits.KeyExposure)
		if !ok {
			return nil, 0, nil, fmt.Errorf("%s: missing %s", path, fits.KeyExposure)
		}
		return frame, float64(exp), masterInfo(TypeDark, "", path, frame, true), nil
	}

	var (
		frames  []*fits.Frame
		darkExp int
	)
	for _, f := range images.Filter(TypeDark, "") {
		r.log.Info("dark frame", "file", f)
		frame, err := fits.Read(f)
		if err != nil {
			return nil, 0, nil, err
		}
		if darkExp == 0 {
			exp, ok := frame.Header.Int(fits.KeyExposure)
			if !ok {
				return nil, 0, nil, fmt.Errorf("%s: missing %s", f, fits.KeyExposure)
			}
			darkExp = exp
		}
		if bias != nil {
			if err := SubtractBias(frame, bias); err != nil {
				return nil, 0, nil, fmt.Errorf("%s: %w", f, err)
			}
		} else {
			r.log.Info("no master bias, skipping correction", "file", f)
		}
		frames = append(frames, frame)
	}
	if len(frames) == 0 {
		r.log.Warn("no dark frames found", "dir", dir)
		return nil, 0, nil, nil
	}

	master, err := MedianCombine(frames)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("combine darks: %w", err)
	}
	if err := fits.Write(path, master, true); err != nil {
		return nil, 0, nil, fmt.Errorf("write master dark: %w", err)
	}
	return master, float64(darkExp), masterInfo(TypeDark, "", path, master, false), nil
}

// FlatKeyword picks the IMAGETYP used for flats in images: FLAT when it
// strictly outnumbers "Flat Field", otherwise "Flat Field".
func FlatKeyword(images *fsutil.Collection) string {
	if images.Count(TypeFlat, "") > images.Count(TypeFlatField, "") {
		return TypeFlat
	}
	return TypeFlatField
}

// MasterFlat returns the cached flat for filt or builds it: each flat is
// bias- and dark-corrected, divided by its sky level and median-combined.
func (r *Reducer) MasterFlat(dir string, images *fsutil.Collection, filt string, bias, dark *fits.Frame, darkExp float64) (*fits.Frame, *MasterInfo, error) {
	path := filepath.Join(dir, MasterFlatName(filt))
	if fsutil.Exists(path) {
		frame, err := fits.Read(path)
		if err != nil {
			return nil, nil, fmt.Errorf("read master flat: %w", err)
		}
		return frame, masterInfo(TypeFlat, filt, path, frame, true), nil
	}

	keyword := FlatKeyword(images)
	r.log.Info("reducing flats", "filter", filt, "keyword", keyword)
	masters := Masters{Bias: bias, Dark: dark, DarkExposure: darkExp}

	var frames []*fits.Frame
	for _, f := range images.Filter(keyword, filt) {
		r.log.Info("flat frame", "file", f)
		frame, err := fits.Read(f)
		if err != nil {
			return nil, nil, err
		}
		if err := r.calibrate(frame, f, masters); err != nil {
			return nil, nil, err
		}
		sky, err := r.opts.Sky.Estimate(frame.Data)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", f, err)
		}
		r.log.Debug("flat sky level", "file", f, "level", sky.Level, "rms", sky.RMS, "iterations", sky.Iterations)
		if sky.Level == 0 {
			return nil, nil, fmt.Errorf("%s: zero sky level", f)
		}
		for i := range frame.Data {
			frame.Data[i] /= sky.Level
		}
		frames = append(frames, frame)
	}
	if len(frames) == 0 {
		r.log.Info("no flats for filter, skipping", "filter", filt)
		return nil, nil, nil
	}

	master, err := MedianCombine(frames)
	if err != nil {
		return nil, nil, fmt.Errorf("combine flats: %w", err)
	}
	master.Header.Set(fits.KeyFilter, filt, "")
	if err := fits.Write(path, master, true); err != nil {
		return nil, nil, fmt.Errorf("write master flat: %w", err)
	}
	return master, masterInfo(TypeFlat, filt, path, master, false), nil
}

func masterInfo(kind, filter, path string, frame *fits.Frame, cached bool) *MasterInfo {
	n, _ := frame.Header.Int(fits.KeyNCombine)
	exp, _ := frame.Header.Exposure()
	return &MasterInfo{
		Kind:     kind,
		Filter:   filter,
		Path:     path,
		NCombine: n,
		Exposure: exp,
		Cached:   cached,
	}
}
