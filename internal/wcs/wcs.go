// Package wcs implements the gnomonic (TAN) world coordinate system with
// optional SIP distortion, as written by plate solvers into FITS headers.
package wcs

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"openclusters/internal/fits"
)

const (
	deg2rad = math.Pi / 180
	rad2deg = 180 / math.Pi

	sipMaxIter   = 50
	sipTolerance = 1e-10
)

var (
	// ErrNoWCS is returned when a header carries no celestial solution.
	ErrNoWCS = errors.New("wcs: header has no celestial WCS")
	// ErrProjection is returned for projections other than TAN.
	ErrProjection = errors.New("wcs: unsupported projection")
)

// WCS maps between pixel and equatorial coordinates.
type WCS struct {
	CRPix [2]float64
	CRVal [2]float64
	// CD maps pixel offsets to intermediate world coordinates in degrees.
	CD  [2][2]float64
	inv [2][2]float64

	SIP *SIP
}

// FromHeader reads a TAN or TAN-SIP solution from hdr.
func FromHeader(hdr *fits.Header) (*WCS, error) {
	ctype1, ctype2 := hdr.String("CTYPE1"), hdr.String("CTYPE2")
	if ctype1 == "" || ctype2 == "" {
		return nil, ErrNoWCS
	}
	if !strings.HasPrefix(ctype1, "RA--") || !strings.HasPrefix(ctype2, "DEC-") {
		return nil, fmt.Errorf("%w: axes %q/%q", ErrProjection, ctype1, ctype2)
	}
	if !strings.Contains(ctype1, "-TAN") || !strings.Contains(ctype2, "-TAN") {
		return nil, fmt.Errorf("%w: %q", ErrProjection, ctype1)
	}

	w := &WCS{}
	var ok bool
	for i, key := range []string{"CRPIX1", "CRPIX2"} {
		if w.CRPix[i], ok = hdr.Float(key); !ok {
			return nil, fmt.Errorf("%w: missing %s", ErrNoWCS, key)
		}
	}
	for i, key := range []string{"CRVAL1", "CRVAL2"} {
		if w.CRVal[i], ok = hdr.Float(key); !ok {
			return nil, fmt.Errorf("%w: missing %s", ErrNoWCS, key)
		}
	}

	cd, err := linearTransform(hdr)
	if err != nil {
		return nil, err
	}
	if err := w.setCD(cd); err != nil {
		return nil, err
	}

	if strings.HasSuffix(ctype1, "-SIP") {
		w.SIP = sipFromHeader(hdr)
	}
	return w, nil
}

// New builds a plain TAN solution.
func New(crpix, crval [2]float64, cd [2][2]float64) (*WCS, error) {
	w := &WCS{CRPix: crpix, CRVal: crval}
	if err := w.setCD(cd); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *WCS) setCD(cd [2][2]float64) error {
	det := cd[0][0]*cd[1][1] - cd[0][1]*cd[1][0]
	if det == 0 {
		return fmt.Errorf("%w: singular CD matrix", ErrNoWCS)
	}
	w.CD = cd
	w.inv = [2][2]float64{
		{cd[1][1] / det, -cd[0][1] / det},
		{-cd[1][0] / det, cd[0][0] / det},
	}
	return nil
}

// linearTransform resolves CDi_j, PCi_j with CDELTi, or CDELTi with CROTA2.
func linearTransform(hdr *fits.Header) ([2][2]float64, error) {
	var cd [2][2]float64
	if hdr.Has("CD1_1") || hdr.Has("CD2_2") {
		for i := 0; i < 2; i++ {
			for j := 0; j < 2; j++ {
				cd[i][j], _ = hdr.Float(fmt.Sprintf("CD%d_%d", i+1, j+1))
			}
		}
		return cd, nil
	}

	cdelt1, ok1 := hdr.Float("CDELT1")
	cdelt2, ok2 := hdr.Float("CDELT2")
	if !ok1 || !ok2 {
		return cd, fmt.Errorf("%w: no CD, PC or CDELT keywords", ErrNoWCS)
	}

	if hdr.Has("PC1_1") || hdr.Has("PC2_2") {
		pc := [2][2]float64{{1, 0}, {0, 1}}
		for i := 0; i < 2; i++ {
			for j := 0; j < 2; j++ {
				if v, ok := hdr.Float(fmt.Sprintf("PC%d_%d", i+1, j+1)); ok {
					pc[i][j] = v
				}
			}
		}
		cdelt := [2]float64{cdelt1, cdelt2}
		for i := 0; i < 2; i++ {
			for j := 0; j < 2; j++ {
				cd[i][j] = cdelt[i] * pc[i][j]
			}
		}
		return cd, nil
	}

	rot, _ := hdr.Float("CROTA2")
	s, c := math.Sincos(rot * deg2rad)
	cd[0][0] = cdelt1 * c
	cd[0][1] = -cdelt2 * s
	cd[1][0] = cdelt1 * s
	cd[1][1] = cdelt2 * c
	return cd, nil
}

// PixelToWorld converts pixel (x, y) to (ra, dec) in degrees. origin is 0
// for zero-based pixel indices and 1 for FITS indices.
func (w *WCS) PixelToWorld(x, y float64, origin int) (float64, float64) {
	u := x + float64(1-origin) - w.CRPix[0]
	v := y + float64(1-origin) - w.CRPix[1]
	if w.SIP != nil {
		du, dv := w.SIP.forward(u, v)
		u, v = u+du, v+dv
	}

	xi := (w.CD[0][0]*u + w.CD[0][1]*v) * deg2rad
	eta := (w.CD[1][0]*u + w.CD[1][1]*v) * deg2rad

	ra0, dec0 := w.CRVal[0]*deg2rad, w.CRVal[1]*deg2rad
	sd, cd := math.Sincos(dec0)
	den := cd - eta*sd
	ra := ra0 + math.Atan2(xi, den)
	dec := math.Atan2(sd+eta*cd, math.Hypot(xi, den))

	ra = math.Mod(ra*rad2deg, 360)
	if ra < 0 {
		ra += 360
	}
	return ra, dec * rad2deg
}

// WorldToPixel converts (ra, dec) in degrees to pixel coordinates. Points
// on the far side of the tangent plane map to NaN.
func (w *WCS) WorldToPixel(ra, dec float64, origin int) (float64, float64) {
	ra0, dec0 := w.CRVal[0]*deg2rad, w.CRVal[1]*deg2rad
	a, d := ra*deg2rad, dec*deg2rad

	sd, cd := math.Sincos(d)
	sd0, cd0 := math.Sincos(dec0)
	sda, cda := math.Sincos(a - ra0)

	den := sd*sd0 + cd*cd0*cda
	if den <= 0 {
		return math.NaN(), math.NaN()
	}
	xi := cd * sda / den * rad2deg
	eta := (sd*cd0 - cd*sd0*cda) / den * rad2deg

	u := w.inv[0][0]*xi + w.inv[0][1]*eta
	v := w.inv[1][0]*xi + w.inv[1][1]*eta
	if w.SIP != nil {
		u, v = w.SIP.invert(u, v)
	}

	off := float64(1 - origin)
	return u + w.CRPix[0] - off, v + w.CRPix[1] - off
}
