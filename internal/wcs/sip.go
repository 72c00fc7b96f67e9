package wcs

import (
	"fmt"
	"math"

	"openclusters/internal/fits"
)

// SIP holds simple imaging polynomial distortion coefficients, indexed
// [p][q] for the u^p v^q term.
type SIP struct {
	A, B   [][]float64
	AP, BP [][]float64
}

func sipFromHeader(hdr *fits.Header) *SIP {
	return &SIP{
		A:  sipPoly(hdr, "A"),
		B:  sipPoly(hdr, "B"),
		AP: sipPoly(hdr, "AP"),
		BP: sipPoly(hdr, "BP"),
	}
}

func sipPoly(hdr *fits.Header, name string) [][]float64 {
	order, ok := hdr.Int(name + "_ORDER")
	if !ok || order < 0 {
		return nil
	}
	c := make([][]float64, order+1)
	for p := 0; p <= order; p++ {
		c[p] = make([]float64, order+1)
		for q := 0; p+q <= order; q++ {
			c[p][q], _ = hdr.Float(fmt.Sprintf("%s_%d_%d", name, p, q))
		}
	}
	return c
}

func evalPoly(c [][]float64, u, v float64) float64 {
	var sum float64
	up := 1.0
	for p := range c {
		vq := 1.0
		for q := 0; p+q < len(c); q++ {
			sum += c[p][q] * up * vq
			vq *= v
		}
		up *= u
	}
	return sum
}

func (s *SIP) forward(u, v float64) (float64, float64) {
	return evalPoly(s.A, u, v), evalPoly(s.B, u, v)
}

// invert solves u + A(u,v) = up, v + B(u,v) = vp. The AP/BP polynomials,
// when present, seed a fixed-point iteration on the forward terms.
func (s *SIP) invert(up, vp float64) (float64, float64) {
	u, v := up, vp
	if s.AP != nil || s.BP != nil {
		u += evalPoly(s.AP, up, vp)
		v += evalPoly(s.BP, up, vp)
	}
	for i := 0; i < sipMaxIter; i++ {
		du, dv := s.forward(u, v)
		nu, nv := up-du, vp-dv
		if math.Abs(nu-u) < sipTolerance && math.Abs(nv-v) < sipTolerance {
			return nu, nv
		}
		u, v = nu, nv
	}
	return u, v
}
