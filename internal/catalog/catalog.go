// Package catalog loads open-cluster membership catalogs and selects,
// ranks and cross-matches their members.
package catalog

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
)

// Column names expected in membership catalogs.
const (
	ColCluster  = "Cluster"
	ColRA       = "ra"
	ColDec      = "dec"
	ColSourceID = "source_ID"
	ColPmem     = "Pmem"
	ColVmag     = "Vmag"
)

// ErrMissingColumn is returned when a required column is absent.
var ErrMissingColumn = errors.New("catalog: missing column")

// Star is one catalog row. Pmem and Mag are NaN when unknown.
type Star struct {
	Cluster  string
	RA       float64
	Dec      float64
	SourceID string
	Pmem     float64
	Mag      float64
}

// Catalog is a parsed membership catalog.
type Catalog struct {
	Stars   []Star
	HasPmem bool
	HasMag  bool
}

// LoadFile reads a CSV catalog; magColumn defaults to Vmag.
func LoadFile(path, magColumn string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	c, err := Load(f, magColumn)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Load parses CSV with a header row. Cluster, ra, dec and source_ID are
// required; Pmem and the magnitude column are optional.
func Load(r io.Reader, magColumn string) (*Catalog, error) {
	if magColumn == "" {
		magColumn = ColVmag
	}
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	idx := make(map[string]int, len(header))
	for i, name := range header {
		idx[strings.TrimSpace(name)] = i
	}
	for _, req := range []string{ColCluster, ColRA, ColDec, ColSourceID} {
		if _, ok := idx[req]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingColumn, req)
		}
	}
	pmemCol, hasPmem := idx[ColPmem]
	magCol, hasMag := idx[magColumn]

	c := &Catalog{HasPmem: hasPmem, HasMag: hasMag}
	line := 1
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		field := func(i int) string {
			if i < len(rec) {
				return strings.TrimSpace(rec[i])
			}
			return ""
		}
		ra, err := strconv.ParseFloat(field(idx[ColRA]), 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: ra: %w", line, err)
		}
		dec, err := strconv.ParseFloat(field(idx[ColDec]), 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: dec: %w", line, err)
		}
		s := Star{
			Cluster:  field(idx[ColCluster]),
			RA:       ra,
			Dec:      dec,
			SourceID: field(idx[ColSourceID]),
			Pmem:     math.NaN(),
			Mag:      math.NaN(),
		}
		if hasPmem {
			s.Pmem = parseOptional(field(pmemCol))
		}
		if hasMag {
			s.Mag = parseOptional(field(magCol))
		}
		c.Stars = append(c.Stars, s)
	}
	return c, nil
}

func parseOptional(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return math.NaN()
	}
	return v
}

// NormalizeName removes spaces so "NGC 2099" matches "NGC2099".
func NormalizeName(name string) string {
	return strings.ReplaceAll(name, " ", "")
}

// Range is an inclusive interval.
type Range struct {
	Lo, Hi float64
}

// Contains reports Lo <= v <= Hi; NaN is never contained.
func (r Range) Contains(v float64) bool {
	return v >= r.Lo && v <= r.Hi
}

// Selection narrows the members of a cluster. Nil ranges are not applied.
type Selection struct {
	Membership *Range
	Magnitude  *Range
}

// Members returns the stars of cluster (spaces ignored) passing sel.
// Ranges whose column is absent from the catalog are ignored.
func (c *Catalog) Members(cluster string, sel Selection) []Star {
	want := NormalizeName(cluster)
	var out []Star
	for _, s := range c.Stars {
		if NormalizeName(s.Cluster) != want {
			continue
		}
		if sel.Membership != nil && c.HasPmem && !sel.Membership.Contains(s.Pmem) {
			continue
		}
		if sel.Magnitude != nil && c.HasMag && !sel.Magnitude.Contains(s.Mag) {
			continue
		}
		out = append(out, s)
	}
	return out
}

// ParseProbabilityRange parses "lower,upper" and requires lower < upper.
func ParseProbabilityRange(s string) (Range, error) {
	lo, hi, err := parsePair(s)
	if err != nil {
		return Range{}, fmt.Errorf("membership probability range %q (want lower,upper e.g. 0.5,1.0): %w", s, err)
	}
	if !(lo < hi) {
		return Range{}, fmt.Errorf("cluster membership probability lower limit must be less than upper limit: %q", s)
	}
	return Range{Lo: lo, Hi: hi}, nil
}

// ParseMagnitudeRange parses "faint,bright" and requires bright < faint.
// The returned range runs from bright to faint.
func ParseMagnitudeRange(s string) (Range, error) {
	faint, bright, err := parsePair(s)
	if err != nil {
		return Range{}, fmt.Errorf("magnitude range %q (want faint,bright e.g. 15.0,10.0): %w", s, err)
	}
	if !(bright < faint) {
		return Range{}, fmt.Errorf("cluster magnitude bright limit must be less than the faint limit: %q", s)
	}
	return Range{Lo: bright, Hi: faint}, nil
}

func parsePair(s string) (float64, float64, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return 0, 0, errors.New("expected two comma separated values")
	}
	a, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return 0, 0, err
	}
	b, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return 0, 0, err
	}
	return a, b, nil
}
