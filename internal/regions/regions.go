// Package regions converts catalogue positions to image pixels and reads
// and writes DS9 region files.
package regions

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"openclusters/internal/fits"
	"openclusters/internal/wcs"
)

// Imager describes the NITES camera.
var Imager = struct {
	// Border is the exclusion zone around the image edges in pixels.
	Border float64
	// IndexOffset converts 0-based array indices to DS9 pixel indices.
	IndexOffset int
	// Filters are the filters fitted to the filter wheel.
	Filters []string
	// ReferenceFilters are the filters a reference image may be taken in.
	ReferenceFilters []string
}{
	Border:           50,
	IndexOffset:      1,
	Filters:          []string{"U", "B", "V", "R", "I", "Clear"},
	ReferenceFilters: []string{"B", "V", "R", "I"},
}

// DefaultRadius is the circle radius written for every star.
const DefaultRadius = 5.0

const fileHeader = "# Region file format: DS9 version 4.1\n" +
	"global color=green dashlist=8 3 width=1 font=\"helvetica 10 normal roman\" select=1 highlite=1 dash=0 fixed=0 edit=1 move=1 delete=1 include=1 source=1\n" +
	"image\n"

var (
	// ErrCoordSystem is returned when a region file uses sky coordinates.
	ErrCoordSystem = errors.New("regions: only image coordinates are supported")
	// ErrSyntax is returned for malformed shapes.
	ErrSyntax = errors.New("regions: malformed shape")
)

// Position is a catalogue object placed on the image (1-based pixels).
type Position struct {
	ID string
	X  float64
	Y  float64
}

// Circle is a DS9 circle in image coordinates.
type Circle struct {
	X, Y, R float64
	Colour  string
}

// CatalogueToPixels projects coords (RA, Dec in degrees) onto the image at
// path with origin 1 and keeps those more than border pixels from every edge.
func CatalogueToPixels(path string, coords [][2]float64, ids []string, border float64) ([]Position, error) {
	if len(coords) != len(ids) {
		return nil, fmt.Errorf("regions: %d coordinates but %d ids", len(coords), len(ids))
	}
	hdr, width, height, err := fits.ReadHeader(path)
	if err != nil {
		return nil, fmt.Errorf("read reference image %s: %w", path, err)
	}
	w, err := wcs.FromHeader(hdr)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	var out []Position
	for i, c := range coords {
		x, y := w.WorldToPixel(c[0], c[1], Imager.IndexOffset)
		if !onChip(x, y, float64(width), float64(height), border) {
			continue
		}
		out = append(out, Position{ID: ids[i], X: x, Y: y})
	}
	return out, nil
}

func onChip(x, y, width, height, border float64) bool {
	return border < x && x < width-border && border < y && y < height-border
}

// Write emits a DS9 file with one circle of radius per position.
func Write(w io.Writer, positions []Position, radius float64, colour string) error {
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(fileHeader); err != nil {
		return err
	}
	r := strconv.FormatFloat(radius, 'f', -1, 64)
	for _, p := range positions {
		if _, err := fmt.Fprintf(bw, "circle(%.3f,%.3f,%s) # color=%s\n", p.X, p.Y, r, colour); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// WriteFile writes positions to path, replacing any existing file.
func WriteFile(path string, positions []Position, radius float64, colour string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Write(f, positions, radius, colour); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

var skyFrames = map[string]struct{}{
	"fk4": {}, "fk5": {}, "icrs": {}, "j2000": {}, "b1950": {},
	"galactic": {}, "ecliptic": {}, "wcs": {}, "linear": {},
	"physical": {}, "amplifier": {}, "detector": {},
}

// Parse reads circles from a DS9 region file. Other shapes and excluded
// shapes are ignored.
func Parse(r io.Reader) ([]Circle, error) {
	var out []Circle
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		body, comment, _ := strings.Cut(text, "#")
		colour := commentColour(comment)
		for _, part := range strings.Split(body, ";") {
			part = strings.TrimSpace(part)
			if part == "" || strings.HasPrefix(part, "global") {
				continue
			}
			lower := strings.ToLower(part)
			if lower == "image" {
				continue
			}
			if _, ok := skyFrames[lower]; ok {
				return nil, fmt.Errorf("line %d: %w (%s)", line, ErrCoordSystem, part)
			}
			if strings.HasPrefix(part, "-") {
				continue
			}
			part = strings.TrimPrefix(part, "+")
			if !strings.HasPrefix(strings.ToLower(part), "circle") {
				continue
			}
			c, err := parseCircle(part)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
			c.Colour = colour
			out = append(out, c)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ParseFile reads circles from the region file at path.
func ParseFile(path string) ([]Circle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	circles, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return circles, nil
}

func parseCircle(s string) (Circle, error) {
	open := strings.IndexByte(s, '(')
	end := strings.LastIndexByte(s, ')')
	if open < 0 || end < open {
		return Circle{}, fmt.Errorf("%w: %q", ErrSyntax, s)
	}
	args := strings.FieldsFunc(s[open+1:end], func(r rune) bool { return r == ',' || r == ' ' })
	if len(args) != 3 {
		return Circle{}, fmt.Errorf("%w: %q", ErrSyntax, s)
	}
	var v [3]float64
	for i, a := range args {
		f, err := strconv.ParseFloat(a, 64)
		if err != nil {
			return Circle{}, fmt.Errorf("%w: %q", ErrSyntax, s)
		}
		v[i] = f
	}
	return Circle{X: v[0], Y: v[1], R: v[2]}, nil
}

func commentColour(comment string) string {
	for _, f := range strings.Fields(comment) {
		if c, ok := strings.CutPrefix(f, "color="); ok {
			return c
		}
	}
	return ""
}
