// Package fits reads and writes single-image FITS files as float64 frames.
package fits

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/astrogo/fitsio"
)

var (
	// ErrNoImage is returned when a file holds no 2-D image HDU.
	ErrNoImage = errors.New("fits: no 2-D image HDU")
	// ErrExists is returned by Write when overwrite is false and the target exists.
	ErrExists = errors.New("fits: file exists")
)

// DefaultExtensions are the file extensions treated as FITS when none are
// configured.
var DefaultExtensions = []string{".fits", ".fit", ".fts"}

// HasExtension reports whether the extension of path is in exts, ignoring
// case. An empty exts falls back to DefaultExtensions.
func HasExtension(path string, exts []string) bool {
	if len(exts) == 0 {
		exts = DefaultExtensions
	}
	ext := filepath.Ext(path)
	for _, e := range exts {
		if strings.EqualFold(ext, e) {
			return true
		}
	}
	return false
}

// Frame is a 2-D image stored row-major; Data[y*Width+x] with y=0 the first
// FITS row.
type Frame struct {
	Width  int
	Height int
	Data   []float64
	Header *Header
}

// NewFrame allocates a zeroed frame.
func NewFrame(width, height int, hdr *Header) *Frame {
	if hdr == nil {
		hdr = &Header{}
	}
	return &Frame{
		Width:  width,
		Height: height,
		Data:   make([]float64, width*height),
		Header: hdr,
	}
}

// At returns the pixel at zero-based (x, y).
func (f *Frame) At(x, y int) float64 {
	return f.Data[y*f.Width+x]
}

// SameShape reports whether two frames have identical dimensions.
func (f *Frame) SameShape(o *Frame) bool {
	return o != nil && f.Width == o.Width && f.Height == o.Height
}

// Read loads the first 2-D image HDU of path with BSCALE/BZERO applied.
func Read(path string) (*Frame, error) {
	img, err := openImage(path)
	if err != nil {
		return nil, err
	}
	defer img.close()

	hdr := img.hdu.Header()
	axes := hdr.Axes()
	width, height := axes[0], axes[1]

	bscale, bzero := 1.0, 0.0
	if c := hdr.Get("BSCALE"); c != nil {
		if v, ok := toFloat(c.Value); ok {
			bscale = v
		}
	}
	if c := hdr.Get("BZERO"); c != nil {
		if v, ok := toFloat(c.Value); ok {
			bzero = v
		}
	}

	data, err := decode(img.hdu.Raw(), hdr.Bitpix(), width*height, bscale, bzero)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return &Frame{
		Width:  width,
		Height: height,
		Data:   data,
		Header: headerFrom(hdr),
	}, nil
}

// ReadHeader returns the header and image dimensions of path.
func ReadHeader(path string) (*Header, int, int, error) {
	img, err := openImage(path)
	if err != nil {
		return nil, 0, 0, err
	}
	defer img.close()
	hdr := img.hdu.Header()
	axes := hdr.Axes()
	return headerFrom(hdr), axes[0], axes[1], nil
}

// Write stores frame as a BITPIX -64 primary image.
func Write(path string, frame *Frame, overwrite bool) error {
	if len(frame.Data) != frame.Width*frame.Height {
		return fmt.Errorf("fits: frame data has %d pixels, want %dx%d", len(frame.Data), frame.Width, frame.Height)
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s: %w", path, ErrExists)
		}
	}

	tmp := path + ".tmp"
	if err := writeFile(tmp, frame); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}

func writeFile(path string, frame *Frame) error {
	w, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer w.Close()

	f, err := fitsio.Create(w)
	if err != nil {
		return fmt.Errorf("fitsio create: %w", err)
	}

	img := fitsio.NewImage(-64, []int{frame.Width, frame.Height})
	defer img.Close()

	var cards []fitsio.Card
	for _, c := range frame.Header.Cards() {
		if _, skip := structural[c.Name]; skip {
			continue
		}
		cards = append(cards, c)
	}
	if err := img.Header().Append(cards...); err != nil {
		return fmt.Errorf("append header: %w", err)
	}
	if err := img.Write(frame.Data); err != nil {
		return fmt.Errorf("write pixels: %w", err)
	}
	if err := f.Write(img); err != nil {
		return fmt.Errorf("write hdu: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close fits: %w", err)
	}
	return w.Close()
}

type openedImage struct {
	file *os.File
	fits *fitsio.File
	hdu  fitsio.Image
}

func (o *openedImage) close() {
	_ = o.fits.Close()
	_ = o.file.Close()
}

func openImage(path string) (*openedImage, error) {
	r, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening FITS file: %w", err)
	}
	f, err := fitsio.Open(r)
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	for _, hdu := range f.HDUs() {
		img, ok := hdu.(fitsio.Image)
		if !ok {
			continue
		}
		axes := img.Header().Axes()
		if len(axes) < 2 || axes[0] == 0 || axes[1] == 0 {
			continue
		}
		return &openedImage{file: r, fits: f, hdu: img}, nil
	}
	f.Close()
	r.Close()
	return nil, fmt.Errorf("%s: %w", path, ErrNoImage)
}

func headerFrom(hdr *fitsio.Header) *Header {
	keys := hdr.Keys()
	cards := make([]fitsio.Card, 0, len(keys))
	for i := range keys {
		if c := hdr.Card(i); c != nil {
			cards = append(cards, *c)
		}
	}
	return NewHeader(cards...)
}

// decode converts big-endian FITS pixels of the given BITPIX to float64.
func decode(raw []byte, bitpix, n int, bscale, bzero float64) ([]float64, error) {
	size := abs(bitpix) / 8
	if size == 0 || len(raw) < n*size {
		return nil, fmt.Errorf("fits: %d data bytes for %d pixels at BITPIX %d", len(raw), n, bitpix)
	}

	out := make([]float64, n)
	be := binary.BigEndian
	for i := 0; i < n; i++ {
		b := raw[i*size : (i+1)*size]
		var v float64
		switch bitpix {
		case 8:
			v = float64(b[0])
		case 16:
			v = float64(int16(be.Uint16(b)))
		case 32:
			v = float64(int32(be.Uint32(b)))
		case 64:
			v = float64(int64(be.Uint64(b)))
		case -32:
			v = float64(math.Float32frombits(be.Uint32(b)))
		case -64:
			v = math.Float64frombits(be.Uint64(b))
		default:
			return nil, fmt.Errorf("fits: unsupported BITPIX %d", bitpix)
		}
		out[i] = bzero + bscale*v
	}
	return out, nil
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
