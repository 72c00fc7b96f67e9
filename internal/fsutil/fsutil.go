package fsutil

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"openclusters/internal/fits"
)

// ReducedSuffix marks frames written by the reduction step.
const ReducedSuffix = "_r.fts"

// ListFrames returns FITS files directly inside dir, sorted by name. Only
// files whose extension is in exts are listed; no exts means the defaults.
func ListFrames(dir string, exts ...string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if fits.HasExtension(e.Name(), exts) {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// Exists reports whether path exists.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// IsReduced reports whether path is a reduction output.
func IsReduced(path string) bool {
	return strings.HasSuffix(strings.ToLower(filepath.Base(path)), ReducedSuffix)
}

// ReducedName maps a raw frame path to its reduced output path.
func ReducedName(path string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + ReducedSuffix
}

// SwapExt replaces the extension of path.
func SwapExt(path, ext string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + ext
}

// Entry is one scanned FITS file.
type Entry struct {
	Path   string
	Header *fits.Header
	Width  int
	Height int
}

// Collection indexes the FITS headers of one directory.
type Collection struct {
	Dir     string
	Entries []Entry
}

// CollectionOptions narrows which files are scanned.
type CollectionOptions struct {
	// Include is a glob matched against base names; empty means all.
	Include string
	// Exclude is a glob matched against base names; matches are skipped.
	Exclude string

	// Extensions lists the FITS extensions to scan; empty means the defaults.
	Extensions []string
}

// NewCollection scans dir (not recursively) and reads every FITS header.
// Unreadable files are logged and skipped.
func NewCollection(dir string, opts CollectionOptions, log *slog.Logger) (*Collection, error) {
	files, err := ListFrames(dir, opts.Extensions...)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}

	c := &Collection{Dir: dir}
	for _, path := range files {
		name := filepath.Base(path)
		if opts.Include != "" {
			if ok, _ := filepath.Match(opts.Include, name); !ok {
				continue
			}
		}
		if opts.Exclude != "" {
			if ok, _ := filepath.Match(opts.Exclude, name); ok {
				continue
			}
		}
		hdr, w, h, err := fits.ReadHeader(path)
		if err != nil {
			if log != nil {
				log.Warn("skipping unreadable frame", "file", path, "error", err)
			}
			continue
		}
		c.Entries = append(c.Entries, Entry{Path: path, Header: hdr, Width: w, Height: h})
	}
	return c, nil
}

// Filter returns paths whose IMAGETYP equals imageType and whose FILTER
// equals filter. Comparisons ignore case; an empty argument matches anything.
func (c *Collection) Filter(imageType, filter string) []string {
	var out []string
	for _, e := range c.Entries {
		if imageType != "" && !strings.EqualFold(e.Header.ImageType(), imageType) {
			continue
		}
		if filter != "" && !strings.EqualFold(e.Header.Filter(), filter) {
			continue
		}
		out = append(out, e.Path)
	}
	return out
}

// Count is len(Filter(imageType, filter)).
func (c *Collection) Count(imageType, filter string) int {
	return len(c.Filter(imageType, filter))
}
