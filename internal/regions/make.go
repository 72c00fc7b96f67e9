package regions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"

	"openclusters/internal/catalog"
)

// ErrNoMembers is returned when the catalog has no stars for the cluster.
var ErrNoMembers = errors.New("regions: no catalog members for cluster")

// Request describes one region file to generate.
type Request struct {
	DataDir        string
	ReferenceImage string
	Filter         string
	Cluster        string
	CatalogPath    string
	// Catalog, when set, is used instead of loading CatalogPath.
	Catalog   *catalog.Catalog
	Selection catalog.Selection
	Colour    string
	// Border is the edge exclusion in pixels; nil uses Imager.Border.
	Border *float64
	Radius float64
}

// Result reports the generated file.
type Result struct {
	Path    string `json:"path"`
	Members int    `json:"members"`
	OnChip  int    `json:"on_chip"`
}

// RegionPath returns the region file for a reference image inside dir.
func RegionPath(dir, image string) string {
	base := filepath.Base(image)
	return filepath.Join(dir, strings.TrimSuffix(base, filepath.Ext(base))+".reg")
}

// MakeRegions selects the cluster members, projects them onto the reference
// image in data_dir/<filter> and writes <reference root>.reg beside it.
func MakeRegions(ctx context.Context, req Request, log *slog.Logger) (*Result, error) {
	if log == nil {
		log = slog.Default()
	}
	if !slices.Contains(Imager.ReferenceFilters, req.Filter) {
		return nil, fmt.Errorf("reference filter %q must be one of %s", req.Filter, strings.Join(Imager.ReferenceFilters, " "))
	}
	if req.Colour == "" {
		req.Colour = "green"
	}
	if err := ValidateColour(req.Colour); err != nil {
		return nil, err
	}
	border := Imager.Border
	if req.Border != nil {
		if *req.Border < 0 {
			return nil, fmt.Errorf("border must not be negative, got %g", *req.Border)
		}
		border = *req.Border
	}
	if req.Radius <= 0 {
		req.Radius = DefaultRadius
	}

	cat := req.Catalog
	if cat == nil {
		var err error
		if cat, err = catalog.LoadFile(req.CatalogPath, ""); err != nil {
			return nil, fmt.Errorf("load catalog: %w", err)
		}
	}
	members := cat.Members(req.Cluster, req.Selection)
	if len(members) == 0 {
		return nil, fmt.Errorf("%w %s", ErrNoMembers, req.Cluster)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	coords := make([][2]float64, len(members))
	ids := make([]string, len(members))
	for i, m := range members {
		coords[i] = [2]float64{m.RA, m.Dec}
		ids[i] = m.SourceID
	}

	dir := filepath.Join(req.DataDir, req.Filter)
	ref := req.ReferenceImage
	if !filepath.IsAbs(ref) {
		ref = filepath.Join(dir, ref)
	}
	positions, err := CatalogueToPixels(ref, coords, ids, border)
	if err != nil {
		return nil, err
	}
	if len(positions) == 0 {
		log.Warn("no cluster members fall on the reference image", "cluster", req.Cluster, "image", ref)
	}

	out := RegionPath(dir, ref)
	if err := WriteFile(out, positions, req.Radius, req.Colour); err != nil {
		return nil, fmt.Errorf("write regions: %w", err)
	}
	log.Info("wrote region file", "path", out, "members", len(members), "on_chip", len(positions))
	return &Result{Path: out, Members: len(members), OnChip: len(positions)}, nil
}
