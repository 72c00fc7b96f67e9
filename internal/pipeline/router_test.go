package pipeline

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"openclusters/internal/calib"
	"openclusters/internal/config"
	"openclusters/internal/fits"
	"openclusters/internal/photometry"
	"openclusters/internal/preview"
	"openclusters/internal/regions"
	"openclusters/internal/storage"
)

func testRouter(t *testing.T) (*router, *storage.Store) {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	cfg := config.Default()
	cfg.Paths.CatalogPath = "/catalogs/cantat-gaudin.csv"
	cfg.Reduction.Extensions = []string{".fit"}
	r := newRouter(slog.Default(), store, cfg).(*router)
	return r, store
}

func TestRouterReducePassesOptionsAndRecordsFrames(t *testing.T) {
	r, store := testRouter(t)
	stub := &stubReducer{summary: &calib.Summary{
		Masters: []calib.MasterInfo{{Kind: calib.TypeBias, Path: "/d/master_bias.fits", NCombine: 5}},
		Reduced: []calib.ReducedInfo{
			{Input: "/d/V/a.fts", Output: "/d/V/a_r.fts", Filter: "V", Exposure: 60},
			{Input: "/d/V/b.fts", Output: "/d/V/b_r.fts", Filter: "V", Exposure: 60, Skipped: true},
		},
	}}
	var gotOpts calib.Options
	r.reducerFac = func(opts calib.Options) reducer {
		gotOpts = opts
		return stub
	}

	job := Job{
		ID:        "reduce-1",
		Type:      JobReduce,
		InputPath: "/d",
		Options:   map[string]any{"filters": "V, B", "skipExisting": true},
	}
	res := r.Process(context.Background(), job)
	if res.Error != nil {
		t.Fatalf("expected nil error, got %v", res.Error)
	}
	if stub.dataDir != "/d" || strings.Join(stub.filters, ",") != "V,B" {
		t.Fatalf("unexpected reduce call: %q %v", stub.dataDir, stub.filters)
	}
	if !gotOpts.SkipExisting {
		t.Fatalf("expected skipExisting to reach the reducer")
	}
	if strings.Join(gotOpts.Extensions, ",") != ".fit" {
		t.Fatalf("expected configured extensions, got %v", gotOpts.Extensions)
	}
	if res.Meta["reduced"] != 1 || res.Meta["skipped"] != 1 {
		t.Fatalf("unexpected meta: %v", res.Meta)
	}
	if n, _ := store.CountRows("master_frames"); n != 1 {
		t.Fatalf("expected 1 master frame row, got %d", n)
	}
	if n, _ := store.CountRows("reduced_frames"); n != 1 {
		t.Fatalf("expected 1 reduced frame row, got %d", n)
	}
}

func TestRouterReduceWarnsAboutUnknownFilters(t *testing.T) {
	r, _ := testRouter(t)
	var buf bytes.Buffer
	r.log = slog.New(slog.NewTextHandler(&buf, nil))
	r.reducerFac = func(opts calib.Options) reducer { return &stubReducer{summary: &calib.Summary{}} }

	res := r.Process(context.Background(), Job{ID: "reduce-3", Type: JobReduce, InputPath: "/d", Options: map[string]any{"filters": "V,Ha"}})
	if res.Error != nil {
		t.Fatalf("unknown filters should only warn, got %v", res.Error)
	}
	if !strings.Contains(buf.String(), "filter=Ha") || strings.Contains(buf.String(), "filter=V ") {
		t.Fatalf("expected a warning for Ha only, got %q", buf.String())
	}
}

func TestRouterReduceRequiresFilters(t *testing.T) {
	r, _ := testRouter(t)
	res := r.Process(context.Background(), Job{ID: "reduce-2", Type: JobReduce, InputPath: "/d"})
	if res.Error == nil {
		t.Fatalf("expected error without filters")
	}
}

func TestRouterRegionsBuildsRequest(t *testing.T) {
	r, _ := testRouter(t)
	var got regions.Request
	r.regionsFn = func(ctx context.Context, req regions.Request, log *slog.Logger) (*regions.Result, error) {
		got = req
		return &regions.Result{Path: "/d/V/ref.reg", Members: 12, OnChip: 9}, nil
	}

	job := Job{
		ID:        "regions-1",
		Type:      JobRegions,
		InputPath: "/d",
		Options: map[string]any{
			"reference": "ref_r.fts",
			"filter":    "V",
			"cluster":   "NGC 2682",
			"cmpRange":  "0.5,1.0",
			"magRange":  "15,10",
		},
	}
	res := r.Process(context.Background(), job)
	if res.Error != nil {
		t.Fatalf("expected nil error, got %v", res.Error)
	}
	if got.CatalogPath != "/catalogs/cantat-gaudin.csv" {
		t.Fatalf("expected configured catalog, got %q", got.CatalogPath)
	}
	if got.Selection.Membership == nil || got.Selection.Membership.Lo != 0.5 {
		t.Fatalf("membership range not parsed: %+v", got.Selection.Membership)
	}
	if got.Selection.Magnitude == nil || got.Selection.Magnitude.Lo != 10 || got.Selection.Magnitude.Hi != 15 {
		t.Fatalf("magnitude range not parsed: %+v", got.Selection.Magnitude)
	}
	if got.Colour != r.cfg.Regions.Colour {
		t.Fatalf("expected configured colour, got %q", got.Colour)
	}
	if got.Border == nil || *got.Border != r.cfg.Regions.Border {
		t.Fatalf("expected configured border, got %v", got.Border)
	}
	if res.Meta["onChip"] != 9 {
		t.Fatalf("unexpected meta: %v", res.Meta)
	}
}

func TestRouterRegionsRejectsBadRange(t *testing.T) {
	r, _ := testRouter(t)
	r.regionsFn = func(ctx context.Context, req regions.Request, log *slog.Logger) (*regions.Result, error) {
		return nil, errors.New("should not be called")
	}
	res := r.Process(context.Background(), Job{
		ID:   "regions-2",
		Type: JobRegions,
		Options: map[string]any{
			"reference": "ref_r.fts",
			"cluster":   "NGC2682",
			"cmpRange":  "1.0,0.5",
		},
	})
	if res.Error == nil || strings.Contains(res.Error.Error(), "should not be called") {
		t.Fatalf("expected range error, got %v", res.Error)
	}
}

func TestRouterPhotometryRecordsOutputs(t *testing.T) {
	r, store := testRouter(t)
	var gotApertures []float64
	var gotOpts photometry.Options
	r.photFn = func(ctx context.Context, dataDir string, filters []string, apertures []float64, opts photometry.Options, log *slog.Logger) (*photometry.Summary, error) {
		gotApertures = apertures
		gotOpts = opts
		return &photometry.Summary{
			Outputs: []photometry.Output{{Image: "/d/V/a_r.fts", Path: "/d/V/a_r.csv", Filter: "V", Stars: 7}},
			Skipped: []string{"/d/V/b_r.fts"},
		}, nil
	}

	res := r.Process(context.Background(), Job{
		ID:        "phot-1",
		Type:      JobPhotometry,
		InputPath: "/d",
		Options:   map[string]any{"filters": []any{"V"}, "apertures": "4.5", "recenter": true},
	})
	if res.Error != nil {
		t.Fatalf("expected nil error, got %v", res.Error)
	}
	if len(gotApertures) != 1 || gotApertures[0] != 4.5 {
		t.Fatalf("unexpected apertures %v", gotApertures)
	}
	if !gotOpts.Recenter || gotOpts.Annulus.Outer != r.cfg.Photometry.AnnulusOuter {
		t.Fatalf("unexpected options %+v", gotOpts)
	}
	if n, _ := store.CountRows("photometry_outputs"); n != 1 {
		t.Fatalf("expected 1 photometry row, got %d", n)
	}
}

func TestRouterClustersWritesRanking(t *testing.T) {
	r, _ := testRouter(t)
	dir := t.TempDir()
	cat := filepath.Join(dir, "members.csv")
	body := "Cluster,ra,dec,source_ID,Pmem,Vmag\n" +
		"NGC2682,132.80,11.80,1,0.9,11.0\n" +
		"NGC2682,132.82,11.82,2,0.8,12.0\n" +
		"Blanco1,0.85,-29.9,3,0.9,9.0\n"
	if err := os.WriteFile(cat, []byte(body), 0o644); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	out := filepath.Join(dir, "ranking.txt")

	res := r.Process(context.Background(), Job{ID: "clusters-1", Type: JobClusters, InputPath: cat, Output: out})
	if res.Error != nil {
		t.Fatalf("expected nil error, got %v", res.Error)
	}
	if res.Meta["count"] != 1 {
		t.Fatalf("expected only the northern cluster, got %v", res.Meta["count"])
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read ranking: %v", err)
	}
	if !strings.HasPrefix(string(data), "NGC2682 2 ") {
		t.Fatalf("unexpected ranking %q", data)
	}
}

func TestRouterCrossmatchOpenFailure(t *testing.T) {
	r, _ := testRouter(t)
	dir := t.TempDir()
	mrt := filepath.Join(dir, "members.dat")
	if err := os.WriteFile(mrt, []byte(strings.Repeat("\n", 30)+"Gaia DR3 source\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	r.openTIC8 = func(path string) (*sql.DB, error) {
		return nil, errors.New("no tic8 database")
	}
	res := r.Process(context.Background(), Job{
		ID:        "xm-1",
		Type:      JobCrossmatch,
		InputPath: mrt,
		Options:   map[string]any{"db": filepath.Join(dir, "tic8.db")},
	})
	if res.Error == nil || !strings.Contains(res.Error.Error(), "no tic8 database") {
		t.Fatalf("expected open error, got %v", res.Error)
	}
}

func TestRouterPreviewFindsRegionFile(t *testing.T) {
	r, _ := testRouter(t)
	dir := t.TempDir()
	image := filepath.Join(dir, "ngc2682_r.fts")
	frame := fits.NewFrame(8, 8, nil)
	if err := fits.Write(image, frame, true); err != nil {
		t.Fatalf("write fits: %v", err)
	}
	reg := "# Region file format: DS9 version 4.1\nimage\ncircle(4,4,2) # color=red\n"
	if err := os.WriteFile(filepath.Join(dir, "ngc2682_r.reg"), []byte(reg), 0o644); err != nil {
		t.Fatalf("write region: %v", err)
	}

	var gotOut string
	var gotCircles []regions.Circle
	r.previewFn = func(f *fits.Frame, circles []regions.Circle, out string, opts preview.Options) error {
		gotOut = out
		gotCircles = circles
		return nil
	}
	res := r.Process(context.Background(), Job{ID: "preview-1", Type: JobPreview, InputPath: image})
	if res.Error != nil {
		t.Fatalf("expected nil error, got %v", res.Error)
	}
	if gotOut != filepath.Join(dir, "ngc2682_r.png") {
		t.Fatalf("unexpected output %q", gotOut)
	}
	if len(gotCircles) != 1 || gotCircles[0].Colour != "red" {
		t.Fatalf("unexpected circles %+v", gotCircles)
	}
}

func TestRouterUnknownJobType(t *testing.T) {
	r, _ := testRouter(t)
	res := r.Process(context.Background(), Job{ID: "x", Type: JobType("stack")})
	if res.Error == nil || !strings.Contains(res.Error.Error(), "unknown job type") {
		t.Fatalf("expected unknown job type error, got %v", res.Error)
	}
}

// Stubs
type stubReducer struct {
	summary *calib.Summary
	err     error
	dataDir string
	filters []string
}

func (s *stubReducer) Reduce(ctx context.Context, dataDir string, filters []string) (*calib.Summary, error) {
	s.dataDir = dataDir
	s.filters = filters
	return s.summary, s.err
}
