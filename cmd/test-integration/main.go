// Command test-integration builds a synthetic observing night and pushes it
// through reduce, regions, photometry and preview on a real pipeline.
package main

import (
	"context"
	"fmt"
	"log"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"openclusters/internal/config"
	"openclusters/internal/fits"
	"openclusters/internal/logging"
	"openclusters/internal/pipeline"
	"openclusters/internal/storage"
	"openclusters/internal/wcs"

	"github.com/astrogo/fitsio"
)

const (
	size    = 256
	arcsec  = 1.0 / 3600
	bias    = 300.0
	darkADU = 0.5 // per second
	sky     = 120.0
	crval1  = 132.8450
	crval2  = 11.8150
)

var cluster = []struct {
	id        string
	ra, dec   float64
	pmem, mag float64
}{
	{"1001", 132.8460, 11.8140, 0.98, 10.9},
	{"1002", 132.8435, 11.8120, 0.91, 11.6},
	{"1003", 132.8490, 11.8165, 0.75, 12.3},
	{"1004", 132.8410, 11.8185, 0.40, 13.1},
	{"1005", 132.8800, 11.8450, 0.95, 11.2}, // inside the border
}

func main() {
	dir, err := os.MkdirTemp("", "openclusters-night-")
	if err != nil {
		log.Fatal("Failed to create data directory:", err)
	}
	fmt.Println("Building synthetic night in", dir)

	w, err := wcs.New([2]float64{size/2 + 1, size/2 + 1}, [2]float64{crval1, crval2}, [2][2]float64{{-arcsec, 0}, {0, arcsec}})
	if err != nil {
		log.Fatal("Failed to build WCS:", err)
	}
	if err := buildNight(dir, w); err != nil {
		log.Fatal("Failed to write frames:", err)
	}
	catalogPath := filepath.Join(dir, "members.csv")
	if err := writeCatalog(catalogPath); err != nil {
		log.Fatal("Failed to write catalogue:", err)
	}

	cfg := config.Default()
	cfg.Paths.CatalogPath = catalogPath
	cfg.Paths.DatabasePath = filepath.Join(dir, "jobs.db")
	logger := logging.New("info", "text")

	store, err := storage.New(cfg.Paths.DatabasePath)
	if err != nil {
		log.Fatal("Failed to create storage:", err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	pipe := pipeline.New(ctx, 2, logger, store, cfg)
	defer pipe.Stop()

	wf, err := pipeline.StandardWorkflow(pipeline.StandardParams{
		DataDir:   dir,
		Filters:   []string{"V"},
		Apertures: []float64{4},
		Reference: "m67_001_r.fts",
		Cluster:   "NGC 2682",
		CmpRange:  "0.5,1.0",
		Preview:   true,
	})
	if err != nil {
		log.Fatal("Failed to build workflow:", err)
	}

	start := time.Now()
	results, err := wf.Run(ctx, pipe)
	for _, res := range results {
		status := "ok"
		if res.Error != nil {
			status = res.Error.Error()
		}
		fmt.Printf("  %-10s %s\n", res.Job.Type, status)
	}
	if err != nil {
		log.Fatal("Workflow failed:", err)
	}
	fmt.Printf("Workflow finished in %s\n", time.Since(start).Round(time.Millisecond))

	for _, table := range []string{"master_frames", "reduced_frames", "photometry_outputs"} {
		n, err := store.CountRows(table)
		if err != nil {
			log.Fatal("Failed to count rows:", err)
		}
		fmt.Printf("  %-20s %d\n", table, n)
	}

	csv, err := os.ReadFile(filepath.Join(dir, "V", "m67_001_r.csv"))
	if err != nil {
		log.Fatal("Missing photometry output:", err)
	}
	fmt.Println("\nPhotometry:")
	fmt.Print(string(csv))
}

func buildNight(dir string, w *wcs.WCS) error {
	rng := rand.New(rand.NewSource(1))
	noise := func() float64 { return rng.NormFloat64() * 3 }

	for i := 1; i <= 3; i++ {
		if err := writeFrame(filepath.Join(dir, fmt.Sprintf("bias_%03d.fits", i)), "BIAS", "", 0, nil,
			func(x, y int) float64 { return bias + noise() }); err != nil {
			return err
		}
		if err := writeFrame(filepath.Join(dir, fmt.Sprintf("dark_%03d.fits", i)), "DARK", "", 30, nil,
			func(x, y int) float64 { return bias + 30*darkADU + noise() }); err != nil {
			return err
		}
		if err := writeFrame(filepath.Join(dir, "V", fmt.Sprintf("flat_%03d.fits", i)), "FLAT", "V", 5, nil,
			func(x, y int) float64 { return bias + 5*darkADU + 20000*vignette(x, y) + noise() }); err != nil {
			return err
		}
	}

	var stars [][3]float64
	for _, s := range cluster {
		x, y := w.WorldToPixel(s.ra, s.dec, 0)
		stars = append(stars, [3]float64{x, y, 5000 * math.Pow(10, -0.4*(s.mag-11))})
	}
	light := func(x, y int) float64 {
		v := sky
		for _, s := range stars {
			dx, dy := float64(x)-s[0], float64(y)-s[1]
			v += s[2] / (2 * math.Pi * 1.5 * 1.5) * math.Exp(-(dx*dx+dy*dy)/(2*1.5*1.5))
		}
		return bias + 60*darkADU + v*vignette(x, y) + noise()
	}
	return writeFrame(filepath.Join(dir, "V", "m67_001.fts"), "LIGHT", "V", 60, wcsCards(), light)
}

func vignette(x, y int) float64 {
	dx, dy := float64(x-size/2)/size, float64(y-size/2)/size
	return 1 - 0.2*(dx*dx+dy*dy)
}

// wcsCards matches the WCS used to place the stars.
func wcsCards() []fitsio.Card {
	return []fitsio.Card{
		{Name: "CTYPE1", Value: "RA---TAN"},
		{Name: "CTYPE2", Value: "DEC--TAN"},
		{Name: "CRPIX1", Value: float64(size/2 + 1)},
		{Name: "CRPIX2", Value: float64(size/2 + 1)},
		{Name: "CRVAL1", Value: crval1},
		{Name: "CRVAL2", Value: crval2},
		{Name: "CD1_1", Value: -arcsec},
		{Name: "CD1_2", Value: 0.0},
		{Name: "CD2_1", Value: 0.0},
		{Name: "CD2_2", Value: arcsec},
	}
}

func writeFrame(path, imageType, filter string, exptime float64, extra []fitsio.Card, value func(x, y int) float64) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	cards := append([]fitsio.Card{
		{Name: fits.KeyImageType, Value: imageType},
		{Name: fits.KeyFilter, Value: filter},
		{Name: fits.KeyExposure, Value: exptime},
	}, extra...)
	frame := fits.NewFrame(size, size, fits.NewHeader(cards...))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			frame.Data[y*size+x] = value(x, y)
		}
	}
	return fits.Write(path, frame, true)
}

func writeCatalog(path string) error {
	var b strings.Builder
	b.WriteString("Cluster,ra,dec,source_ID,Pmem,Vmag\n")
	for _, s := range cluster {
		fmt.Fprintf(&b, "NGC 2682,%.6f,%.6f,%s,%.2f,%.1f\n", s.ra, s.dec, s.id, s.pmem, s.mag)
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}
