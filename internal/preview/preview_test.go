package preview

import (
	"bytes"
	"math"
	"os"
	"path/filepath"
	"testing"

	"openclusters/internal/fits"
	"openclusters/internal/regions"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rampFrame(w, h int) *fits.Frame {
	f := fits.NewFrame(w, h, nil)
	for i := range f.Data {
		f.Data[i] = float64(i)
	}
	return f
}

func TestLimits(t *testing.T) {
	data := make([]float64, 0, 101)
	for i := 0; i <= 100; i++ {
		data = append(data, float64(i))
	}
	data = append(data, math.NaN(), math.Inf(1))

	lo, hi, err := Limits(data, 10, 90)
	require.NoError(t, err)
	assert.InDelta(t, 10, lo, 1)
	assert.InDelta(t, 90, hi, 1)

	_, _, err = Limits([]float64{math.NaN()}, 1, 99)
	assert.Error(t, err)
}

func TestStretchFlipsRows(t *testing.T) {
	f := rampFrame(2, 2) // rows: [0 1] bottom, [2 3] top
	px := Stretch(f, 0, 3)
	require.Len(t, px, 12)
	// first output row is the top FITS row
	assert.Equal(t, byte(170), px[0])
	assert.Equal(t, byte(255), px[3])
	assert.Equal(t, byte(0), px[6])
	assert.Equal(t, byte(85), px[9])
	assert.Equal(t, px[9], px[10])
	assert.Equal(t, px[9], px[11])
}

func TestCanvasPosition(t *testing.T) {
	x, y := CanvasPosition(1, 1, 100)
	assert.Equal(t, 0.0, x)
	assert.Equal(t, 99.0, y)
	x, y = CanvasPosition(51, 100, 100)
	assert.Equal(t, 50.0, x)
	assert.Equal(t, 0.0, y)
}

func TestRenderWritesPNG(t *testing.T) {
	out := filepath.Join(t.TempDir(), "preview.png")
	circles := []regions.Circle{{X: 16, Y: 16, R: 5}, {X: 8, Y: 24, R: 3, Colour: "red"}}
	require.NoError(t, Render(rampFrame(32, 32), circles, out, DefaultOptions()))

	b, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(b, []byte("\x89PNG\r\n\x1a\n")))

	bad := DefaultOptions()
	bad.HighPercentile = bad.LowPercentile
	assert.Error(t, Render(rampFrame(4, 4), nil, out, bad))

	badColour := []regions.Circle{{X: 2, Y: 2, R: 1, Colour: "orange"}}
	assert.Error(t, Render(rampFrame(4, 4), badColour, out, DefaultOptions()))
}
