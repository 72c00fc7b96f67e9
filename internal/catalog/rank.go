package catalog

import (
	"fmt"
	"io"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

const (
	// MinVisibleDec is the lowest mean declination observable from the site.
	MinVisibleDec = 10.0
	// MaxSuitableRadius is the largest cluster radius, in arcmin, that fits the field.
	MaxSuitableRadius = 10.0
)

// ClusterStats summarises one cluster for target selection.
type ClusterStats struct {
	Name     string  `json:"name"`
	Members  int     `json:"members"`
	Bright   int     `json:"bright"`
	HighPmem int     `json:"high_pmem"`
	MeanDec  float64 `json:"mean_dec"`
	// Radius is the quadrature sum of the RA and Dec spreads in arcmin.
	Radius   float64 `json:"radius"`
	Visible  bool    `json:"visible"`
	Suitable bool    `json:"suitable"`
}

// Rank computes per-cluster statistics and returns the suitable clusters
// ordered by (high-probability members, radius, name), all descending.
func Rank(c *Catalog, magLimit, pmemLimit float64) []ClusterStats {
	groups := map[string][]Star{}
	for _, s := range c.Stars {
		groups[s.Cluster] = append(groups[s.Cluster], s)
	}

	var out []ClusterStats
	for name, stars := range groups {
		cs := clusterStats(name, stars, magLimit, pmemLimit)
		if cs.Suitable {
			out = append(out, cs)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.HighPmem != b.HighPmem {
			return a.HighPmem > b.HighPmem
		}
		if a.Radius != b.Radius {
			return a.Radius > b.Radius
		}
		return a.Name > b.Name
	})
	return out
}

func clusterStats(name string, stars []Star, magLimit, pmemLimit float64) ClusterStats {
	cs := ClusterStats{Name: name, Members: len(stars)}
	ra := make([]float64, 0, len(stars))
	dec := make([]float64, 0, len(stars))
	for _, s := range stars {
		if s.Mag <= magLimit {
			cs.Bright++
		}
		if s.Pmem >= pmemLimit {
			cs.HighPmem++
		}
		if !math.IsNaN(s.RA) {
			ra = append(ra, s.RA)
		}
		if !math.IsNaN(s.Dec) {
			dec = append(dec, s.Dec)
		}
	}

	var raStd, decStd float64
	if len(dec) > 0 {
		var decVar float64
		cs.MeanDec, decVar = stat.PopMeanVariance(dec, nil)
		decStd = math.Sqrt(decVar)
	} else {
		cs.MeanDec = math.NaN()
	}
	if len(ra) > 0 {
		_, raVar := stat.PopMeanVariance(ra, nil)
		raStd = math.Sqrt(raVar)
	}
	cs.Radius = math.Round(math.Hypot(raStd, decStd)*60*100) / 100

	cs.Visible = cs.MeanDec >= MinVisibleDec
	cs.Suitable = cs.Visible && cs.Radius <= MaxSuitableRadius
	return cs
}

// WriteRanking prints "name members radius" lines.
func WriteRanking(w io.Writer, ranked []ClusterStats) error {
	for _, cs := range ranked {
		if _, err := fmt.Fprintf(w, "%s %d %.2f\n", cs.Name, cs.HighPmem, cs.Radius); err != nil {
			return err
		}
	}
	return nil
}
