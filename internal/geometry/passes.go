package geometry

import (
	"math"
	"time"

	"github.com/jumiknows/AleasatV2-sub002/internal/ephemeris"
	"github.com/jumiknows/AleasatV2-sub002/internal/model"
	"github.com/jumiknows/AleasatV2-sub002/internal/transform"
)

// PrefilterMargin is how far below the elevation floor a sample may sit and
// still be considered when scanning for maxima.
const PrefilterMargin = 5.0

// Culmination is the peak-elevation sample of a pass.
type Culmination struct {
	T      time.Time `json:"t"`
	Alt    float64   `json:"alt"` // elevation, degrees
	Az     float64   `json:"az"`  // degrees
	Lat    float64   `json:"lat"`
	Lng    float64   `json:"lng"`
	Height float64   `json:"height"` // km
	X      float64   `json:"x"`
	Y      float64   `json:"y"`
	Z      float64   `json:"z"`
}

// PartialPass is a culmination whose rise and set are not yet resolved.
type PartialPass struct {
	Index       int // into Track.Samples
	Culmination Culmination
}

// FullPass is a culmination bracketed by its rise and set samples.
type FullPass struct {
	Rise        model.Point `json:"rise"`
	Set         model.Point `json:"set"`
	Culmination Culmination `json:"culmination"`
}

// LocalMaxima returns the indices of samples strictly higher than both
// neighbours and at or above minEl. Endpoints have one neighbour and are
// never maxima.
func LocalMaxima(elev []float64, minEl float64) []int {
	var out []int
	for i := 1; i+1 < len(elev); i++ {
		if elev[i] >= minEl && elev[i] > elev[i-1] && elev[i] > elev[i+1] {
			out = append(out, i)
		}
	}
	return out
}

// FindPasses scans one day of tr for culminations above site's floor.
// Neighbours across the day's edges come from the adjacent days, so only the
// ends of the whole track are unresolvable.
func FindPasses(tr *Track, day string, site Site) []PartialPass {
	sp, ok := tr.span(day)
	if !ok {
		return nil
	}

	lo := max(sp.lo-1, 0)
	hi := min(sp.hi+1, len(tr.Samples))

	obs := site.observer()
	floor := site.MinElevation - PrefilterMargin
	elev := make([]float64, hi-lo)
	for i := lo; i < hi; i++ {
		la := look(obs, tr.Samples[i])
		if la.ElevationDeg < floor {
			elev[i-lo] = math.Inf(-1)
			continue
		}
		elev[i-lo] = la.ElevationDeg
	}

	var out []PartialPass
	for _, j := range LocalMaxima(elev, site.MinElevation) {
		idx := lo + j
		if idx < sp.lo || idx >= sp.hi {
			continue // belongs to the neighbouring day
		}
		out = append(out, PartialPass{Index: idx, Culmination: culmination(obs, tr, idx)})
	}
	return out
}

func culmination(obs transform.Observer, tr *Track, idx int) Culmination {
	s := tr.Samples[idx]
	la := look(obs, s)
	g := geodetic(s)
	return Culmination{
		T:      s.T,
		Alt:    la.ElevationDeg,
		Az:     la.AzimuthDeg,
		Lat:    g.Lat,
		Lng:    g.Lng,
		Height: g.Height,
		X:      s.X,
		Y:      s.Y,
		Z:      s.Z,
	}
}

// FindFullPasses resolves rise and set for each culmination by stepping one
// sample at a time away from the peak while elevation stays at or above the
// floor. The rise and set are the last samples still at or above it. A pass
// whose walk reaches either end of the track is incomplete and omitted; the
// next refresh extends the window and resolves it.
func FindFullPasses(tr *Track, partials []PartialPass, site Site) []FullPass {
	obs := site.observer()
	above := func(i int) bool {
		return look(obs, tr.Samples[i]).ElevationDeg >= site.MinElevation
	}

	var out []FullPass
	for _, p := range partials {
		rise, ok := crossing(p.Index, -1, len(tr.Samples), above)
		if !ok {
			continue
		}
		set, ok := crossing(p.Index, +1, len(tr.Samples), above)
		if !ok {
			continue
		}
		out = append(out, FullPass{
			Rise:        point(tr.Samples[rise]),
			Set:         point(tr.Samples[set]),
			Culmination: p.Culmination,
		})
	}
	return out
}

// crossing walks from i in direction dir and returns the last index still
// above the floor, or false if the data ends first.
func crossing(i, dir, n int, above func(int) bool) (int, bool) {
	for {
		next := i + dir
		if next < 0 || next >= n {
			return 0, false
		}
		if !above(next) {
			return i, true
		}
		i = next
	}
}

func point(s ephemeris.Sample) model.Point {
	return model.Point{T: s.T, X: s.X, Y: s.Y, Z: s.Z}
}
