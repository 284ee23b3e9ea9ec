// Package geometry converts ephemeris samples into ground-relative geometry:
// look angles, pass culminations with their rise and set, and ground tracks.
// Everything here is a pure function of its inputs; Pool runs it off the
// request path.
package geometry

import (
	"time"

	"github.com/jumiknows/AleasatV2-sub002/internal/ephemeris"
	"github.com/jumiknows/AleasatV2-sub002/internal/transform"
)

// Track is a snapshot's day buckets laid end to end, so walks can cross day
// boundaries by index.
type Track struct {
	Samples []ephemeris.Sample
	spans   []daySpan
}

type daySpan struct {
	key    string
	lo, hi int // [lo, hi) into Samples
}

// NewTrack flattens days, which must be contiguous and ordered.
func NewTrack(days []*ephemeris.Day) *Track {
	n := 0
	for _, d := range days {
		n += len(d.Samples)
	}
	tr := &Track{Samples: make([]ephemeris.Sample, 0, n)}
	for _, d := range days {
		lo := len(tr.Samples)
		tr.Samples = append(tr.Samples, d.Samples...)
		tr.spans = append(tr.spans, daySpan{key: d.Key, lo: lo, hi: len(tr.Samples)})
	}
	return tr
}

// DayKeys returns the keys of the flattened days in order.
func (tr *Track) DayKeys() []string {
	keys := make([]string, len(tr.spans))
	for i, s := range tr.spans {
		keys[i] = s.key
	}
	return keys
}

func (tr *Track) span(key string) (daySpan, bool) {
	for _, s := range tr.spans {
		if s.key == key {
			return s, true
		}
	}
	return daySpan{}, false
}

// Site is a ground station's location and elevation floor.
type Site struct {
	Lat          float64 // degrees
	Lng          float64 // degrees
	AltM         float64
	MinElevation float64 // degrees
}

func (s Site) observer() transform.Observer {
	return transform.NewObserver(s.Lat, s.Lng, s.AltM)
}

func look(obs transform.Observer, s ephemeris.Sample) transform.LookAngles {
	return obs.Look(transform.Vec3{X: s.X, Y: s.Y, Z: s.Z}, s.T)
}

// GeoPoint is a sub-satellite point.
type GeoPoint struct {
	T      time.Time `json:"t"`
	Lat    float64   `json:"lat"`
	Lng    float64   `json:"lng"`
	Height float64   `json:"height"` // km
}

func geodetic(s ephemeris.Sample) GeoPoint {
	g := transform.InertialToGeodetic(transform.Vec3{X: s.X, Y: s.Y, Z: s.Z}, s.T)
	return GeoPoint{T: s.T, Lat: g.LatDeg, Lng: g.LonDeg, Height: g.AltM / 1000.0}
}

// GroundTrack returns the sub-satellite points within half of t on either
// side, in time order.
func GroundTrack(tr *Track, t time.Time, half time.Duration) []GeoPoint {
	from, to := t.Add(-half), t.Add(half)
	var out []GeoPoint
	for _, s := range tr.Samples {
		if s.T.Before(from) {
			continue
		}
		if s.T.After(to) {
			break
		}
		out = append(out, geodetic(s))
	}
	return out
}
