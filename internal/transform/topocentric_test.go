package transform

import (
	"math"
	"testing"
	"time"

	satellite "github.com/joshuaferrara/go-satellite"
)

func TestNewObserver_ECEFMagnitude(t *testing.T) {
	// WGS-84 equatorial radius is 6378137 m.
	obs := NewObserver(0, 0, 0)
	if mag := obs.ECEF.Norm(); math.Abs(mag-6378137.0) > 1.0 {
		t.Errorf("equatorial observer ECEF magnitude = %.1f m, want ~6378137 m", mag)
	}

	// Polar radius ~6356752 m.
	pole := NewObserver(90, 0, 0)
	if mag := pole.ECEF.Norm(); math.Abs(mag-6356752.3) > 1.0 {
		t.Errorf("polar observer ECEF magnitude = %.1f m, want ~6356752 m", mag)
	}
}

func TestNewObserver_Altitude(t *testing.T) {
	diff := NewObserver(0, 0, 100).ECEF.Norm() - NewObserver(0, 0, 0).ECEF.Norm()
	if math.Abs(diff-100.0) > 0.01 {
		t.Errorf("altitude difference = %.3f m, want 100 m", diff)
	}
}

func TestLookFromECEF_DirectlyOverhead(t *testing.T) {
	obs := NewObserver(0, 0, 0)
	sat := obs.ECEF
	sat.X += 400000.0

	la := obs.LookFromECEF(sat)
	if math.Abs(la.ElevationDeg-90.0) > 0.1 {
		t.Errorf("overhead elevation = %.2f deg, want ~90", la.ElevationDeg)
	}
	if math.Abs(la.RangeKm-400.0) > 1.0 {
		t.Errorf("overhead range = %.2f km, want ~400", la.RangeKm)
	}
}

func TestLookFromECEF_AzimuthDirections(t *testing.T) {
	obs := NewObserver(0, 0, 0)

	tests := []struct {
		name    string
		lat     float64
		lon     float64
		wantAz  float64
		wrapped bool
	}{
		{"north", 10, 0, 0, true},
		{"east", 0, 10, 90, false},
		{"south", -10, 0, 180, false},
		{"west", 0, -10, 270, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			la := obs.LookFromECEF(NewObserver(tt.lat, tt.lon, 400000).ECEF)
			diff := math.Abs(la.AzimuthDeg - tt.wantAz)
			if tt.wrapped && diff > 180 {
				diff = 360 - diff
			}
			if diff > 30 {
				t.Errorf("azimuth = %.2f deg, want near %.0f", la.AzimuthDeg, tt.wantAz)
			}
		})
	}
}

func TestLookFromECEF_BelowHorizon(t *testing.T) {
	obs := NewObserver(0, 0, 0)
	la := obs.LookFromECEF(NewObserver(0, 90, 400000).ECEF)
	if la.ElevationDeg >= 0 {
		t.Errorf("elevation = %.2f deg for a spacecraft a quarter turn away, want negative", la.ElevationDeg)
	}
}

func TestECEFToGeodetic_RoundTrip(t *testing.T) {
	tests := []struct {
		lat, lon, alt float64
	}{
		{49.26, -123.25, 100},
		{-33.9, 18.4, 0},
		{0, 0, 550000},
		{89.5, 45, 700000},
	}
	for _, tt := range tests {
		got := ECEFToGeodetic(NewObserver(tt.lat, tt.lon, tt.alt).ECEF)
		if math.Abs(got.LatDeg-tt.lat) > 1e-6 || math.Abs(got.LonDeg-tt.lon) > 1e-6 {
			t.Errorf("(%v,%v): got lat=%.8f lon=%.8f", tt.lat, tt.lon, got.LatDeg, got.LonDeg)
		}
		if math.Abs(got.AltM-tt.alt) > 0.01 {
			t.Errorf("(%v,%v): alt = %.3f, want %.3f", tt.lat, tt.lon, got.AltM, tt.alt)
		}
	}
}

func TestJulianDate(t *testing.T) {
	tests := []struct {
		name string
		t    time.Time
		want float64
	}{
		{"J2000", time.Date(2000, 1, 1, 12, 0, 0, 0, time.UTC), 2451545.0},
		{"unix epoch", time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC), 2440587.5},
		{"2024 midnight", time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), 2460370.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := JulianDate(tt.t); math.Abs(got-tt.want) > 1e-6 {
				t.Errorf("JulianDate = %.6f, want %.6f", got, tt.want)
			}
		})
	}
}

func TestGMSTMatchesSGP4Library(t *testing.T) {
	ts := time.Date(2024, 6, 15, 7, 30, 12, 0, time.UTC)
	want := satellite.GSTimeFromDate(ts.Year(), int(ts.Month()), ts.Day(), ts.Hour(), ts.Minute(), ts.Second())

	got := GMST(ts)
	diff := math.Abs(got - want)
	if diff > math.Pi {
		diff = 2*math.Pi - diff
	}
	if diff > 1e-6 {
		t.Errorf("GMST = %.9f rad, go-satellite = %.9f rad", got, want)
	}
}

func TestInertialToECEFPreservesMagnitude(t *testing.T) {
	r := Vec3{X: 4000, Y: -3000, Z: 4500}
	ecef := InertialToECEF(r, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	if math.Abs(ecef.Norm()-r.Norm()*1000) > 1e-3 {
		t.Errorf("|ecef| = %.3f m, want %.3f m", ecef.Norm(), r.Norm()*1000)
	}
	if ecef.Z != r.Z*1000 {
		t.Errorf("z changed under a z-axis rotation: %v", ecef.Z)
	}
}

func TestPlausibleOrbit(t *testing.T) {
	tests := []struct {
		name string
		r    Vec3
		want bool
	}{
		{"leo", Vec3{X: 6900}, true},
		{"inside earth", Vec3{X: 100}, false},
		{"nan", Vec3{X: math.NaN()}, false},
		{"too far", Vec3{X: 1e6}, false},
	}
	for _, tt := range tests {
		if got := PlausibleOrbit(tt.r); got != tt.want {
			t.Errorf("%s: PlausibleOrbit = %v, want %v", tt.name, got, tt.want)
		}
	}
}
