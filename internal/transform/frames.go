// Package transform converts spacecraft positions between the inertial frame
// the propagator emits (TEME, km) and the Earth-fixed frames ground geometry
// needs (ECEF metres, geodetic, topocentric look angles).
//
// TEME → ECEF uses a GMST-only rotation (TEME → PEF ≈ ECEF). Polar motion and
// the equation of the equinoxes are ignored, which costs tens of metres and is
// well below the one-minute sampling error of the ephemeris.
package transform

import (
	"math"
	"time"

	"github.com/soniakeys/meeus/v3/julian"
)

// j2000 is the Julian Date of the J2000.0 epoch.
const j2000 = 2451545.0

// OmegaEarth is Earth's rotation rate in rad/s.
const OmegaEarth = 7.292115146706979e-5

// Vec3 is a Cartesian vector.
type Vec3 struct {
	X, Y, Z float64
}

// Norm returns the vector magnitude.
func (v Vec3) Norm() float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

// JulianDate converts a UTC instant to a Julian Date.
func JulianDate(t time.Time) float64 {
	return julian.TimeToJD(t.UTC())
}

// GMST returns Greenwich Mean Sidereal Time in radians (IAU-82, Vallado eq. 3-47).
func GMST(t time.Time) float64 {
	tUT1 := (JulianDate(t) - j2000) / 36525.0

	// Seconds of time; 876600h = 3155760000 s.
	sec := 67310.54841 +
		(3155760000.0+8640184.812866)*tUT1 +
		0.093104*tUT1*tUT1 -
		6.2e-6*tUT1*tUT1*tUT1

	sec = math.Mod(sec, 86400.0)
	if sec < 0 {
		sec += 86400.0
	}
	return sec / 86400.0 * 2.0 * math.Pi
}

// InertialToECEF rotates a TEME position (km) into ECEF metres at t.
func InertialToECEF(r Vec3, t time.Time) Vec3 {
	return InertialToECEFWithGMST(r, GMST(t))
}

// InertialToECEFWithGMST is InertialToECEF with a precomputed GMST angle.
func InertialToECEFWithGMST(r Vec3, gmst float64) Vec3 {
	cosG, sinG := math.Cos(gmst), math.Sin(gmst)
	return Vec3{
		X: (r.X*cosG + r.Y*sinG) * 1000.0,
		Y: (-r.X*sinG + r.Y*cosG) * 1000.0,
		Z: r.Z * 1000.0,
	}
}

// PlausibleOrbit reports whether an inertial position (km) is finite and
// between the Earth's surface and a generous high-orbit ceiling.
func PlausibleOrbit(r Vec3) bool {
	for _, c := range [3]float64{r.X, r.Y, r.Z} {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return false
		}
	}
	mag := r.Norm()
	return mag >= 6200.0 && mag <= 50000.0
}
