package transform

import (
	"math"
	"time"
)

// WGS-84 ellipsoid.
const (
	wgs84A  = 6378137.0
	wgs84F  = 1.0 / 298.257223563
	wgs84E2 = wgs84F * (2 - wgs84F)
)

// Observer is a ground site with its ECEF position precomputed, so it can be
// reused across every sample of a day scan.
type Observer struct {
	LatRad, LonRad, AltM float64
	ECEF                 Vec3 // metres

	sinLat, cosLat, sinLon, cosLon float64
}

// LookAngles is the direction from an observer to the spacecraft.
type LookAngles struct {
	AzimuthDeg   float64 // 0 = North, clockwise
	ElevationDeg float64 // 0 = horizon, 90 = zenith
	RangeKm      float64
}

// GeodeticPoint is a WGS-84 position.
type GeodeticPoint struct {
	LatDeg, LonDeg, AltM float64
}

// NewObserver builds an Observer from degrees and metres above the ellipsoid.
func NewObserver(latDeg, lonDeg, altM float64) Observer {
	lat := latDeg * math.Pi / 180.0
	lon := lonDeg * math.Pi / 180.0
	o := Observer{
		LatRad: lat,
		LonRad: lon,
		AltM:   altM,
		sinLat: math.Sin(lat),
		cosLat: math.Cos(lat),
		sinLon: math.Sin(lon),
		cosLon: math.Cos(lon),
	}

	n := wgs84A / math.Sqrt(1-wgs84E2*o.sinLat*o.sinLat)
	o.ECEF = Vec3{
		X: (n + altM) * o.cosLat * o.cosLon,
		Y: (n + altM) * o.cosLat * o.sinLon,
		Z: (n*(1-wgs84E2) + altM) * o.sinLat,
	}
	return o
}

// LookFromECEF computes look angles to a spacecraft at sat (ECEF metres),
// rotating the range vector into South-East-Zenith (Vallado §4.4).
func (o Observer) LookFromECEF(sat Vec3) LookAngles {
	rx := sat.X - o.ECEF.X
	ry := sat.Y - o.ECEF.Y
	rz := sat.Z - o.ECEF.Z

	south := o.sinLat*o.cosLon*rx + o.sinLat*o.sinLon*ry - o.cosLat*rz
	east := -o.sinLon*rx + o.cosLon*ry
	zenith := o.cosLat*o.cosLon*rx + o.cosLat*o.sinLon*ry + o.sinLat*rz

	rng := math.Sqrt(south*south + east*east + zenith*zenith)
	el := math.Asin(zenith / rng)
	az := math.Atan2(east, -south)
	if az < 0 {
		az += 2 * math.Pi
	}

	return LookAngles{
		AzimuthDeg:   az * 180.0 / math.Pi,
		ElevationDeg: el * 180.0 / math.Pi,
		RangeKm:      rng / 1000.0,
	}
}

// Look computes look angles to an inertial position r (km) at t.
func (o Observer) Look(r Vec3, t time.Time) LookAngles {
	return o.LookFromECEF(InertialToECEF(r, t))
}

// ECEFToGeodetic converts ECEF metres to geodetic coordinates (Bowring
// iteration, converges in a few rounds for orbital altitudes).
func ECEFToGeodetic(p Vec3) GeodeticPoint {
	lon := math.Atan2(p.Y, p.X)
	rho := math.Sqrt(p.X*p.X + p.Y*p.Y)
	lat := math.Atan2(p.Z, rho*(1-wgs84E2))

	for i := 0; i < 5; i++ {
		s := math.Sin(lat)
		n := wgs84A / math.Sqrt(1-wgs84E2*s*s)
		lat = math.Atan2(p.Z+wgs84E2*n*s, rho)
	}

	sinLat, cosLat := math.Sin(lat), math.Cos(lat)
	n := wgs84A / math.Sqrt(1-wgs84E2*sinLat*sinLat)

	var alt float64
	if math.Abs(cosLat) > 1e-10 {
		alt = rho/cosLat - n
	} else {
		alt = math.Abs(p.Z)/math.Abs(sinLat) - n*(1-wgs84E2)
	}

	return GeodeticPoint{
		LatDeg: lat * 180.0 / math.Pi,
		LonDeg: lon * 180.0 / math.Pi,
		AltM:   alt,
	}
}

// InertialToGeodetic converts an inertial position (km) at t to geodetic.
func InertialToGeodetic(r Vec3, t time.Time) GeodeticPoint {
	return ECEFToGeodetic(InertialToECEF(r, t))
}
