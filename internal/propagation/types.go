// Package propagation turns an element set into spacecraft state vectors:
// analytic SGP4 for the fast path and a fixed-step numerical integrator for
// background cross-checks.
package propagation

import (
	"time"

	"github.com/jumiknows/AleasatV2-sub002/internal/transform"
)

// StateVector is a position (km) and velocity (km/s) in the TEME frame.
type StateVector struct {
	Epoch time.Time
	R     transform.Vec3
	V     transform.Vec3
}

// Propagator produces state vectors at arbitrary instants.
type Propagator interface {
	At(t time.Time) (StateVector, error)
}

// Series samples p every step from start, n samples in total.
func Series(p Propagator, start time.Time, step time.Duration, n int) ([]StateVector, error) {
	out := make([]StateVector, 0, n)
	for i := 0; i < n; i++ {
		sv, err := p.At(start.Add(time.Duration(i) * step))
		if err != nil {
			return nil, err
		}
		out = append(out, sv)
	}
	return out, nil
}
