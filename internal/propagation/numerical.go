package propagation

import (
	"context"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/jumiknows/AleasatV2-sub002/internal/transform"
)

// WGS-84 gravity constants (km, km^3/s^2).
const (
	muEarth = 398600.4418
	rEarth  = 6378.137
	j2      = 1.08262668e-3
)

// Numerical integrates two-body motion with the J2 zonal term using a
// fixed-step fourth-order Runge-Kutta scheme. It is slower and, for drag
// dominated orbits, less faithful than SGP4; it exists as an independent
// cross-check of the analytic ephemeris.
type Numerical struct {
	// Step is the integrator step. Output sampling must be a multiple of it.
	Step time.Duration
}

// Integrate propagates initial forward, returning n samples every sample
// interval (the first sample is initial itself).
func (nm Numerical) Integrate(ctx context.Context, initial StateVector, sample time.Duration, n int) ([]StateVector, error) {
	if nm.Step <= 0 || sample%nm.Step != 0 {
		return nil, fmt.Errorf("sample interval %s is not a multiple of step %s", sample, nm.Step)
	}
	if n <= 0 {
		return nil, nil
	}

	h := nm.Step.Seconds()
	perSample := int(sample / nm.Step)

	state := []float64{initial.R.X, initial.R.Y, initial.R.Z, initial.V.X, initial.V.Y, initial.V.Z}
	k1 := make([]float64, 6)
	k2 := make([]float64, 6)
	k3 := make([]float64, 6)
	k4 := make([]float64, 6)
	tmp := make([]float64, 6)

	out := make([]StateVector, 0, n)
	out = append(out, initial)
	for i := 1; i < n; i++ {
		if i%64 == 0 {
			if err := ctx.Err(); err != nil {
				return out, err
			}
		}
		for s := 0; s < perSample; s++ {
			derivative(k1, state)
			floats.AddScaledTo(tmp, state, h/2, k1)
			derivative(k2, tmp)
			floats.AddScaledTo(tmp, state, h/2, k2)
			derivative(k3, tmp)
			floats.AddScaledTo(tmp, state, h, k3)
			derivative(k4, tmp)

			floats.AddScaled(state, h/6, k1)
			floats.AddScaled(state, h/3, k2)
			floats.AddScaled(state, h/3, k3)
			floats.AddScaled(state, h/6, k4)
		}

		sv := StateVector{
			Epoch: initial.Epoch.Add(time.Duration(i) * sample),
			R:     transform.Vec3{X: state[0], Y: state[1], Z: state[2]},
			V:     transform.Vec3{X: state[3], Y: state[4], Z: state[5]},
		}
		if !transform.PlausibleOrbit(sv.R) {
			return out, fmt.Errorf("numerical propagation diverged at %s", sv.Epoch.Format(time.RFC3339))
		}
		out = append(out, sv)
	}
	return out, nil
}

// derivative writes d/dt [r, v] into dst.
func derivative(dst, s []float64) {
	x, y, z := s[0], s[1], s[2]
	r2 := x*x + y*y + z*z
	r := math.Sqrt(r2)
	r3 := r2 * r

	// J2 perturbation factor, Vallado eq. 8-30.
	k := 1.5 * j2 * muEarth * rEarth * rEarth / (r2 * r3)
	zz := 5 * z * z / r2

	dst[0], dst[1], dst[2] = s[3], s[4], s[5]
	dst[3] = -muEarth*x/r3 + k*x*(zz-1)
	dst[4] = -muEarth*y/r3 + k*y*(zz-1)
	dst[5] = -muEarth*z/r3 + k*z*(zz-3)
}

// Divergence summarises how far two equally sampled series drift apart.
type Divergence struct {
	Samples int     `json:"samples"`
	MaxKm   float64 `json:"max_km"`
	RMSKm   float64 `json:"rms_km"`
	// MaxAt is the epoch of the largest separation.
	MaxAt time.Time `json:"max_at"`
}

// Compare measures position separation between a and b sample by sample.
func Compare(a, b []StateVector) Divergence {
	n := min(len(a), len(b))
	var d Divergence
	d.Samples = n
	if n == 0 {
		return d
	}

	var sum float64
	diff := make([]float64, 3)
	for i := 0; i < n; i++ {
		floats.SubTo(diff,
			[]float64{a[i].R.X, a[i].R.Y, a[i].R.Z},
			[]float64{b[i].R.X, b[i].R.Y, b[i].R.Z})
		sep := floats.Norm(diff, 2)
		sum += sep * sep
		if sep > d.MaxKm {
			d.MaxKm = sep
			d.MaxAt = a[i].Epoch
		}
	}
	d.RMSKm = math.Sqrt(sum / float64(n))
	return d
}
