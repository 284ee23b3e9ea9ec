package propagation

import (
	"fmt"
	"strings"
	"time"

	satellite "github.com/joshuaferrara/go-satellite"

	"github.com/jumiknows/AleasatV2-sub002/internal/tle"
	"github.com/jumiknows/AleasatV2-sub002/internal/transform"
)

// go-satellite's Propagate takes the Satellite by value, so SGP4 error codes
// never reach the caller. Failures are detected from the output instead
// (NaN/Inf or an implausible radius).

// SGP4Propagator wraps go-satellite for one element set.
type SGP4Propagator struct {
	sat     satellite.Satellite
	noradID int
}

// NewSGP4Propagator initialises SGP4 from an element set.
//
// The lines are pre-validated because go-satellite calls log.Fatal on
// malformed input.
func NewSGP4Propagator(e tle.Elements) (*SGP4Propagator, error) {
	if err := validateLines(e.Line1, e.Line2); err != nil {
		return nil, fmt.Errorf("invalid elements for NORAD %d: %w", e.NORADID, err)
	}

	sat := satellite.TLEToSat(e.Line1, e.Line2, satellite.GravityWGS84)
	if sat.Error != 0 {
		return nil, fmt.Errorf("sgp4 init failed for NORAD %d: code=%d %s", e.NORADID, sat.Error, sat.ErrorStr)
	}
	return &SGP4Propagator{sat: sat, noradID: e.NORADID}, nil
}

func validateLines(line1, line2 string) error {
	line1 = strings.TrimSpace(line1)
	line2 = strings.TrimSpace(line2)

	if len(line1) != 69 {
		return fmt.Errorf("line1 length %d, expected 69", len(line1))
	}
	if len(line2) != 69 {
		return fmt.Errorf("line2 length %d, expected 69", len(line2))
	}
	if line1[0] != '1' || line2[0] != '2' {
		return fmt.Errorf("line numbers must be 1 and 2, got %q and %q", line1[0], line2[0])
	}
	return nil
}

// At propagates to t, truncated to whole seconds.
func (p *SGP4Propagator) At(t time.Time) (StateVector, error) {
	t = t.UTC().Truncate(time.Second)
	pos, vel := satellite.Propagate(p.sat, t.Year(), int(t.Month()), t.Day(), t.Hour(), t.Minute(), t.Second())

	r := transform.Vec3{X: pos.X, Y: pos.Y, Z: pos.Z}
	if !transform.PlausibleOrbit(r) {
		return StateVector{}, fmt.Errorf("sgp4 propagation failed for NORAD %d at %s: position %.1f km out of range",
			p.noradID, t.Format(time.RFC3339), r.Norm())
	}
	return StateVector{
		Epoch: t,
		R:     r,
		V:     transform.Vec3{X: vel.X, Y: vel.Y, Z: vel.Z},
	}, nil
}
