// Package passes predicts ground-station passes from the ephemeris window and
// reconciles them against the stored pass records.
package passes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/errgroup"

	"github.com/jumiknows/AleasatV2-sub002/internal/ephemeris"
	"github.com/jumiknows/AleasatV2-sub002/internal/geometry"
	"github.com/jumiknows/AleasatV2-sub002/internal/metrics"
	"github.com/jumiknows/AleasatV2-sub002/internal/tle"
)

// GroundTrackHalfWidth is how far either side of the requested instant a
// ground track extends.
const GroundTrackHalfWidth = 45 * time.Minute

// ErrOutsideWindow is returned for instants the loaded ephemeris does not cover.
var ErrOutsideWindow = errors.New("instant outside ephemeris window")

// Prediction is a predicted pass. ID is set when the pass matches a stored one.
type Prediction struct {
	ID string `json:"id,omitempty"`
	geometry.FullPass
}

// GroundTrack is the sub-satellite path around an instant.
type GroundTrack struct {
	StateID  string              `json:"state_id"`
	Elements tle.Elements        `json:"state_element"`
	Points   []geometry.GeoPoint `json:"ground_track"`
}

// Predictor answers pass and ground-track queries against the current
// ephemeris snapshot. Results are cached per snapshot.
type Predictor struct {
	eph    *ephemeris.Store
	pool   *geometry.Pool
	logger *slog.Logger
	cache  *expirable.LRU[string, []Prediction]

	mu         sync.Mutex
	track      *geometry.Track
	trackState string
}

// NewPredictor builds a Predictor. cacheSize <= 0 disables caching.
func NewPredictor(eph *ephemeris.Store, pool *geometry.Pool, cacheSize int, cacheTTL time.Duration, logger *slog.Logger) *Predictor {
	p := &Predictor{eph: eph, pool: pool, logger: logger}
	if cacheSize > 0 {
		p.cache = expirable.NewLRU[string, []Prediction](cacheSize, nil, cacheTTL)
	}
	return p
}

// trackFor returns the flattened track of snap, building it on first use.
func (p *Predictor) trackFor(snap *ephemeris.Snapshot) *geometry.Track {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.track == nil || p.trackState != snap.StateID || len(p.track.Samples) != snap.SampleCount() {
		p.track = geometry.NewTrack(snap.Days)
		p.trackState = snap.StateID
	}
	return p.track
}

func cacheKey(stateID string, site geometry.Site, from time.Time) string {
	return fmt.Sprintf("%s|%.5f|%.5f|%.2f|%d", stateID, site.Lat, site.Lng, site.MinElevation, from.Unix())
}

// FindFullPasses returns every complete pass over site rising at or after
// from, in time order. Passes cut off by either end of the window are left
// out until a later refresh covers them.
func (p *Predictor) FindFullPasses(ctx context.Context, site geometry.Site, from time.Time) ([]Prediction, error) {
	snap, err := p.eph.Current()
	if err != nil {
		return nil, err
	}
	return p.FindFullPassesIn(ctx, snap, site, from)
}

// FindFullPassesIn is FindFullPasses against a pinned snapshot, for callers
// that stamp the results with snap's state ID.
func (p *Predictor) FindFullPassesIn(ctx context.Context, snap *ephemeris.Snapshot, site geometry.Site, from time.Time) ([]Prediction, error) {
	from = from.UTC()
	minute := from.Truncate(time.Minute)

	key := cacheKey(snap.StateID, site, minute)
	if p.cache != nil {
		if cached, ok := p.cache.Get(key); ok {
			metrics.RecordPassCache(true)
			return risingFrom(cached, from), nil
		}
		metrics.RecordPassCache(false)
	}

	tr := p.trackFor(snap)
	days := snap.From(minute)

	partials := make([][]geometry.PartialPass, len(days))
	g, gctx := errgroup.WithContext(ctx)
	for i, d := range days {
		g.Go(func() error {
			r, err := geometry.Submit(gctx, p.pool, "find_passes", func(ctx context.Context) ([]geometry.PartialPass, error) {
				return geometry.FindPasses(tr, d.Key, site), nil
			})
			partials[i] = r
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("scanning days: %w", err)
	}

	var flat []geometry.PartialPass
	for _, ps := range partials {
		flat = append(flat, ps...)
	}
	full, err := geometry.Submit(ctx, p.pool, "find_full_passes", func(ctx context.Context) ([]geometry.FullPass, error) {
		return geometry.FindFullPasses(tr, flat, site), nil
	})
	if err != nil {
		return nil, fmt.Errorf("resolving rise and set: %w", err)
	}

	out := make([]Prediction, 0, len(full))
	for _, fp := range full {
		out = append(out, Prediction{FullPass: fp})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Rise.T.Before(out[j].Rise.T) })
	out = risingFrom(out, minute)

	if p.cache != nil {
		p.cache.Add(key, out)
	}
	p.logger.Debug("passes predicted",
		"state_id", snap.StateID,
		"lat", site.Lat,
		"lng", site.Lng,
		"days", len(days),
		"passes", len(out),
	)
	return risingFrom(out, from), nil
}

// risingFrom returns a new slice of the passes rising at or after from.
func risingFrom(ps []Prediction, from time.Time) []Prediction {
	out := make([]Prediction, 0, len(ps))
	for _, p := range ps {
		if !p.Rise.T.Before(from) {
			out = append(out, p)
		}
	}
	return out
}

// GroundTrack returns the sub-satellite path within GroundTrackHalfWidth of t.
func (p *Predictor) GroundTrack(ctx context.Context, t time.Time) (GroundTrack, error) {
	snap, err := p.eph.Current()
	if err != nil {
		return GroundTrack{}, err
	}
	if t.Before(snap.Start()) || t.After(snap.End()) {
		return GroundTrack{}, fmt.Errorf("%s: %w", t.UTC().Format(time.RFC3339), ErrOutsideWindow)
	}

	tr := p.trackFor(snap)
	pts, err := geometry.Submit(ctx, p.pool, "ground_track", func(ctx context.Context) ([]geometry.GeoPoint, error) {
		return geometry.GroundTrack(tr, t.UTC(), GroundTrackHalfWidth), nil
	})
	if err != nil {
		return GroundTrack{}, err
	}
	return GroundTrack{StateID: snap.StateID, Elements: snap.Elements, Points: pts}, nil
}

// Purge drops cached predictions. It is registered as a refresh hook.
func (p *Predictor) Purge(ctx context.Context, snap *ephemeris.Snapshot) {
	if p.cache != nil {
		p.cache.Purge()
	}
}
