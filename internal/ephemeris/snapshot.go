// Package ephemeris owns the rolling window of propagated spacecraft
// positions. A window is an immutable Snapshot of UTC day buckets; a refresh
// builds a complete new Snapshot and swaps it in with a single pointer store,
// so readers never observe a partially updated day.
package ephemeris

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/jumiknows/AleasatV2-sub002/internal/propagation"
	"github.com/jumiknows/AleasatV2-sub002/internal/tle"
)

// DayLayout is the key format of day buckets.
const DayLayout = "2006-01-02"

// stateNamespace scopes deterministic state IDs.
var stateNamespace = uuid.MustParse("3f6d0b8e-6a47-4c1e-9c7e-2b2d8f0b9a51")

// Sample is one inertial (TEME) position in km.
type Sample struct {
	T time.Time `json:"t" msgpack:"t"`
	X float64   `json:"x" msgpack:"x"`
	Y float64   `json:"y" msgpack:"y"`
	Z float64   `json:"z" msgpack:"z"`
}

// Day is the fixed-stride sample buffer for one UTC calendar day.
type Day struct {
	Key     string        `json:"key" msgpack:"key"`
	Start   time.Time     `json:"start" msgpack:"start"`
	Step    time.Duration `json:"step" msgpack:"step"`
	Samples []Sample      `json:"samples" msgpack:"samples"`
}

// End returns the instant of the last sample.
func (d *Day) End() time.Time {
	if len(d.Samples) == 0 {
		return d.Start
	}
	return d.Samples[len(d.Samples)-1].T
}

// Index returns the sample index at or just before t, and false when t lies
// outside the day.
func (d *Day) Index(t time.Time) (int, bool) {
	if len(d.Samples) == 0 || t.Before(d.Start) || t.After(d.End()) {
		return 0, false
	}
	return int(t.Sub(d.Start) / d.Step), true
}

// Snapshot is one complete propagation run. Never mutate a Snapshot after it
// has been handed to a Store.
type Snapshot struct {
	StateID  string       `json:"state_id" msgpack:"state_id"`
	Elements tle.Elements `json:"elements" msgpack:"elements"`
	Source   string       `json:"source" msgpack:"source"`
	LoadedAt time.Time    `json:"loaded_at" msgpack:"loaded_at"`
	Step     time.Duration `json:"step" msgpack:"step"`
	// Days are ordered by Start.
	Days []*Day `json:"days" msgpack:"days"`

	byKey map[string]*Day
}

// StateIDFor derives the state ID of one propagation run: a name-based UUID
// over the two lines and the sampled window. Unchanged elements propagated
// over a shifted or longer window get a new ID; rebuilding the identical
// window yields the same one.
func StateIDFor(e tle.Elements, start time.Time, step time.Duration, samples int) string {
	name := fmt.Sprintf("%s\n%s\n%s\n%s\n%d", e.Line1, e.Line2, start.UTC().Format(time.RFC3339), step, samples)
	return uuid.NewSHA1(stateNamespace, []byte(name)).String()
}

// DayKey returns the bucket key containing t.
func DayKey(t time.Time) string {
	return t.UTC().Format(DayLayout)
}

// NewSnapshot buckets a fixed-stride series by UTC day.
func NewSnapshot(e tle.Elements, source string, step time.Duration, series []propagation.StateVector, loadedAt time.Time) (*Snapshot, error) {
	if len(series) == 0 {
		return nil, fmt.Errorf("empty propagation series")
	}

	s := &Snapshot{
		StateID:  StateIDFor(e, series[0].Epoch, step, len(series)),
		Elements: e,
		Source:   source,
		LoadedAt: loadedAt,
		Step:     step,
	}

	var cur *Day
	for i, sv := range series {
		if i > 0 && sv.Epoch.Sub(series[i-1].Epoch) != step {
			return nil, fmt.Errorf("sample %d breaks the %s stride", i, step)
		}
		key := DayKey(sv.Epoch)
		if cur == nil || cur.Key != key {
			cur = &Day{Key: key, Start: sv.Epoch, Step: step}
			s.Days = append(s.Days, cur)
		}
		cur.Samples = append(cur.Samples, Sample{T: sv.Epoch, X: sv.R.X, Y: sv.R.Y, Z: sv.R.Z})
	}
	s.index()
	return s, nil
}

func (s *Snapshot) index() {
	sort.Slice(s.Days, func(i, j int) bool { return s.Days[i].Start.Before(s.Days[j].Start) })
	s.byKey = make(map[string]*Day, len(s.Days))
	for _, d := range s.Days {
		s.byKey[d.Key] = d
	}
}

// Day returns the bucket for key.
func (s *Snapshot) Day(key string) (*Day, bool) {
	d, ok := s.byKey[key]
	return d, ok
}

// From returns the buckets whose samples reach t or later, in order.
func (s *Snapshot) From(t time.Time) []*Day {
	i := sort.Search(len(s.Days), func(i int) bool { return !s.Days[i].End().Before(t) })
	return s.Days[i:]
}

// Start returns the first sampled instant.
func (s *Snapshot) Start() time.Time {
	return s.Days[0].Start
}

// End returns the last sampled instant.
func (s *Snapshot) End() time.Time {
	return s.Days[len(s.Days)-1].End()
}

// SampleCount returns the number of samples across all days.
func (s *Snapshot) SampleCount() int {
	n := 0
	for _, d := range s.Days {
		n += len(d.Samples)
	}
	return n
}
