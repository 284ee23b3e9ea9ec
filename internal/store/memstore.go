package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/brunoga/deep"

	"github.com/jumiknows/AleasatV2-sub002/internal/model"
)

// memState is everything a MemStore holds. Fields are exported for deep.Copy.
type memState struct {
	Stations     map[string]model.GroundStation
	Passes       map[string]memPass
	Missions     map[string]model.Mission
	Queue        map[string]model.QueueEntry
	Free         map[string]model.FreeSpace
	Schedules    map[string]model.MissionSchedule
	CmdSchedules map[string][]model.CommandSchedule
}

type memPass struct {
	ID        string
	StationID string
	History   []model.RiseSet // oldest first; last is current
}

func (p memPass) current() model.Pass {
	return model.Pass{ID: p.ID, GroundStationID: p.StationID, RiseSet: p.History[len(p.History)-1]}
}

func newMemState() *memState {
	return &memState{
		Stations:     map[string]model.GroundStation{},
		Passes:       map[string]memPass{},
		Missions:     map[string]model.Mission{},
		Queue:        map[string]model.QueueEntry{},
		Free:         map[string]model.FreeSpace{},
		Schedules:    map[string]model.MissionSchedule{},
		CmdSchedules: map[string][]model.CommandSchedule{},
	}
}

// MemStore keeps all state in process. Transactions hold a single lock and
// work on a deep copy that replaces the live state on commit, which makes
// every transaction serializable.
type MemStore struct {
	mu    sync.Mutex
	state *memState

	// conflicts is the number of upcoming commits to fail with ErrConflict.
	conflicts int
	commits   int
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{state: newMemState()}
}

// InjectConflicts makes the next n commits fail with ErrConflict.
func (s *MemStore) InjectConflicts(n int) {
	s.mu.Lock()
	s.conflicts = n
	s.mu.Unlock()
}

// Commits returns the number of committed transactions.
func (s *MemStore) Commits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commits
}

func (s *MemStore) Close() {}

func (s *MemStore) WithTx(ctx context.Context, iso Isolation, fn func(tx Tx) error) error {
	return retryConflicts(ctx, 5, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		work, err := deep.Copy(s.state)
		if err != nil {
			return fmt.Errorf("snapshotting state: %w", err)
		}
		if err := fn(&memTx{st: work}); err != nil {
			return err
		}
		if s.conflicts > 0 {
			s.conflicts--
			return ErrConflict
		}
		s.state = work
		s.commits++
		return nil
	})
}

type memTx struct {
	st *memState
}

func (t *memTx) CreateGroundStation(ctx context.Context, gs model.GroundStation) error {
	if _, ok := t.st.Stations[gs.ID]; ok {
		return fmt.Errorf("ground station %s: %w", gs.ID, ErrDuplicate)
	}
	t.st.Stations[gs.ID] = gs
	return nil
}

func (t *memTx) GetGroundStation(ctx context.Context, id string) (model.GroundStation, error) {
	gs, ok := t.st.Stations[id]
	if !ok {
		return model.GroundStation{}, fmt.Errorf("ground station %s: %w", id, ErrNotFound)
	}
	return gs, nil
}

func (t *memTx) ListGroundStations(ctx context.Context) ([]model.GroundStation, error) {
	out := make([]model.GroundStation, 0, len(t.st.Stations))
	for _, gs := range t.st.Stations {
		out = append(out, gs)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (t *memTx) stationPasses(stationID string, keep func(model.Pass) bool) []model.Pass {
	var out []model.Pass
	for _, p := range t.st.Passes {
		if p.StationID != stationID {
			continue
		}
		if cur := p.current(); keep(cur) {
			out = append(out, cur)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RiseSet.Rise.T.Before(out[j].RiseSet.Rise.T) })
	return out
}

func (t *memTx) ListPassesFrom(ctx context.Context, stationID string, from time.Time) ([]model.Pass, error) {
	return t.stationPasses(stationID, func(p model.Pass) bool { return !p.RiseSet.Rise.T.Before(from) }), nil
}

func (t *memTx) LastPassBefore(ctx context.Context, stationID string, at time.Time) (model.Pass, error) {
	ps := t.stationPasses(stationID, func(p model.Pass) bool { return p.RiseSet.Rise.T.Before(at) })
	if len(ps) == 0 {
		return model.Pass{}, ErrNotFound
	}
	return ps[len(ps)-1], nil
}

func (t *memTx) GetPass(ctx context.Context, id string) (model.Pass, error) {
	p, ok := t.st.Passes[id]
	if !ok {
		return model.Pass{}, fmt.Errorf("pass %s: %w", id, ErrNotFound)
	}
	return p.current(), nil
}

func (t *memTx) CreatePass(ctx context.Context, p model.Pass) error {
	if _, ok := t.st.Passes[p.ID]; ok {
		return fmt.Errorf("pass %s: %w", p.ID, ErrDuplicate)
	}
	if _, ok := t.st.Stations[p.GroundStationID]; !ok {
		return fmt.Errorf("ground station %s: %w", p.GroundStationID, ErrNotFound)
	}
	rs := p.RiseSet
	rs.PassID = p.ID
	t.st.Passes[p.ID] = memPass{ID: p.ID, StationID: p.GroundStationID, History: []model.RiseSet{rs}}
	return nil
}

func (t *memTx) AddRiseSet(ctx context.Context, rs model.RiseSet) error {
	p, ok := t.st.Passes[rs.PassID]
	if !ok {
		return fmt.Errorf("pass %s: %w", rs.PassID, ErrNotFound)
	}
	p.History = append(p.History, rs)
	t.st.Passes[rs.PassID] = p
	return nil
}

func (t *memTx) DeletePass(ctx context.Context, id string) error {
	if _, ok := t.st.Passes[id]; !ok {
		return fmt.Errorf("pass %s: %w", id, ErrNotFound)
	}
	delete(t.st.Passes, id)
	return nil
}

func (t *memTx) PassHistory(ctx context.Context, passID string) ([]model.RiseSet, error) {
	p, ok := t.st.Passes[passID]
	if !ok {
		return nil, fmt.Errorf("pass %s: %w", passID, ErrNotFound)
	}
	return append([]model.RiseSet(nil), p.History...), nil
}

// cloneMission detaches a mission's argument and response maps from the
// caller so stored state is never aliased.
func cloneMission(m model.Mission) model.Mission {
	c, err := deep.Copy(m)
	if err != nil {
		panic(fmt.Sprintf("copying mission %s: %v", m.ID, err))
	}
	return c
}

func (t *memTx) CreateMission(ctx context.Context, m model.Mission) error {
	if _, ok := t.st.Missions[m.ID]; ok {
		return fmt.Errorf("mission %s: %w", m.ID, ErrDuplicate)
	}
	t.st.Missions[m.ID] = cloneMission(m)
	return nil
}

func (t *memTx) GetMission(ctx context.Context, id string) (model.Mission, error) {
	m, ok := t.st.Missions[id]
	if !ok {
		return model.Mission{}, fmt.Errorf("mission %s: %w", id, ErrNotFound)
	}
	return cloneMission(m), nil
}

func (t *memTx) listMissions(keep func(model.Mission) bool) []model.Mission {
	var out []model.Mission
	for _, m := range t.st.Missions {
		if keep(m) {
			out = append(out, cloneMission(m))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (t *memTx) ListMissions(ctx context.Context, userID string) ([]model.Mission, error) {
	return t.listMissions(func(m model.Mission) bool { return m.UserID == userID }), nil
}

func (t *memTx) ListMissionsByStatus(ctx context.Context, statuses ...model.MissionStatus) ([]model.Mission, error) {
	return t.listMissions(func(m model.Mission) bool {
		for _, s := range statuses {
			if m.Status == s {
				return true
			}
		}
		return false
	}), nil
}

func (t *memTx) SaveMission(ctx context.Context, m model.Mission) error {
	if _, ok := t.st.Missions[m.ID]; !ok {
		return fmt.Errorf("mission %s: %w", m.ID, ErrNotFound)
	}
	t.st.Missions[m.ID] = cloneMission(m)
	return nil
}

func (t *memTx) SaveCommand(ctx context.Context, c model.Command) error {
	m, ok := t.st.Missions[c.MissionID]
	if !ok {
		return fmt.Errorf("mission %s: %w", c.MissionID, ErrNotFound)
	}
	for i := range m.Commands {
		if m.Commands[i].ID == c.ID {
			m.Commands[i] = cloneMission(model.Mission{Commands: []model.Command{c}}).Commands[0]
			t.st.Missions[m.ID] = m
			return nil
		}
	}
	return fmt.Errorf("command %s: %w", c.ID, ErrNotFound)
}

func (t *memTx) DeleteMission(ctx context.Context, id string) error {
	if _, ok := t.st.Missions[id]; !ok {
		return fmt.Errorf("mission %s: %w", id, ErrNotFound)
	}
	delete(t.st.Missions, id)
	delete(t.st.Queue, id)
	return nil
}

func (t *memTx) Enqueue(ctx context.Context, e model.QueueEntry) error {
	if _, ok := t.st.Queue[e.MissionID]; ok {
		return fmt.Errorf("queue entry %s: %w", e.MissionID, ErrDuplicate)
	}
	t.st.Queue[e.MissionID] = e
	return nil
}

func (t *memTx) OldestQueued(ctx context.Context) (model.QueueEntry, error) {
	var oldest *model.QueueEntry
	for _, e := range t.st.Queue {
		if oldest == nil || e.QueuedAt.Before(oldest.QueuedAt) ||
			(e.QueuedAt.Equal(oldest.QueuedAt) && e.MissionID < oldest.MissionID) {
			e := e
			oldest = &e
		}
	}
	if oldest == nil {
		return model.QueueEntry{}, ErrNotFound
	}
	return *oldest, nil
}

func (t *memTx) Dequeue(ctx context.Context, missionID string) error {
	if _, ok := t.st.Queue[missionID]; !ok {
		return fmt.Errorf("queue entry %s: %w", missionID, ErrNotFound)
	}
	delete(t.st.Queue, missionID)
	return nil
}

func (t *memTx) FreeSpaces(ctx context.Context) ([]model.FreeSpace, error) {
	out := make([]model.FreeSpace, 0, len(t.st.Free))
	for _, fs := range t.st.Free {
		out = append(out, fs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

func (t *memTx) InsertFreeSpace(ctx context.Context, fs model.FreeSpace) error {
	if _, ok := t.st.Free[fs.ID]; ok {
		return fmt.Errorf("free space %s: %w", fs.ID, ErrDuplicate)
	}
	t.st.Free[fs.ID] = fs
	return nil
}

func (t *memTx) DeleteFreeSpace(ctx context.Context, id string) error {
	if _, ok := t.st.Free[id]; !ok {
		return fmt.Errorf("free space %s: %w", id, ErrNotFound)
	}
	delete(t.st.Free, id)
	return nil
}

func (t *memTx) InsertMissionSchedule(ctx context.Context, s model.MissionSchedule) error {
	if _, ok := t.st.Schedules[s.MissionID]; ok {
		return fmt.Errorf("schedule for mission %s: %w", s.MissionID, ErrDuplicate)
	}
	t.st.Schedules[s.MissionID] = s
	return nil
}

func (t *memTx) GetMissionSchedule(ctx context.Context, missionID string) (model.MissionSchedule, error) {
	s, ok := t.st.Schedules[missionID]
	if !ok {
		return model.MissionSchedule{}, fmt.Errorf("schedule for mission %s: %w", missionID, ErrNotFound)
	}
	return s, nil
}

func (t *memTx) MissionSchedules(ctx context.Context) ([]model.MissionSchedule, error) {
	out := make([]model.MissionSchedule, 0, len(t.st.Schedules))
	for _, s := range t.st.Schedules {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InitialOverheadStart.Before(out[j].InitialOverheadStart) })
	return out, nil
}

func (t *memTx) InsertCommandSchedule(ctx context.Context, cs model.CommandSchedule) error {
	t.st.CmdSchedules[cs.MissionID] = append(t.st.CmdSchedules[cs.MissionID], cs)
	return nil
}

func (t *memTx) CommandSchedules(ctx context.Context, missionID string) ([]model.CommandSchedule, error) {
	out := append([]model.CommandSchedule(nil), t.st.CmdSchedules[missionID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}
