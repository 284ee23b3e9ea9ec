package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jumiknows/AleasatV2-sub002/internal/model"
)

var t0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func seedStation(t *testing.T, s Store, id string) {
	t.Helper()
	err := s.WithTx(context.Background(), ReadCommitted, func(tx Tx) error {
		return tx.CreateGroundStation(context.Background(), model.GroundStation{
			ID: id, Name: id, Lat: 49.26, Lng: -123.25, MinElevation: 10, CreatedAt: t0, AutoAddPasses: true,
		})
	})
	if err != nil {
		t.Fatalf("create station: %v", err)
	}
}

func riseSet(id, passID string, rise time.Time) model.RiseSet {
	return model.RiseSet{
		ID:      id,
		PassID:  passID,
		Rise:    model.Point{T: rise},
		Set:     model.Point{T: rise.Add(8 * time.Minute)},
		StateID: "s1",
	}
}

func TestMemStoreStationLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	seedStation(t, s, "gs-1")

	err := s.WithTx(ctx, ReadCommitted, func(tx Tx) error {
		return tx.CreateGroundStation(ctx, model.GroundStation{ID: "gs-1"})
	})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("duplicate create: err = %v, want ErrDuplicate", err)
	}

	err = s.WithTx(ctx, ReadCommitted, func(tx Tx) error {
		gs, err := tx.GetGroundStation(ctx, "gs-1")
		if err != nil {
			return err
		}
		if gs.Lat != 49.26 || !gs.NetworkOwned() {
			t.Errorf("station = %+v", gs)
		}
		_, err = tx.GetGroundStation(ctx, "missing")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("missing station: err = %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestMemStorePassHistory(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	seedStation(t, s, "gs-1")

	err := s.WithTx(ctx, Serializable, func(tx Tx) error {
		for i, id := range []string{"p1", "p2", "p3"} {
			p := model.Pass{ID: id, GroundStationID: "gs-1", RiseSet: riseSet("rs-"+id, "", t0.Add(time.Duration(i)*90*time.Minute))}
			if err := tx.CreatePass(ctx, p); err != nil {
				return err
			}
		}
		return tx.AddRiseSet(ctx, riseSet("rs-p2b", "p2", t0.Add(91*time.Minute)))
	})
	if err != nil {
		t.Fatal(err)
	}

	err = s.WithTx(ctx, ReadCommitted, func(tx Tx) error {
		ps, err := tx.ListPassesFrom(ctx, "gs-1", t0.Add(time.Minute))
		if err != nil {
			return err
		}
		if len(ps) != 2 || ps[0].ID != "p2" || ps[1].ID != "p3" {
			t.Fatalf("passes from = %+v", ps)
		}
		if ps[0].RiseSet.ID != "rs-p2b" {
			t.Errorf("current rise set = %s, want rs-p2b", ps[0].RiseSet.ID)
		}

		hist, err := tx.PassHistory(ctx, "p2")
		if err != nil {
			return err
		}
		if len(hist) != 2 || hist[0].ID != "rs-p2" {
			t.Errorf("history = %+v", hist)
		}

		last, err := tx.LastPassBefore(ctx, "gs-1", t0.Add(91*time.Minute))
		if err != nil {
			return err
		}
		if last.ID != "p1" {
			t.Errorf("last before = %s, want p1", last.ID)
		}
		if _, err := tx.LastPassBefore(ctx, "gs-1", t0); !errors.Is(err, ErrNotFound) {
			t.Errorf("last before first pass: err = %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestMemStoreRollbackOnError(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	boom := errors.New("boom")

	err := s.WithTx(ctx, Serializable, func(tx Tx) error {
		if err := tx.CreateMission(ctx, model.Mission{ID: "m1", Status: model.StatusCreated}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}

	err = s.WithTx(ctx, ReadCommitted, func(tx Tx) error {
		_, err := tx.GetMission(ctx, "m1")
		return err
	})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("rolled back mission visible: err = %v", err)
	}
	if s.Commits() != 0 {
		t.Errorf("commits = %d, want 0", s.Commits())
	}
}

func TestMemStoreRetriesConflicts(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	s.InjectConflicts(2)

	attempts := 0
	err := s.WithTx(ctx, Serializable, func(tx Tx) error {
		attempts++
		return tx.CreateMission(ctx, model.Mission{ID: "m1", Status: model.StatusCreated})
	})
	if err != nil {
		t.Fatalf("WithTx: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	if s.Commits() != 1 {
		t.Errorf("commits = %d, want 1", s.Commits())
	}
}

func TestMemStoreConflictsExhausted(t *testing.T) {
	s := NewMemStore()
	s.InjectConflicts(100)

	err := s.WithTx(context.Background(), Serializable, func(tx Tx) error { return nil })
	if !errors.Is(err, ErrConflict) {
		t.Errorf("err = %v, want ErrConflict", err)
	}
}

func TestMemStoreQueueOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	err := s.WithTx(ctx, Serializable, func(tx Tx) error {
		for _, e := range []model.QueueEntry{
			{MissionID: "b", QueuedAt: t0.Add(time.Second)},
			{MissionID: "c", QueuedAt: t0},
			{MissionID: "a", QueuedAt: t0},
		} {
			if err := tx.CreateMission(ctx, model.Mission{ID: e.MissionID, Status: model.StatusQueued}); err != nil {
				return err
			}
			if err := tx.Enqueue(ctx, e); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	var order []string
	for {
		var done bool
		err := s.WithTx(ctx, Serializable, func(tx Tx) error {
			e, err := tx.OldestQueued(ctx)
			if errors.Is(err, ErrNotFound) {
				done = true
				return nil
			}
			if err != nil {
				return err
			}
			order = append(order, e.MissionID)
			return tx.Dequeue(ctx, e.MissionID)
		})
		if err != nil {
			t.Fatal(err)
		}
		if done {
			break
		}
	}

	want := []string{"a", "c", "b"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestMemStoreDeleteMissionDropsQueueEntry(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	err := s.WithTx(ctx, Serializable, func(tx Tx) error {
		if err := tx.CreateMission(ctx, model.Mission{ID: "m1"}); err != nil {
			return err
		}
		if err := tx.Enqueue(ctx, model.QueueEntry{MissionID: "m1", QueuedAt: t0}); err != nil {
			return err
		}
		return tx.DeleteMission(ctx, "m1")
	})
	if err != nil {
		t.Fatal(err)
	}

	err = s.WithTx(ctx, ReadCommitted, func(tx Tx) error {
		_, err := tx.OldestQueued(ctx)
		return err
	})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("queue after delete: err = %v, want ErrNotFound", err)
	}
}

func TestMemStoreCommandUpdate(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	m := model.Mission{
		ID:     "m1",
		Status: model.StatusScheduled,
		Commands: []model.Command{
			{ID: "c1", MissionID: "m1", SequenceNumber: 0, CommandName: "ping", Arguments: map[string]any{"n": 1.0}},
		},
	}

	err := s.WithTx(ctx, Serializable, func(tx Tx) error {
		if err := tx.CreateMission(ctx, m); err != nil {
			return err
		}
		c := m.Commands[0]
		sent := t0
		c.SentAt = &sent
		c.Responses = map[string]any{"ok": true}
		return tx.SaveCommand(ctx, c)
	})
	if err != nil {
		t.Fatal(err)
	}

	// The caller's copy must not alias stored state.
	m.Commands[0].Arguments["n"] = 2.0

	err = s.WithTx(ctx, ReadCommitted, func(tx Tx) error {
		got, err := tx.GetMission(ctx, "m1")
		if err != nil {
			return err
		}
		c := got.Commands[0]
		if c.SentAt == nil || !c.SentAt.Equal(t0) || c.Responses["ok"] != true {
			t.Errorf("command = %+v", c)
		}
		if c.Arguments["n"] != 1.0 {
			t.Errorf("arguments = %v, want n=1", c.Arguments)
		}
		if err := tx.SaveCommand(ctx, model.Command{ID: "nope", MissionID: "m1"}); !errors.Is(err, ErrNotFound) {
			t.Errorf("unknown command: err = %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}
