// Package scheduler packs queued missions into the single shared mission
// timeline and hands due missions to the execution queue.
//
// The timeline is a set of free-space intervals plus the committed mission
// reservations. Every mutation runs in one store transaction, so the free
// intervals never overlap each other or a reservation and exactly one of them
// is open-ended.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/jumiknows/AleasatV2-sub002/internal/clock"
	"github.com/jumiknows/AleasatV2-sub002/internal/jobqueue"
	"github.com/jumiknows/AleasatV2-sub002/internal/metrics"
	"github.com/jumiknows/AleasatV2-sub002/internal/model"
	"github.com/jumiknows/AleasatV2-sub002/internal/store"
)

var tracer = otel.Tracer("github.com/jumiknows/AleasatV2-sub002/internal/scheduler")

var (
	ErrDuplicateMission  = errors.New("mission already exists")
	ErrScheduleCollision = errors.New("requested start collides with a scheduled mission")
	ErrEmptyMission      = errors.New("mission has no commands")
	ErrDuplicateSequence = errors.New("duplicate command sequence number")
	ErrNotCancellable    = errors.New("mission can no longer be cancelled")
	ErrMissionNotFound   = errors.New("mission not found")
	errAlreadyDispatched = errors.New("mission already dispatched")
)

// DispatchKind is the job kind created for a due mission.
const DispatchKind = "execute_mission"

// DispatchPayload is the payload of a DispatchKind job.
type DispatchPayload struct {
	MissionID string `json:"mission_id"`
}

// Drain outcomes.
const (
	outcomeScheduled   = "scheduled"
	outcomeExpired     = "expired"
	outcomeUnplaceable = "unplaceable"
)

// JobQueue is the part of the job queue the scheduler needs.
type JobQueue interface {
	Create(kind string, payload any, delay time.Duration) (jobqueue.Job, error)
	Promote(id string) error
	Cancel(id string) error
	Get(id string) (jobqueue.Job, error)
}

// Publisher receives mission status transitions.
type Publisher interface {
	Publish(ev model.MissionEvent)
}

type nopPublisher struct{}

func (nopPublisher) Publish(model.MissionEvent) {}

// Config holds scheduler timing.
type Config struct {
	Overheads
	ScheduleAhead time.Duration // unbound missions start no sooner than now + ScheduleAhead
	LeadMin       time.Duration // due window, relative to a reservation's start
	LeadMax       time.Duration
	DrainInterval time.Duration
	SweepInterval time.Duration
}

// DefaultConfig returns the standard timing.
func DefaultConfig() Config {
	return Config{
		Overheads:     DefaultOverheads(),
		ScheduleAhead: 5 * time.Minute,
		LeadMin:       10 * time.Second,
		LeadMax:       130 * time.Second,
		DrainInterval: 30 * time.Second,
		SweepInterval: 5 * time.Second,
	}
}

// Scheduler owns the mission queue and timeline.
type Scheduler struct {
	store     store.Store
	jobs      JobQueue
	clock     clock.Clock
	cfg       Config
	publisher Publisher
	logger    *slog.Logger

	drains singleflight.Group
	kick   chan struct{}
}

// New builds a Scheduler. publisher may be nil.
func New(st store.Store, jobs JobQueue, clk clock.Clock, cfg Config, publisher Publisher, logger *slog.Logger) *Scheduler {
	if publisher == nil {
		publisher = nopPublisher{}
	}
	return &Scheduler{
		store:     st,
		jobs:      jobs,
		clock:     clk,
		cfg:       cfg,
		publisher: publisher,
		logger:    logger,
		kick:      make(chan struct{}, 1),
	}
}

// Config returns the scheduler's timing.
func (s *Scheduler) Config() Config {
	return s.cfg
}

func (s *Scheduler) transition(m model.Mission) {
	metrics.RecordMissionTransition(string(m.Status))
	s.publisher.Publish(m.Event(s.clock.Now()))
}

// QueueMission stores a new mission and puts it on the queue. It rejects a
// mission whose ID exists and a mission whose fixed start would overlap a
// committed reservation.
func (s *Scheduler) QueueMission(ctx context.Context, m model.Mission) (model.Mission, error) {
	if len(m.Commands) == 0 {
		return model.Mission{}, ErrEmptyMission
	}
	seen := make(map[int]bool, len(m.Commands))
	for _, c := range m.Commands {
		if seen[c.SequenceNumber] {
			return model.Mission{}, fmt.Errorf("%w: %d", ErrDuplicateSequence, c.SequenceNumber)
		}
		seen[c.SequenceNumber] = true
	}

	now := s.clock.Now()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.Status = model.StatusQueued
	m.SortCommands()
	for i := range m.Commands {
		if m.Commands[i].ID == "" {
			m.Commands[i].ID = uuid.NewString()
		}
		m.Commands[i].MissionID = m.ID
	}

	err := s.store.WithTx(ctx, store.Serializable, func(tx store.Tx) error {
		if _, err := tx.GetMission(ctx, m.ID); err == nil {
			return fmt.Errorf("%w: %s", ErrDuplicateMission, m.ID)
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		if m.ScheduledAt != nil {
			want := s.cfg.Boundaries(m.ID, *m.ScheduledAt, s.cfg.MissionDuration(m.Commands))
			schedules, err := tx.MissionSchedules(ctx)
			if err != nil {
				return err
			}
			for _, other := range schedules {
				if other.Overlaps(want.InitialOverheadStart, want.IndirectOverheadEnd) {
					return fmt.Errorf("%w: %s reserves %s to %s", ErrScheduleCollision, other.MissionID,
						other.InitialOverheadStart.Format(time.RFC3339), other.IndirectOverheadEnd.Format(time.RFC3339))
				}
			}
		}

		if err := tx.CreateMission(ctx, m); err != nil {
			return err
		}
		return tx.Enqueue(ctx, model.QueueEntry{MissionID: m.ID, QueuedAt: now})
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return model.Mission{}, fmt.Errorf("%w: %s", ErrDuplicateMission, m.ID)
		}
		return model.Mission{}, err
	}

	s.logger.Info("mission queued", "mission_id", m.ID, "user_id", m.UserID, "commands", len(m.Commands))
	s.transition(m)
	s.Kick()
	return m, nil
}

// Cancel deletes a mission that has not been scheduled yet.
func (s *Scheduler) Cancel(ctx context.Context, missionID, userID string) error {
	err := s.store.WithTx(ctx, store.Serializable, func(tx store.Tx) error {
		m, err := tx.GetMission(ctx, missionID)
		if errors.Is(err, store.ErrNotFound) || (err == nil && m.UserID != userID) {
			return fmt.Errorf("%w: %s", ErrMissionNotFound, missionID)
		}
		if err != nil {
			return err
		}
		if m.Status != model.StatusCreated && m.Status != model.StatusQueued {
			return fmt.Errorf("%w: status is %s", ErrNotCancellable, m.Status)
		}
		return tx.DeleteMission(ctx, missionID)
	})
	if err != nil {
		return err
	}
	s.logger.Info("mission cancelled", "mission_id", missionID)
	return nil
}

// Kick asks the drain loop to run soon.
func (s *Scheduler) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Drain schedules queued missions, oldest first, until the queue is empty or
// a mission cannot be placed. Concurrent calls share one drain.
func (s *Scheduler) Drain(ctx context.Context) (int, error) {
	v, err, _ := s.drains.Do("drain", func() (any, error) {
		n := 0
		for {
			outcome, err := s.processOne(ctx)
			if err != nil {
				return n, err
			}
			switch outcome {
			case "":
				return n, nil
			case outcomeUnplaceable:
				return n, nil
			}
			n++
		}
	})
	n, _ := v.(int)
	return n, err
}

// processOne handles the oldest queued mission in one transaction and
// returns what happened to it, or "" when the queue is empty.
func (s *Scheduler) processOne(ctx context.Context) (string, error) {
	ctx, span := tracer.Start(ctx, "scheduler.processOne")
	defer span.End()

	var (
		outcome string
		mission model.Mission
		sched   model.MissionSchedule
		rows    int
	)
	err := s.store.WithTx(ctx, store.Serializable, func(tx store.Tx) error {
		outcome, mission, rows = "", model.Mission{}, 0

		entry, err := tx.OldestQueued(ctx)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		m, err := tx.GetMission(ctx, entry.MissionID)
		if err != nil {
			return fmt.Errorf("loading queued mission: %w", err)
		}
		m.SortCommands()
		now := s.clock.Now()

		expire := func(reason string) error {
			if err := tx.Dequeue(ctx, m.ID); err != nil {
				return err
			}
			m.Status = model.StatusExpired
			m.Error = reason
			outcome, mission = outcomeExpired, m
			return tx.SaveMission(ctx, m)
		}

		if m.ScheduledAt != nil && !m.ScheduledAt.After(now) {
			return expire("deadline passed before a slot was found")
		}

		free, err := tx.FreeSpaces(ctx)
		if err != nil {
			return err
		}
		past, free := SplitPast(free, now)
		for _, f := range past {
			if err := tx.DeleteFreeSpace(ctx, f.ID); err != nil {
				return err
			}
		}
		if len(free) == 0 {
			tail := model.FreeSpace{ID: uuid.NewString(), Start: now}
			if err := tx.InsertFreeSpace(ctx, tail); err != nil {
				return err
			}
			free = append(free, tail)
		}

		missionDur := s.cfg.MissionDuration(m.Commands)
		schedDur := s.cfg.SchedulingDuration(missionDur)
		desired := now.Add(s.cfg.ScheduleAhead)
		if m.ScheduledAt != nil {
			desired = *m.ScheduledAt
		}

		idx, start, ok := FindSlot(free, desired.Add(-s.cfg.InitialOverhead), schedDur, m.ScheduledAt != nil)
		if !ok {
			if m.ScheduledAt != nil {
				return expire("no free time at the requested start")
			}
			outcome, mission = outcomeUnplaceable, m
			return nil
		}

		chosen := free[idx]
		if err := tx.DeleteFreeSpace(ctx, chosen.ID); err != nil {
			return err
		}
		pieces := Carve(chosen, start, schedDur, s.cfg.MinChunk)
		for _, p := range pieces {
			p.ID = uuid.NewString()
			if err := tx.InsertFreeSpace(ctx, p); err != nil {
				return err
			}
		}
		rows = len(free) - 1 + len(pieces)

		sched = s.cfg.Boundaries(m.ID, start.Add(s.cfg.InitialOverhead), missionDur)
		if err := tx.InsertMissionSchedule(ctx, sched); err != nil {
			return err
		}
		for _, cs := range s.cfg.CommandTimes(m.Commands, sched.MissionStart) {
			if err := tx.InsertCommandSchedule(ctx, cs); err != nil {
				return err
			}
		}

		if err := tx.Dequeue(ctx, m.ID); err != nil {
			return err
		}
		m.Status = model.StatusScheduled
		outcome, mission = outcomeScheduled, m
		return tx.SaveMission(ctx, m)
	})
	if err != nil {
		return "", fmt.Errorf("processing queue: %w", err)
	}
	if outcome == "" {
		return "", nil
	}

	metrics.RecordAllocation(outcome)
	span.SetAttributes(attribute.String("mission_id", mission.ID), attribute.String("outcome", outcome))

	switch outcome {
	case outcomeScheduled:
		metrics.SetFreeSpaceRows(rows)
		s.logger.Info("mission scheduled",
			"mission_id", mission.ID,
			"mission_start", sched.MissionStart,
			"reserved_from", sched.InitialOverheadStart,
			"reserved_to", sched.IndirectOverheadEnd,
		)
		s.transition(mission)
	case outcomeExpired:
		s.logger.Info("mission expired", "mission_id", mission.ID, "reason", mission.Error)
		s.transition(mission)
	case outcomeUnplaceable:
		s.logger.Error("unbound mission does not fit anywhere on the timeline",
			"mission_id", mission.ID,
			"commands", len(mission.Commands),
		)
	}
	return outcome, nil
}

// RunDrain drains the queue every DrainInterval and whenever Kick is called.
func (s *Scheduler) RunDrain(ctx context.Context) {
	for {
		if _, err := s.Drain(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("queue drain failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-s.kick:
		case <-s.clock.After(s.cfg.DrainInterval):
		}
	}
}
