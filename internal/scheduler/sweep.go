package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jumiknows/AleasatV2-sub002/internal/jobqueue"
	"github.com/jumiknows/AleasatV2-sub002/internal/model"
	"github.com/jumiknows/AleasatV2-sub002/internal/store"
)

// SweepReport counts what one sweep did.
type SweepReport struct {
	Dispatched int
	Expired    int
}

type dueMission struct {
	mission  model.Mission
	schedule model.MissionSchedule
}

// missedMission is a mission to expire. jobID is the dispatch job it was
// seen with, empty when it was never dispatched.
type missedMission struct {
	id    string
	jobID string
}

// Sweep hands missions whose reservation starts within the lead window to
// the job queue, and expires missions whose start has passed without being
// picked up: never dispatched, or dispatched to a job the queue no longer
// runs (lost in a restart or finished without executing). Expired
// reservations keep their time on the timeline.
func (s *Scheduler) Sweep(ctx context.Context) (SweepReport, error) {
	ctx, span := tracer.Start(ctx, "scheduler.Sweep")
	defer span.End()

	now := s.clock.Now()
	windowFrom, windowTo := now.Add(s.cfg.LeadMin), now.Add(s.cfg.LeadMax)

	var due []dueMission
	var missed, dispatched []missedMission
	err := s.store.WithTx(ctx, store.ReadCommitted, func(tx store.Tx) error {
		due, missed, dispatched = nil, nil, nil

		scheduled, err := tx.ListMissionsByStatus(ctx, model.StatusScheduled)
		if err != nil {
			return err
		}
		for _, m := range scheduled {
			sch, err := tx.GetMissionSchedule(ctx, m.ID)
			if err != nil {
				return fmt.Errorf("schedule of %s: %w", m.ID, err)
			}
			if m.DispatchJobID != "" {
				if sch.InitialOverheadStart.Before(now) {
					dispatched = append(dispatched, missedMission{id: m.ID, jobID: m.DispatchJobID})
				}
				continue
			}
			switch {
			case sch.InitialOverheadStart.Before(windowFrom):
				missed = append(missed, missedMission{id: m.ID})
			case !sch.InitialOverheadStart.After(windowTo):
				due = append(due, dueMission{mission: m, schedule: sch})
			}
		}

		queued, err := tx.ListMissionsByStatus(ctx, model.StatusQueued)
		if err != nil {
			return err
		}
		for _, m := range queued {
			if m.ScheduledAt != nil && m.ScheduledAt.Add(-s.cfg.InitialOverhead).Before(now) {
				missed = append(missed, missedMission{id: m.ID})
			}
		}
		return nil
	})
	if err != nil {
		return SweepReport{}, fmt.Errorf("finding due missions: %w", err)
	}

	for _, d := range dispatched {
		if s.jobLost(d.jobID) {
			missed = append(missed, d)
		}
	}

	var rep SweepReport
	var errs []error
	for _, d := range due {
		if err := s.dispatch(ctx, d, now); err != nil {
			if !errors.Is(err, errAlreadyDispatched) {
				errs = append(errs, fmt.Errorf("dispatching %s: %w", d.mission.ID, err))
			}
			continue
		}
		rep.Dispatched++
	}
	for _, mm := range missed {
		ok, err := s.expireMissed(ctx, mm)
		if err != nil {
			errs = append(errs, fmt.Errorf("expiring %s: %w", mm.id, err))
			continue
		}
		if ok {
			rep.Expired++
		}
	}
	return rep, errors.Join(errs...)
}

// dispatch creates a delayed execution job, records it on the mission and
// only then promotes it, so the job never runs ahead of its mission row.
func (s *Scheduler) dispatch(ctx context.Context, d dueMission, now time.Time) error {
	job, err := s.jobs.Create(DispatchKind, DispatchPayload{MissionID: d.mission.ID}, d.schedule.InitialOverheadStart.Sub(now))
	if err != nil {
		return err
	}

	err = s.store.WithTx(ctx, store.Serializable, func(tx store.Tx) error {
		m, err := tx.GetMission(ctx, d.mission.ID)
		if err != nil {
			return err
		}
		if m.Status != model.StatusScheduled || m.DispatchJobID != "" {
			return errAlreadyDispatched
		}
		m.DispatchJobID = job.ID
		return tx.SaveMission(ctx, m)
	})
	if err != nil {
		if cerr := s.jobs.Cancel(job.ID); cerr != nil {
			s.logger.Warn("cancelling orphaned dispatch job", "job_id", job.ID, "error", cerr)
		}
		return err
	}

	if err := s.jobs.Promote(job.ID); err != nil {
		// The job still runs when its delay elapses.
		s.logger.Warn("promoting dispatch job", "job_id", job.ID, "error", err)
	}
	s.logger.Info("mission dispatched",
		"mission_id", d.mission.ID,
		"job_id", job.ID,
		"reserved_from", d.schedule.InitialOverheadStart,
	)
	return nil
}

// jobLost reports whether a dispatch job can no longer execute its mission.
// A job still delayed, ready or running is left alone.
func (s *Scheduler) jobLost(jobID string) bool {
	job, err := s.jobs.Get(jobID)
	if errors.Is(err, jobqueue.ErrUnknownJob) {
		return true
	}
	if err != nil {
		s.logger.Warn("looking up dispatch job", "job_id", jobID, "error", err)
		return false
	}
	return job.Status.Finished()
}

func (s *Scheduler) expireMissed(ctx context.Context, mm missedMission) (bool, error) {
	var expired model.Mission
	err := s.store.WithTx(ctx, store.Serializable, func(tx store.Tx) error {
		expired = model.Mission{}
		m, err := tx.GetMission(ctx, mm.id)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		switch {
		case m.Status == model.StatusQueued:
			if err := tx.Dequeue(ctx, m.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
		case m.Status == model.StatusScheduled && m.DispatchJobID == mm.jobID:
		default:
			return nil
		}
		m.Status = model.StatusExpired
		m.Error = "start window passed before dispatch"
		if mm.jobID != "" {
			m.Error = "dispatch job " + mm.jobID + " no longer runs"
		}
		expired = m
		return tx.SaveMission(ctx, m)
	})
	if err != nil || expired.ID == "" {
		return false, err
	}
	s.logger.Warn("mission expired", "mission_id", mm.id, "reason", expired.Error)
	s.transition(expired)
	return true, nil
}

// RunSweep sweeps every SweepInterval until ctx is done.
func (s *Scheduler) RunSweep(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(s.cfg.SweepInterval):
		}
		rep, err := s.Sweep(ctx)
		if err != nil && ctx.Err() == nil {
			s.logger.Error("mission sweep failed", "error", err)
		}
		if rep.Dispatched+rep.Expired > 0 {
			s.logger.Debug("mission sweep", "dispatched", rep.Dispatched, "expired", rep.Expired)
		}
	}
}
