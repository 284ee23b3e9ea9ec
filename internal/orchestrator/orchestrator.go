// Package orchestrator runs scheduled missions: it checks the spacecraft's
// firmware, then sends each command at its reserved instant and records what
// came back. The first failed command ends the mission.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/jumiknows/AleasatV2-sub002/internal/clock"
	"github.com/jumiknows/AleasatV2-sub002/internal/cmdspec"
	"github.com/jumiknows/AleasatV2-sub002/internal/jobqueue"
	"github.com/jumiknows/AleasatV2-sub002/internal/metrics"
	"github.com/jumiknows/AleasatV2-sub002/internal/model"
	"github.com/jumiknows/AleasatV2-sub002/internal/scheduler"
	"github.com/jumiknows/AleasatV2-sub002/internal/store"
	"github.com/jumiknows/AleasatV2-sub002/internal/transport"
)

var tracer = otel.Tracer("github.com/jumiknows/AleasatV2-sub002/internal/orchestrator")

var (
	ErrFirmwareMismatch = errors.New("spacecraft firmware does not match mission")
	ErrNotScheduled     = errors.New("mission is not scheduled")
	errMissingTime      = errors.New("command has no scheduled time")
)

// DefaultDispatchTimeout bounds a single command round trip.
const DefaultDispatchTimeout = 10 * time.Second

// Orchestrator executes missions.
type Orchestrator struct {
	store     store.Store
	transport transport.Transport
	specs     *cmdspec.Registry
	clock     clock.Clock
	timeout   time.Duration
	publisher scheduler.Publisher
	logger    *slog.Logger
}

// New builds an Orchestrator. specs may be nil, in which case arguments and
// responses pass through unconverted. publisher may be nil.
func New(st store.Store, tr transport.Transport, specs *cmdspec.Registry, clk clock.Clock, timeout time.Duration, publisher scheduler.Publisher, logger *slog.Logger) *Orchestrator {
	if timeout <= 0 {
		timeout = DefaultDispatchTimeout
	}
	return &Orchestrator{
		store:     st,
		transport: tr,
		specs:     specs,
		clock:     clk,
		timeout:   timeout,
		publisher: publisher,
		logger:    logger,
	}
}

// HandleJob is the job queue handler for scheduler.DispatchKind. A job that
// is no longer the mission's recorded dispatch job does nothing.
func (o *Orchestrator) HandleJob(ctx context.Context, job jobqueue.Job) error {
	var p scheduler.DispatchPayload
	if err := job.Decode(&p); err != nil {
		return fmt.Errorf("decoding dispatch payload: %w", err)
	}
	return o.execute(ctx, p.MissionID, job.ID)
}

// Execute runs a scheduled mission to completion or to its first failure.
func (o *Orchestrator) Execute(ctx context.Context, missionID string) error {
	return o.execute(ctx, missionID, "")
}

func (o *Orchestrator) execute(ctx context.Context, missionID, jobID string) error {
	ctx, span := tracer.Start(ctx, "orchestrator.Execute")
	defer span.End()
	span.SetAttributes(attribute.String("mission_id", missionID))

	m, err := o.load(ctx, missionID)
	if err != nil {
		return err
	}
	if m.Status != model.StatusScheduled {
		return fmt.Errorf("%w: %s is %s", ErrNotScheduled, m.ID, m.Status)
	}
	if jobID != "" && m.DispatchJobID != jobID {
		o.logger.Warn("stale dispatch job ignored", "mission_id", m.ID, "job_id", jobID, "current_job_id", m.DispatchJobID)
		return nil
	}
	m.SortCommands()

	log := o.logger.With("mission_id", m.ID)
	log.Info("mission execution started", "commands", len(m.Commands), "fw_version", m.FWVersion)

	specs, err := o.resolve(ctx, m)
	if err != nil {
		o.fail(ctx, &m, nil, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	for i := range m.Commands {
		c := &m.Commands[i]
		if err := o.runCommand(ctx, c, specs[i], log); err != nil {
			if ctx.Err() != nil {
				// Shutdown: leave the mission scheduled.
				log.Warn("mission execution interrupted", "sequence_number", c.SequenceNumber)
				return ctx.Err()
			}
			err = fmt.Errorf("command %d (%s): %w", c.SequenceNumber, c.CommandName, err)
			o.fail(ctx, &m, c, err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		o.persist(ctx, log, func(ctx context.Context, tx store.Tx) error { return tx.SaveCommand(ctx, *c) })
	}

	m.Status = model.StatusSent
	o.persist(ctx, log, func(ctx context.Context, tx store.Tx) error { return tx.SaveMission(ctx, m) })
	o.transition(m)
	log.Info("mission sent", "commands", len(m.Commands))
	return nil
}

func (o *Orchestrator) load(ctx context.Context, missionID string) (model.Mission, error) {
	var m model.Mission
	err := o.store.WithTx(ctx, store.ReadCommitted, func(tx store.Tx) error {
		var err error
		m, err = tx.GetMission(ctx, missionID)
		return err
	})
	if err != nil {
		return model.Mission{}, fmt.Errorf("loading mission %s: %w", missionID, err)
	}
	return m, nil
}

// resolve checks the spacecraft firmware and finds each command's spec.
func (o *Orchestrator) resolve(ctx context.Context, m model.Mission) ([]*cmdspec.Command, error) {
	fctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	fw, err := o.transport.FirmwareVersion(fctx)
	if err != nil {
		return nil, fmt.Errorf("reading firmware version: %w", err)
	}
	if fw != m.FWVersion {
		return nil, fmt.Errorf("%w: spacecraft runs %s, mission needs %s", ErrFirmwareMismatch, fw, m.FWVersion)
	}

	out := make([]*cmdspec.Command, len(m.Commands))
	if o.specs == nil {
		return out, nil
	}
	for i, c := range m.Commands {
		cs, err := o.specs.Lookup(m.FWVersion, c.CommandName, c.CommandID)
		if err != nil {
			return nil, err
		}
		out[i] = cs
	}
	return out, nil
}

func (o *Orchestrator) runCommand(ctx context.Context, c *model.Command, cs *cmdspec.Command, log *slog.Logger) error {
	if c.ScheduledAt == nil {
		return errMissingTime
	}
	if err := clock.SleepUntil(ctx, o.clock, *c.ScheduledAt); err != nil {
		return err
	}

	sentAt := o.clock.Now()
	c.SentAt = &sentAt

	args := c.Arguments
	if cs != nil {
		var err error
		if args, err = cs.EncodeArgs(c.Arguments); err != nil {
			return err
		}
	}

	dctx, cancel := context.WithTimeout(ctx, o.timeout)
	start := time.Now()
	resp, err := o.transport.Send(dctx, transport.Request{
		CommandID:   c.CommandID,
		CommandName: c.CommandName,
		Args:        args,
		Mode:        transport.ModeImmediate,
	})
	cancel()
	metrics.RecordCommandDispatch(time.Since(start), err)
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			err = transport.ErrTimeout
		}
		return err
	}

	payload := resp.Payload()
	if cs != nil && !resp.Pending {
		if payload, err = cs.DecodeResponse(payload); err != nil {
			return err
		}
	}
	c.Responses = payload

	ranAt := sentAt
	if resp.ExecutedAt != nil {
		ranAt = resp.ExecutedAt.UTC()
	}
	c.RanAt = &ranAt

	log.Info("command sent",
		"sequence_number", c.SequenceNumber,
		"command_name", c.CommandName,
		"scheduled_at", *c.ScheduledAt,
		"pending", resp.Pending,
	)
	return nil
}

// fail marks the mission, and the failed command if any, as errored.
func (o *Orchestrator) fail(ctx context.Context, m *model.Mission, c *model.Command, cause error) {
	if c != nil {
		c.Error = cause.Error()
		if c.SentAt != nil {
			ranAt := *c.SentAt
			c.RanAt = &ranAt
		}
	}
	m.Status = model.StatusError
	m.Error = cause.Error()

	log := o.logger.With("mission_id", m.ID)
	log.Error("mission failed", "error", cause)
	o.persist(ctx, log, func(ctx context.Context, tx store.Tx) error { return tx.SaveMission(ctx, *m) })
	o.transition(*m)
}

// persist writes progress on a context that survives the caller's
// cancellation. Failures are logged; the in-memory result stands.
func (o *Orchestrator) persist(ctx context.Context, log *slog.Logger, fn func(ctx context.Context, tx store.Tx) error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.timeout)
	defer cancel()
	err := o.store.WithTx(ctx, store.ReadCommitted, func(tx store.Tx) error { return fn(ctx, tx) })
	if err != nil {
		log.Error("persisting mission progress", "error", err)
	}
}

func (o *Orchestrator) transition(m model.Mission) {
	metrics.RecordMissionTransition(string(m.Status))
	if o.publisher != nil {
		o.publisher.Publish(m.Event(o.clock.Now()))
	}
}
