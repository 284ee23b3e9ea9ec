package scheduler

import (
	"time"

	"github.com/jumiknows/AleasatV2-sub002/internal/model"
)

// Overheads are the fixed durations that bracket a mission's commands.
type Overheads struct {
	ExecTime         time.Duration // per command
	ExecOverhead     time.Duration // per command
	InitialOverhead  time.Duration // before the first command
	DirectOverhead   time.Duration // after the last command
	IndirectOverhead time.Duration // after DirectOverhead
	MinChunk         time.Duration // shortest free interval worth keeping
}

// DefaultOverheads returns the standard overhead constants.
func DefaultOverheads() Overheads {
	return Overheads{
		ExecTime:         2 * time.Second,
		ExecOverhead:     1 * time.Second,
		InitialOverhead:  30 * time.Second,
		DirectOverhead:   10 * time.Second,
		IndirectOverhead: 20 * time.Second,
		MinChunk:         30 * time.Second,
	}
}

// MissionDuration is the raw command time: every command's execution time,
// execution overhead and offset.
func (o Overheads) MissionDuration(cmds []model.Command) time.Duration {
	var d time.Duration
	for _, c := range cmds {
		d += o.ExecTime + o.ExecOverhead + c.Offset()
	}
	return d
}

// SchedulingDuration is the full reservation length for a mission of the
// given raw duration.
func (o Overheads) SchedulingDuration(missionDur time.Duration) time.Duration {
	return o.InitialOverhead + missionDur + o.DirectOverhead + o.IndirectOverhead
}

// Boundaries lays out a reservation whose commands start at missionStart.
func (o Overheads) Boundaries(missionID string, missionStart time.Time, missionDur time.Duration) model.MissionSchedule {
	end := missionStart.Add(missionDur)
	direct := end.Add(o.DirectOverhead)
	return model.MissionSchedule{
		MissionID:            missionID,
		InitialOverheadStart: missionStart.Add(-o.InitialOverhead),
		MissionStart:         missionStart,
		MissionEnd:           end,
		DirectOverheadEnd:    direct,
		IndirectOverheadEnd:  direct.Add(o.IndirectOverhead),
	}
}

// CommandTimes stamps each command's ScheduledAt and returns the matching
// execution intervals. cmds must be in sequence order. A command starts
// after its offset has elapsed from the end of the previous one.
func (o Overheads) CommandTimes(cmds []model.Command, missionStart time.Time) []model.CommandSchedule {
	out := make([]model.CommandSchedule, 0, len(cmds))
	clk := missionStart
	for i := range cmds {
		clk = clk.Add(cmds[i].Offset())
		at := clk
		cmds[i].ScheduledAt = &at
		clk = clk.Add(o.ExecTime + o.ExecOverhead)
		out = append(out, model.CommandSchedule{
			CommandID: cmds[i].ID,
			MissionID: cmds[i].MissionID,
			Start:     at,
			End:       clk,
		})
	}
	return out
}

// FindSlot returns the first free interval, in start order, that can hold d
// from start. With exact set the reservation must begin at start; otherwise
// it may slide later to the beginning of a free interval.
func FindSlot(free []model.FreeSpace, start time.Time, d time.Duration, exact bool) (int, time.Time, bool) {
	for i, fs := range free {
		s := start
		if fs.Start.After(s) {
			if exact {
				continue
			}
			s = fs.Start
		}
		if fs.End != nil && fs.End.Sub(s) < d {
			continue
		}
		return i, s, true
	}
	return -1, time.Time{}, false
}

// Carve splits fs around the reservation [start, start+d). Leftovers shorter
// than minChunk are dropped. The piece after an open-ended interval stays
// open-ended. Returned pieces have no IDs.
func Carve(fs model.FreeSpace, start time.Time, d, minChunk time.Duration) []model.FreeSpace {
	var out []model.FreeSpace
	if start.Sub(fs.Start) >= minChunk {
		end := start
		out = append(out, model.FreeSpace{Start: fs.Start, End: &end})
	}

	end := start.Add(d)
	switch {
	case fs.End == nil:
		out = append(out, model.FreeSpace{Start: end})
	case fs.End.Sub(end) >= minChunk:
		tail := *fs.End
		out = append(out, model.FreeSpace{Start: end, End: &tail})
	}
	return out
}

// SplitPast separates bounded free rows that ended at or before now from the
// rest. Order is preserved.
func SplitPast(free []model.FreeSpace, now time.Time) (past, rest []model.FreeSpace) {
	for _, f := range free {
		if f.End != nil && !f.End.After(now) {
			past = append(past, f)
			continue
		}
		rest = append(rest, f)
	}
	return past, rest
}
