package model

import (
	"sort"
	"time"
)

// MissionStatus is the lifecycle state of a mission.
type MissionStatus string

const (
	StatusCreated   MissionStatus = "created"
	StatusQueued    MissionStatus = "queued"
	StatusScheduled MissionStatus = "scheduled"
	StatusSent      MissionStatus = "sent"
	StatusError     MissionStatus = "error"
	StatusExpired   MissionStatus = "expired"
)

// Terminal reports whether no further transition is possible.
func (s MissionStatus) Terminal() bool {
	switch s {
	case StatusSent, StatusError, StatusExpired:
		return true
	}
	return false
}

// Mission is an ordered, timed batch of commands scheduled as a unit.
type Mission struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	FWVersion string    `json:"fw_version"`
	CreatedAt time.Time `json:"created_at"`

	// ScheduledAt, when set, is the instant the mission must start.
	ScheduledAt *time.Time    `json:"scheduled_at,omitempty"`
	Status      MissionStatus `json:"status"`
	Error       string        `json:"error,omitempty"`

	// DispatchJobID is set once the due-mission sweep has handed the mission
	// to the execution queue.
	DispatchJobID string    `json:"dispatch_job_id,omitempty"`
	Commands      []Command `json:"commands"`
}

// SortCommands orders the mission's commands by sequence number.
func (m *Mission) SortCommands() {
	sort.SliceStable(m.Commands, func(i, j int) bool {
		return m.Commands[i].SequenceNumber < m.Commands[j].SequenceNumber
	})
}

// Command is a single timed command inside a mission.
type Command struct {
	ID             string         `json:"id"`
	MissionID      string         `json:"mission_id"`
	SequenceNumber int            `json:"sequence_number"`
	CommandID      int            `json:"command_id"`
	CommandName    string         `json:"command_name"`
	TimeOffset     float64        `json:"time_offset"` // seconds
	Arguments      map[string]any `json:"arguments,omitempty"`

	ScheduledAt *time.Time     `json:"scheduled_at,omitempty"`
	SentAt      *time.Time     `json:"sent_at,omitempty"`
	RanAt       *time.Time     `json:"ran_at,omitempty"`
	Responses   map[string]any `json:"responses,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// Offset returns TimeOffset as a duration.
func (c Command) Offset() time.Duration {
	return time.Duration(c.TimeOffset * float64(time.Second))
}

// MissionSchedule is the reserved interval for one mission on the shared
// timeline. InitialOverheadStart and IndirectOverheadEnd bound the reservation.
type MissionSchedule struct {
	MissionID            string    `json:"mission_id"`
	InitialOverheadStart time.Time `json:"initial_overhead_start"`
	MissionStart         time.Time `json:"mission_start"`
	MissionEnd           time.Time `json:"mission_end"`
	DirectOverheadEnd    time.Time `json:"direct_overhead_end"`
	IndirectOverheadEnd  time.Time `json:"indirect_overhead_end"`
}

// Overlaps reports whether the reservation intersects [start, end).
func (s MissionSchedule) Overlaps(start, end time.Time) bool {
	return s.InitialOverheadStart.Before(end) && start.Before(s.IndirectOverheadEnd)
}

// CommandSchedule is the execution interval reserved for one command.
type CommandSchedule struct {
	CommandID string    `json:"command_id"`
	MissionID string    `json:"mission_id"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
}

// FreeSpace is an unallocated interval on the shared timeline. A nil End marks
// the open-ended tail.
type FreeSpace struct {
	ID    string     `json:"id"`
	Start time.Time  `json:"start"`
	End   *time.Time `json:"end,omitempty"`
}

// Open reports whether this is the open-ended tail.
func (f FreeSpace) Open() bool {
	return f.End == nil
}

// Duration returns the interval length; the tail reports the maximum duration.
func (f FreeSpace) Duration() time.Duration {
	if f.End == nil {
		return time.Duration(1<<63 - 1)
	}
	return f.End.Sub(f.Start)
}

// QueueEntry marks a mission waiting for a timeline slot.
type QueueEntry struct {
	MissionID string    `json:"mission_id"`
	QueuedAt  time.Time `json:"queued_at"`
}

// MissionEvent is a status transition pushed to subscribers.
type MissionEvent struct {
	MissionID string        `json:"mission_id"`
	UserID    string        `json:"user_id"`
	Status    MissionStatus `json:"status"`
	Error     string        `json:"error,omitempty"`
	At        time.Time     `json:"at"`
}

// Event returns the mission's current status as an event at t.
func (m Mission) Event(t time.Time) MissionEvent {
	return MissionEvent{MissionID: m.ID, UserID: m.UserID, Status: m.Status, Error: m.Error, At: t}
}
