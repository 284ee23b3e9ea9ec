// Package store is the transactional persistence contract for stations,
// passes, missions and the shared mission timeline, with an in-memory
// implementation and a PostgreSQL one.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/jumiknows/AleasatV2-sub002/internal/model"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when inserting a row whose key exists.
	ErrDuplicate = errors.New("already exists")
	// ErrConflict marks a transaction aborted by a concurrent writer. WithTx
	// retries it; callers only see it once retries are exhausted.
	ErrConflict = errors.New("transaction conflict")
)

// Isolation is a transaction isolation level.
type Isolation int

const (
	ReadCommitted Isolation = iota
	Serializable
)

func (i Isolation) String() string {
	if i == Serializable {
		return "serializable"
	}
	return "read committed"
}

// Store runs transactions.
type Store interface {
	// WithTx runs fn in a transaction, committing when it returns nil. A
	// conflicting commit re-runs fn from the start, so fn must not have side
	// effects outside tx.
	WithTx(ctx context.Context, iso Isolation, fn func(tx Tx) error) error
	Close()
}

// Tx is the set of operations available inside a transaction.
type Tx interface {
	CreateGroundStation(ctx context.Context, gs model.GroundStation) error
	GetGroundStation(ctx context.Context, id string) (model.GroundStation, error)
	ListGroundStations(ctx context.Context) ([]model.GroundStation, error)

	// ListPassesFrom returns the station's passes whose current prediction
	// rises at or after from, ordered by rise.
	ListPassesFrom(ctx context.Context, stationID string, from time.Time) ([]model.Pass, error)
	// LastPassBefore returns the station's latest pass rising before t.
	LastPassBefore(ctx context.Context, stationID string, t time.Time) (model.Pass, error)
	GetPass(ctx context.Context, id string) (model.Pass, error)
	// CreatePass inserts a pass with p.RiseSet as its first prediction.
	CreatePass(ctx context.Context, p model.Pass) error
	// AddRiseSet supersedes a pass's current prediction.
	AddRiseSet(ctx context.Context, rs model.RiseSet) error
	DeletePass(ctx context.Context, id string) error
	// PassHistory returns every prediction of a pass, oldest first.
	PassHistory(ctx context.Context, passID string) ([]model.RiseSet, error)

	CreateMission(ctx context.Context, m model.Mission) error
	GetMission(ctx context.Context, id string) (model.Mission, error)
	ListMissions(ctx context.Context, userID string) ([]model.Mission, error)
	ListMissionsByStatus(ctx context.Context, statuses ...model.MissionStatus) ([]model.Mission, error)
	// SaveMission updates a mission and all of its commands.
	SaveMission(ctx context.Context, m model.Mission) error
	SaveCommand(ctx context.Context, c model.Command) error
	DeleteMission(ctx context.Context, id string) error

	Enqueue(ctx context.Context, e model.QueueEntry) error
	// OldestQueued returns the earliest queue entry, ErrNotFound when empty.
	OldestQueued(ctx context.Context) (model.QueueEntry, error)
	Dequeue(ctx context.Context, missionID string) error

	// FreeSpaces returns all free-space rows ordered by start.
	FreeSpaces(ctx context.Context) ([]model.FreeSpace, error)
	InsertFreeSpace(ctx context.Context, fs model.FreeSpace) error
	DeleteFreeSpace(ctx context.Context, id string) error

	InsertMissionSchedule(ctx context.Context, s model.MissionSchedule) error
	GetMissionSchedule(ctx context.Context, missionID string) (model.MissionSchedule, error)
	// MissionSchedules returns all reservations ordered by start.
	MissionSchedules(ctx context.Context) ([]model.MissionSchedule, error)
	InsertCommandSchedule(ctx context.Context, cs model.CommandSchedule) error
	CommandSchedules(ctx context.Context, missionID string) ([]model.CommandSchedule, error)
}

// retryConflicts re-runs attempt while it fails with ErrConflict.
func retryConflicts(ctx context.Context, maxTries uint, attempt func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := attempt()
		if err != nil && !errors.Is(err, ErrConflict) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(maxTries))
	return err
}
