package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jumiknows/AleasatV2-sub002/internal/model"
)

// PGStore persists to PostgreSQL through a pgx pool.
type PGStore struct {
	pool     *pgxpool.Pool
	maxTries uint
}

// OpenPG connects to url and ensures the schema exists.
func OpenPG(ctx context.Context, url string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	if err := InitDB(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("initialising schema: %w", err)
	}
	return &PGStore{pool: pool, maxTries: 8}, nil
}

// InitDB creates tables and indexes.
func InitDB(ctx context.Context, pool *pgxpool.Pool) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS ground_stations(
			id TEXT PRIMARY KEY,
			owner_id TEXT,
			name TEXT NOT NULL,
			lat DOUBLE PRECISION NOT NULL,
			lng DOUBLE PRECISION NOT NULL,
			min_elevation DOUBLE PRECISION NOT NULL,
			auto_add_passes BOOLEAN NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS passes(
			id TEXT PRIMARY KEY,
			ground_station_id TEXT NOT NULL REFERENCES ground_stations(id) ON DELETE CASCADE,
			current_rise_set_id TEXT NOT NULL,
			rise_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS ix_passes_station_rise ON passes(ground_station_id, rise_at)`,
		`CREATE TABLE IF NOT EXISTS rise_sets(
			id TEXT PRIMARY KEY,
			pass_id TEXT NOT NULL REFERENCES passes(id) ON DELETE CASCADE,
			rise_t TIMESTAMPTZ NOT NULL,
			rise_x DOUBLE PRECISION NOT NULL,
			rise_y DOUBLE PRECISION NOT NULL,
			rise_z DOUBLE PRECISION NOT NULL,
			set_t TIMESTAMPTZ NOT NULL,
			set_x DOUBLE PRECISION NOT NULL,
			set_y DOUBLE PRECISION NOT NULL,
			set_z DOUBLE PRECISION NOT NULL,
			state_id TEXT NOT NULL,
			previous_pass_id TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS ix_rise_sets_pass ON rise_sets(pass_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS missions(
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			fw_version TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			scheduled_at TIMESTAMPTZ,
			status TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			dispatch_job_id TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS ix_missions_status ON missions(status)`,
		`CREATE TABLE IF NOT EXISTS commands(
			id TEXT PRIMARY KEY,
			mission_id TEXT NOT NULL REFERENCES missions(id) ON DELETE CASCADE,
			sequence_number INTEGER NOT NULL,
			command_id INTEGER NOT NULL,
			command_name TEXT NOT NULL,
			time_offset DOUBLE PRECISION NOT NULL,
			arguments JSONB,
			scheduled_at TIMESTAMPTZ,
			sent_at TIMESTAMPTZ,
			ran_at TIMESTAMPTZ,
			responses JSONB,
			error TEXT NOT NULL DEFAULT '',
			UNIQUE (mission_id, sequence_number)
		)`,
		`CREATE TABLE IF NOT EXISTS mission_queue(
			mission_id TEXT PRIMARY KEY REFERENCES missions(id) ON DELETE CASCADE,
			queued_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS mission_schedule_space(
			id TEXT PRIMARY KEY,
			start_at TIMESTAMPTZ NOT NULL,
			end_at TIMESTAMPTZ
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_schedule_space_tail
		 ON mission_schedule_space((end_at IS NULL)) WHERE end_at IS NULL`,
		`CREATE TABLE IF NOT EXISTS mission_schedules(
			mission_id TEXT PRIMARY KEY REFERENCES missions(id),
			initial_overhead_start TIMESTAMPTZ NOT NULL,
			mission_start TIMESTAMPTZ NOT NULL,
			mission_end TIMESTAMPTZ NOT NULL,
			direct_overhead_end TIMESTAMPTZ NOT NULL,
			indirect_overhead_end TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS command_schedules(
			command_id TEXT PRIMARY KEY,
			mission_id TEXT NOT NULL REFERENCES missions(id),
			start_at TIMESTAMPTZ NOT NULL,
			end_at TIMESTAMPTZ NOT NULL
		)`,
	}

	for _, q := range queries {
		if _, err := pool.Exec(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *PGStore) Close() {
	s.pool.Close()
}

func (s *PGStore) WithTx(ctx context.Context, iso Isolation, fn func(tx Tx) error) error {
	level := pgx.ReadCommitted
	if iso == Serializable {
		level = pgx.Serializable
	}
	return retryConflicts(ctx, s.maxTries, func() error {
		err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: level}, func(tx pgx.Tx) error {
			return fn(&pgTx{tx: tx})
		})
		return classify(err)
	})
}

// classify maps PostgreSQL error codes onto the package's sentinels.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return fmt.Errorf("%w: %s", ErrConflict, pgErr.Message)
		case "23505": // unique_violation
			return fmt.Errorf("%w: %s", ErrDuplicate, pgErr.Detail)
		}
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) exec(ctx context.Context, sql string, args ...any) error {
	_, err := t.tx.Exec(ctx, sql, args...)
	return classify(err)
}

// execOne is exec that reports ErrNotFound when no row was affected.
func (t *pgTx) execOne(ctx context.Context, what, sql string, args ...any) error {
	tag, err := t.tx.Exec(ctx, sql, args...)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}

const stationCols = `id, owner_id, name, lat, lng, min_elevation, auto_add_passes, created_at`

func scanStation(row pgx.Row) (model.GroundStation, error) {
	var gs model.GroundStation
	err := row.Scan(&gs.ID, &gs.OwnerID, &gs.Name, &gs.Lat, &gs.Lng, &gs.MinElevation, &gs.AutoAddPasses, &gs.CreatedAt)
	return gs, classify(err)
}

func (t *pgTx) CreateGroundStation(ctx context.Context, gs model.GroundStation) error {
	return t.exec(ctx, `INSERT INTO ground_stations(`+stationCols+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8)`,
		gs.ID, gs.OwnerID, gs.Name, gs.Lat, gs.Lng, gs.MinElevation, gs.AutoAddPasses, gs.CreatedAt)
}

func (t *pgTx) GetGroundStation(ctx context.Context, id string) (model.GroundStation, error) {
	return scanStation(t.tx.QueryRow(ctx, `SELECT `+stationCols+` FROM ground_stations WHERE id=$1`, id))
}

func (t *pgTx) ListGroundStations(ctx context.Context) ([]model.GroundStation, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+stationCols+` FROM ground_stations ORDER BY created_at, id`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []model.GroundStation
	for rows.Next() {
		gs, err := scanStation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, gs)
	}
	return out, classify(rows.Err())
}

const riseSetCols = `rs.id, rs.pass_id, rs.rise_t, rs.rise_x, rs.rise_y, rs.rise_z,
	rs.set_t, rs.set_x, rs.set_y, rs.set_z, rs.state_id, rs.previous_pass_id, rs.created_at`

func scanRiseSet(row pgx.Row, extra ...any) (model.RiseSet, error) {
	var rs model.RiseSet
	dest := append(extra,
		&rs.ID, &rs.PassID, &rs.Rise.T, &rs.Rise.X, &rs.Rise.Y, &rs.Rise.Z,
		&rs.Set.T, &rs.Set.X, &rs.Set.Y, &rs.Set.Z, &rs.StateID, &rs.PreviousPassID, &rs.CreatedAt)
	err := row.Scan(dest...)
	return rs, classify(err)
}

func (t *pgTx) queryPasses(ctx context.Context, where string, args ...any) ([]model.Pass, error) {
	rows, err := t.tx.Query(ctx, `SELECT p.ground_station_id, `+riseSetCols+`
		FROM passes p JOIN rise_sets rs ON rs.id = p.current_rise_set_id
		WHERE `+where, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []model.Pass
	for rows.Next() {
		var stationID string
		rs, err := scanRiseSet(rows, &stationID)
		if err != nil {
			return nil, err
		}
		out = append(out, model.Pass{ID: rs.PassID, GroundStationID: stationID, RiseSet: rs})
	}
	return out, classify(rows.Err())
}

func (t *pgTx) ListPassesFrom(ctx context.Context, stationID string, from time.Time) ([]model.Pass, error) {
	return t.queryPasses(ctx, `p.ground_station_id=$1 AND p.rise_at >= $2 ORDER BY p.rise_at`, stationID, from)
}

func (t *pgTx) LastPassBefore(ctx context.Context, stationID string, at time.Time) (model.Pass, error) {
	ps, err := t.queryPasses(ctx, `p.ground_station_id=$1 AND p.rise_at < $2 ORDER BY p.rise_at DESC LIMIT 1`, stationID, at)
	if err != nil {
		return model.Pass{}, err
	}
	if len(ps) == 0 {
		return model.Pass{}, ErrNotFound
	}
	return ps[0], nil
}

func (t *pgTx) GetPass(ctx context.Context, id string) (model.Pass, error) {
	ps, err := t.queryPasses(ctx, `p.id=$1`, id)
	if err != nil {
		return model.Pass{}, err
	}
	if len(ps) == 0 {
		return model.Pass{}, fmt.Errorf("pass %s: %w", id, ErrNotFound)
	}
	return ps[0], nil
}

func (t *pgTx) insertRiseSet(ctx context.Context, rs model.RiseSet) error {
	return t.exec(ctx, `INSERT INTO rise_sets(id, pass_id, rise_t, rise_x, rise_y, rise_z,
			set_t, set_x, set_y, set_z, state_id, previous_pass_id, created_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		rs.ID, rs.PassID, rs.Rise.T, rs.Rise.X, rs.Rise.Y, rs.Rise.Z,
		rs.Set.T, rs.Set.X, rs.Set.Y, rs.Set.Z, rs.StateID, rs.PreviousPassID, rs.CreatedAt)
}

func (t *pgTx) CreatePass(ctx context.Context, p model.Pass) error {
	rs := p.RiseSet
	rs.PassID = p.ID
	if err := t.exec(ctx, `INSERT INTO passes(id, ground_station_id, current_rise_set_id, rise_at) VALUES($1,$2,$3,$4)`,
		p.ID, p.GroundStationID, rs.ID, rs.Rise.T); err != nil {
		return err
	}
	return t.insertRiseSet(ctx, rs)
}

func (t *pgTx) AddRiseSet(ctx context.Context, rs model.RiseSet) error {
	if err := t.execOne(ctx, "pass "+rs.PassID,
		`UPDATE passes SET current_rise_set_id=$2, rise_at=$3 WHERE id=$1`, rs.PassID, rs.ID, rs.Rise.T); err != nil {
		return err
	}
	return t.insertRiseSet(ctx, rs)
}

func (t *pgTx) DeletePass(ctx context.Context, id string) error {
	return t.execOne(ctx, "pass "+id, `DELETE FROM passes WHERE id=$1`, id)
}

func (t *pgTx) PassHistory(ctx context.Context, passID string) ([]model.RiseSet, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+riseSetCols+` FROM rise_sets rs WHERE rs.pass_id=$1 ORDER BY rs.created_at, rs.id`, passID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []model.RiseSet
	for rows.Next() {
		rs, err := scanRiseSet(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rs)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("pass %s: %w", passID, ErrNotFound)
	}
	return out, nil
}

const missionCols = `id, user_id, fw_version, created_at, scheduled_at, status, error, dispatch_job_id`

const commandCols = `id, mission_id, sequence_number, command_id, command_name, time_offset,
	arguments, scheduled_at, sent_at, ran_at, responses, error`

func (t *pgTx) CreateMission(ctx context.Context, m model.Mission) error {
	if err := t.exec(ctx, `INSERT INTO missions(`+missionCols+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8)`,
		m.ID, m.UserID, m.FWVersion, m.CreatedAt, m.ScheduledAt, m.Status, m.Error, m.DispatchJobID); err != nil {
		return err
	}
	for _, c := range m.Commands {
		if err := t.exec(ctx, `INSERT INTO commands(`+commandCols+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
			c.ID, m.ID, c.SequenceNumber, c.CommandID, c.CommandName, c.TimeOffset,
			c.Arguments, c.ScheduledAt, c.SentAt, c.RanAt, c.Responses, c.Error); err != nil {
			return err
		}
	}
	return nil
}

func (t *pgTx) loadCommands(ctx context.Context, m *model.Mission) error {
	rows, err := t.tx.Query(ctx, `SELECT `+commandCols+` FROM commands WHERE mission_id=$1 ORDER BY sequence_number`, m.ID)
	if err != nil {
		return classify(err)
	}
	defer rows.Close()

	m.Commands = nil
	for rows.Next() {
		var c model.Command
		if err := rows.Scan(&c.ID, &c.MissionID, &c.SequenceNumber, &c.CommandID, &c.CommandName, &c.TimeOffset,
			&c.Arguments, &c.ScheduledAt, &c.SentAt, &c.RanAt, &c.Responses, &c.Error); err != nil {
			return classify(err)
		}
		m.Commands = append(m.Commands, c)
	}
	return classify(rows.Err())
}

func (t *pgTx) queryMissions(ctx context.Context, where string, args ...any) ([]model.Mission, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+missionCols+` FROM missions WHERE `+where, args...)
	if err != nil {
		return nil, classify(err)
	}
	var out []model.Mission
	for rows.Next() {
		var m model.Mission
		if err := rows.Scan(&m.ID, &m.UserID, &m.FWVersion, &m.CreatedAt, &m.ScheduledAt, &m.Status, &m.Error, &m.DispatchJobID); err != nil {
			rows.Close()
			return nil, classify(err)
		}
		out = append(out, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}

	// One connection per transaction: commands are loaded after the mission
	// rows are fully read.
	for i := range out {
		if err := t.loadCommands(ctx, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (t *pgTx) GetMission(ctx context.Context, id string) (model.Mission, error) {
	ms, err := t.queryMissions(ctx, `id=$1`, id)
	if err != nil {
		return model.Mission{}, err
	}
	if len(ms) == 0 {
		return model.Mission{}, fmt.Errorf("mission %s: %w", id, ErrNotFound)
	}
	return ms[0], nil
}

func (t *pgTx) ListMissions(ctx context.Context, userID string) ([]model.Mission, error) {
	return t.queryMissions(ctx, `user_id=$1 ORDER BY created_at, id`, userID)
}

func (t *pgTx) ListMissionsByStatus(ctx context.Context, statuses ...model.MissionStatus) ([]model.Mission, error) {
	ss := make([]string, len(statuses))
	for i, s := range statuses {
		ss[i] = string(s)
	}
	return t.queryMissions(ctx, `status = ANY($1) ORDER BY created_at, id`, ss)
}

func (t *pgTx) SaveMission(ctx context.Context, m model.Mission) error {
	if err := t.execOne(ctx, "mission "+m.ID,
		`UPDATE missions SET scheduled_at=$2, status=$3, error=$4, dispatch_job_id=$5 WHERE id=$1`,
		m.ID, m.ScheduledAt, m.Status, m.Error, m.DispatchJobID); err != nil {
		return err
	}
	for _, c := range m.Commands {
		if err := t.SaveCommand(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

func (t *pgTx) SaveCommand(ctx context.Context, c model.Command) error {
	return t.execOne(ctx, "command "+c.ID,
		`UPDATE commands SET scheduled_at=$2, sent_at=$3, ran_at=$4, responses=$5, error=$6 WHERE id=$1`,
		c.ID, c.ScheduledAt, c.SentAt, c.RanAt, c.Responses, c.Error)
}

func (t *pgTx) DeleteMission(ctx context.Context, id string) error {
	return t.execOne(ctx, "mission "+id, `DELETE FROM missions WHERE id=$1`, id)
}

func (t *pgTx) Enqueue(ctx context.Context, e model.QueueEntry) error {
	return t.exec(ctx, `INSERT INTO mission_queue(mission_id, queued_at) VALUES($1,$2)`, e.MissionID, e.QueuedAt)
}

func (t *pgTx) OldestQueued(ctx context.Context) (model.QueueEntry, error) {
	var e model.QueueEntry
	err := t.tx.QueryRow(ctx,
		`SELECT mission_id, queued_at FROM mission_queue ORDER BY queued_at, mission_id LIMIT 1 FOR UPDATE`).
		Scan(&e.MissionID, &e.QueuedAt)
	return e, classify(err)
}

func (t *pgTx) Dequeue(ctx context.Context, missionID string) error {
	return t.execOne(ctx, "queue entry "+missionID, `DELETE FROM mission_queue WHERE mission_id=$1`, missionID)
}

func (t *pgTx) FreeSpaces(ctx context.Context) ([]model.FreeSpace, error) {
	rows, err := t.tx.Query(ctx, `SELECT id, start_at, end_at FROM mission_schedule_space ORDER BY start_at FOR UPDATE`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []model.FreeSpace
	for rows.Next() {
		var fs model.FreeSpace
		if err := rows.Scan(&fs.ID, &fs.Start, &fs.End); err != nil {
			return nil, classify(err)
		}
		out = append(out, fs)
	}
	return out, classify(rows.Err())
}

func (t *pgTx) InsertFreeSpace(ctx context.Context, fs model.FreeSpace) error {
	return t.exec(ctx, `INSERT INTO mission_schedule_space(id, start_at, end_at) VALUES($1,$2,$3)`, fs.ID, fs.Start, fs.End)
}

func (t *pgTx) DeleteFreeSpace(ctx context.Context, id string) error {
	return t.execOne(ctx, "free space "+id, `DELETE FROM mission_schedule_space WHERE id=$1`, id)
}

const scheduleCols = `mission_id, initial_overhead_start, mission_start, mission_end, direct_overhead_end, indirect_overhead_end`

func scanSchedule(row pgx.Row) (model.MissionSchedule, error) {
	var s model.MissionSchedule
	err := row.Scan(&s.MissionID, &s.InitialOverheadStart, &s.MissionStart, &s.MissionEnd, &s.DirectOverheadEnd, &s.IndirectOverheadEnd)
	return s, classify(err)
}

func (t *pgTx) InsertMissionSchedule(ctx context.Context, s model.MissionSchedule) error {
	return t.exec(ctx, `INSERT INTO mission_schedules(`+scheduleCols+`) VALUES($1,$2,$3,$4,$5,$6)`,
		s.MissionID, s.InitialOverheadStart, s.MissionStart, s.MissionEnd, s.DirectOverheadEnd, s.IndirectOverheadEnd)
}

func (t *pgTx) GetMissionSchedule(ctx context.Context, missionID string) (model.MissionSchedule, error) {
	return scanSchedule(t.tx.QueryRow(ctx, `SELECT `+scheduleCols+` FROM mission_schedules WHERE mission_id=$1`, missionID))
}

func (t *pgTx) MissionSchedules(ctx context.Context) ([]model.MissionSchedule, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+scheduleCols+` FROM mission_schedules ORDER BY initial_overhead_start`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []model.MissionSchedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, classify(rows.Err())
}

func (t *pgTx) InsertCommandSchedule(ctx context.Context, cs model.CommandSchedule) error {
	return t.exec(ctx, `INSERT INTO command_schedules(command_id, mission_id, start_at, end_at) VALUES($1,$2,$3,$4)`,
		cs.CommandID, cs.MissionID, cs.Start, cs.End)
}

func (t *pgTx) CommandSchedules(ctx context.Context, missionID string) ([]model.CommandSchedule, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT command_id, mission_id, start_at, end_at FROM command_schedules WHERE mission_id=$1 ORDER BY start_at`, missionID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []model.CommandSchedule
	for rows.Next() {
		var cs model.CommandSchedule
		if err := rows.Scan(&cs.CommandID, &cs.MissionID, &cs.Start, &cs.End); err != nil {
			return nil, classify(err)
		}
		out = append(out, cs)
	}
	return out, classify(rows.Err())
}
