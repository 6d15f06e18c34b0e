package db

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/versus-project/versus/internal/events"
)

// MatchLog stores match history.
type MatchLog struct {
	db *Database

	// seq makes handler names unique across Attach calls.
	seq atomic.Uint64
}

// Match is one row of the matches table.
type Match struct {
	ID        int64         `json:"id"`
	Role      string        `json:"role"`
	Peer      string        `json:"peer"`
	Transport string        `json:"transport"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   *time.Time    `json:"ended_at,omitempty"`
	Ticks     uint32        `json:"ticks"`
	Duration  time.Duration `json:"duration_ns"`
	Resyncs   int           `json:"resyncs"`
	AvgRTT    time.Duration `json:"avg_rtt_ns"`
	MaxRTT    time.Duration `json:"max_rtt_ns"`
	Samples   int           `json:"rtt_samples"`
	Error     string        `json:"error,omitempty"`
}

// MatchOutcome is what EndMatch records about a finished match.
type MatchOutcome struct {
	Ticks         uint32
	Duration      time.Duration
	PacketsSent   uint64
	PacketsRecv   uint64
	SnapshotsSent uint64
	SnapshotsRecv uint64
	Error         string
}

// Alert is a latency alert raised during a match.
type Alert struct {
	ID        int64         `json:"id"`
	MatchID   int64         `json:"match_id"`
	Level     string        `json:"level"`
	RTT       time.Duration `json:"rtt_ns"`
	Threshold time.Duration `json:"threshold_ns"`
	CreatedAt time.Time     `json:"created_at"`
}

// NewMatchLog opens the database at dbPath and migrates its schema.
func NewMatchLog(dbPath string) (*MatchLog, error) {
	database, err := NewDatabase(dbPath)
	if err != nil {
		return nil, err
	}

	ml := &MatchLog{db: database}
	if err := ml.migrate(); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate match database: %w", err)
	}
	return ml, nil
}

// migrate creates the database schema. Times are unix milliseconds.
func (ml *MatchLog) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS matches (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			role TEXT NOT NULL,
			peer TEXT NOT NULL DEFAULT '',
			transport TEXT NOT NULL DEFAULT '',
			started_at INTEGER NOT NULL,
			ended_at INTEGER,
			ticks INTEGER NOT NULL DEFAULT 0,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			packets_sent INTEGER NOT NULL DEFAULT 0,
			packets_received INTEGER NOT NULL DEFAULT 0,
			snapshots_sent INTEGER NOT NULL DEFAULT 0,
			snapshots_received INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT ''
		);

		CREATE TABLE IF NOT EXISTS rtt_samples (
			match_id INTEGER NOT NULL,
			at INTEGER NOT NULL,
			rtt_us INTEGER NOT NULL,
			FOREIGN KEY (match_id) REFERENCES matches(id) ON DELETE CASCADE
		);

		CREATE TABLE IF NOT EXISTS resyncs (
			match_id INTEGER NOT NULL,
			at INTEGER NOT NULL,
			from_tick INTEGER NOT NULL,
			to_tick INTEGER NOT NULL,
			replayed INTEGER NOT NULL,
			FOREIGN KEY (match_id) REFERENCES matches(id) ON DELETE CASCADE
		);

		CREATE TABLE IF NOT EXISTS alerts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			match_id INTEGER NOT NULL,
			level TEXT NOT NULL,
			rtt_us INTEGER NOT NULL,
			threshold_us INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			FOREIGN KEY (match_id) REFERENCES matches(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_rtt_samples_match ON rtt_samples(match_id);
		CREATE INDEX IF NOT EXISTS idx_resyncs_match ON resyncs(match_id);
		CREATE INDEX IF NOT EXISTS idx_alerts_match ON alerts(match_id);
	`

	if _, err := ml.db.Exec(schema); err != nil {
		return fmt.Errorf("schema migration failed: %w", err)
	}

	log.Debug().Msg("database schema migrated")
	return nil
}

// BeginMatch inserts a match row and returns its id.
func (ml *MatchLog) BeginMatch(role events.Role, peer, transport string, at time.Time) (int64, error) {
	res, err := ml.db.Exec(
		"INSERT INTO matches (role, peer, transport, started_at) VALUES (?, ?, ?, ?)",
		role.String(), peer, transport, at.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to record match start: %w", err)
	}
	return res.LastInsertId()
}

// EndMatch records the outcome of a match.
func (ml *MatchLog) EndMatch(matchID int64, outcome MatchOutcome, at time.Time) error {
	res, err := ml.db.Exec(`
		UPDATE matches SET
			ended_at = ?, ticks = ?, duration_ms = ?,
			packets_sent = ?, packets_received = ?,
			snapshots_sent = ?, snapshots_received = ?,
			error = ?
		WHERE id = ?`,
		at.UnixMilli(), outcome.Ticks, outcome.Duration.Milliseconds(),
		outcome.PacketsSent, outcome.PacketsRecv,
		outcome.SnapshotsSent, outcome.SnapshotsRecv,
		outcome.Error, matchID)
	if err != nil {
		return fmt.Errorf("failed to record match end: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("match %d not found", matchID)
	}
	return nil
}

// RecordRTT stores one round-trip sample.
func (ml *MatchLog) RecordRTT(matchID int64, rtt time.Duration, at time.Time) error {
	_, err := ml.db.Exec(
		"INSERT INTO rtt_samples (match_id, at, rtt_us) VALUES (?, ?, ?)",
		matchID, at.UnixMilli(), rtt.Microseconds())
	return err
}

// RecordResync stores one rollback.
func (ml *MatchLog) RecordResync(matchID int64, fromTick, toTick, replayed uint32, at time.Time) error {
	_, err := ml.db.Exec(
		"INSERT INTO resyncs (match_id, at, from_tick, to_tick, replayed) VALUES (?, ?, ?, ?, ?)",
		matchID, at.UnixMilli(), fromTick, toTick, replayed)
	return err
}

// RecordAlert stores a latency alert.
func (ml *MatchLog) RecordAlert(matchID int64, level events.AlertLevel, rtt, threshold time.Duration, at time.Time) error {
	_, err := ml.db.Exec(
		"INSERT INTO alerts (match_id, level, rtt_us, threshold_us, created_at) VALUES (?, ?, ?, ?, ?)",
		matchID, string(level), rtt.Microseconds(), threshold.Microseconds(), at.UnixMilli())
	return err
}

const matchColumns = `
	m.id, m.role, m.peer, m.transport, m.started_at, m.ended_at,
	m.ticks, m.duration_ms, m.error,
	(SELECT COUNT(*) FROM resyncs r WHERE r.match_id = m.id),
	(SELECT COUNT(*) FROM rtt_samples s WHERE s.match_id = m.id),
	(SELECT COALESCE(AVG(rtt_us), 0) FROM rtt_samples s WHERE s.match_id = m.id),
	(SELECT COALESCE(MAX(rtt_us), 0) FROM rtt_samples s WHERE s.match_id = m.id)`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMatch(row rowScanner) (Match, error) {
	var (
		m         Match
		startedAt int64
		endedAt   sql.NullInt64
		duration  int64
		avgRTT    float64
		maxRTT    int64
	)
	err := row.Scan(&m.ID, &m.Role, &m.Peer, &m.Transport, &startedAt, &endedAt,
		&m.Ticks, &duration, &m.Error, &m.Resyncs, &m.Samples, &avgRTT, &maxRTT)
	if err != nil {
		return m, err
	}
	m.StartedAt = time.UnixMilli(startedAt)
	if endedAt.Valid {
		t := time.UnixMilli(endedAt.Int64)
		m.EndedAt = &t
	}
	m.Duration = time.Duration(duration) * time.Millisecond
	m.AvgRTT = time.Duration(avgRTT * float64(time.Microsecond))
	m.MaxRTT = time.Duration(maxRTT) * time.Microsecond
	return m, nil
}

// GetMatch returns a single match.
func (ml *MatchLog) GetMatch(matchID int64) (Match, error) {
	row := ml.db.QueryRow("SELECT "+matchColumns+" FROM matches m WHERE m.id = ?", matchID)
	m, err := scanMatch(row)
	if err != nil {
		return m, fmt.Errorf("failed to load match %d: %w", matchID, err)
	}
	return m, nil
}

// RecentMatches returns up to limit matches, newest first.
func (ml *MatchLog) RecentMatches(limit int) ([]Match, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := ml.db.Query("SELECT "+matchColumns+" FROM matches m ORDER BY m.id DESC LIMIT ?", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan match: %w", err)
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// Alerts returns the alerts raised during a match, oldest first.
func (ml *MatchLog) Alerts(matchID int64) ([]Alert, error) {
	rows, err := ml.db.Query(
		"SELECT id, match_id, level, rtt_us, threshold_us, created_at FROM alerts WHERE match_id = ? ORDER BY id",
		matchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []Alert
	for rows.Next() {
		var (
			a                 Alert
			rtt, threshold, c int64
		)
		if err := rows.Scan(&a.ID, &a.MatchID, &a.Level, &rtt, &threshold, &c); err != nil {
			return nil, err
		}
		a.RTT = time.Duration(rtt) * time.Microsecond
		a.Threshold = time.Duration(threshold) * time.Microsecond
		a.CreatedAt = time.UnixMilli(c)
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// Attach records ping, resync and alert events from bus against matchID. The
// returned function detaches the handlers.
func (ml *MatchLog) Attach(bus *events.EventBus, matchID int64) func() {
	name := fmt.Sprintf("matchlog.%d.%d", matchID, ml.seq.Add(1))
	logger := log.With().Str("component", "matchlog").Int64("match_id", matchID).Logger()

	bus.Subscribe(events.EventPingMeasured, name, func(ctx context.Context, e events.Event) error {
		p, ok := e.Payload.(events.PingPayload)
		if !ok {
			return nil
		}
		return ml.RecordRTT(matchID, p.RTT, time.Now())
	})
	bus.Subscribe(events.EventResync, name, func(ctx context.Context, e events.Event) error {
		p, ok := e.Payload.(events.ResyncPayload)
		if !ok {
			return nil
		}
		return ml.RecordResync(matchID, p.FromTick, p.ToTick, p.Replayed, time.Now())
	})
	bus.Subscribe(events.EventLatencyAlert, name, func(ctx context.Context, e events.Event) error {
		p, ok := e.Payload.(events.LatencyAlertPayload)
		if !ok {
			return nil
		}
		return ml.RecordAlert(matchID, p.Level, p.RTT, p.Threshold, time.Now())
	})
	logger.Debug().Msg("match log attached")

	return func() {
		bus.Unsubscribe(events.EventPingMeasured, name)
		bus.Unsubscribe(events.EventResync, name)
		bus.Unsubscribe(events.EventLatencyAlert, name)
		logger.Debug().Msg("match log detached")
	}
}

// Prune deletes matches started before cutoff together with their samples,
// resyncs and alerts. It returns the number of matches removed.
func (ml *MatchLog) Prune(cutoff time.Time) (int64, error) {
	var removed int64
	err := ml.db.Transaction(func(tx *sql.Tx) error {
		old := "SELECT id FROM matches WHERE started_at < ?"
		for _, table := range []string{"rtt_samples", "resyncs", "alerts"} {
			if _, err := tx.Exec("DELETE FROM "+table+" WHERE match_id IN ("+old+")", cutoff.UnixMilli()); err != nil {
				return fmt.Errorf("failed to prune %s: %w", table, err)
			}
		}
		res, err := tx.Exec("DELETE FROM matches WHERE started_at < ?", cutoff.UnixMilli())
		if err != nil {
			return fmt.Errorf("failed to prune matches: %w", err)
		}
		removed, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		log.Info().Str("component", "matchlog").Int64("removed", removed).Time("before", cutoff).Msg("pruned old matches")
	}
	return removed, nil
}

// Close closes the database.
func (ml *MatchLog) Close() error {
	return ml.db.Close()
}
