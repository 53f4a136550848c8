package stores

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/VerteraIO/cpusim/internal/controlplane/units"
)

const schema = `
CREATE TABLE IF NOT EXISTS samples (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	tick          INTEGER NOT NULL,
	ts_ms         INTEGER NOT NULL,
	aggregate_cpu REAL    NOT NULL,
	running_count INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS unit_snapshots (
	sample_id  INTEGER NOT NULL REFERENCES samples(id) ON DELETE CASCADE,
	unit_id    TEXT    NOT NULL,
	name       TEXT    NOT NULL,
	state      TEXT    NOT NULL,
	priority   TEXT    NOT NULL,
	cpu_share  REAL    NOT NULL,
	memory_mb  REAL    NOT NULL,
	elapsed_ms INTEGER NOT NULL,
	target_ms  INTEGER NOT NULL,
	parent_id  TEXT    NOT NULL DEFAULT '',
	PRIMARY KEY (sample_id, unit_id)
);
CREATE INDEX IF NOT EXISTS idx_unit_snapshots_unit ON unit_snapshots(unit_id, sample_id);
`

// Stores archives every tick snapshot in SQLite so history outlives the
// in-memory ring.
type Stores struct {
	db  *sql.DB
	log *slog.Logger
}

// Open creates or opens the archive at path.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Stores, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	logger.Info("tick archive opened", "path", path)
	return &Stores{db: db, log: logger}, nil
}

func (s *Stores) Close() error {
	return s.db.Close()
}

// RecordTick writes the sample and every unit of snap in one transaction.
func (s *Stores) RecordTick(ctx context.Context, snap units.TickSnapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO samples (tick, ts_ms, aggregate_cpu, running_count) VALUES (?, ?, ?, ?)`,
		snap.Tick, snap.Sample.Timestamp.UnixMilli(), snap.Sample.AggregateCPU, snap.Sample.RunningCount)
	if err != nil {
		return fmt.Errorf("insert sample: %w", err)
	}
	sampleID, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("sample id: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO unit_snapshots
		(sample_id, unit_id, name, state, priority, cpu_share, memory_mb, elapsed_ms, target_ms, parent_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare unit insert: %w", err)
	}
	defer stmt.Close()
	for _, u := range snap.Units {
		if _, err := stmt.ExecContext(ctx, sampleID, u.ID, u.Name, string(u.State), string(u.Priority),
			u.CPUShare, u.MemoryFootprint, u.Elapsed.Milliseconds(), u.TargetDuration.Milliseconds(), u.ParentID); err != nil {
			return fmt.Errorf("insert unit %s: %w", u.ID, err)
		}
	}
	return tx.Commit()
}

// RecentSamples returns up to limit archived samples, oldest first.
func (s *Stores) RecentSamples(ctx context.Context, limit int) ([]units.HistorySample, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT ts_ms, aggregate_cpu, running_count FROM (
		SELECT id, ts_ms, aggregate_cpu, running_count FROM samples ORDER BY id DESC LIMIT ?
	) ORDER BY id ASC`, limit)
	if err != nil {
		return nil, fmt.Errorf("query samples: %w", err)
	}
	defer rows.Close()

	out := []units.HistorySample{}
	for rows.Next() {
		var (
			ts  int64
			smp units.HistorySample
		)
		if err := rows.Scan(&ts, &smp.AggregateCPU, &smp.RunningCount); err != nil {
			return nil, fmt.Errorf("scan sample: %w", err)
		}
		smp.Timestamp = time.UnixMilli(ts).UTC()
		out = append(out, smp)
	}
	return out, rows.Err()
}

// TimelinePoint is one archived observation of a single unit.
type TimelinePoint struct {
	Tick      uint64     `json:"tick"`
	Timestamp time.Time  `json:"timestamp"`
	Unit      units.Unit `json:"unit"`
}

// UnitTimeline returns up to limit archived observations of unitID, oldest first.
func (s *Stores) UnitTimeline(ctx context.Context, unitID string, limit int) ([]TimelinePoint, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tick, ts_ms, name, state, priority, cpu_share, memory_mb, elapsed_ms, target_ms, parent_id FROM (
		SELECT s.id, s.tick, s.ts_ms, u.name, u.state, u.priority, u.cpu_share, u.memory_mb, u.elapsed_ms, u.target_ms, u.parent_id
		FROM unit_snapshots u JOIN samples s ON s.id = u.sample_id
		WHERE u.unit_id = ? ORDER BY s.id DESC LIMIT ?
	) ORDER BY id ASC`, unitID, limit)
	if err != nil {
		return nil, fmt.Errorf("query timeline: %w", err)
	}
	defer rows.Close()

	out := []TimelinePoint{}
	for rows.Next() {
		var (
			p                TimelinePoint
			ts, elapsed, tgt int64
			state, prio      string
		)
		p.Unit.ID = unitID
		if err := rows.Scan(&p.Tick, &ts, &p.Unit.Name, &state, &prio, &p.Unit.CPUShare,
			&p.Unit.MemoryFootprint, &elapsed, &tgt, &p.Unit.ParentID); err != nil {
			return nil, fmt.Errorf("scan timeline: %w", err)
		}
		p.Timestamp = time.UnixMilli(ts).UTC()
		p.Unit.State = units.State(state)
		p.Unit.Priority = units.Priority(prio)
		p.Unit.Elapsed = time.Duration(elapsed) * time.Millisecond
		p.Unit.TargetDuration = time.Duration(tgt) * time.Millisecond
		out = append(out, p)
	}
	return out, rows.Err()
}

// Run records every snapshot from ch until ch is closed or ctx is done.
// Write failures are logged and do not stop the recorder.
func (s *Stores) Run(ctx context.Context, ch <-chan units.TickSnapshot) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-ch:
			if !ok {
				return
			}
			if err := s.RecordTick(ctx, snap); err != nil {
				s.log.Error("archive tick failed", "tick", snap.Tick, "err", err)
			}
		}
	}
}
