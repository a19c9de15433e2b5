package monitor

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/fyrsmithlabs/recallguard/internal/experience"
)

const defaultTopQueries = 5

// Monitor is the append-only retrieval event log. It lives in its own
// SQLite file so store purges never touch the audit trail, and it never
// influences retrieval.
type Monitor struct {
	db         *sql.DB
	logger     *zap.Logger
	now        func() time.Time
	topQueries int
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Monitor) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClock overrides the time source used for events without a timestamp.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// WithTopQueries sets how many queries Summary reports.
func WithTopQueries(n int) Option {
	return func(m *Monitor) {
		if n > 0 {
			m.topQueries = n
		}
	}
}

// Open opens the event log at path.
func Open(ctx context.Context, path string, opts ...Option) (*Monitor, error) {
	if path == "" {
		return nil, fmt.Errorf("event log path is required")
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}
	db.SetMaxOpenConns(1)

	m := &Monitor{db: db, logger: zap.NewNop(), now: time.Now, topQueries: defaultTopQueries}
	for _, opt := range opts {
		opt(m)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping event log: %w", err)
	}
	if err := m.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return m, nil
}

func (m *Monitor) initSchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS retrieval_events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			ts INTEGER NOT NULL,
			query TEXT NOT NULL,
			payload TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_retrieval_events_ts ON retrieval_events(ts);

		CREATE TABLE IF NOT EXISTS retrieval_items (
			event_seq INTEGER NOT NULL REFERENCES retrieval_events(seq),
			ts INTEGER NOT NULL,
			experience_id TEXT NOT NULL,
			source TEXT NOT NULL,
			score REAL NOT NULL,
			filtered INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_retrieval_items_ts ON retrieval_items(ts, filtered);
		CREATE INDEX IF NOT EXISTS idx_retrieval_items_event ON retrieval_items(event_seq);

		CREATE TRIGGER IF NOT EXISTS retrieval_events_no_update BEFORE UPDATE ON retrieval_events
		BEGIN SELECT RAISE(ABORT, 'retrieval events are append-only'); END;
		CREATE TRIGGER IF NOT EXISTS retrieval_events_no_delete BEFORE DELETE ON retrieval_events
		BEGIN SELECT RAISE(ABORT, 'retrieval events are append-only'); END;
		CREATE TRIGGER IF NOT EXISTS retrieval_items_no_update BEFORE UPDATE ON retrieval_items
		BEGIN SELECT RAISE(ABORT, 'retrieval events are append-only'); END;
		CREATE TRIGGER IF NOT EXISTS retrieval_items_no_delete BEFORE DELETE ON retrieval_items
		BEGIN SELECT RAISE(ABORT, 'retrieval events are append-only'); END;
	`
	if _, err := m.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize event log schema: %w", err)
	}
	return nil
}

// Close closes the event log.
func (m *Monitor) Close() error {
	return m.db.Close()
}

// Record appends ev. A missing id or timestamp is filled in; the caller's
// value is not modified.
func (m *Monitor) Record(ctx context.Context, ev *Event) (*Event, error) {
	if ev == nil {
		return nil, fmt.Errorf("nil event: %w", experience.ErrValidation)
	}
	stored := *ev
	stored.Items = append([]Item(nil), ev.Items...)
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	if stored.Timestamp.IsZero() {
		stored.Timestamp = m.now()
	}
	stored.Timestamp = stored.Timestamp.UTC()

	payload, err := json.Marshal(&stored)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event: %w", err)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	ts := stored.Timestamp.UnixNano()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO retrieval_events (id, ts, query, payload) VALUES (?, ?, ?, ?)`,
		stored.ID, ts, stored.Query, string(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to insert event: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read event sequence: %w", err)
	}

	for _, it := range stored.Items {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO retrieval_items (event_seq, ts, experience_id, source, score, filtered)
			VALUES (?, ?, ?, ?, ?, ?)`,
			seq, ts, it.ExperienceID, string(it.Source), it.Score, boolToInt(it.Filtered)); err != nil {
			return nil, fmt.Errorf("failed to insert event item: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit event: %w", err)
	}

	observe(&stored)
	m.logger.Debug("retrieval recorded",
		zap.String("event_id", stored.ID),
		zap.String("query", stored.Query),
		zap.Int("returned", len(stored.Returned())),
		zap.Int("filtered", len(stored.Filtered())),
	)
	return &stored, nil
}

// PoisonRate is the fraction of returned items whose source was unverified
// or quarantined at retrieval time, within w. It is 0 when nothing was
// returned.
func (m *Monitor) PoisonRate(ctx context.Context, w Window) (float64, error) {
	from, to := w.bounds()
	var total, poisoned int
	err := m.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN source IN (?, ?) THEN 1 ELSE 0 END), 0)
		FROM retrieval_items
		WHERE filtered = 0 AND ts >= ? AND ts < ?`,
		string(experience.SourceUnverified), string(experience.SourceQuarantined), from, to,
	).Scan(&total, &poisoned)
	if err != nil {
		return 0, fmt.Errorf("failed to compute poison rate: %w", err)
	}
	return ratio(poisoned, total), nil
}

// Summary reports totals, the all-time poison rate and the most frequent
// queries with their poisoned-retrieval breakdown.
func (m *Monitor) Summary(ctx context.Context) (*Summary, error) {
	s := &Summary{ReturnedBySource: map[experience.Source]int{}}

	if err := m.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM retrieval_events`).Scan(&s.TotalEvents); err != nil {
		return nil, fmt.Errorf("failed to count events: %w", err)
	}

	rows, err := m.db.QueryContext(ctx, `
		SELECT source, filtered, COUNT(*) FROM retrieval_items GROUP BY source, filtered`)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate items: %w", err)
	}
	poisoned := 0
	for rows.Next() {
		var (
			src      string
			filtered bool
			n        int
		)
		if err := rows.Scan(&src, &filtered, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan item aggregate: %w", err)
		}
		if filtered {
			s.TotalFiltered += n
			continue
		}
		s.TotalReturned += n
		s.ReturnedBySource[experience.Source(src)] += n
		if experience.Source(src).LowTrust() {
			poisoned += n
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("error iterating item aggregates: %w", err)
	}
	rows.Close()
	s.PoisonRate = ratio(poisoned, s.TotalReturned)
	PoisonRate.Set(s.PoisonRate)

	top, err := m.topQueryStats(ctx)
	if err != nil {
		return nil, err
	}
	s.TopQueries = top
	return s, nil
}

func (m *Monitor) topQueryStats(ctx context.Context) ([]QueryStat, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT e.query,
		       COUNT(DISTINCT e.seq),
		       COALESCE(SUM(CASE WHEN i.filtered = 0 THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN i.filtered = 0 AND i.source IN (?, ?) THEN 1 ELSE 0 END), 0)
		FROM retrieval_events e
		LEFT JOIN retrieval_items i ON i.event_seq = e.seq
		GROUP BY e.query
		ORDER BY COUNT(DISTINCT e.seq) DESC, e.query ASC
		LIMIT ?`,
		string(experience.SourceUnverified), string(experience.SourceQuarantined), m.topQueries)
	if err != nil {
		return nil, fmt.Errorf("failed to query top queries: %w", err)
	}
	defer rows.Close()

	top := []QueryStat{}
	for rows.Next() {
		var q QueryStat
		if err := rows.Scan(&q.Query, &q.Count, &q.Returned, &q.Poisoned); err != nil {
			return nil, fmt.Errorf("failed to scan query stat: %w", err)
		}
		q.PoisonRate = ratio(q.Poisoned, q.Returned)
		top = append(top, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating query stats: %w", err)
	}
	return top, nil
}

// Events returns events within w, oldest first.
func (m *Monitor) Events(ctx context.Context, w Window) ([]Event, error) {
	var out []Event
	err := m.each(ctx, w, func(ev Event, _ []byte) error {
		out = append(out, ev)
		return nil
	})
	return out, err
}

// Export writes events within w as JSON lines and returns how many were written.
func (m *Monitor) Export(ctx context.Context, out io.Writer, w Window) (int, error) {
	bw := bufio.NewWriter(out)
	n := 0
	err := m.each(ctx, w, func(_ Event, raw []byte) error {
		if _, err := bw.Write(raw); err != nil {
			return err
		}
		if err := bw.WriteByte('\n'); err != nil {
			return err
		}
		n++
		return nil
	})
	if err != nil {
		return n, err
	}
	if err := bw.Flush(); err != nil {
		return n, fmt.Errorf("failed to flush export: %w", err)
	}
	return n, nil
}

func (m *Monitor) each(ctx context.Context, w Window, fn func(Event, []byte) error) error {
	from, to := w.bounds()
	rows, err := m.db.QueryContext(ctx, `
		SELECT payload FROM retrieval_events WHERE ts >= ? AND ts < ? ORDER BY ts, seq`, from, to)
	if err != nil {
		return fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return fmt.Errorf("failed to scan event: %w", err)
		}
		var ev Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return fmt.Errorf("failed to decode event: %w", err)
		}
		if err := fn(ev, []byte(payload)); err != nil {
			return fmt.Errorf("failed to emit event %s: %w", ev.ID, err)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating events: %w", err)
	}
	return nil
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
