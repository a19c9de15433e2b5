package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/fyrsmithlabs/recallguard/internal/experience"
)

// maxBatchParams bounds the number of bound parameters per IN query.
const maxBatchParams = 500

// Store is the durable experience store backed by SQLite.
//
// Writes go through a single connection so SQLite's single-writer lock is
// never contended within the process; every write runs in one transaction,
// which serializes writers on the same id. Reads use a separate pool and
// observe the last committed state.
type Store struct {
	w      *sql.DB
	r      *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// Filter narrows List results.
type Filter struct {
	// Source restricts results to one provenance tag when non-empty.
	Source experience.Source
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for purge and audit messages.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the time source for audit entries and tombstones.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Open opens (creating if necessary) the store at path and initializes its schema.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("store path is required")
	}
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)"

	w, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	w.SetMaxOpenConns(1)

	r, err := sql.Open("sqlite", dsn)
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{w: w, r: r, logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}

	if err := w.PingContext(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := s.initSchema(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS experiences (
			id TEXT PRIMARY KEY,
			request_text TEXT NOT NULL,
			response_text TEXT NOT NULL,
			action TEXT NOT NULL DEFAULT '',
			tags TEXT NOT NULL DEFAULT '[]',
			outcome_ok INTEGER NOT NULL DEFAULT 0,
			score REAL NOT NULL,
			source TEXT NOT NULL,
			trust_level REAL NOT NULL,
			embedding BLOB,
			created_at INTEGER NOT NULL,
			quarantine_reason TEXT NOT NULL DEFAULT '',
			quarantined_at INTEGER
		);

		CREATE INDEX IF NOT EXISTS idx_experiences_source ON experiences(source);
		CREATE INDEX IF NOT EXISTS idx_experiences_created ON experiences(created_at, id);

		-- Purged ids stay reserved for the lifetime of the store.
		CREATE TABLE IF NOT EXISTS tombstones (
			id TEXT PRIMARY KEY,
			purged_at INTEGER NOT NULL,
			reason TEXT NOT NULL
		);

		-- Forensic trail of trust transitions; survives purges.
		CREATE TABLE IF NOT EXISTS trust_audit (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			experience_id TEXT NOT NULL,
			action TEXT NOT NULL,
			from_source TEXT NOT NULL DEFAULT '',
			to_source TEXT NOT NULL DEFAULT '',
			from_trust REAL NOT NULL DEFAULT 0,
			to_trust REAL NOT NULL DEFAULT 0,
			reason TEXT NOT NULL DEFAULT '',
			at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_trust_audit_experience ON trust_audit(experience_id, seq);
	`
	if _, err := s.w.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Close releases both connection pools.
func (s *Store) Close() error {
	return errors.Join(s.w.Close(), s.r.Close())
}

// Put inserts a new experience. It fails with experience.ErrDuplicateID when
// the id belongs to a live or purged record. An "assign" audit entry records
// the initial trust level.
func (s *Store) Put(ctx context.Context, exp *experience.Experience) (string, error) {
	if exp == nil {
		return "", fmt.Errorf("nil experience: %w", experience.ErrValidation)
	}
	if err := exp.Validate(); err != nil {
		return "", err
	}

	tx, err := s.w.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	taken, err := idTaken(ctx, tx, exp.ID)
	if err != nil {
		return "", err
	}
	if taken {
		return "", fmt.Errorf("experience %s: %w", exp.ID, experience.ErrDuplicateID)
	}

	tags, err := json.Marshal(nonNilTags(exp.Tags))
	if err != nil {
		return "", fmt.Errorf("failed to encode tags: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO experiences (
			id, request_text, response_text, action, tags, outcome_ok, score,
			source, trust_level, embedding, created_at, quarantine_reason, quarantined_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exp.ID, exp.RequestText, exp.ResponseText, exp.Action, string(tags),
		boolToInt(exp.OutcomeOK), exp.Score, string(exp.Source), exp.TrustLevel,
		encodeVector(exp.Embedding), exp.CreatedAt.UnixNano(),
		exp.QuarantineReason, nullableTime(exp.QuarantinedAt),
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert experience: %w", err)
	}

	if err := insertAudit(ctx, tx, AuditEntry{
		ExperienceID: exp.ID,
		Action:       ActionAssign,
		ToSource:     exp.Source,
		ToTrust:      exp.TrustLevel,
		At:           exp.CreatedAt,
	}); err != nil {
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit experience: %w", err)
	}
	return exp.ID, nil
}

// Get returns the experience with the given id.
func (s *Store) Get(ctx context.Context, id string) (*experience.Experience, error) {
	row := s.r.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id)
	exp, err := scanExperience(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("experience %s: %w", id, experience.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return exp, nil
}

// GetMany loads the given ids in one read transaction. Missing ids are
// omitted from the result map.
func (s *Store) GetMany(ctx context.Context, ids []string) (map[string]*experience.Experience, error) {
	out := make(map[string]*experience.Experience, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	tx, err := s.r.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin read transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // read-only

	for start := 0; start < len(ids); start += maxBatchParams {
		end := min(start+maxBatchParams, len(ids))
		chunk := ids[start:end]

		args := make([]interface{}, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		query := selectColumns + ` WHERE id IN (?` + strings.Repeat(",?", len(chunk)-1) + `)`

		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to query experiences: %w", err)
		}
		for rows.Next() {
			exp, err := scanExperience(rows)
			if err != nil {
				rows.Close()
				return nil, err
			}
			out[exp.ID] = exp
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("error iterating experiences: %w", err)
		}
		rows.Close()
	}
	return out, nil
}

// List returns experiences ordered by creation time, then id.
func (s *Store) List(ctx context.Context, f Filter) ([]*experience.Experience, error) {
	query := selectColumns
	var args []interface{}
	if f.Source != "" {
		if !f.Source.Valid() {
			return nil, &experience.ValidationError{Field: "source", Reason: fmt.Sprintf("unknown source %q", f.Source)}
		}
		query += ` WHERE source = ?`
		args = append(args, string(f.Source))
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.r.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list experiences: %w", err)
	}
	defer rows.Close()

	var out []*experience.Experience
	for rows.Next() {
		exp, err := scanExperience(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, exp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating experiences: %w", err)
	}
	return out, nil
}

// Count returns the number of live experiences.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.r.QueryRowContext(ctx, `SELECT COUNT(*) FROM experiences`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count experiences: %w", err)
	}
	return n, nil
}

// UpdateFunc mutates a copy of an experience and returns the audit entry
// describing the change. Returning a nil entry leaves the record untouched.
type UpdateFunc func(exp *experience.Experience) (*AuditEntry, error)

// Update performs a serialized read-modify-write of the trust fields of one
// experience. Only source, trust level and quarantine metadata are persisted;
// every other field is immutable after ingestion.
func (s *Store) Update(ctx context.Context, id string, fn UpdateFunc) (*experience.Experience, error) {
	tx, err := s.w.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	current, err := scanExperience(tx.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("experience %s: %w", id, experience.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	next := current.Clone()
	entry, err := fn(next)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return current, nil
	}
	if err := next.Validate(); err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE experiences
		SET source = ?, trust_level = ?, quarantine_reason = ?, quarantined_at = ?
		WHERE id = ?`,
		string(next.Source), next.TrustLevel, next.QuarantineReason,
		nullableTime(next.QuarantinedAt), id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update experience: %w", err)
	}

	entry.ExperienceID = id
	if entry.At.IsZero() {
		entry.At = s.now().UTC()
	}
	if err := insertAudit(ctx, tx, *entry); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit update: %w", err)
	}
	return next, nil
}

// Purge permanently removes a quarantined experience. The id is tombstoned
// so it can never be reused, and a purge audit entry is written in the same
// transaction. Purging a record that is not quarantined fails with
// experience.ErrInvalidTransition.
func (s *Store) Purge(ctx context.Context, id, reason string) error {
	tx, err := s.w.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	current, err := scanExperience(tx.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("experience %s: %w", id, experience.ErrNotFound)
	}
	if err != nil {
		return err
	}
	if current.Source != experience.SourceQuarantined {
		return fmt.Errorf("purge of %s experience %s: %w", current.Source, id, experience.ErrInvalidTransition)
	}

	now := s.now().UTC()
	if _, err := tx.ExecContext(ctx, `DELETE FROM experiences WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete experience: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO tombstones (id, purged_at, reason) VALUES (?, ?, ?)`,
		id, now.UnixNano(), reason); err != nil {
		return fmt.Errorf("failed to tombstone experience: %w", err)
	}
	if err := insertAudit(ctx, tx, AuditEntry{
		ExperienceID: id,
		Action:       ActionPurge,
		FromSource:   current.Source,
		FromTrust:    current.TrustLevel,
		Reason:       reason,
		At:           now,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit purge: %w", err)
	}

	s.logger.Warn("experience purged",
		zap.String("id", id),
		zap.String("reason", reason),
		zap.Time("at", now),
	)
	return nil
}

// Purged reports whether id has been purged.
func (s *Store) Purged(ctx context.Context, id string) (bool, error) {
	var n int
	err := s.r.QueryRowContext(ctx, `SELECT COUNT(*) FROM tombstones WHERE id = ?`, id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to query tombstones: %w", err)
	}
	return n > 0, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func idTaken(ctx context.Context, q queryer, id string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM experiences WHERE id = ?) +
		       (SELECT COUNT(*) FROM tombstones WHERE id = ?)`, id, id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check id: %w", err)
	}
	return n > 0, nil
}

func nonNilTags(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}
