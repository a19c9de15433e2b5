package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/recallguard/internal/experience"
)

// AuditAction names a trust-trail event.
type AuditAction string

const (
	ActionAssign     AuditAction = "assign"
	ActionFlag       AuditAction = "flag"
	ActionReview     AuditAction = "review"
	ActionRecompute  AuditAction = "recompute"
	ActionAuditMatch AuditAction = "audit_match"
	ActionPurge      AuditAction = "purge"
)

// AuditEntry is one row of the trust audit trail.
type AuditEntry struct {
	Seq          int64             `json:"seq"`
	ExperienceID string            `json:"experience_id"`
	Action       AuditAction       `json:"action"`
	FromSource   experience.Source `json:"from_source,omitempty"`
	ToSource     experience.Source `json:"to_source,omitempty"`
	FromTrust    float64           `json:"from_trust"`
	ToTrust      float64           `json:"to_trust"`
	Reason       string            `json:"reason,omitempty"`
	At           time.Time         `json:"at"`
}

// AppendAudit writes an entry without touching the experience row. Used for
// audit matches that do not change trust.
func (s *Store) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = s.now().UTC()
	}
	tx, err := s.w.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if err := insertAudit(ctx, tx, e); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit audit entry: %w", err)
	}
	return nil
}

// AuditTrail returns the entries for id, oldest first. Entries of purged
// experiences remain available.
func (s *Store) AuditTrail(ctx context.Context, id string) ([]AuditEntry, error) {
	rows, err := s.r.QueryContext(ctx, `
		SELECT seq, experience_id, action, from_source, to_source, from_trust, to_trust, reason, at
		FROM trust_audit WHERE experience_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit trail: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var (
			e              AuditEntry
			action, fs, ts string
			at             int64
		)
		if err := rows.Scan(&e.Seq, &e.ExperienceID, &action, &fs, &ts, &e.FromTrust, &e.ToTrust, &e.Reason, &at); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.Action = AuditAction(action)
		e.FromSource = experience.Source(fs)
		e.ToSource = experience.Source(ts)
		e.At = time.Unix(0, at).UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit trail: %w", err)
	}
	return out, nil
}

// AuditStats summarizes audit matches for one experience.
type AuditStats struct {
	Matches   int
	LastMatch time.Time
}

// AuditMatchStats counts audit_match entries for id.
func (s *Store) AuditMatchStats(ctx context.Context, id string) (AuditStats, error) {
	var (
		stats AuditStats
		last  sql.NullInt64
	)
	err := s.r.QueryRowContext(ctx, `
		SELECT COUNT(*), MAX(at) FROM trust_audit
		WHERE experience_id = ? AND action = ?`, id, string(ActionAuditMatch)).Scan(&stats.Matches, &last)
	if err != nil {
		return stats, fmt.Errorf("failed to query audit stats: %w", err)
	}
	if last.Valid {
		stats.LastMatch = time.Unix(0, last.Int64).UTC()
	}
	return stats, nil
}

func insertAudit(ctx context.Context, tx *sql.Tx, e AuditEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO trust_audit (experience_id, action, from_source, to_source, from_trust, to_trust, reason, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ExperienceID, string(e.Action), string(e.FromSource), string(e.ToSource),
		e.FromTrust, e.ToTrust, e.Reason, e.At.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}
