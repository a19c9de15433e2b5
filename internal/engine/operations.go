package engine

import (
	"context"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recallguard/internal/audit"
	"github.com/fyrsmithlabs/recallguard/internal/experience"
	"github.com/fyrsmithlabs/recallguard/internal/monitor"
	"github.com/fyrsmithlabs/recallguard/internal/retrieval"
	"github.com/fyrsmithlabs/recallguard/internal/store"
)

// Query runs a retrieval. When an embedding provider is configured and the
// query carries text but no embedding, the query text is embedded first; a
// provider failure degrades the query to lexical-only.
func (e *Engine) Query(ctx context.Context, q retrieval.Query) (*retrieval.Response, error) {
	if e.embedder != nil && len(q.Embedding) == 0 && strings.TrimSpace(q.Text) != "" {
		emb, err := e.embedder.EmbedQuery(ctx, q.Text)
		if err != nil {
			e.logger.Warn("query embedding failed, using lexical search", zap.Error(err))
		} else {
			q.Embedding = emb
		}
	}
	return e.retriever.Retrieve(ctx, q)
}

// Get returns one experience.
func (e *Engine) Get(ctx context.Context, id string) (*experience.Experience, error) {
	return e.store.Get(ctx, id)
}

// List returns stored experiences ordered by creation time.
func (e *Engine) List(ctx context.Context, f store.Filter) ([]*experience.Experience, error) {
	return e.store.List(ctx, f)
}

// AuditTrail returns the trust history of id, oldest first.
func (e *Engine) AuditTrail(ctx context.Context, id string) ([]store.AuditEntry, error) {
	return e.store.AuditTrail(ctx, id)
}

// Flag quarantines id. The next retrieval observes the new trust level.
func (e *Engine) Flag(ctx context.Context, id, reason string) (*experience.Experience, error) {
	return e.trust.Flag(ctx, id, reason)
}

// Review promotes an unverified experience to verified.
func (e *Engine) Review(ctx context.Context, id, reviewer string) (*experience.Experience, error) {
	return e.trust.Review(ctx, id, reviewer)
}

// Recompute re-derives trust for id with the configured decay policy.
func (e *Engine) Recompute(ctx context.Context, id string) (*experience.Experience, error) {
	return e.trust.Recompute(ctx, id)
}

// Purge permanently removes a quarantined experience from the store and
// the index.
func (e *Engine) Purge(ctx context.Context, id, reason string) error {
	if err := e.store.Purge(ctx, id, reason); err != nil {
		return err
	}
	if _, err := e.index.Remove(ctx, id); err != nil {
		// The retriever drops purged ids, so a stale posting is harmless
		// until the next rebuild.
		e.logger.Warn("failed to remove purged experience from index", zap.String("id", id), zap.Error(err))
	}
	return nil
}

// Rebuild replaces the index with one built from the current store and
// returns the new snapshot version. On failure the previous index stays.
func (e *Engine) Rebuild(ctx context.Context) (uint64, error) {
	exps, err := e.store.List(ctx, store.Filter{})
	if err != nil {
		return 0, fmt.Errorf("listing experiences: %w", err)
	}
	version, err := e.index.Rebuild(ctx, exps)
	if err != nil {
		return 0, err
	}
	e.logger.Info("index rebuilt", zap.Uint64("version", version), zap.Int("experiences", len(exps)))
	return version, nil
}

// Flush makes every pending ingestion searchable now.
func (e *Engine) Flush(ctx context.Context) (uint64, error) {
	return e.index.Flush(ctx)
}

// Patterns returns the pattern set used by sweeps and default scans.
func (e *Engine) Patterns() audit.PatternSet {
	return e.patterns.Patterns()
}

// Scan runs the audit scanner. A nil set uses the engine's current pattern
// set. With record set, each match is written to the trust audit trail and
// trust is re-derived; the source is never changed.
func (e *Engine) Scan(ctx context.Context, set *audit.PatternSet, record bool) ([]audit.Match, error) {
	ps := e.patterns.Patterns()
	if set != nil {
		ps = *set
	}
	matches, err := e.scanner.Scan(ctx, ps)
	if err != nil {
		return nil, err
	}
	if record {
		e.recordMatches(ctx, matches)
	}
	return matches, nil
}

// recordMatches notes each match in the trust audit trail. A record whose
// last recorded match had the same patterns is skipped so repeated sweeps
// over unchanged content do not compound.
func (e *Engine) recordMatches(ctx context.Context, matches []audit.Match) {
	for _, m := range matches {
		if ctx.Err() != nil {
			return
		}
		reason := strings.Join(m.Patterns, ",")
		last, err := e.lastMatchReason(ctx, m.ID)
		if err != nil {
			e.logger.Warn("failed to read audit trail", zap.String("id", m.ID), zap.Error(err))
			continue
		}
		if last == reason {
			continue
		}
		if _, err := e.trust.NoteAuditMatch(ctx, m.ID, m.Patterns); err != nil {
			e.logger.Warn("failed to record audit match", zap.String("id", m.ID), zap.Error(err))
		}
	}
}

func (e *Engine) lastMatchReason(ctx context.Context, id string) (string, error) {
	trail, err := e.store.AuditTrail(ctx, id)
	if err != nil {
		return "", err
	}
	for i := len(trail) - 1; i >= 0; i-- {
		if trail[i].Action == store.ActionAuditMatch {
			return trail[i].Reason, nil
		}
	}
	return "", nil
}

// PoisonRate returns the share of low-trust items among returned items in w.
func (e *Engine) PoisonRate(ctx context.Context, w monitor.Window) (float64, error) {
	return e.events.PoisonRate(ctx, w)
}

// Summary returns the monitoring overview.
func (e *Engine) Summary(ctx context.Context) (*monitor.Summary, error) {
	return e.events.Summary(ctx)
}

// Events lists retrieval events in w, oldest first.
func (e *Engine) Events(ctx context.Context, w monitor.Window) ([]monitor.Event, error) {
	return e.events.Events(ctx, w)
}

// Export writes the events in w as JSON lines and returns how many were written.
func (e *Engine) Export(ctx context.Context, out io.Writer, w monitor.Window) (int, error) {
	return e.events.Export(ctx, out, w)
}
