package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recallguard/internal/experience"
)

// IngestOptions controls how a batch is ingested.
type IngestOptions struct {
	// Sync waits until the batch is searchable. Otherwise records become
	// searchable on the next index cycle.
	Sync bool `json:"sync"`

	// Embed computes embeddings for records that carry none. Ignored when
	// no embedding provider is configured.
	Embed bool `json:"embed"`
}

// IngestResult reports the outcome of one record of a batch.
type IngestResult struct {
	ID  string `json:"id,omitempty"`
	Err error  `json:"-"`
}

// ErrMessage returns the record's error message, empty on success.
func (r IngestResult) ErrMessage() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// Ingest stores a batch of experiences. Each record succeeds or fails on
// its own; the returned slice has one result per input, in input order.
// The error return is reserved for failures that affect the whole batch.
func (e *Engine) Ingest(ctx context.Context, inputs []experience.Input, opts IngestOptions) ([]IngestResult, error) {
	results := make([]IngestResult, len(inputs))
	exps := make([]*experience.Experience, len(inputs))

	now := e.now()
	for i, in := range inputs {
		exp, err := experience.New(in, now)
		if err != nil {
			results[i].Err = err
			continue
		}
		exps[i] = exp
	}

	if opts.Embed && e.embedder != nil {
		if err := e.embed(ctx, exps); err != nil {
			return nil, err
		}
	}

	e.ingestMu.Lock()
	defer e.ingestMu.Unlock()

	dim := e.index.Dimension()
	stored := make([]*experience.Experience, 0, len(inputs))
	for i, exp := range exps {
		if exp == nil {
			continue
		}
		if n := len(exp.Embedding); n > 0 && dim != 0 && n != dim {
			results[i].Err = &experience.ValidationError{
				Field:  "embedding",
				Reason: fmt.Sprintf("dimension %d does not match index dimension %d", n, dim),
			}
			continue
		}
		e.trust.Assign(exp)
		id, err := e.store.Put(ctx, exp)
		if err != nil {
			results[i].Err = err
			continue
		}
		results[i].ID = id
		stored = append(stored, exp)
		if dim == 0 && len(exp.Embedding) > 0 {
			dim = len(exp.Embedding)
		}
	}

	if len(stored) > 0 {
		if opts.Sync {
			if _, err := e.index.Index(ctx, stored...); err != nil {
				// The records are committed; leave them to the next cycle.
				e.logger.Warn("sync indexing failed, queued batch instead",
					zap.Int("records", len(stored)), zap.Error(err))
				for _, exp := range stored {
					e.index.Enqueue(exp)
				}
			}
		} else {
			for _, exp := range stored {
				e.index.Enqueue(exp)
			}
		}
	}

	e.logger.Debug("ingested batch",
		zap.Int("records", len(inputs)),
		zap.Int("stored", len(stored)),
		zap.Bool("sync", opts.Sync),
	)
	return results, nil
}

// embed fills in embeddings for records without one in a single provider call.
func (e *Engine) embed(ctx context.Context, exps []*experience.Experience) error {
	var (
		texts   []string
		targets []*experience.Experience
	)
	for _, exp := range exps {
		if exp == nil || len(exp.Embedding) > 0 {
			continue
		}
		text := exp.Text()
		if text == "" {
			continue
		}
		texts = append(texts, text)
		targets = append(targets, exp)
	}
	if len(texts) == 0 {
		return nil
	}
	vecs, err := e.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return fmt.Errorf("embedding batch: %w", err)
	}
	if len(vecs) != len(targets) {
		return fmt.Errorf("embedding batch: got %d vectors for %d texts", len(vecs), len(targets))
	}
	for i, exp := range targets {
		exp.Embedding = vecs[i]
	}
	return nil
}

// Seed ingests a seed file synchronously.
func (e *Engine) Seed(ctx context.Context, sf *experience.SeedFile, seedOpts experience.SeedOptions, opts IngestOptions) ([]IngestResult, error) {
	opts.Sync = true
	return e.Ingest(ctx, sf.Inputs(seedOpts), opts)
}
