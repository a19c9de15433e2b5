package index

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/fyrsmithlabs/recallguard/internal/experience"
)

func exp(id, text string, emb ...float32) *experience.Experience {
	return &experience.Experience{
		ID:          id,
		RequestText: text,
		Source:      experience.SourceUnverified,
		TrustLevel:  0.5,
		Embedding:   emb,
		CreatedAt:   time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func hitIDs(hits []Hit) []string {
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.ID
	}
	return out
}

func TestTokenize(t *testing.T) {
	got := Tokenize("Set SKIP_VALIDATION=true, then run the ETL job; a b 42")
	assert.Equal(t, []string{"set", "skip", "validation", "true", "then", "run", "etl", "job", "42"}, got)
	assert.Empty(t, Tokenize("  , ; "))
}

func TestSearchLexical_RanksByBM25(t *testing.T) {
	ix := New()
	ctx := context.Background()
	_, err := ix.Index(ctx,
		exp("a", "normalize orders table schema validation"),
		exp("b", "normalize orders orders orders"),
		exp("c", "deploy kubernetes cluster"),
	)
	require.NoError(t, err)

	hits := ix.SearchLexical("orders", 10)
	require.Len(t, hits, 2)
	assert.Equal(t, "b", hits[0].ID)
	assert.Greater(t, hits[0].Score, hits[1].Score)

	assert.Empty(t, ix.SearchLexical("nothing matches here", 10))
	assert.Empty(t, ix.SearchLexical("orders", 0))
	assert.Len(t, ix.SearchLexical("normalize", 1), 1)
}

func TestIndex_IdempotentReindex(t *testing.T) {
	ix := New()
	ctx := context.Background()
	docs := []*experience.Experience{
		exp("a", "skip validation and force the pipeline"),
		exp("b", "validate schema before load"),
		exp("c", "force ok after skip"),
	}
	_, err := ix.Index(ctx, docs...)
	require.NoError(t, err)
	before := ix.SearchLexical("skip validation force", 10)

	_, err = ix.Index(ctx, docs...)
	require.NoError(t, err)
	after := ix.SearchLexical("skip validation force", 10)

	assert.Equal(t, before, after)
	assert.Equal(t, 3, ix.Current().Len())
}

func TestIndex_ReindexDocumentOwningUniqueTerms(t *testing.T) {
	ix := New()
	ctx := context.Background()
	_, err := ix.Index(ctx, exp("a", "zebra pipeline"), exp("b", "orders"))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err = ix.Index(ctx, exp("a", "zebra pipeline"))
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"a"}, hitIDs(ix.SearchLexical("zebra", 5)))
	assert.Equal(t, 2, ix.Current().Len())

	// Same builder: the emptied posting must be recreated on put.
	_, err = ix.Index(ctx, exp("a", "zebra"), exp("a", "zebra pipeline"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, hitIDs(ix.SearchLexical("pipeline", 5)))
}

func TestRebuild_ThenFlushPending(t *testing.T) {
	ix := New()
	ctx := context.Background()

	queued := exp("a", "zebra pipeline")
	ix.Enqueue(queued)

	// The rebuild source holds a different copy of the same record.
	listed := *queued
	_, err := ix.Rebuild(ctx, []*experience.Experience{&listed, exp("b", "orders")})
	require.NoError(t, err)
	assert.Equal(t, 0, ix.Pending())

	ix.Enqueue(exp("c", "zebra crossing"))
	_, err = ix.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, hitIDs(ix.SearchLexical("zebra", 5)))
	assert.Equal(t, 3, ix.Current().Len())
}

func TestDimension(t *testing.T) {
	ix := New()
	ctx := context.Background()
	assert.Zero(t, ix.Dimension())

	ix.Enqueue(exp("p", "pending", 1, 0, 0))
	assert.Equal(t, 3, ix.Dimension())

	_, err := ix.Index(ctx, exp("x", "east", 1, 0))
	require.NoError(t, err)
	assert.Equal(t, 2, ix.Dimension())
}

func TestIndex_ReplacesPostings(t *testing.T) {
	ix := New()
	ctx := context.Background()
	_, err := ix.Index(ctx, exp("a", "alpha beta"))
	require.NoError(t, err)
	_, err = ix.Index(ctx, exp("a", "gamma delta"))
	require.NoError(t, err)

	assert.Empty(t, ix.SearchLexical("alpha", 5))
	assert.Equal(t, []string{"a"}, hitIDs(ix.SearchLexical("gamma", 5)))
}

func TestSnapshot_IsolatedFromLaterWrites(t *testing.T) {
	ix := New()
	ctx := context.Background()
	_, err := ix.Index(ctx, exp("a", "orders pipeline"))
	require.NoError(t, err)

	old := ix.Current()
	_, err = ix.Index(ctx, exp("b", "orders pipeline retry"))
	require.NoError(t, err)
	_, err = ix.Remove(ctx, "a")
	require.NoError(t, err)

	assert.Equal(t, []string{"a"}, hitIDs(old.SearchLexical("orders", 10)))
	assert.Equal(t, []string{"b"}, hitIDs(ix.SearchLexical("orders", 10)))
	assert.Greater(t, ix.Current().Version(), old.Version())
}

func TestSearchVector(t *testing.T) {
	ix := New()
	ctx := context.Background()

	hits, err := ix.SearchVector(ctx, []float32{1, 0}, 3)
	require.NoError(t, err)
	assert.Empty(t, hits)
	assert.False(t, ix.Current().HasVectors())

	_, err = ix.Index(ctx,
		exp("x", "east", 1, 0),
		exp("y", "north", 0, 1),
		exp("z", "north east", 1, 1),
		exp("plain", "no embedding"),
	)
	require.NoError(t, err)
	assert.True(t, ix.Current().HasVectors())
	assert.Equal(t, 2, ix.Current().Dimension())

	hits, err = ix.SearchVector(ctx, []float32{1, 0.1}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, []string{"x", "z", "y"}, hitIDs(hits))
	assert.InDelta(t, 0.995, hits[0].Score, 0.01)

	_, err = ix.SearchVector(ctx, []float32{1, 0, 0}, 2)
	assert.ErrorIs(t, err, experience.ErrValidation)
}

func TestIndex_RejectsDimensionMismatch(t *testing.T) {
	ix := New()
	ctx := context.Background()
	_, err := ix.Index(ctx, exp("x", "east", 1, 0))
	require.NoError(t, err)

	_, err = ix.Index(ctx, exp("y", "up", 0, 0, 1))
	assert.ErrorIs(t, err, experience.ErrValidation)
	assert.False(t, ix.Current().Contains("y"))

	// Replacing the only vector may change the dimension.
	_, err = ix.Index(ctx, exp("x", "east", 1, 0, 0))
	require.NoError(t, err)
	assert.Equal(t, 3, ix.Current().Dimension())
}

func TestIndex_MixedDimensionBatchPublishesNothing(t *testing.T) {
	ix := New()
	ctx := context.Background()
	before := ix.Current()

	_, err := ix.Index(ctx, exp("x", "east", 1, 0), exp("y", "up", 0, 0, 1))
	assert.ErrorIs(t, err, experience.ErrValidation)
	assert.Same(t, before, ix.Current())
	assert.Zero(t, ix.Dimension())
}

func TestRemove_DropsVectors(t *testing.T) {
	ix := New()
	ctx := context.Background()
	_, err := ix.Index(ctx, exp("x", "east", 1, 0))
	require.NoError(t, err)
	_, err = ix.Remove(ctx, "x")
	require.NoError(t, err)

	assert.False(t, ix.Current().HasVectors())
	assert.Equal(t, 0, ix.Current().Len())
}

func TestRebuild_CancelledKeepsCurrent(t *testing.T) {
	ix := New()
	ctx := context.Background()
	_, err := ix.Index(ctx, exp("a", "orders"))
	require.NoError(t, err)
	before := ix.Current()

	var docs []*experience.Experience
	for i := 0; i < 10; i++ {
		docs = append(docs, exp(fmt.Sprintf("n%d", i), "new orders"))
	}
	cancelled, cancel := context.WithCancel(ctx)
	cancel()

	_, err = ix.Rebuild(cancelled, docs)
	require.ErrorIs(t, err, context.Canceled)
	assert.Same(t, before, ix.Current())

	version, err := ix.Rebuild(ctx, docs)
	require.NoError(t, err)
	assert.Equal(t, before.Version()+1, version)
	assert.False(t, ix.Current().Contains("a"))
	assert.Equal(t, 10, ix.Current().Len())
}

func TestEnqueueFlush(t *testing.T) {
	ix := New()
	ctx := context.Background()

	ix.Enqueue(exp("a", "orders"))
	ix.Enqueue(exp("b", "orders"))
	assert.Equal(t, 2, ix.Pending())
	assert.Empty(t, ix.SearchLexical("orders", 5))

	_, err := ix.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, ix.Pending())
	assert.Len(t, ix.SearchLexical("orders", 5), 2)
}

func TestFlush_SkipsInvalidButIndexesRest(t *testing.T) {
	ix := New()
	ctx := context.Background()
	_, err := ix.Index(ctx, exp("x", "east", 1, 0))
	require.NoError(t, err)

	ix.Enqueue(exp("bad", "orders", 1, 2, 3))
	ix.Enqueue(exp("good", "orders"))
	_, err = ix.Flush(ctx)
	require.NoError(t, err)

	assert.True(t, ix.Current().Contains("good"))
	assert.False(t, ix.Current().Contains("bad"))
}

func TestBackgroundCycle(t *testing.T) {
	defer goleak.VerifyNone(t)

	ix := New(WithCycleInterval(10 * time.Millisecond))
	ctx := context.Background()
	require.NoError(t, ix.Start(ctx))
	assert.Error(t, ix.Start(ctx))

	ix.Enqueue(exp("a", "orders"))
	require.Eventually(t, func() bool {
		return ix.Current().Contains("a")
	}, time.Second, 5*time.Millisecond)

	ix.Enqueue(exp("b", "orders"))
	require.NoError(t, ix.Stop(ctx))
	assert.True(t, ix.Current().Contains("b"), "stop flushes pending experiences")
	require.NoError(t, ix.Stop(ctx))
}

func TestBackgroundCycle_WakesWhenQueueFull(t *testing.T) {
	defer goleak.VerifyNone(t)

	ix := New(WithCycleInterval(time.Hour), WithMaxPending(2))
	ctx := context.Background()
	require.NoError(t, ix.Start(ctx))
	defer ix.Stop(ctx) //nolint:errcheck

	ix.Enqueue(exp("a", "orders"))
	ix.Enqueue(exp("b", "orders"))
	require.Eventually(t, func() bool {
		return ix.Current().Len() == 2
	}, time.Second, 5*time.Millisecond)
}
