package export

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newsfleet/drover/internal/config"
	"github.com/newsfleet/drover/internal/intel"
	"github.com/newsfleet/drover/internal/store"
	"github.com/newsfleet/drover/internal/types"
)

type rig struct {
	store    *store.SQL
	pipeline *Pipeline
	clock    time.Time
}

func newRig(t *testing.T, sinks ...Sink) *rig {
	t.Helper()
	logger := slog.Default()

	st, err := store.Open("sqlite3", ":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))

	cfg := config.DefaultConfig()
	tr := intel.New(cfg.Intel, cfg.Analyzer.TemplateK, "example.com", logger)
	p := New(st, tr, cfg.Export, "example.com", nil, logger, sinks...)

	r := &rig{store: st, pipeline: p, clock: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)}
	st.SetNow(func() time.Time { return r.clock })
	p.now = func() time.Time { return r.clock }
	return r
}

func (r *rig) insertURL(t *testing.T, u string) {
	t.Helper()
	_, err := r.store.InsertURL(context.Background(), &types.URLRecord{
		URL: u, Host: "example.com", Path: "/", Priority: types.PriorityDiscovered,
	})
	require.NoError(t, err)
}

func TestBatchDeltaAndWatermark(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	r.insertURL(t, "https://example.com/a")
	r.clock = r.clock.Add(time.Minute)
	r.insertURL(t, "https://example.com/b")

	// Full export from the zero watermark.
	first, err := r.pipeline.Batch(ctx, Query{})
	require.NoError(t, err)
	assert.Len(t, first.URLs, 2)
	assert.Equal(t, 2, first.Counts["urls"])
	assert.NotEmpty(t, first.BatchID)
	assert.Equal(t, r.clock, first.Watermark, "watermark is the newest updated_at")

	// Nothing new: the delta from the watermark is empty and the
	// watermark does not regress below the cursor.
	second, err := r.pipeline.Batch(ctx, Query{Since: first.Watermark})
	require.NoError(t, err)
	assert.Empty(t, second.URLs)
	assert.False(t, second.Watermark.Before(first.Watermark))

	// New activity lands in the next delta exactly once.
	r.clock = r.clock.Add(time.Minute)
	r.insertURL(t, "https://example.com/c")
	third, err := r.pipeline.Batch(ctx, Query{Since: first.Watermark})
	require.NoError(t, err)
	require.Len(t, third.URLs, 1)
	assert.Equal(t, "https://example.com/c", third.URLs[0].URL)
}

func TestBatchReplayIsIdempotent(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	r.insertURL(t, "https://example.com/a")
	r.clock = r.clock.Add(time.Minute)
	until := r.clock

	a, err := r.pipeline.Batch(ctx, Query{Until: until})
	require.NoError(t, err)
	b, err := r.pipeline.Batch(ctx, Query{Until: until})
	require.NoError(t, err)

	// Batch ids differ; the data and watermark do not.
	assert.NotEqual(t, a.BatchID, b.BatchID)
	assert.Equal(t, a.URLs, b.URLs)
	assert.Equal(t, a.Watermark, b.Watermark)
}

func TestBatchHonorsLimit(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		r.clock = r.clock.Add(time.Second)
		r.insertURL(t, "https://example.com/p"+strings.Repeat("x", i+1))
	}

	first, err := r.pipeline.Batch(ctx, Query{Limit: 3})
	require.NoError(t, err)
	require.Len(t, first.URLs, 3)

	// Resuming from the truncated batch's watermark fetches the rest.
	rest, err := r.pipeline.Batch(ctx, Query{Since: first.Watermark, Limit: 3})
	require.NoError(t, err)
	assert.Len(t, rest.URLs, 2)
}

func TestFileSinkArchive(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFileSink(dir, slog.Default())
	require.NoError(t, err)
	r := newRig(t, sink)
	ctx := context.Background()

	r.insertURL(t, "https://example.com/a")
	r.clock = r.clock.Add(time.Minute)

	payload, err := r.pipeline.Batch(ctx, Query{})
	require.NoError(t, err)
	require.NoError(t, r.pipeline.Archive(ctx, payload))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasPrefix(entries[0].Name(), "batch-"))
	assert.True(t, strings.HasSuffix(entries[0].Name(), ".json.gz"))

	f, err := os.Open(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	defer f.Close()
	zr, err := gzip.NewReader(f)
	require.NoError(t, err)

	var decoded Payload
	require.NoError(t, json.NewDecoder(zr).Decode(&decoded))
	assert.Equal(t, payload.BatchID, decoded.BatchID)
	require.Len(t, decoded.URLs, 1)
	assert.Equal(t, "https://example.com/a", decoded.URLs[0].URL)
}
