package ingest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nodeforge/graphengine/internal/registry"
	"github.com/nodeforge/graphengine/internal/store"
	"github.com/nodeforge/graphengine/internal/txn"
	"github.com/nodeforge/graphengine/internal/wal"
)

func newTestIngestor(t *testing.T) (*Ingestor, string) {
	t.Helper()
	dir := t.TempDir()

	reg, err := registry.Open(filepath.Join(dir, "graph_registry.json"))
	require.NoError(t, err)
	entry, err := reg.GetOrCreate("notes", "/home/user/notes", "")
	require.NoError(t, err)

	st := store.New(entry.ID, dir, nil)
	w, err := wal.Open[txn.Record](wal.Config{Dir: filepath.Join(dir, "wal", entry.ID), SyncWrites: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	co := txn.New(entry.ID, st, w, nil)

	provider := func(graphID string) (*GraphContext, error) {
		if graphID != entry.ID {
			return nil, registry.ErrUnknownGraph
		}
		return &GraphContext{Store: st, Txn: co}, nil
	}

	return New(reg, provider, nil), entry.ID
}

func TestIngestBatchAppliesAndDedups(t *testing.T) {
	in, graphID := newTestIngestor(t)
	sel := GraphSelector{ID: graphID}
	ctx := context.Background()

	items := []Item{{Block: &BlockItem{ExternalID: "B1", Content: "hello [[world]]", PageName: "notes"}}}

	results, err := in.IngestBatch(ctx, sel, KindBlock, items)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.False(t, results[0].Duplicate)

	// Re-ingesting the identical item must be recognized as a
	// duplicate and must not re-apply.
	results2, err := in.IngestBatch(ctx, sel, KindBlock, items)
	require.NoError(t, err)
	require.True(t, results2[0].Duplicate)

	status, err := in.SyncStatusFor(ctx, sel)
	require.NoError(t, err)
	require.Equal(t, 3, status.NodeCount) // block B1 + its owning page "notes" + implicit page "world"
}

func TestIngestBatchFiltersEmptyBlockContent(t *testing.T) {
	in, graphID := newTestIngestor(t)
	sel := GraphSelector{ID: graphID}

	results, err := in.IngestBatch(context.Background(), sel, KindBlock, []Item{
		{Block: &BlockItem{ExternalID: "B1", Content: "", PageName: "notes"}},
	})
	require.NoError(t, err)
	require.True(t, results[0].Skipped)
}

func TestIngestBatchUnknownGraphRejected(t *testing.T) {
	in, _ := newTestIngestor(t)
	_, err := in.IngestBatch(context.Background(), GraphSelector{ID: "nonexistent"}, KindBlock, nil)
	require.ErrorIs(t, err, ErrUnknownGraph)
}

func TestVerifyArchivesUnexpectedNodes(t *testing.T) {
	in, graphID := newTestIngestor(t)
	sel := GraphSelector{ID: graphID}
	ctx := context.Background()

	_, err := in.IngestBatch(ctx, sel, KindPage, []Item{
		{Page: &PageItem{Name: "A"}},
		{Page: &PageItem{Name: "B"}},
		{Page: &PageItem{Name: "C"}},
	})
	require.NoError(t, err)

	archived, _, err := in.Verify(ctx, sel, map[string]bool{"a": true, "b": true}, nil)
	require.NoError(t, err)
	require.Equal(t, 1, archived)
}
