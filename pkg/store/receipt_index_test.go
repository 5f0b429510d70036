package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openIndex(t *testing.T) *ReceiptIndex {
	t.Helper()
	idx, err := Open(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx
}

func entry(id string, ts time.Time) IndexEntry {
	return IndexEntry{
		ReceiptID:   id,
		Path:        ".ontoforge/receipts/" + id + ".json",
		Mode:        "apply",
		Fingerprint: "fp-1",
		OutputsRoot: "root-" + id,
		OutputCount: 2,
		GuardsPass:  true,
		Timestamp:   ts,
	}
}

func TestStoreAndGet(t *testing.T) {
	idx := openIndex(t)
	ctx := context.Background()

	ts := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	require.NoError(t, idx.Store(ctx, entry("r1", ts)))

	got, err := idx.GetByID(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "r1", got.ReceiptID)
	assert.Equal(t, "fp-1", got.Fingerprint)
	assert.True(t, got.GuardsPass)
	assert.True(t, got.Timestamp.Equal(ts))

	missing, err := idx.GetByID(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestStore_DuplicateIDRejected(t *testing.T) {
	idx := openIndex(t)
	ctx := context.Background()

	e := entry("r1", time.Now().UTC())
	require.NoError(t, idx.Store(ctx, e))
	assert.Error(t, idx.Store(ctx, e), "receipts are write-once, the index mirrors that")
}

func TestList_NewestFirst(t *testing.T) {
	idx := openIndex(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	require.NoError(t, idx.Store(ctx, entry("old", base)))
	require.NoError(t, idx.Store(ctx, entry("mid", base.Add(time.Minute))))
	require.NoError(t, idx.Store(ctx, entry("new", base.Add(2*time.Minute))))

	entries, err := idx.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "new", entries[0].ReceiptID)
	assert.Equal(t, "mid", entries[1].ReceiptID)
}

func TestListByFingerprint(t *testing.T) {
	idx := openIndex(t)
	ctx := context.Background()

	a := entry("a", time.Now().UTC())
	b := entry("b", time.Now().UTC().Add(time.Second))
	b.Fingerprint = "fp-2"
	require.NoError(t, idx.Store(ctx, a))
	require.NoError(t, idx.Store(ctx, b))

	got, err := idx.ListByFingerprint(ctx, "fp-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ReceiptID)
}
