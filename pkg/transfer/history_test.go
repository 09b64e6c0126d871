package transfer

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func histRecord(id string, size int64) Record {
	return Record{
		ID:          id,
		Direction:   DirectionOutgoing,
		Type:        TypePush,
		Remote:      "sip:bob@example.com",
		Path:        "/data/" + id + ".bin",
		Size:        size,
		Hash:        "sha256:00ff",
		ContentType: "application/octet-stream",
		StartTime:   time.Unix(1755700000, 0),
		EndTime:     time.Unix(1755700060, 0),
		Bytes:       uint64(size),
		Reason:      ReasonCompleted,
	}
}

func TestHistoryRingEviction(t *testing.T) {
	h := NewHistory(filepath.Join(t.TempDir(), "history.cbor"), 3)
	for _, id := range []string{"a", "b", "c", "d"} {
		h.Add(histRecord(id, 1))
	}
	recs := h.Records()
	require.Len(t, recs, 3)
	// От новых к старым, самая старая вытеснена
	assert.Equal(t, "d", recs[0].ID)
	assert.Equal(t, "c", recs[1].ID)
	assert.Equal(t, "b", recs[2].ID)
}

func TestHistorySaveLoadRoundTrip(t *testing.T) {
	// Вложенный каталог создается при сохранении
	path := filepath.Join(t.TempDir(), "state", "history.cbor")
	h := NewHistory(path, 10)
	h.Add(histRecord("first", 100))
	rec := histRecord("second", 2048)
	rec.Failed = true
	rec.Reason = ReasonInterrupted
	h.Add(rec)
	require.NoError(t, h.Save())

	loaded := NewHistory(path, 10)
	require.NoError(t, loaded.Load())
	recs := loaded.Records()
	require.Len(t, recs, 2)

	got := recs[0]
	assert.Equal(t, "second", got.ID)
	assert.Equal(t, DirectionOutgoing, got.Direction)
	assert.Equal(t, TypePush, got.Type)
	assert.Equal(t, "sip:bob@example.com", got.Remote)
	assert.Equal(t, int64(2048), got.Size)
	assert.Equal(t, uint64(2048), got.Bytes)
	assert.Equal(t, "sha256:00ff", got.Hash)
	assert.Equal(t, ReasonInterrupted, got.Reason)
	assert.True(t, got.Failed)
	assert.Equal(t, int64(1755700000), got.StartTime.Unix())
	assert.Equal(t, int64(1755700060), got.EndTime.Unix())
	assert.Equal(t, "first", recs[1].ID)
}

func TestHistoryLoadMissingFile(t *testing.T) {
	h := NewHistory(filepath.Join(t.TempDir(), "history.cbor"), 10)
	require.NoError(t, h.Load())
	assert.Empty(t, h.Records())
}

func TestHistoryLoadTrimsToLimit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.cbor")
	h := NewHistory(path, 10)
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		h.Add(histRecord(id, 1))
	}
	require.NoError(t, h.Save())

	small := NewHistory(path, 2)
	require.NoError(t, small.Load())
	recs := small.Records()
	require.Len(t, recs, 2)
	assert.Equal(t, "e", recs[0].ID)
	assert.Equal(t, "d", recs[1].ID)
}

func TestHistoryLoadRejectsGarbage(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "history.cbor", "definitely not cbor")
	h := NewHistory(path, 10)
	require.Error(t, h.Load())
}

func TestHistorySaveLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "history.cbor")
	h := NewHistory(path, 10)
	h.Add(histRecord("only", 1))
	require.NoError(t, h.Save())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "history.cbor", entries[0].Name())
}
