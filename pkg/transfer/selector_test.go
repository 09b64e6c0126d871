package transfer

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileSelectorMetadata(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "page.html", "<html></html>")

	sel, err := NewFileSelector(path)
	require.NoError(t, err)
	assert.Equal(t, "page.html", sel.Name)
	assert.Equal(t, int64(13), sel.Size)
	assert.False(t, sel.ModTime.IsZero())
	// Параметры типа (charset) отбрасываются
	assert.Equal(t, "text/html", sel.ContentType)
	assert.Empty(t, sel.Hash, "хеш ленивый")

	require.NoError(t, sel.ComputeHash())
	assert.True(t, strings.HasPrefix(sel.Hash, "sha256:"))
	first := sel.Hash
	require.NoError(t, sel.ComputeHash())
	assert.Equal(t, first, sel.Hash)
}

func TestFileSelectorHashValue(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "hello.bin", "hello")
	sel, err := NewFileSelector(path)
	require.NoError(t, err)
	require.NoError(t, sel.ComputeHash())
	assert.Equal(t, "sha256:2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", sel.Hash)
}

func TestFileSelectorRefresh(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "data.bin", "v1-content")
	sel, err := NewFileSelector(path)
	require.NoError(t, err)
	require.NoError(t, sel.ComputeHash())
	hash := sel.Hash

	t.Run("без изменений хеш сохраняется", func(t *testing.T) {
		changed, err := sel.Refresh()
		require.NoError(t, err)
		assert.False(t, changed)
		assert.Equal(t, hash, sel.Hash)
	})

	t.Run("изменение файла сбрасывает хеш", func(t *testing.T) {
		require.NoError(t, os.WriteFile(path, []byte("v2-content!!"), 0o600))
		// mtime сдвигается явно, чтобы не зависеть от гранулярности ФС
		later := time.Now().Add(2 * time.Second)
		require.NoError(t, os.Chtimes(path, later, later))

		changed, err := sel.Refresh()
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Empty(t, sel.Hash)
		assert.Equal(t, int64(12), sel.Size)
	})
}

func TestFileSelectorErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := NewFileSelector(filepath.Join(dir, "missing.bin"))
	require.Error(t, err)
	_, err = NewFileSelector(dir)
	require.Error(t, err, "каталог не является файлом передачи")
}

func TestContentTypeByName(t *testing.T) {
	cases := []struct {
		name string
		want string
	}{
		{"report.pdf", "application/pdf"},
		{"index.html", "text/html"},
		{"PHOTO.PDF", "application/pdf"},
		{"archive.unknown-ext", "application/octet-stream"},
		{"noext", "application/octet-stream"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, contentTypeByName(tc.name), tc.name)
	}
}
