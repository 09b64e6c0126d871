//go:build unix

package transfer

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestConnectDuringEncryptionFails(t *testing.T) {
	// FIFO без писателя держит горутину шифрования на открытии файла:
	// состояние encrypting остается наблюдаемым, пока проверяется контракт
	dir := t.TempDir()
	fifo := filepath.Join(dir, "payload.bin")
	require.NoError(t, unix.Mkfifo(fifo, 0o600))

	resolver := newStubResolver(testRoute())
	tr, eng, _ := newTestTransfer(t, resolver, testKeyRing(t))
	require.NoError(t, tr.InitOutgoing(testAccount(), testContact(), "sip:bob@example.com", fifo))
	require.NoError(t, tr.Connect())
	require.Equal(t, "encrypting", tr.State().String())

	var terr *Error
	require.ErrorAs(t, tr.Connect(), &terr)
	assert.Equal(t, ErrorCodeInvalidState, terr.Code)

	// Отмена во время шифрования обесценивает его результат
	require.NoError(t, tr.End())
	require.Equal(t, "ended", tr.State().String())
	assert.Empty(t, eng.Sessions())

	// Писатель отпускает заблокированную горутину: сперва хеширование,
	// затем само шифрование дочитывают FIFO до конца
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 2; i++ {
			w, err := os.OpenFile(fifo, os.O_WRONLY, 0)
			if err != nil {
				return
			}
			w.Close()
		}
	}()
	select {
	case <-done:
	case <-time.After(waitTimeout):
	}
	assert.Equal(t, "ended", tr.State().String())
}
