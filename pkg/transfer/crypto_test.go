package transfer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testKeyRing создает связку с одним свежим ключом Ed25519.
func testKeyRing(t *testing.T) *KeyRing {
	t.Helper()
	entity, err := openpgp.NewEntity("Test User", "", "test@example.com", &packet.Config{
		Algorithm: packet.PubKeyAlgoEdDSA,
	})
	require.NoError(t, err)
	return NewKeyRing(entity)
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestKeyRingRoundTrip(t *testing.T) {
	dir := t.TempDir()
	kr := testKeyRing(t)
	src := writeFile(t, dir, "letter.txt", "дорогой Боб, встречаемся в полдень")

	enc := filepath.Join(dir, "letter.txt.asc")
	require.NoError(t, kr.EncryptFile(src, enc))

	armored, err := os.ReadFile(enc)
	require.NoError(t, err)
	assert.Contains(t, string(armored), "-----BEGIN PGP MESSAGE-----")
	assert.NotContains(t, string(armored), "встречаемся")

	dec := filepath.Join(dir, "letter.decrypted")
	require.NoError(t, kr.DecryptFile(enc, dec))
	got, err := os.ReadFile(dec)
	require.NoError(t, err)
	assert.Equal(t, "дорогой Боб, встречаемся в полдень", string(got))
}

func TestKeyRingLoadFromArmoredFile(t *testing.T) {
	dir := t.TempDir()
	entity, err := openpgp.NewEntity("Test User", "", "test@example.com", &packet.Config{
		Algorithm: packet.PubKeyAlgoEdDSA,
	})
	require.NoError(t, err)

	keyPath := filepath.Join(dir, "key.asc")
	f, err := os.Create(keyPath)
	require.NoError(t, err)
	w, err := armor.Encode(f, openpgp.PrivateKeyType, nil)
	require.NoError(t, err)
	require.NoError(t, entity.SerializePrivate(w, nil))
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())

	loaded, err := LoadKeyRing(keyPath)
	require.NoError(t, err)
	require.False(t, loaded.Empty())

	// Загруженная связка расшифровывает то, что зашифровано исходной
	src := writeFile(t, dir, "note.txt", "payload")
	enc := filepath.Join(dir, "note.txt.asc")
	require.NoError(t, NewKeyRing(entity).EncryptFile(src, enc))
	dec := filepath.Join(dir, "note.out")
	require.NoError(t, loaded.DecryptFile(enc, dec))
	got, err := os.ReadFile(dec)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))
}

func TestKeyRingEmpty(t *testing.T) {
	var kr *KeyRing
	assert.True(t, kr.Empty(), "nil-связка пуста")
	assert.True(t, NewKeyRing().Empty())
	assert.False(t, testKeyRing(t).Empty())
}

func TestDecryptFileRejectsGarbage(t *testing.T) {
	dir := t.TempDir()
	kr := testKeyRing(t)
	src := writeFile(t, dir, "garbage.asc", "это не PGP-сообщение")
	dst := filepath.Join(dir, "garbage.out")
	require.Error(t, kr.DecryptFile(src, dst))
	_, err := os.Stat(dst)
	assert.True(t, os.IsNotExist(err), "частичный результат должен удаляться")
}

func TestEncryptFileMissingSource(t *testing.T) {
	dir := t.TempDir()
	kr := testKeyRing(t)
	err := kr.EncryptFile(filepath.Join(dir, "missing.bin"), filepath.Join(dir, "out.asc"))
	require.Error(t, err)
}

func TestEncryptedPathHelpers(t *testing.T) {
	assert.Equal(t, "/tmp/report.pdf.asc", EncryptedPath("/tmp/report.pdf"))
	assert.True(t, IsEncryptedPath("report.pdf.asc"))
	assert.True(t, IsEncryptedPath("REPORT.PDF.ASC"))
	assert.False(t, IsEncryptedPath("report.pdf"))
	assert.Equal(t, "/tmp/report.pdf", DecryptedPath("/tmp/report.pdf.asc"))
	assert.Equal(t, "report.pdf", DecryptedPath("report.pdf"))
}
