package settings

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDoc = `
accounts:
  - uri: alice@example.com
    display_name: Alice
    outbound_proxy: proxy.example.com
    auto_answer:
      enabled: true
      delay_seconds: 5
    enabled: true
  - uri: bob@example.com
    enabled: false
devices:
  audio_input: mic0
  audio_output: spk0
directories:
  downloads: /tmp/dl
tones:
  ringtone: classic.wav
`

func writeDoc(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	s, err := Load(writeDoc(t, sampleDoc))
	require.NoError(t, err)

	require.Len(t, s.Accounts, 2)
	alice := s.AccountByURI("alice@example.com")
	require.NotNil(t, alice)
	assert.Equal(t, "Alice", alice.DisplayName)
	assert.Equal(t, "proxy.example.com", alice.OutboundProxy)
	assert.True(t, alice.AutoAnswer.Enabled)
	assert.Equal(t, 5*time.Second, alice.AutoAnswer.Delay())

	// Первый включенный аккаунт становится аккаунтом по умолчанию
	def := s.DefaultAccount()
	require.NotNil(t, def)
	assert.Equal(t, "alice@example.com", def.URI)

	assert.Equal(t, "mic0", s.Devices.AudioInput)
	assert.Equal(t, "/tmp/dl", s.Directories.Downloads)
	assert.Equal(t, "classic.wav", s.Tones.Ringtone)

	// Незаполненные каталоги берутся из умолчаний
	assert.NotEmpty(t, s.Directories.History)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"пустой URI аккаунта", "accounts:\n  - display_name: NoURI\n"},
		{"дубликат аккаунта", "accounts:\n  - uri: a@b.c\n  - uri: a@b.c\n"},
		{"отрицательная задержка", "accounts:\n  - uri: a@b.c\n    auto_answer:\n      delay_seconds: -1\n"},
		{"мусор вместо YAML", "{{{"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeDoc(t, tt.doc))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "нет.yaml"))
	assert.Error(t, err)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	s := Default()
	s.Accounts = []Account{{URI: "alice@example.com", Enabled: true}}
	s.Tones.Beep = "beep.wav"

	require.NoError(t, Save(path, s))
	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, s, got)

	// Невалидный документ не должен затирать файл
	bad := s
	bad.Accounts = append(bad.Accounts, Account{})
	require.Error(t, Save(path, bad))
	got, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, s, got)
}

func TestHolderReload(t *testing.T) {
	path := writeDoc(t, sampleDoc)
	h, err := NewHolder(path, nil)
	require.NoError(t, err)

	var notified []Settings
	h.Subscribe(func(s Settings) { notified = append(notified, s) })

	// Валидное обновление применяется и доставляется слушателям
	updated := h.Get()
	updated.Devices.AudioInput = "mic1"
	require.NoError(t, Save(path, updated))
	require.NoError(t, h.Reload())
	assert.Equal(t, "mic1", h.Get().Devices.AudioInput)
	require.Len(t, notified, 1)
	assert.Equal(t, "mic1", notified[0].Devices.AudioInput)

	// Невалидное обновление отвергается, действующие настройки целы
	require.NoError(t, os.WriteFile(path, []byte("accounts:\n  - display_name: NoURI\n"), 0o644))
	require.Error(t, h.Reload())
	assert.Equal(t, "mic1", h.Get().Devices.AudioInput)
	assert.Len(t, notified, 1)
}
