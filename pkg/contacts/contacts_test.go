package contacts

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		domain string
		want   string
	}{
		{"полный URI", "sip:bob@example.com", "local.net", "sip:bob@example.com"},
		{"URI без схемы", "bob@example.com", "local.net", "sip:bob@example.com"},
		{"домен по умолчанию", "bob", "local.net", "sip:bob@local.net"},
		{"sips сохраняется", "sips:bob@example.com", "", "sips:bob@example.com"},
		{"домен в нижний регистр", "bob@EXAMPLE.COM", "", "sip:bob@example.com"},
		{"телефон с типографикой", "+1 (555) 123-45.67", "pbx.example.com", "sip:+15551234567@pbx.example.com"},
		{"короткий номер", "1234", "pbx.example.com", "sip:1234@pbx.example.com"},
		{"пробелы вокруг", "  bob@example.com  ", "", "sip:bob@example.com"},
		{"пробелы внутри имени", "bob smith@example.com", "", "sip:bobsmith@example.com"},
		{"без домена и умолчания", "bob", "", "sip:bob"},
		{"пустая строка", "", "local.net", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.raw, tt.domain))
		})
	}
}

func TestDirectoryLookup(t *testing.T) {
	d := NewDirectory("example.com")
	d.Add(Contact{URI: "sip:bob@example.com", DisplayName: "Bob"})
	d.Add(Contact{URI: "SIP:Alice@Example.Com", DisplayName: "Alice"})

	// Книга находит контакт независимо от формы адреса
	assert.Equal(t, Contact{URI: "sip:bob@example.com", DisplayName: "Bob"}, d.Lookup("bob"))
	assert.Equal(t, Contact{URI: "sip:bob@example.com", DisplayName: "Bob"}, d.Lookup("sip:bob@example.com"))
	assert.Equal(t, "Alice", d.Lookup("alice@example.com").DisplayName)

	// Неизвестный адрес дает канонический URI без имени
	got := d.Lookup("carol@other.net")
	assert.Equal(t, "sip:carol@other.net", got.URI)
	assert.Empty(t, got.DisplayName)
}

func TestDirectoryLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "contacts.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
contacts:
  - uri: sip:bob@example.com
    display_name: Bob
  - uri: "+15551234567@pbx.example.com"
    display_name: Office
`), 0o644))

	d := NewDirectory("example.com")
	require.NoError(t, d.LoadFile(path))

	assert.Equal(t, "Bob", d.Lookup("bob").DisplayName)
	assert.Equal(t, "Office", d.Lookup("sip:+15551234567@pbx.example.com").DisplayName)
}

func TestDirectoryLoadFileErrors(t *testing.T) {
	d := NewDirectory("example.com")
	require.Error(t, d.LoadFile(filepath.Join(t.TempDir(), "missing.yaml")))

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("contacts: {not a list}"), 0o644))
	require.Error(t, d.LoadFile(bad))
}
