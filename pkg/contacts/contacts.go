// Package contacts сопоставляет сырые адреса (URI, номера телефонов)
// каноническому SIP URI и отображаемому контакту. Разрешение — чистая
// функция от входа и загруженной адресной книги.
package contacts

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Contact — удаленная сторона разговора.
type Contact struct {
	// URI — канонический SIP URI вида "sip:user@domain".
	URI string
	// DisplayName — отображаемое имя из адресной книги; пустое, если
	// контакт не найден.
	DisplayName string
}

// Resolver сопоставляет сырую строку адреса контакту.
type Resolver interface {
	Lookup(raw string) Contact
}

// Directory — адресная книга с нормализацией адресов.
type Directory struct {
	defaultDomain string
	entries       map[string]string
}

// NewDirectory создает адресную книгу. defaultDomain дополняет адреса
// без доменной части (короткие номера, имена пользователей).
func NewDirectory(defaultDomain string) *Directory {
	return &Directory{
		defaultDomain: defaultDomain,
		entries:       make(map[string]string),
	}
}

// Add регистрирует контакт в книге.
func (d *Directory) Add(c Contact) {
	d.entries[canonicalKey(c.URI)] = c.DisplayName
}

// directoryFile — формат YAML файла адресной книги.
type directoryFile struct {
	Contacts []struct {
		URI         string `yaml:"uri"`
		DisplayName string `yaml:"display_name"`
	} `yaml:"contacts"`
}

// LoadFile загружает контакты из YAML файла, дополняя книгу.
func (d *Directory) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "чтение адресной книги")
	}
	var file directoryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return errors.Wrap(err, "разбор адресной книги")
	}
	for _, c := range file.Contacts {
		d.Add(Contact{URI: c.URI, DisplayName: c.DisplayName})
	}
	return nil
}

// Lookup нормализует сырой адрес и возвращает контакт. Неизвестному
// адресу соответствует контакт с каноническим URI и пустым именем.
func (d *Directory) Lookup(raw string) Contact {
	uri := Normalize(raw, d.defaultDomain)
	return Contact{
		URI:         uri,
		DisplayName: d.entries[canonicalKey(uri)],
	}
}

// Normalize приводит сырой адрес к каноническому SIP URI: убирает
// пробелы и разделители номеров, дополняет домен и схему.
func Normalize(raw, defaultDomain string) string {
	u := strings.TrimSpace(raw)
	if u == "" {
		return ""
	}
	hasScheme := strings.HasPrefix(strings.ToLower(u), "sip:") || strings.HasPrefix(strings.ToLower(u), "sips:")
	scheme := "sip:"
	if strings.HasPrefix(strings.ToLower(u), "sips:") {
		scheme = "sips:"
	}
	if hasScheme {
		u = u[strings.IndexByte(u, ':')+1:]
	}
	user := u
	domain := ""
	if i := strings.LastIndexByte(u, '@'); i >= 0 {
		user = u[:i]
		domain = u[i+1:]
	}
	if isPhoneNumber(user) {
		user = stripPhoneSeparators(user)
	} else {
		user = strings.ReplaceAll(user, " ", "")
	}
	if domain == "" {
		domain = defaultDomain
	}
	if domain == "" {
		return scheme + user
	}
	return scheme + user + "@" + strings.ToLower(domain)
}

// canonicalKey — ключ адресной книги: URI без схемы в нижнем регистре.
func canonicalKey(uri string) string {
	k := strings.ToLower(strings.TrimSpace(uri))
	k = strings.TrimPrefix(k, "sips:")
	k = strings.TrimPrefix(k, "sip:")
	if i := strings.IndexByte(k, ';'); i >= 0 {
		k = k[:i]
	}
	return k
}

// isPhoneNumber распознает телефонный номер: цифры и типографика
// номеров, допускается ведущий плюс.
func isPhoneNumber(user string) bool {
	if user == "" {
		return false
	}
	digits := 0
	for i, r := range user {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == '+' && i == 0:
		case r == ' ' || r == '-' || r == '.' || r == '(' || r == ')':
		default:
			return false
		}
	}
	return digits > 0
}

func stripPhoneSeparators(user string) string {
	var b strings.Builder
	for i, r := range user {
		if r >= '0' && r <= '9' || (r == '+' && i == 0) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
