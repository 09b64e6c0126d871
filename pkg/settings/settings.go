// Package settings хранит долговременную конфигурацию приложения:
// аккаунты, устройства, каталоги и файлы звуковых сигналов.
//
// Ядро только читает настройки (исходящий прокси, политика автоответа,
// каталоги); схему документа пакет задает сам, но она не является
// поверхностью совместимости. Документ — один YAML файл с атомарным
// сохранением и горячей перезагрузкой по fsnotify.
package settings

import (
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// AutoAnswerPolicy — политика автоответа аккаунта на входящие запросы.
type AutoAnswerPolicy struct {
	// Enabled включает автоответ для аккаунта.
	Enabled bool `yaml:"enabled"`
	// DelaySeconds — задержка перед автоответом в секундах.
	DelaySeconds int `yaml:"delay_seconds"`
}

// Delay возвращает задержку автоответа как time.Duration.
func (p AutoAnswerPolicy) Delay() time.Duration {
	return time.Duration(p.DelaySeconds) * time.Second
}

// Account — настройки одного SIP аккаунта.
type Account struct {
	// URI — AOR аккаунта вида "alice@example.com".
	URI string `yaml:"uri"`
	// DisplayName — отображаемое имя локальной стороны.
	DisplayName string `yaml:"display_name,omitempty"`
	// OutboundProxy — исходящий прокси; пустая строка означает
	// резолвинг цели напрямую по RFC 3263.
	OutboundProxy string `yaml:"outbound_proxy,omitempty"`
	// AutoAnswer — политика автоответа на входящие запросы.
	AutoAnswer AutoAnswerPolicy `yaml:"auto_answer,omitempty"`
	// PGPKeyFile — файл связки ключей PGP для шифрования передач.
	PGPKeyFile string `yaml:"pgp_key_file,omitempty"`
	// Enabled выключенный аккаунт не участвует в вызовах.
	Enabled bool `yaml:"enabled"`
}

// Devices — выбранные устройства ввода-вывода.
type Devices struct {
	AudioInput  string `yaml:"audio_input,omitempty"`
	AudioOutput string `yaml:"audio_output,omitempty"`
	// AlertOutput — устройство сигналов вызова; пустая строка означает
	// устройство вывода звука.
	AlertOutput string `yaml:"alert_output,omitempty"`
	VideoCamera string `yaml:"video_camera,omitempty"`
}

// Directories — рабочие каталоги приложения.
type Directories struct {
	Downloads  string `yaml:"downloads,omitempty"`
	Recordings string `yaml:"recordings,omitempty"`
	History    string `yaml:"history,omitempty"`
}

// Tones — файлы звуковых сигналов по их ролям.
type Tones struct {
	Ringtone string `yaml:"ringtone,omitempty"`
	Ringback string `yaml:"ringback,omitempty"`
	Beep     string `yaml:"beep,omitempty"`
	HoldAll  string `yaml:"hold_all,omitempty"`
	HoldSome string `yaml:"hold_some,omitempty"`
}

// Settings — корень документа настроек.
type Settings struct {
	Accounts    []Account   `yaml:"accounts"`
	Devices     Devices     `yaml:"devices,omitempty"`
	Directories Directories `yaml:"directories,omitempty"`
	Tones       Tones       `yaml:"tones,omitempty"`
}

// Default возвращает настройки по умолчанию: без аккаунтов, рабочие
// каталоги во временном каталоге системы.
func Default() Settings {
	tmp := os.TempDir()
	return Settings{
		Directories: Directories{
			Downloads:  filepath.Join(tmp, "downloads"),
			Recordings: filepath.Join(tmp, "recordings"),
			History:    tmp,
		},
	}
}

// Validate проверяет целостность документа.
func (s Settings) Validate() error {
	seen := make(map[string]struct{}, len(s.Accounts))
	for i, a := range s.Accounts {
		if a.URI == "" {
			return errors.Errorf("аккаунт %d: пустой URI", i)
		}
		if _, dup := seen[a.URI]; dup {
			return errors.Errorf("аккаунт %q указан дважды", a.URI)
		}
		seen[a.URI] = struct{}{}
		if a.AutoAnswer.DelaySeconds < 0 {
			return errors.Errorf("аккаунт %q: отрицательная задержка автоответа", a.URI)
		}
	}
	return nil
}

// AccountByURI возвращает аккаунт по AOR или nil.
func (s Settings) AccountByURI(uri string) *Account {
	for i := range s.Accounts {
		if s.Accounts[i].URI == uri {
			return &s.Accounts[i]
		}
	}
	return nil
}

// DefaultAccount возвращает первый включенный аккаунт или nil.
func (s Settings) DefaultAccount() *Account {
	for i := range s.Accounts {
		if s.Accounts[i].Enabled {
			return &s.Accounts[i]
		}
	}
	return nil
}

// Load читает и валидирует документ настроек из файла.
func Load(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, errors.Wrap(err, "чтение файла настроек")
	}
	s := Default()
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Settings{}, errors.Wrap(err, "разбор файла настроек")
	}
	if err := s.Validate(); err != nil {
		return Settings{}, errors.Wrap(err, "проверка настроек")
	}
	return s, nil
}

// Save атомарно записывает документ: временный файл в каталоге
// назначения и переименование поверх старого.
func Save(path string, s Settings) error {
	if err := s.Validate(); err != nil {
		return errors.Wrap(err, "проверка настроек")
	}
	data, err := yaml.Marshal(s)
	if err != nil {
		return errors.Wrap(err, "кодирование настроек")
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "создание временного файла настроек")
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errors.Wrap(err, "запись настроек")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrap(err, "закрытие файла настроек")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrap(err, "замена файла настроек")
	}
	return nil
}
