package settings

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
)

// reloadDebounce гасит серии событий fsnotify при записи файла
// редакторами, которые пишут в несколько приемов.
const reloadDebounce = 500 * time.Millisecond

// Holder хранит актуальные настройки и перечитывает файл при его
// изменении. Перезагрузка атомарна: невалидный документ отвергается,
// действующие настройки сохраняются.
type Holder struct {
	mu      sync.RWMutex
	current Settings

	path    string
	watcher *fsnotify.Watcher
	log     *slog.Logger

	listenersMu sync.Mutex
	listeners   []func(Settings)
}

// NewHolder загружает настройки из path и создает держатель.
func NewHolder(path string, logger *slog.Logger) (*Holder, error) {
	s, err := Load(path)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Holder{
		current: s,
		path:    path,
		log:     logger.With(slog.String("component", "settings")),
	}, nil
}

// Get возвращает действующие настройки.
func (h *Holder) Get() Settings {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// Subscribe регистрирует слушателя смены настроек. Слушатели вызываются
// последовательно после каждой успешной перезагрузки.
func (h *Holder) Subscribe(fn func(Settings)) {
	h.listenersMu.Lock()
	defer h.listenersMu.Unlock()
	h.listeners = append(h.listeners, fn)
}

// Reload перечитывает файл настроек. При ошибке загрузки или валидации
// действующие настройки не меняются.
func (h *Holder) Reload() error {
	s, err := Load(h.path)
	if err != nil {
		h.log.Error("перезагрузка настроек отвергнута", slog.String("error", err.Error()))
		return err
	}

	h.mu.Lock()
	h.current = s
	h.mu.Unlock()

	h.listenersMu.Lock()
	listeners := make([]func(Settings), len(h.listeners))
	copy(listeners, h.listeners)
	h.listenersMu.Unlock()
	for _, fn := range listeners {
		fn(s)
	}

	h.log.Info("настройки перезагружены", slog.String("path", h.path))
	return nil
}

// Watch следит за файлом настроек до отмены контекста. Серии событий
// записи сводятся к одной перезагрузке.
func (h *Holder) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "создание наблюдателя настроек")
	}
	if err := watcher.Add(h.path); err != nil {
		watcher.Close()
		return errors.Wrap(err, "наблюдение за файлом настроек")
	}
	h.watcher = watcher
	go h.watchLoop(ctx)
	h.log.Debug("наблюдение за настройками запущено", slog.String("path", h.path))
	return nil
}

func (h *Holder) watchLoop(ctx context.Context) {
	defer h.watcher.Close()
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, func() {
				// Атомарное сохранение подменяет inode, поэтому после
				// rename файл добавляется в наблюдение заново.
				_ = h.watcher.Add(h.path)
				_ = h.Reload()
			})
		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			h.log.Error("ошибка наблюдателя настроек", slog.String("error", err.Error()))
		}
	}
}
