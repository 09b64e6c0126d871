package session

import (
	"log/slog"
	"sync"

	"github.com/arzzra/call_core/pkg/engine"
)

// ClientConference объединяет несколько сессий в один локально микшируемый
// разговор. Конференция владеет аудиомостом движка; аудиопоток каждого
// участника зеркалируется в мост ровно один раз на все время членства.
//
// Мост — единственный разделяемый ресурс ядра: вся его мутация проходит
// через методы конференции, прямые обращения запрещены.
//
// Инвариант состава: распущенная конференция пуста; удаление участника из
// конференции на двоих распускает ее целиком, конференция из одного
// участника невозможна.
type ClientConference struct {
	mu        sync.Mutex
	log       *slog.Logger
	bridge    engine.AudioBridge
	sessions  []*Session
	mirrored  map[*Session]engine.Stream
	held      bool
	dissolved bool
}

// NewClientConference создает конференцию вокруг аудиомоста движка.
func NewClientConference(bridge engine.AudioBridge, logger *slog.Logger) *ClientConference {
	if logger == nil {
		logger = slog.Default()
	}
	return &ClientConference{
		log:      logger.With(slog.String("component", "client_conference")),
		bridge:   bridge,
		mirrored: make(map[*Session]engine.Stream),
	}
}

// AddSession добавляет сессию в конференцию и зеркалирует ее аудиопоток
// в мост.
func (c *ClientConference) AddSession(s *Session) error {
	if s.ClientConference() != nil {
		return NewError(ErrorCodeParticipantExists, s.id, "сессия уже в конференции")
	}
	c.mu.Lock()
	if c.dissolved {
		c.mu.Unlock()
		return NewError(ErrorCodeConferenceUnavailable, s.id, "конференция распущена")
	}
	for _, member := range c.sessions {
		if member == s {
			c.mu.Unlock()
			return NewError(ErrorCodeParticipantExists, s.id, "сессия уже в конференции")
		}
	}
	c.sessions = append(c.sessions, s)
	c.mu.Unlock()

	s.setClientConference(c)
	c.syncAudio(s, s.audioEngineStream())
	return nil
}

// RemoveSession удаляет сессию из конференции. Когда участников остается
// двое, удаление одного распускает конференцию: оба бывших участника
// теряют принадлежность, мост закрывается.
func (c *ClientConference) RemoveSession(s *Session) error {
	c.mu.Lock()
	idx := -1
	for i, member := range c.sessions {
		if member == s {
			idx = i
			break
		}
	}
	if idx < 0 {
		c.mu.Unlock()
		return NewError(ErrorCodeParticipantNotFound, s.id, "сессия не в конференции")
	}
	c.sessions = append(c.sessions[:idx], c.sessions[idx+1:]...)
	c.unmirrorLocked(s)

	var last *Session
	if len(c.sessions) == 1 {
		last = c.sessions[0]
		c.sessions = nil
		c.unmirrorLocked(last)
	}
	dissolve := len(c.sessions) == 0
	if dissolve {
		c.dissolved = true
		if err := c.bridge.Close(); err != nil {
			c.log.Error("закрытие аудиомоста не удалось", slog.String("error", err.Error()))
		}
	}
	c.mu.Unlock()

	s.setClientConference(nil)
	if last != nil {
		last.setClientConference(nil)
	}
	return nil
}

// Hold переводит мост конференции на удержание. Применяется к общему
// мосту, не к отдельным участникам.
func (c *ClientConference) Hold() {
	c.mu.Lock()
	if c.dissolved || c.held {
		c.mu.Unlock()
		return
	}
	c.held = true
	c.mu.Unlock()
	if err := c.bridge.Hold(); err != nil {
		c.log.Error("удержание аудиомоста не удалось", slog.String("error", err.Error()))
	}
}

// Unhold снимает мост конференции с удержания.
func (c *ClientConference) Unhold() {
	c.mu.Lock()
	if c.dissolved || !c.held {
		c.mu.Unlock()
		return
	}
	c.held = false
	c.mu.Unlock()
	if err := c.bridge.Unhold(); err != nil {
		c.log.Error("снятие аудиомоста с удержания не удалось", slog.String("error", err.Error()))
	}
}

// Held сообщает, находится ли мост конференции на удержании.
func (c *ClientConference) Held() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.held
}

// Dissolved сообщает, распущена ли конференция.
func (c *ClientConference) Dissolved() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dissolved
}

// Sessions возвращает копию списка участников.
func (c *ClientConference) Sessions() []*Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Session, len(c.sessions))
	copy(out, c.sessions)
	return out
}

// Contains сообщает, входит ли сессия в конференцию.
func (c *ClientConference) Contains(s *Session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, member := range c.sessions {
		if member == s {
			return true
		}
	}
	return false
}

// syncAudio приводит зеркало аудиопотока участника к актуальному потоку
// движка. Идемпотентен; вызывается сессией при каждом изменении ее
// набора потоков.
func (c *ClientConference) syncAudio(s *Session, audio engine.Stream) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dissolved {
		return
	}
	member := false
	for _, m := range c.sessions {
		if m == s {
			member = true
			break
		}
	}
	if !member {
		return
	}
	old := c.mirrored[s]
	if old == audio {
		return
	}
	if old != nil {
		delete(c.mirrored, s)
		if err := c.bridge.RemoveStream(old); err != nil {
			c.log.Error("удаление потока из моста не удалось", slog.String("error", err.Error()))
		}
	}
	if audio != nil {
		c.mirrored[s] = audio
		if err := c.bridge.AddStream(audio); err != nil {
			c.log.Error("добавление потока в мост не удалось", slog.String("error", err.Error()))
		}
	}
}

// unmirrorLocked убирает зеркало аудиопотока участника из моста.
func (c *ClientConference) unmirrorLocked(s *Session) {
	old, ok := c.mirrored[s]
	if !ok {
		return
	}
	delete(c.mirrored, s)
	if err := c.bridge.RemoveStream(old); err != nil {
		c.log.Error("удаление потока из моста не удалось", slog.String("error", err.Error()))
	}
}
