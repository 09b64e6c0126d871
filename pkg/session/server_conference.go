package session

import (
	"sort"
	"strings"

	"github.com/arzzra/call_core/pkg/engine"
)

// ParticipantState — статус участника в составе серверной конференции.
type ParticipantState string

const (
	ParticipantConfirmed     ParticipantState = "confirmed"
	ParticipantPendingAdd    ParticipantState = "pending_add"
	ParticipantPendingRemove ParticipantState = "pending_remove"
)

// RosterEntry — участник серверной конференции с его статусом.
type RosterEntry struct {
	Participant engine.Participant
	State       ParticipantState
}

type pendingState int

const (
	pendingNone pendingState = iota
	pendingAdd
	pendingRemove
)

type participantEntry struct {
	participant engine.Participant
	pending     pendingState
	// misses — число снимков подряд, противоречащих запрошенной операции:
	// для pendingAdd участник отсутствовал, для pendingRemove присутствовал.
	// Второй противоречащий снимок означает отказ операции.
	misses int
}

// ServerConference отслеживает состав конференции, размещенной на
// фокус-сервере. Добавление и удаление участников оптимистичны: локальная
// запись помечается ожидающей и сверяется с очередными снимками состава
// от сервера. Сверка детерминирована и идемпотентна: повторный идентичный
// снимок не порождает новых событий.
//
// Структура живет под мьютексом сессии-владельца: изменяющие методы
// вызываются только из операций сессии, читающие берут мьютекс владельца.
type ServerConference struct {
	owner        *Session
	participants map[string]*participantEntry
}

func newServerConference(owner *Session) *ServerConference {
	return &ServerConference{
		owner:        owner,
		participants: make(map[string]*participantEntry),
	}
}

// Roster возвращает текущий состав со статусами, упорядоченный по URI.
func (sc *ServerConference) Roster() []RosterEntry {
	sc.owner.mu.Lock()
	defer sc.owner.mu.Unlock()
	out := make([]RosterEntry, 0, len(sc.participants))
	for _, key := range sc.sortedKeysLocked() {
		entry := sc.participants[key]
		st := ParticipantConfirmed
		switch entry.pending {
		case pendingAdd:
			st = ParticipantPendingAdd
		case pendingRemove:
			st = ParticipantPendingRemove
		}
		out = append(out, RosterEntry{Participant: entry.participant, State: st})
	}
	return out
}

// addParticipantLocked создает оптимистичную запись об участнике.
func (sc *ServerConference) addParticipantLocked(uri string) error {
	key := normalizeParticipantURI(uri)
	if entry, ok := sc.participants[key]; ok {
		if entry.pending == pendingRemove {
			return NewError(ErrorCodeParticipantExists, sc.owner.id, "удаление участника еще не подтверждено")
		}
		return NewError(ErrorCodeParticipantExists, sc.owner.id, "участник уже в конференции")
	}
	sc.participants[key] = &participantEntry{
		participant: engine.Participant{URI: uri},
		pending:     pendingAdd,
	}
	return nil
}

// dropParticipantLocked откатывает оптимистичную запись (движок отказал).
func (sc *ServerConference) dropParticipantLocked(uri string) {
	delete(sc.participants, normalizeParticipantURI(uri))
}

// removeParticipantLocked помечает участника ожидающим удаления.
func (sc *ServerConference) removeParticipantLocked(uri string) error {
	key := normalizeParticipantURI(uri)
	entry, ok := sc.participants[key]
	if !ok {
		return NewError(ErrorCodeParticipantNotFound, sc.owner.id, "участник не в конференции")
	}
	if entry.pending == pendingRemove {
		return NewError(ErrorCodeParticipantExists, sc.owner.id, "удаление уже запрошено")
	}
	entry.pending = pendingRemove
	entry.misses = 0
	return nil
}

// applySnapshotLocked сверяет локальный состав со снимком от фокуса.
// Порядок фаз фиксирован: исчезнувшие → подтвержденные добавления →
// обновленные → новые. Ожидающая операция, которой противоречат два
// снимка подряд, считается отказанной.
func (sc *ServerConference) applySnapshotLocked(parts []engine.Participant) {
	s := sc.owner
	seen := make(map[string]engine.Participant, len(parts))
	for _, p := range parts {
		seen[normalizeParticipantURI(p.URI)] = p
	}

	// Фаза 1: участники, отсутствующие в снимке
	for _, key := range sc.sortedKeysLocked() {
		if _, ok := seen[key]; ok {
			continue
		}
		entry := sc.participants[key]
		switch entry.pending {
		case pendingAdd:
			entry.misses++
			if entry.misses >= 2 {
				delete(sc.participants, key)
				s.emitLocked(ParticipantAddFailedNotification{
					NotificationBase{s}, entry.participant.URI, "участник не присоединился",
				})
			}
		default:
			delete(sc.participants, key)
			s.emitLocked(ParticipantRemovedNotification{NotificationBase{s}, entry.participant})
		}
	}

	// Фаза 2: подтвержденные оптимистичные добавления
	for _, key := range sortedSnapshotKeys(seen) {
		entry, ok := sc.participants[key]
		if !ok || entry.pending != pendingAdd {
			continue
		}
		entry.pending = pendingNone
		entry.misses = 0
		entry.participant = seen[key]
		s.emitLocked(ParticipantAddedNotification{NotificationBase{s}, entry.participant})
	}

	// Фаза 3: обновления известных участников и отказы удалений
	for _, key := range sortedSnapshotKeys(seen) {
		entry, ok := sc.participants[key]
		if !ok {
			continue
		}
		p := seen[key]
		switch entry.pending {
		case pendingNone:
			if entry.participant != p {
				entry.participant = p
				s.emitLocked(ParticipantUpdatedNotification{NotificationBase{s}, p})
			}
		case pendingRemove:
			entry.misses++
			if entry.misses >= 2 {
				entry.pending = pendingNone
				entry.misses = 0
				entry.participant = p
				s.emitLocked(ParticipantUpdatedNotification{NotificationBase{s}, p})
			}
		}
	}

	// Фаза 4: новые участники, появившиеся без нашего запроса
	for _, key := range sortedSnapshotKeys(seen) {
		if _, ok := sc.participants[key]; ok {
			continue
		}
		p := seen[key]
		sc.participants[key] = &participantEntry{participant: p}
		s.emitLocked(ParticipantAddedNotification{NotificationBase{s}, p})
	}
}

func (sc *ServerConference) sortedKeysLocked() []string {
	keys := make([]string, 0, len(sc.participants))
	for k := range sc.participants {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedSnapshotKeys(seen map[string]engine.Participant) []string {
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// normalizeParticipantURI нормализует URI для ключа состава: без схемы,
// без параметров, в нижнем регистре.
func normalizeParticipantURI(uri string) string {
	u := strings.TrimSpace(strings.ToLower(uri))
	u = strings.TrimPrefix(u, "sips:")
	u = strings.TrimPrefix(u, "sip:")
	if i := strings.IndexByte(u, ';'); i >= 0 {
		u = u[:i]
	}
	return u
}

// AddParticipant оптимистично добавляет участника в серверную конференцию
// сессии: локальная запись создается немедленно, подтверждение приходит
// снимком состава от фокуса.
func (s *Session) AddParticipant(uri string) error {
	s.mu.Lock()
	cur := s.machine.Current()
	if !cur.In("connected/*") {
		s.mu.Unlock()
		return NewError(ErrorCodeInvalidState, s.id, "участники добавляются только в установленной сессии")
	}
	if s.serverConference == nil {
		if !s.isFocus {
			s.mu.Unlock()
			return NewError(ErrorCodeConferenceUnavailable, s.id, "сессия не является серверной конференцией")
		}
		s.serverConference = newServerConference(s)
	}
	if err := s.serverConference.addParticipantLocked(uri); err != nil {
		s.mu.Unlock()
		return err
	}
	es := s.engineSession
	s.mu.Unlock()

	if err := es.AddParticipant(uri); err != nil {
		s.mu.Lock()
		if s.serverConference != nil {
			s.serverConference.dropParticipantLocked(uri)
		}
		s.mu.Unlock()
		return NewError(ErrorCodeEngineFailure, s.id, "движок отказал в добавлении участника").WithWrapped(err)
	}
	return nil
}

// RemoveParticipant запрашивает удаление участника серверной конференции.
func (s *Session) RemoveParticipant(uri string) error {
	s.mu.Lock()
	cur := s.machine.Current()
	if !cur.In("connected/*") || s.serverConference == nil {
		s.mu.Unlock()
		return NewError(ErrorCodeConferenceUnavailable, s.id, "сессия не является серверной конференцией")
	}
	if err := s.serverConference.removeParticipantLocked(uri); err != nil {
		s.mu.Unlock()
		return err
	}
	es := s.engineSession
	s.mu.Unlock()

	if err := es.RemoveParticipant(uri); err != nil {
		return NewError(ErrorCodeEngineFailure, s.id, "движок отказал в удалении участника").WithWrapped(err)
	}
	return nil
}
