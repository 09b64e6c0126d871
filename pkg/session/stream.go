package session

import (
	"github.com/arzzra/call_core/pkg/engine"
)

// Stream — медиапоток внутри сессии. Сессия владеет своими потоками:
// поток создается при инициализации или по предложению, получает дескриптор
// движка при установлении и уничтожается при удалении из набора или при
// завершении сессии.
type Stream struct {
	kind         engine.StreamKind
	descriptor   engine.StreamDescriptor
	engineStream engine.Stream
	info         StreamInfo
	muted        bool
}

func newStream(desc engine.StreamDescriptor) *Stream {
	return &Stream{
		kind:       desc.Kind,
		descriptor: desc,
		info:       StreamInfo{Kind: desc.Kind},
	}
}

// Kind возвращает тип потока.
func (st *Stream) Kind() engine.StreamKind { return st.kind }

// attach связывает поток с дескриптором движка после установления.
func (st *Stream) attach(es engine.Stream) { st.engineStream = es }

// streamSet — набор потоков с инвариантом "не более одного потока каждого
// типа". Нулевое значение готово к использованию после make.
type streamSet map[engine.StreamKind]*Stream

func newStreamSet() streamSet { return make(streamSet) }

func (set streamSet) has(kind engine.StreamKind) bool {
	_, ok := set[kind]
	return ok
}

func (set streamSet) add(st *Stream) bool {
	if set.has(st.kind) {
		return false
	}
	set[st.kind] = st
	return true
}

func (set streamSet) remove(kind engine.StreamKind) *Stream {
	st := set[kind]
	delete(set, kind)
	return st
}

func (set streamSet) kinds() []engine.StreamKind {
	out := make([]engine.StreamKind, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}

func (set streamSet) descriptors() []engine.StreamDescriptor {
	out := make([]engine.StreamDescriptor, 0, len(set))
	for _, st := range set {
		out = append(out, st.descriptor)
	}
	return out
}

func (set streamSet) clear() {
	for k := range set {
		delete(set, k)
	}
}

// validateDescriptors проверяет набор дескрипторов на дубликаты типов.
func validateDescriptors(descs []engine.StreamDescriptor) (engine.StreamKind, bool) {
	seen := make(map[engine.StreamKind]bool, len(descs))
	for _, d := range descs {
		if seen[d.Kind] {
			return d.Kind, false
		}
		seen[d.Kind] = true
	}
	return "", true
}
