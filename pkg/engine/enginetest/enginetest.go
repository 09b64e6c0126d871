// Package enginetest содержит программируемую заглушку коммуникационного
// движка для тестов и демонстрационных сценариев.
//
// Заглушка записывает все вызовы операций и позволяет тесту вручную
// отправлять любые события в канал движка, полностью управляя порядком
// асинхронных исходов.
package enginetest

import (
	"context"
	"fmt"
	"sync"

	"github.com/arzzra/call_core/pkg/engine"
)

// Engine — заглушка engine.Engine.
type Engine struct {
	mu       sync.Mutex
	events   chan engine.Event
	sessions []*Session
	bridges  []*Bridge
	nextID   int
	closed   bool

	// CreateSessionErr подставляется как ошибка следующего CreateSession.
	CreateSessionErr error
	// CreateBridgeErr подставляется как ошибка следующего CreateBridge.
	CreateBridgeErr error
}

// New создает заглушку движка с буферизованным каналом событий.
func New() *Engine {
	return &Engine{events: make(chan engine.Event, 128)}
}

func (e *Engine) CreateSession(_ context.Context, req engine.SessionRequest) (engine.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.CreateSessionErr != nil {
		err := e.CreateSessionErr
		e.CreateSessionErr = nil
		return nil, err
	}
	e.nextID++
	s := &Session{id: fmt.Sprintf("fake-%d", e.nextID), req: req, errs: map[string]error{}}
	e.sessions = append(e.sessions, s)
	return s, nil
}

func (e *Engine) CreateBridge(_ context.Context) (engine.AudioBridge, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.CreateBridgeErr != nil {
		err := e.CreateBridgeErr
		e.CreateBridgeErr = nil
		return nil, err
	}
	b := &Bridge{}
	e.bridges = append(e.bridges, b)
	return b, nil
}

func (e *Engine) Events() <-chan engine.Event { return e.events }

func (e *Engine) Close(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.events)
	}
	return nil
}

// Fire отправляет событие потребителю канала событий.
func (e *Engine) Fire(ev engine.Event) { e.events <- ev }

// Sessions возвращает копию списка созданных сессий в порядке создания.
func (e *Engine) Sessions() []*Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Session, len(e.sessions))
	copy(out, e.sessions)
	return out
}

// LastSession возвращает последнюю созданную сессию или nil.
func (e *Engine) LastSession() *Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.sessions) == 0 {
		return nil
	}
	return e.sessions[len(e.sessions)-1]
}

// Bridges возвращает копию списка созданных мостов.
func (e *Engine) Bridges() []*Bridge {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Bridge, len(e.bridges))
	copy(out, e.bridges)
	return out
}

// NewIncoming создает сессию, как если бы ее породил входящий вызов,
// и отправляет событие IncomingSessionEvent. Возвращает дескриптор.
func (e *Engine) NewIncoming(from string, kinds ...engine.StreamKind) *Session {
	descs := make([]engine.StreamDescriptor, 0, len(kinds))
	for _, k := range kinds {
		descs = append(descs, engine.StreamDescriptor{Kind: k})
	}
	return e.NewIncomingEvent(engine.IncomingSessionEvent{From: from, Streams: descs})
}

// NewIncomingEvent создает сессию движка и отправляет готовое событие
// входящей сессии, заполняя в нем поле Session. Дает тестам полный
// контроль над дескрипторами потоков и флагами события.
func (e *Engine) NewIncomingEvent(ev engine.IncomingSessionEvent) *Session {
	e.mu.Lock()
	e.nextID++
	s := &Session{id: fmt.Sprintf("fake-%d", e.nextID), errs: map[string]error{}}
	e.sessions = append(e.sessions, s)
	e.mu.Unlock()

	ev.Session = s
	e.Fire(ev)
	return s
}

// FireProgress отправляет предварительный ответ для сессии.
func (e *Engine) FireProgress(s engine.Session, code int) {
	e.Fire(engine.ProgressEvent{EventBase: engine.EventBase{Session: s}, Code: code})
}

// FireStarted отправляет событие установления сессии с потоками kinds.
// Потоки создаются заглушкой и становятся активными потоками сессии.
func (e *Engine) FireStarted(s *Session, kinds ...engine.StreamKind) {
	streams := make([]engine.Stream, 0, len(kinds))
	for _, k := range kinds {
		streams = append(streams, NewStream(k))
	}
	s.setStreams(streams)
	e.Fire(engine.WillStartEvent{EventBase: engine.EventBase{Session: s}})
	e.Fire(engine.StartedEvent{EventBase: engine.EventBase{Session: s}, Streams: streams})
}

// FireEnded отправляет событие штатного завершения сессии.
func (e *Engine) FireEnded(s engine.Session, originator engine.Originator) {
	e.Fire(engine.EndedEvent{EventBase: engine.EventBase{Session: s}, Originator: originator})
}

// FireFailed отправляет событие сбоя сессии.
func (e *Engine) FireFailed(s engine.Session, code int, reason string, originator engine.Originator) {
	e.Fire(engine.FailedEvent{
		EventBase:  engine.EventBase{Session: s},
		Code:       code,
		Reason:     reason,
		Originator: originator,
	})
}

// FireHold отправляет событие смены удержания.
func (e *Engine) FireHold(s engine.Session, originator engine.Originator, on bool) {
	e.Fire(engine.HoldEvent{EventBase: engine.EventBase{Session: s}, Originator: originator, On: on})
}

// FireProposalAnswered отправляет исход переговоров по предложению потоков.
// Потоки kinds становятся полным активным набором сессии.
func (e *Engine) FireProposalAnswered(s *Session, answer engine.ProposalAnswer, kinds ...engine.StreamKind) {
	streams := make([]engine.Stream, 0, len(kinds))
	for _, k := range kinds {
		streams = append(streams, NewStream(k))
	}
	s.setStreams(streams)
	e.Fire(engine.ProposalAnsweredEvent{
		EventBase: engine.EventBase{Session: s},
		Answer:    answer,
		Streams:   streams,
	})
}

// FireConferenceInfo отправляет снимок состава серверной конференции.
func (e *Engine) FireConferenceInfo(s engine.Session, uris ...string) {
	parts := make([]engine.Participant, 0, len(uris))
	for _, u := range uris {
		parts = append(parts, engine.Participant{URI: u})
	}
	e.Fire(engine.ConferenceInfoEvent{EventBase: engine.EventBase{Session: s}, Participants: parts})
}

// Session — заглушка engine.Session. Записывает операции в журнал вызовов.
type Session struct {
	mu      sync.Mutex
	id      string
	req     engine.SessionRequest
	calls   []string
	streams []engine.Stream
	errs    map[string]error
}

func (s *Session) record(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, op)
	if err := s.errs[op]; err != nil {
		delete(s.errs, op)
		return err
	}
	return nil
}

// FailNext заставляет следующий вызов операции op вернуть err.
// Имя операции совпадает с записью журнала: "hold", "end", "transfer" и т.д.
func (s *Session) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[op] = err
}

// Calls возвращает журнал операций сессии.
func (s *Session) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallCount возвращает число вызовов операции op.
func (s *Session) CallCount(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c == op {
			n++
		}
	}
	return n
}

// Request возвращает параметры, с которыми сессия была создана.
func (s *Session) Request() engine.SessionRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.req
}

func (s *Session) setStreams(streams []engine.Stream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams = streams
}

func (s *Session) ID() string { return s.id }

func (s *Session) Accept([]engine.StreamDescriptor) error { return s.record("accept") }
func (s *Session) Reject(code int) error                  { return s.record(fmt.Sprintf("reject:%d", code)) }
func (s *Session) End(context.Context) error              { return s.record("end") }

func (s *Session) Transfer(target string, _ engine.Session) error {
	return s.record("transfer:" + target)
}

func (s *Session) ProposeStreams(add, remove []engine.StreamDescriptor) error {
	op := "propose"
	for _, d := range add {
		op += ":+" + string(d.Kind)
	}
	for _, d := range remove {
		op += ":-" + string(d.Kind)
	}
	return s.record(op)
}

func (s *Session) AcceptProposal([]engine.StreamDescriptor) error { return s.record("accept_proposal") }
func (s *Session) RejectProposal() error                          { return s.record("reject_proposal") }

func (s *Session) Hold() error   { return s.record("hold") }
func (s *Session) Unhold() error { return s.record("unhold") }

func (s *Session) SendDTMF(digit byte) error { return s.record("dtmf:" + string(digit)) }

func (s *Session) MuteStream(kind engine.StreamKind, muted bool) error {
	return s.record(fmt.Sprintf("mute:%s:%v", kind, muted))
}

func (s *Session) StartRecording(path string) error { return s.record("start_recording:" + path) }
func (s *Session) StopRecording() error             { return s.record("stop_recording") }

func (s *Session) Streams() []engine.Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]engine.Stream, len(s.streams))
	copy(out, s.streams)
	return out
}

func (s *Session) AddParticipant(uri string) error    { return s.record("add_participant:" + uri) }
func (s *Session) RemoveParticipant(uri string) error { return s.record("remove_participant:" + uri) }

// Stream — заглушка engine.Stream с поддержкой chat-отправки.
type Stream struct {
	mu       sync.Mutex
	kind     engine.StreamKind
	closed   bool
	messages []string
}

// NewStream создает поток заданного типа.
func NewStream(kind engine.StreamKind) *Stream { return &Stream{kind: kind} }

func (s *Stream) Kind() engine.StreamKind { return s.kind }

func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Closed сообщает, был ли поток закрыт.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Stream) SendMessage(content, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, content)
	return fmt.Sprintf("msg-%d", len(s.messages)), nil
}

func (s *Stream) SendComposing(bool) error { return nil }

// SentMessages возвращает отправленные через поток сообщения.
func (s *Stream) SentMessages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.messages))
	copy(out, s.messages)
	return out
}

// Bridge — заглушка аудиомикшера клиентской конференции.
type Bridge struct {
	mu      sync.Mutex
	calls   []string
	streams []engine.Stream
	held    bool
	closed  bool
}

func (b *Bridge) AddStream(s engine.Stream) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, "add:"+string(s.Kind()))
	b.streams = append(b.streams, s)
	return nil
}

func (b *Bridge) RemoveStream(s engine.Stream) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, "remove:"+string(s.Kind()))
	for i, st := range b.streams {
		if st == s {
			b.streams = append(b.streams[:i], b.streams[i+1:]...)
			break
		}
	}
	return nil
}

func (b *Bridge) Hold() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, "hold")
	b.held = true
	return nil
}

func (b *Bridge) Unhold() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, "unhold")
	b.held = false
	return nil
}

func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, "close")
	b.closed = true
	return nil
}

// Held сообщает, находится ли мост на удержании.
func (b *Bridge) Held() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.held
}

// Closed сообщает, был ли мост закрыт.
func (b *Bridge) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// StreamCount возвращает число потоков в мосте.
func (b *Bridge) StreamCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.streams)
}

// Calls возвращает журнал операций моста.
func (b *Bridge) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.calls))
	copy(out, b.calls)
	return out
}
