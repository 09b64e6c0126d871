package engine

import "time"

// Originator — сторона, инициировавшая действие.
type Originator string

const (
	OriginatorLocal  Originator = "local"
	OriginatorRemote Originator = "remote"
)

// Event — закрытое объединение событий движка. Реализации перечислены
// в этом файле; внешние пакеты не могут добавлять свои типы событий,
// поэтому switch по типу события может быть исчерпывающим.
type Event interface {
	// EngineSession возвращает сессию движка, к которой относится событие.
	EngineSession() Session
	isEvent()
}

// EventBase — общая часть всех событий: принадлежность сессии.
// Встраивается в каждый конкретный тип события.
type EventBase struct {
	Session Session
}

func (b EventBase) EngineSession() Session { return b.Session }
func (EventBase) isEvent()                 {}

// IncomingSessionEvent — новая входящая сессия с предложенными потоками.
type IncomingSessionEvent struct {
	EventBase
	From             string
	DisplayName      string
	Streams          []StreamDescriptor
	RemoteInstanceID string
	// ReplacedSession не nil, если входящая сессия заменяет существующую
	// (attended-перевод на нас).
	ReplacedSession Session
	IsConference    bool
	AutoAnswer      bool
}

// ProgressEvent — предварительный ответ: 180 звонит, 183 ранняя медиа.
type ProgressEvent struct {
	EventBase
	Code   int
	Reason string
}

// WillStartEvent — переговоры завершены, движок запускает потоки.
type WillStartEvent struct {
	EventBase
}

// StartedEvent — сессия установлена с итоговым набором потоков.
type StartedEvent struct {
	EventBase
	Streams []Stream
}

// FailedEvent — сессия не установилась или оборвалась с ошибкой.
type FailedEvent struct {
	EventBase
	Code       int
	Reason     string
	Originator Originator
}

// EndedEvent — сессия штатно завершена.
type EndedEvent struct {
	EventBase
	Originator Originator
}

// HoldEvent — изменение состояния удержания.
type HoldEvent struct {
	EventBase
	Originator Originator
	On         bool
}

// ProposalEvent — удаленная сторона предлагает изменить набор потоков.
type ProposalEvent struct {
	EventBase
	Add    []StreamDescriptor
	Remove []StreamDescriptor
}

// ProposalAnswer — исход переговоров по предложению потоков.
type ProposalAnswer string

const (
	ProposalAccepted ProposalAnswer = "accepted"
	ProposalRejected ProposalAnswer = "rejected"
	ProposalFailed   ProposalAnswer = "failed"
)

// ProposalAnsweredEvent — предложение потоков разрешилось.
// Streams содержит полный актуальный набор активных потоков сессии,
// по нему ядро сверяет свое представление.
type ProposalAnsweredEvent struct {
	EventBase
	Answer  ProposalAnswer
	Streams []Stream
	Reason  string
}

// StreamStats — статистика потока за тик.
type StreamStats struct {
	PacketsSent     uint64
	PacketsReceived uint64
	BytesSent       uint64
	BytesReceived   uint64
	PacketsLost     uint64
	Jitter          time.Duration
	RTT             time.Duration
}

// StreamStatsEvent — периодический тик статистики потока.
type StreamStatsEvent struct {
	EventBase
	Kind  StreamKind
	Stats StreamStats
}

// ICEState — состояние переговоров ICE для потока.
type ICEState string

const (
	ICEGatheringComplete ICEState = "gathering_complete"
	ICENegotiating       ICEState = "negotiating"
	ICESucceeded         ICEState = "succeeded"
	ICEFailed            ICEState = "failed"
)

// ICEStateEvent — смена состояния ICE потока.
type ICEStateEvent struct {
	EventBase
	Kind  StreamKind
	State ICEState
}

// EncryptionEvent — смена состояния шифрования потока.
type EncryptionEvent struct {
	EventBase
	Kind     StreamKind
	Protocol string
	Cipher   string
	On       bool
	Verified bool
}

// Participant — участник серверной конференции в снимке состава.
type Participant struct {
	URI         string
	DisplayName string
}

// ConferenceInfoEvent — снимок состава серверной конференции от фокуса.
type ConferenceInfoEvent struct {
	EventBase
	Participants []Participant
}

// RecordingEvent — запись аудио началась или остановилась.
type RecordingEvent struct {
	EventBase
	Active bool
	Path   string
}

// MessageEvent — входящее сообщение chat-потока.
type MessageEvent struct {
	EventBase
	Sender      string
	Content     string
	ContentType string
}

// ComposingEvent — индикация набора текста удаленной стороной.
// Timeout — подсказанный отправителем срок актуальности; ноль означает
// срок по умолчанию на стороне получателя.
type ComposingEvent struct {
	EventBase
	Active  bool
	Timeout time.Duration
}

// CallTransferState — этап перевода звонка (REFER).
type CallTransferState string

const (
	TransferTrying    CallTransferState = "trying"
	TransferRinging   CallTransferState = "ringing"
	TransferSucceeded CallTransferState = "succeeded"
	TransferFailed    CallTransferState = "failed"
)

// CallTransferEvent — прогресс перевода звонка.
type CallTransferEvent struct {
	EventBase
	State  CallTransferState
	Reason string
}

// TransferProgressEvent — прогресс передачи файла в байтах.
type TransferProgressEvent struct {
	EventBase
	Bytes uint64
	Total uint64
}

// DTMFEvent — принятая DTMF-цифра.
type DTMFEvent struct {
	EventBase
	Digit byte
}
