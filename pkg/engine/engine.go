// Package engine определяет контракт внешнего коммуникационного движка
// (SIP/медиа стека), от имени которого ядро ведет сессии.
//
// Ядро не реализует ни сигнализацию, ни транспорт медиа: оно создает
// сессии движка, вызывает их операции и потребляет закрытое объединение
// событий Event из канала Engine.Events. Все реализации обязаны доставлять
// события одной сессии в порядке их возникновения.
package engine

import "context"

// StreamKind — тип медиапотока внутри сессии.
type StreamKind string

const (
	StreamAudio         StreamKind = "audio"
	StreamVideo         StreamKind = "video"
	StreamChat          StreamKind = "chat"
	StreamScreenSharing StreamKind = "screen-sharing"
	StreamFileTransfer  StreamKind = "file-transfer"
	// StreamMessages — синтетический канал сообщений без сетевого потока
	// (переписка вне установленной chat-сессии).
	StreamMessages StreamKind = "messages"
)

// Priority возвращает приоритет типа потока для очереди входящих запросов:
// чем меньше значение, тем раньше запрос требует внимания.
func (k StreamKind) Priority() int {
	switch k {
	case StreamAudio:
		return 0
	case StreamVideo:
		return 1
	case StreamScreenSharing:
		return 2
	case StreamChat:
		return 3
	case StreamFileTransfer:
		return 4
	default:
		return 5
	}
}

// StreamDescriptor описывает запрашиваемый медиапоток и параметры его
// создания. Значение неизменяемо после постановки в запрос.
type StreamDescriptor struct {
	Kind    StreamKind
	Options map[string]interface{}
}

// Route — один маршрут до цели, результат резолвинга по RFC 3263.
type Route struct {
	Transport string
	Host      string
	Port      int
}

// RouteResolver резолвит целевой URI в упорядоченный список маршрутов.
// Вызов блокирующий: асинхронность — забота вызывающего (менеджер
// запускает Resolve в горутине и возвращает результат в свой цикл).
type RouteResolver interface {
	Resolve(ctx context.Context, target string, outboundProxy string) ([]Route, error)
}

// SessionRequest — параметры создания исходящей сессии движка.
type SessionRequest struct {
	// Account — AOR аккаунта, от имени которого выполняется вызов.
	Account string
	// Target — канонический URI удаленной стороны.
	Target string
	// Routes — маршруты сигнализации в порядке предпочтения.
	Routes []Route
	// Streams — запрашиваемый начальный набор потоков.
	Streams []StreamDescriptor
	// Replaces — заменяемая сессия при attended-переводе звонка.
	Replaces Session
	// IsFocus — сессия к конференц-фокусу (серверная конференция).
	IsFocus bool
}

// Engine — внешний коммуникационный движок.
type Engine interface {
	// CreateSession создает исходящую сессию. Возвращенная сессия еще не
	// установлена: прогресс приходит событиями из Events.
	CreateSession(ctx context.Context, req SessionRequest) (Session, error)
	// CreateBridge создает локальный аудиомикшер для клиентской конференции.
	CreateBridge(ctx context.Context) (AudioBridge, error)
	// Events возвращает канал событий движка. Канал закрывается в Close.
	Events() <-chan Event
	// Close завершает все сессии движка и освобождает ресурсы.
	Close(ctx context.Context) error
}

// Session — дескриптор сессии движка. Все операции неблокирующие:
// результат приходит событиями. Ошибка возврата означает, что операция
// не была принята движком (нарушение контракта или закрытая сессия).
type Session interface {
	// ID — стабильный идентификатор сессии внутри движка.
	ID() string
	// Accept принимает входящую сессию с указанным набором потоков.
	Accept(streams []StreamDescriptor) error
	// Reject отклоняет входящую сессию с SIP-кодом (486 занято, 603 отказ).
	Reject(code int) error
	// End завершает установленную или устанавливаемую сессию.
	End(ctx context.Context) error
	// Transfer переводит звонок на target; replaced задает заменяемую
	// сессию при attended-переводе.
	Transfer(target string, replaced Session) error

	// ProposeStreams отправляет re-INVITE с добавляемыми и удаляемыми потоками.
	ProposeStreams(add, remove []StreamDescriptor) error
	// AcceptProposal принимает встречное предложение потоков.
	AcceptProposal(streams []StreamDescriptor) error
	// RejectProposal отклоняет встречное предложение.
	RejectProposal() error

	// Hold/Unhold переключают удержание со стороны локального абонента.
	Hold() error
	Unhold() error

	// SendDTMF отправляет DTMF-цифру в активный аудиопоток.
	SendDTMF(digit byte) error
	// MuteStream включает или выключает передачу потока данного типа.
	MuteStream(kind StreamKind, muted bool) error
	// StartRecording начинает запись аудио в файл path.
	StartRecording(path string) error
	// StopRecording останавливает запись.
	StopRecording() error

	// Streams возвращает текущие активные потоки сессии.
	Streams() []Stream

	// AddParticipant/RemoveParticipant — управление составом серверной
	// конференции. Допустимы только для сессий к фокусу.
	AddParticipant(uri string) error
	RemoveParticipant(uri string) error
}

// Stream — дескриптор активного потока движка.
type Stream interface {
	Kind() StreamKind
	Close() error
}

// ChatSender — возможность chat-потока отправлять сообщения.
// Получается утверждением типа от Stream.
type ChatSender interface {
	Stream
	// SendMessage отправляет сообщение; возвращает его идентификатор.
	SendMessage(content, contentType string) (string, error)
	// SendComposing сигнализирует набор текста удаленной стороне.
	SendComposing(active bool) error
}

// AudioBridge — локальный аудиомикшер клиентской конференции.
// Единственный разделяемый ресурс ядра: мутируется только через
// ClientConference, никогда напрямую.
type AudioBridge interface {
	AddStream(s Stream) error
	RemoveStream(s Stream) error
	Hold() error
	Unhold() error
	Close() error
}
