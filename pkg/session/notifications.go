package session

import (
	"time"

	"github.com/arzzra/call_core/pkg/engine"
	"github.com/arzzra/call_core/pkg/state"
)

// Notification — закрытое объединение уведомлений сессии. Ядро сообщает
// наблюдателям о каждом значимом событии жизненного цикла; switch по
// типу уведомления может быть исчерпывающим.
//
// Уведомления копятся внутри операции и доставляются после ее завершения,
// вне мьютекса сессии, в порядке возникновения. Обработчик обязан быстро
// вернуть управление; менеджер ставит уведомления в свою очередь и
// обрабатывает их в собственном цикле.
type Notification interface {
	isNotification()
}

// NotificationBase — общая часть всех уведомлений: сессия-источник.
type NotificationBase struct {
	Session *Session
}

func (NotificationBase) isNotification() {}

// NewOutgoingNotification — сессия инициализирована для исходящего вызова.
type NewOutgoingNotification struct {
	NotificationBase
	// Reinitialized выставлен при повторном использовании объекта сессии.
	Reinitialized bool
}

// NewIncomingNotification — сессия инициализирована входящим вызовом.
type NewIncomingNotification struct {
	NotificationBase
	Reinitialized bool
}

// StateChangedNotification — переход конечного автомата сессии.
type StateChangedNotification struct {
	NotificationBase
	Old state.State
	New state.State
}

// WillConnectNotification — начато установление соединения.
type WillConnectNotification struct {
	NotificationBase
}

// DidConnectNotification — сессия установлена, потоки запущены.
type DidConnectNotification struct {
	NotificationBase
}

// HoldChangedNotification — фактическое состояние удержания изменилось.
// Ровно одно уведомление на каждое реальное переключение.
type HoldChangedNotification struct {
	NotificationBase
	Originator engine.Originator
	On         bool
}

// WillEndNotification — сессия начала завершаться.
type WillEndNotification struct {
	NotificationBase
}

// DidEndNotification — сессия достигла терминального состояния ended.
type DidEndNotification struct {
	NotificationBase
	Reason string
	Failed bool
}

// DeletedNotification — сессия удалена; все внешние ссылки должны быть
// сброшены.
type DeletedNotification struct {
	NotificationBase
}

// ProposalReceivedNotification — удаленная сторона предложила изменить
// набор потоков; решение принимает менеджер через очередь входящих.
type ProposalReceivedNotification struct {
	NotificationBase
	Add    []engine.StreamDescriptor
	Remove []engine.StreamDescriptor
}

// DidAddStreamNotification — поток добавлен в активный набор.
type DidAddStreamNotification struct {
	NotificationBase
	Kind engine.StreamKind
}

// DidNotAddStreamNotification — предложенный поток не был добавлен.
type DidNotAddStreamNotification struct {
	NotificationBase
	Kind   engine.StreamKind
	Reason string
}

// DidRemoveStreamNotification — поток удален из активного набора.
type DidRemoveStreamNotification struct {
	NotificationBase
	Kind engine.StreamKind
}

// RecordingChangedNotification — запись аудио началась или остановилась.
type RecordingChangedNotification struct {
	NotificationBase
	Active bool
	Path   string
}

// InfoUpdatedNotification — обновились телеметрические данные сессии
// (статистика, шифрование, ICE).
type InfoUpdatedNotification struct {
	NotificationBase
}

// MessageReceivedNotification — входящее сообщение chat-потока.
type MessageReceivedNotification struct {
	NotificationBase
	Sender      string
	Content     string
	ContentType string
}

// ComposingChangedNotification — удаленная сторона начала или прекратила
// набор текста.
type ComposingChangedNotification struct {
	NotificationBase
	Active bool
}

// DTMFReceivedNotification — принята DTMF-цифра.
type DTMFReceivedNotification struct {
	NotificationBase
	Digit byte
}

// TransferStateNotification — прогресс перевода звонка.
type TransferStateNotification struct {
	NotificationBase
	State  engine.CallTransferState
	Reason string
}

// ConferenceJoinedNotification — сессия вошла в клиентскую конференцию.
type ConferenceJoinedNotification struct {
	NotificationBase
	Conference *ClientConference
}

// ConferenceLeftNotification — сессия покинула клиентскую конференцию.
type ConferenceLeftNotification struct {
	NotificationBase
}

// ParticipantAddedNotification — участник подтвержден в серверной
// конференции.
type ParticipantAddedNotification struct {
	NotificationBase
	Participant engine.Participant
}

// ParticipantAddFailedNotification — оптимистично добавленный участник
// не подтвержден фокусом.
type ParticipantAddFailedNotification struct {
	NotificationBase
	URI    string
	Reason string
}

// ParticipantRemovedNotification — участник покинул серверную конференцию.
type ParticipantRemovedNotification struct {
	NotificationBase
	Participant engine.Participant
}

// ParticipantUpdatedNotification — данные участника изменились.
type ParticipantUpdatedNotification struct {
	NotificationBase
	Participant engine.Participant
}

// defaultComposingTimeout — срок актуальности индикации набора текста,
// если отправитель не подсказал свой.
const defaultComposingTimeout = 15 * time.Second
