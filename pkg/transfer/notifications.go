package transfer

import "github.com/arzzra/call_core/pkg/state"

// Notification — закрытое объединение уведомлений передачи файла.
// Доставка устроена как у сессии: уведомления копятся внутри операции
// и доставляются после ее завершения вне мьютекса, в порядке
// возникновения.
type Notification interface {
	isNotification()
}

// NotificationBase — общая часть всех уведомлений: передача-источник.
type NotificationBase struct {
	Transfer *Transfer
}

func (NotificationBase) isNotification() {}

// NewOutgoingNotification — передача инициализирована для отправки файла.
type NewOutgoingNotification struct {
	NotificationBase
	// Reinitialized выставлен при повторной попытке передачи.
	Reinitialized bool
}

// NewIncomingNotification — передача инициализирована входящим запросом.
type NewIncomingNotification struct {
	NotificationBase
}

// StateChangedNotification — переход конечного автомата передачи.
type StateChangedNotification struct {
	NotificationBase
	Old state.State
	New state.State
}

// DidStartNotification — передача установлена, данные пошли.
type DidStartNotification struct {
	NotificationBase
}

// ProgressNotification — продвижение передачи данных.
type ProgressNotification struct {
	NotificationBase
	Bytes uint64
	Total uint64
}

// DidEndNotification — передача достигла терминального состояния ended.
type DidEndNotification struct {
	NotificationBase
	Reason string
	Failed bool
}
