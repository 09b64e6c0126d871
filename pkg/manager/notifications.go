package manager

import "github.com/arzzra/call_core/pkg/session"

// Notification — закрытое объединение уведомлений самого менеджера.
// Уведомления подопечных сессий и передач ретранслируются отдельными
// обработчиками SessionNotify и TransferNotify.
type Notification interface {
	isNotification()
}

// IncomingRequestNotification — новый запрос поставлен в очередь входящих.
type IncomingRequestNotification struct {
	Request *IncomingRequest
}

func (IncomingRequestNotification) isNotification() {}

// RequestActivatedNotification — запрос стал головой очереди и требует
// внимания пользователя.
type RequestActivatedNotification struct {
	Request *IncomingRequest
}

func (RequestActivatedNotification) isNotification() {}

// RequestResolvedNotification — запрос покинул очередь с решением.
type RequestResolvedNotification struct {
	Request  *IncomingRequest
	Decision Decision
}

func (RequestResolvedNotification) isNotification() {}

// ActiveSessionChangedNotification — сменилась активная сессия.
// Любое из полей может быть nil.
type ActiveSessionChangedNotification struct {
	Old *session.Session
	New *session.Session
}

func (ActiveSessionChangedNotification) isNotification() {}

// TonesChangedNotification — изменился итог арбитража сигналов.
type TonesChangedNotification struct {
	Tones Tones
}

func (TonesChangedNotification) isNotification() {}
