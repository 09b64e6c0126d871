package manager

import (
	"time"

	"github.com/arzzra/call_core/pkg/contacts"
	"github.com/arzzra/call_core/pkg/engine"
	"github.com/arzzra/call_core/pkg/session"
	"github.com/arzzra/call_core/pkg/transfer"
)

// Decision — исход запроса из очереди входящих.
type Decision string

const (
	DecisionAccepted Decision = "accepted"
	DecisionRejected Decision = "rejected"
	DecisionBusy     Decision = "busy"
	// DecisionAuto — запрос принят таймером автоответа.
	DecisionAuto Decision = "auto"
	// DecisionCancelled — запрос отозван до решения: удаленная сторона
	// прервала вызов или менеджер закрылся.
	DecisionCancelled Decision = "cancelled"
)

// IncomingRequest — элемент очереди входящих: новый вызов, входящая
// передача файла или встречное предложение потоков на установленной
// сессии. Все поля неизменяемы после постановки в очередь; решение
// принимается только через менеджер.
type IncomingRequest struct {
	id       string
	received time.Time
	contact  contacts.Contact
	streams  []engine.StreamDescriptor
	priority int

	session  *session.Session
	transfer *transfer.Transfer
	proposal bool

	// Поля решения защищены мьютексом менеджера.
	resolved bool
	decision Decision
	timer    *time.Timer
}

// ID возвращает идентификатор запроса; он совпадает с идентификатором
// породившей запрос сессии или передачи.
func (r *IncomingRequest) ID() string { return r.id }

// Contact возвращает удаленную сторону запроса.
func (r *IncomingRequest) Contact() contacts.Contact { return r.contact }

// Session возвращает сессию запроса; nil для входящих передач файлов.
func (r *IncomingRequest) Session() *session.Session { return r.session }

// Transfer возвращает передачу запроса; nil для вызовов и предложений.
func (r *IncomingRequest) Transfer() *transfer.Transfer { return r.transfer }

// IsProposal сообщает, что запрос — встречное предложение потоков на
// установленной сессии, а не новый вызов.
func (r *IncomingRequest) IsProposal() bool { return r.proposal }

// Streams возвращает предложенные потоки.
func (r *IncomingRequest) Streams() []engine.StreamDescriptor {
	out := make([]engine.StreamDescriptor, len(r.streams))
	copy(out, r.streams)
	return out
}

// Priority возвращает приоритет запроса: минимальный из приоритетов
// предложенных потоков. Чем меньше значение, тем ближе к голове очереди.
func (r *IncomingRequest) Priority() int { return r.priority }

// ReceivedAt возвращает время постановки запроса в очередь.
func (r *IncomingRequest) ReceivedAt() time.Time { return r.received }

// requestPriority вычисляет приоритет набора предложенных потоков.
func requestPriority(streams []engine.StreamDescriptor) int {
	p := engine.StreamKind("").Priority()
	for _, d := range streams {
		if dp := d.Kind.Priority(); dp < p {
			p = dp
		}
	}
	return p
}

// requestKind — категория запроса для метрик и логов.
func requestKind(r *IncomingRequest) string {
	switch {
	case r.transfer != nil:
		return "transfer"
	case r.proposal:
		return "proposal"
	default:
		return "call"
	}
}
