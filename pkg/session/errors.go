package session

import "fmt"

// ErrorCode определяет типизированные коды ошибок сессионного слоя.
type ErrorCode int

const (
	// Нарушения контракта операций
	ErrorCodeInvalidState ErrorCode = iota + 2000
	ErrorCodeInvalidDirection
	ErrorCodeSessionDeleted

	// Ошибки потоков
	ErrorCodeDuplicateStream
	ErrorCodeStreamNotFound
	ErrorCodeNoProposal

	// Ошибки установления
	ErrorCodeResolutionFailed
	ErrorCodeEngineFailure

	// Ошибки конференций
	ErrorCodeParticipantExists
	ErrorCodeParticipantNotFound
	ErrorCodeConferenceUnavailable
)

// String возвращает строковое представление кода ошибки
func (code ErrorCode) String() string {
	switch code {
	case ErrorCodeInvalidState:
		return "InvalidState"
	case ErrorCodeInvalidDirection:
		return "InvalidDirection"
	case ErrorCodeSessionDeleted:
		return "SessionDeleted"
	case ErrorCodeDuplicateStream:
		return "DuplicateStream"
	case ErrorCodeStreamNotFound:
		return "StreamNotFound"
	case ErrorCodeNoProposal:
		return "NoProposal"
	case ErrorCodeResolutionFailed:
		return "ResolutionFailed"
	case ErrorCodeEngineFailure:
		return "EngineFailure"
	case ErrorCodeParticipantExists:
		return "ParticipantExists"
	case ErrorCodeParticipantNotFound:
		return "ParticipantNotFound"
	case ErrorCodeConferenceUnavailable:
		return "ConferenceUnavailable"
	default:
		return fmt.Sprintf("Unknown(%d)", int(code))
	}
}

// Error базовая структура ошибок сессионного слоя.
// Несет типизированный код, идентификатор сессии для сопоставления с
// логами, контекст операции и обернутую ошибку.
type Error struct {
	Code      ErrorCode
	Message   string
	SessionID string
	Context   map[string]interface{}
	Wrapped   error
}

// Error реализует интерфейс error, возвращая форматированное сообщение.
func (e *Error) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("[сессия:%d] %s: %s", e.Code, e.SessionID, e.Message)
	}
	return fmt.Sprintf("[сессия:%d] %s", e.Code, e.Message)
}

// Unwrap возвращает обернутую ошибку, поддерживая errors.Unwrap.
func (e *Error) Unwrap() error {
	return e.Wrapped
}

// Is поддерживает errors.Is, позволяя сравнивать ошибки по коду.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// NewError создает ошибку сессионного слоя.
func NewError(code ErrorCode, sessionID, message string) *Error {
	return &Error{Code: code, Message: message, SessionID: sessionID}
}

// WithContext добавляет пару ключ-значение в контекст ошибки.
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithWrapped оборачивает причинную ошибку.
func (e *Error) WithWrapped(err error) *Error {
	e.Wrapped = err
	return e
}
