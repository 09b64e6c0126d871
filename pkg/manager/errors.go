package manager

import "fmt"

// ErrorCode определяет типизированные коды ошибок менеджера.
type ErrorCode int

const (
	// Нарушения контракта операций
	ErrorCodeClosed ErrorCode = iota + 4000
	ErrorCodeInvalidInput
	ErrorCodeUnknownRequest
	ErrorCodeRequestResolved
)

// String возвращает строковое представление кода ошибки
func (code ErrorCode) String() string {
	switch code {
	case ErrorCodeClosed:
		return "Closed"
	case ErrorCodeInvalidInput:
		return "InvalidInput"
	case ErrorCodeUnknownRequest:
		return "UnknownRequest"
	case ErrorCodeRequestResolved:
		return "RequestResolved"
	default:
		return fmt.Sprintf("Unknown(%d)", int(code))
	}
}

// Error базовая структура ошибок менеджера.
type Error struct {
	Code    ErrorCode
	Message string
	Wrapped error
}

// Error реализует интерфейс error, возвращая форматированное сообщение.
func (e *Error) Error() string {
	return fmt.Sprintf("[менеджер:%d] %s", e.Code, e.Message)
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

// NewError создает ошибку менеджера.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithWrapped оборачивает причинную ошибку.
func (e *Error) WithWrapped(err error) *Error {
	e.Wrapped = err
	return e
}
