package transfer

import "fmt"

// ErrorCode определяет типизированные коды ошибок слоя передачи файлов.
type ErrorCode int

const (
	// Нарушения контракта операций
	ErrorCodeInvalidState ErrorCode = iota + 3000
	ErrorCodeInvalidDirection

	// Ошибки файла
	ErrorCodeFileAccess

	// Ошибки установления
	ErrorCodeResolutionFailed
	ErrorCodeEngineFailure

	// Ошибки шифрования
	ErrorCodeEncryptionFailed
	ErrorCodeDecryptionFailed
)

// String возвращает строковое представление кода ошибки
func (code ErrorCode) String() string {
	switch code {
	case ErrorCodeInvalidState:
		return "InvalidState"
	case ErrorCodeInvalidDirection:
		return "InvalidDirection"
	case ErrorCodeFileAccess:
		return "FileAccess"
	case ErrorCodeResolutionFailed:
		return "ResolutionFailed"
	case ErrorCodeEngineFailure:
		return "EngineFailure"
	case ErrorCodeEncryptionFailed:
		return "EncryptionFailed"
	case ErrorCodeDecryptionFailed:
		return "DecryptionFailed"
	default:
		return fmt.Sprintf("Unknown(%d)", int(code))
	}
}

// Error базовая структура ошибок слоя передачи файлов.
type Error struct {
	Code       ErrorCode
	Message    string
	TransferID string
	Wrapped    error
}

// Error реализует интерфейс error, возвращая форматированное сообщение.
func (e *Error) Error() string {
	if e.TransferID != "" {
		return fmt.Sprintf("[передача:%d] %s: %s", e.Code, e.TransferID, e.Message)
	}
	return fmt.Sprintf("[передача:%d] %s", e.Code, e.Message)
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

// NewError создает ошибку слоя передачи файлов.
func NewError(code ErrorCode, transferID, message string) *Error {
	return &Error{Code: code, Message: message, TransferID: transferID}
}

// WithWrapped оборачивает причинную ошибку.
func (e *Error) WithWrapped(err error) *Error {
	e.Wrapped = err
	return e
}
