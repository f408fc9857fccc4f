// errors.go — ошибки бизнес-логики сервисного слоя.
// Код ошибки определяет HTTP-статус в слое API.
package service

import (
	"errors"
	"fmt"
)

// ErrorCode — машиночитаемый код ошибки.
type ErrorCode string

const (
	CodeNotFound      ErrorCode = "NOT_FOUND"
	CodeValidation    ErrorCode = "VALIDATION_ERROR"
	CodeSizeMismatch  ErrorCode = "SIZE_MISMATCH"
	CodeRangeInvalid  ErrorCode = "RANGE_INVALID"
	CodeTypeMismatch  ErrorCode = "TYPE_MISMATCH"
	CodeNotWritable   ErrorCode = "NOT_WRITABLE"
	CodeStorageError  ErrorCode = "STORAGE_ERROR"
	CodeForbidden     ErrorCode = "FORBIDDEN"
	CodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// ServiceError — ошибка операции с кодом и сообщением для клиента.
type ServiceError struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

func newError(code ErrorCode, err error, format string, args ...any) *ServiceError {
	return &ServiceError{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

func notFound(format string, args ...any) *ServiceError {
	return newError(CodeNotFound, nil, format, args...)
}

func validation(format string, args ...any) *ServiceError {
	return newError(CodeValidation, nil, format, args...)
}

func internal(err error, format string, args ...any) *ServiceError {
	return newError(CodeInternalError, err, format, args...)
}

// CodeOf возвращает код ошибки; для ошибок не из сервисного слоя — INTERNAL_ERROR.
func CodeOf(err error) ErrorCode {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Code
	}
	return CodeInternalError
}

// IsNotFound — ошибка означает отсутствие ресурса.
func IsNotFound(err error) bool {
	return CodeOf(err) == CodeNotFound
}

// IsValidation — ошибка во входных данных.
func IsValidation(err error) bool {
	return CodeOf(err) == CodeValidation
}
