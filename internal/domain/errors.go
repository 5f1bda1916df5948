package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrOrderNotFound возвращается, если заказ не найден в хранилище.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderVersionConflict сигнализирует о конфликте версий при сохранении заказа.
	ErrOrderVersionConflict = errors.New("order version conflict")
	// ErrInvoiceNotFound возвращается, если счёт не найден.
	ErrInvoiceNotFound = errors.New("invoice not found")
	// ErrInvoiceVersionConflict сигнализирует о конфликте версий при сохранении счёта.
	ErrInvoiceVersionConflict = errors.New("invoice version conflict")
	// ErrEditRequestNotFound возвращается, если запрос на правку не найден.
	ErrEditRequestNotFound = errors.New("edit request not found")
	// ErrEditRequestConflict: запрос на правку уже изменён другим участником.
	ErrEditRequestConflict = errors.New("edit request status changed concurrently")
	// ErrNotificationNotFound возвращается, если уведомление не найдено у получателя.
	ErrNotificationNotFound = errors.New("notification not found")
	// ErrProfileNotFound возвращается, если профиль не найден в справочнике.
	ErrProfileNotFound = errors.New("profile not found")
	// ErrAlreadyExists — запись с таким идентификатором уже есть.
	ErrAlreadyExists = errors.New("record already exists")
	// ErrOutboxPublish: ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")

	// ErrIdempotencyKeyRequired: пустой ключ идемпотентности.
	ErrIdempotencyKeyRequired = errors.New("idempotency key is required")
	// ErrIdempotencyRequestHashRequired — пустой хэш запроса.
	ErrIdempotencyRequestHashRequired = errors.New("idempotency request hash is required")
	// ErrIdempotencyKeyAlreadyExists: ключ уже используется другим запросом в обработке.
	ErrIdempotencyKeyAlreadyExists = errors.New("idempotency key already exists")
	// ErrIdempotencyHashMismatch: ключ переиспользован с другим телом запроса.
	ErrIdempotencyHashMismatch = errors.New("idempotency key reused with different request")
	// ErrIdempotencyKeyNotFound — ключ не найден.
	ErrIdempotencyKeyNotFound = errors.New("idempotency key not found")
	// ErrIdempotencyOutcomeInvalid: итог вызова не done и не failed.
	ErrIdempotencyOutcomeInvalid = errors.New("idempotency outcome must be done or failed")
)

// IsVersionConflict проверяет, является ли ошибка конфликтом версий.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrOrderVersionConflict) || errors.Is(err, ErrInvoiceVersionConflict)
}

// IsNotFound сообщает, что запрошенная запись отсутствует.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrOrderNotFound) ||
		errors.Is(err, ErrInvoiceNotFound) ||
		errors.Is(err, ErrEditRequestNotFound) ||
		errors.Is(err, ErrNotificationNotFound) ||
		errors.Is(err, ErrProfileNotFound)
}

// IsIdempotencyConflict проверяет конфликт повторного использования ключа.
func IsIdempotencyConflict(err error) bool {
	return errors.Is(err, ErrIdempotencyKeyAlreadyExists) || errors.Is(err, ErrIdempotencyHashMismatch)
}

// RejectionReason: машиночитаемая причина отказа бизнес-валидации.
type RejectionReason string

const (
	ReasonMissingDesigner   RejectionReason = "MissingDesigner"
	ReasonMissingSalesRep   RejectionReason = "MissingSalesRep"
	ReasonInvalidAmount     RejectionReason = "InvalidAmount"
	ReasonForbidden         RejectionReason = "Forbidden"
	ReasonInvalidState      RejectionReason = "InvalidState"
	ReasonInvalidTransition RejectionReason = "InvalidTransition"
	ReasonInvalidInput      RejectionReason = "InvalidInput"
	ReasonCustomerMismatch  RejectionReason = "CustomerMismatch"
)

// RejectionError — результат отказа валидации. Возвращается до любой записи
// в хранилище и показывается пользователю как есть.
type RejectionError struct {
	Reason RejectionReason
	Detail string
}

func (e *RejectionError) Error() string {
	if e.Detail == "" {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
}

// Reject создаёт отказ с причиной и пояснением.
func Reject(reason RejectionReason, detail string) error {
	return &RejectionError{Reason: reason, Detail: detail}
}

// AsRejection достаёт RejectionError из цепочки ошибок.
func AsRejection(err error) (*RejectionError, bool) {
	var rej *RejectionError
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}

// HasReason проверяет, что ошибка является отказом с указанной причиной.
func HasReason(err error, reason RejectionReason) bool {
	rej, ok := AsRejection(err)
	return ok && rej.Reason == reason
}
