package domain

import (
	"strings"
	"time"
)

// DefaultIdempotencyTTL: срок хранения ответа, если заявка не задала свой.
const DefaultIdempotencyTTL = 24 * time.Hour

// IdempotencyStatus: стадия обработки мутирующего вызова под idempotency-key.
type IdempotencyStatus string

const (
	IdempotencyStatusProcessing IdempotencyStatus = "processing"
	IdempotencyStatusDone       IdempotencyStatus = "done"
	IdempotencyStatusFailed     IdempotencyStatus = "failed"
)

// Valid проверяет, что статус известен хранилищу.
func (s IdempotencyStatus) Valid() bool {
	switch s {
	case IdempotencyStatusProcessing, IdempotencyStatusDone, IdempotencyStatusFailed:
		return true
	default:
		return false
	}
}

// IdempotencyRef адресует ключ. Ключи разных участников не пересекаются.
type IdempotencyRef struct {
	ActorID string
	Key     string
}

// Normalize обрезает пробелы и проверяет, что ключ задан.
func (r IdempotencyRef) Normalize() (IdempotencyRef, error) {
	r.ActorID = strings.TrimSpace(r.ActorID)
	r.Key = strings.TrimSpace(r.Key)
	if r.Key == "" {
		return r, ErrIdempotencyKeyRequired
	}
	return r, nil
}

// IdempotencyClaim — заявка на выполнение вызова Method участником ActorID.
type IdempotencyClaim struct {
	IdempotencyRef
	Method      string
	RequestHash string
	TTLAt       time.Time
}

// Normalize проверяет заявку и проставляет TTL по умолчанию относительно now.
func (c IdempotencyClaim) Normalize(now time.Time) (IdempotencyClaim, error) {
	ref, err := c.IdempotencyRef.Normalize()
	if err != nil {
		return c, err
	}
	c.IdempotencyRef = ref
	c.Method = strings.TrimSpace(c.Method)
	c.RequestHash = strings.TrimSpace(c.RequestHash)
	if c.RequestHash == "" {
		return c, ErrIdempotencyRequestHashRequired
	}
	if c.TTLAt.IsZero() {
		c.TTLAt = now.Add(DefaultIdempotencyTTL)
	}
	return c, nil
}

// Record возвращает новую запись в статусе processing.
func (c IdempotencyClaim) Record(now time.Time) IdempotencyRecord {
	return IdempotencyRecord{
		IdempotencyRef: c.IdempotencyRef,
		Method:         c.Method,
		RequestHash:    c.RequestHash,
		Status:         IdempotencyStatusProcessing,
		TTLAt:          c.TTLAt,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// IdempotencyRecord: сохранённое состояние вызова и его ответ.
// ResponseCode хранит gRPC-код, ResponseBody — сериализованный ответ или ошибку.
type IdempotencyRecord struct {
	IdempotencyRef
	Method       string
	RequestHash  string
	ResponseBody []byte
	ResponseCode int
	Status       IdempotencyStatus
	TTLAt        time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Expired сообщает, что запись можно удалить или перезанять новой заявкой.
func (r IdempotencyRecord) Expired(now time.Time) bool {
	return !r.TTLAt.After(now)
}

// Conflict возвращает ошибку, которой repository отвечает на повтор заявки
// с уже занятым ключом.
func (r IdempotencyRecord) Conflict(claim IdempotencyClaim) error {
	if r.Method != claim.Method || r.RequestHash != claim.RequestHash {
		return ErrIdempotencyHashMismatch
	}
	return ErrIdempotencyKeyAlreadyExists
}

// IdempotencyOutcome — итог вызова: gRPC-код и тело ответа или ошибки.
type IdempotencyOutcome struct {
	Status IdempotencyStatus
	Code   int
	Body   []byte
}

// Validate допускает только завершённые статусы.
func (o IdempotencyOutcome) Validate() error {
	if o.Status != IdempotencyStatusDone && o.Status != IdempotencyStatusFailed {
		return ErrIdempotencyOutcomeInvalid
	}
	return nil
}

// WithOutcome возвращает копию записи с сохранённым итогом.
func (r IdempotencyRecord) WithOutcome(outcome IdempotencyOutcome, now time.Time) IdempotencyRecord {
	r.Status = outcome.Status
	r.ResponseCode = outcome.Code
	r.ResponseBody = append([]byte(nil), outcome.Body...)
	r.UpdatedAt = now
	return r
}
