// Package effects выполняет неблокирующие побочные эффекты (уведомления, аудит,
// публикация изменений) после того, как основная запись уже сохранена.
// Ошибки эффектов не возвращаются вызывающему: после исчерпания повторов
// эффект уходит в dead-letter sink.
package effects

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"
)

// Kind: категория эффекта для метрик и dead-letter обработки.
type Kind string

const (
	KindNotification Kind = "notification"
	KindAuditComment Kind = "audit_comment"
	KindChangeFeed   Kind = "change_feed"
	KindOutbox       Kind = "outbox"
)

var (
	// ErrQueueFull: очередь эффектов переполнена, эффект сразу отправлен в dead-letter.
	ErrQueueFull = errors.New("effect queue is full")
	// ErrRunnerClosed — runner остановлен и новые эффекты не принимает.
	ErrRunnerClosed = errors.New("effect runner is closed")
)

// Effect описывает один неблокирующий побочный эффект.
type Effect struct {
	// Name: имя эффекта в логах, например "notify.order_assigned".
	Name string
	Kind Kind
	// Attrs попадают в поля лога и dead-letter записи.
	Attrs log.Fields
	// Payload сериализуется в dead-letter запись и позволяет повторить эффект позже.
	Payload any
	Run     func(ctx context.Context) error
}

// Runner принимает эффекты на выполнение. Submit никогда не возвращает ошибку эффекта.
type Runner interface {
	Submit(ctx context.Context, effect Effect)
}

// DeadLetter: эффект, который не удалось выполнить.
type DeadLetter struct {
	Effect   string          `json:"effect"`
	Kind     Kind            `json:"kind"`
	Attrs    map[string]any  `json:"attrs,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Error    string          `json:"error"`
	Attempts int             `json:"attempts"`
	FailedAt time.Time       `json:"failed_at"`
}

// DeadLetterSink сохраняет проваленные эффекты.
type DeadLetterSink interface {
	DeadLetter(ctx context.Context, letter DeadLetter) error
}

// LogSink пишет проваленные эффекты в операционный лог.
type LogSink struct {
	Logger *log.Entry
}

// DeadLetter логирует запись на уровне error.
func (s LogSink) DeadLetter(_ context.Context, letter DeadLetter) error {
	logger := s.Logger
	if logger == nil {
		logger = log.WithField("component", "effects")
	}
	logger.WithFields(log.Fields(letter.Attrs)).WithFields(log.Fields{
		"effect":   letter.Effect,
		"kind":     letter.Kind,
		"attempts": letter.Attempts,
	}).Error("effect dead-lettered: " + letter.Error)
	return nil
}

func newDeadLetter(effect Effect, err error, attempts int) DeadLetter {
	letter := DeadLetter{
		Effect:   effect.Name,
		Kind:     effect.Kind,
		Attrs:    map[string]any(effect.Attrs),
		Error:    err.Error(),
		Attempts: attempts,
		FailedAt: time.Now().UTC(),
	}
	if effect.Payload != nil {
		if raw, marshalErr := json.Marshal(effect.Payload); marshalErr == nil {
			letter.Payload = raw
		}
	}
	return letter
}
