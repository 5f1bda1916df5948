package domain

import (
	"context"
	"time"
)

// OrderRepository описывает требования к хранилищу заказов.
type OrderRepository interface {
	// Create сохраняет новый заказ. Возвращает ErrAlreadyExists, если ID занят.
	Create(ctx context.Context, order Order) error
	// Get возвращает заказ по идентификатору или ErrOrderNotFound.
	Get(ctx context.Context, id string) (Order, error)
	// ListByCustomer возвращает заказы клиента, новые первыми.
	ListByCustomer(ctx context.Context, customerID string, limit int) ([]Order, error)
	// Save записывает заказ с проверкой версии (optimistic locking) и возвращает сохранённую копию.
	// Поле PaymentStatus не перезаписывается: им управляет только SetPaymentStatus.
	Save(ctx context.Context, order Order) (Order, error)
	// SetPaymentStatus массово проставляет статус оплаты и увеличивает версию каждой затронутой строки.
	SetPaymentStatus(ctx context.Context, orderIDs []string, status PaymentStatus) ([]Order, error)
}

// InvoiceRepository хранит счета.
type InvoiceRepository interface {
	Create(ctx context.Context, invoice Invoice) error
	Get(ctx context.Context, id string) (Invoice, error)
	// Save записывает счёт с проверкой версии.
	Save(ctx context.Context, invoice Invoice) (Invoice, error)
	ListByCustomer(ctx context.Context, customerID string, limit int) ([]Invoice, error)
}

// EditRequestRepository хранит запросы на правку.
type EditRequestRepository interface {
	Create(ctx context.Context, req EditRequest) error
	Get(ctx context.Context, id string) (EditRequest, error)
	ListByOrder(ctx context.Context, orderID string) ([]EditRequest, error)
	// Resolve сохраняет запрос, если его текущий статус равен from; иначе ErrEditRequestConflict.
	Resolve(ctx context.Context, req EditRequest, from EditRequestStatus) error
	// Delete удаляет запрос (компенсация неудачного переоткрытия заказа).
	Delete(ctx context.Context, id string) error
}

// NotificationRepository хранит уведомления.
type NotificationRepository interface {
	// Insert записывает пачку уведомлений построчно.
	Insert(ctx context.Context, items []Notification) error
	// Broadcast записывает одно и то же сообщение нескольким получателям одним запросом.
	Broadcast(ctx context.Context, recipientIDs []string, typ NotificationType, message string, at time.Time) ([]Notification, error)
	ListByRecipient(ctx context.Context, recipientID string, unreadOnly bool, limit int) ([]Notification, error)
	CountUnread(ctx context.Context, recipientID string) (int, error)
	// MarkRead выставляет флаг прочтения; единственное изменяемое поле уведомления.
	MarkRead(ctx context.Context, recipientID, id string) error
}

// CommentRepository хранит обсуждение заказа.
type CommentRepository interface {
	Append(ctx context.Context, comment Comment) error
	List(ctx context.Context, orderID string) ([]Comment, error)
}

// Directory — справочник пользователей: имена для отображения и список администраторов.
type Directory interface {
	AdminIDs(ctx context.Context) ([]string, error)
	Names(ctx context.Context, ids []string) (map[string]string, error)
	UpsertProfile(ctx context.Context, profile Profile) error
}

// ChangePublisher рассылает изменения записей подписчикам.
type ChangePublisher interface {
	Publish(ctx context.Context, event ChangeEvent) error
}

// ChangeStream: поток изменений одной коллекции. Канал Events закрывается после Close.
type ChangeStream interface {
	Events() <-chan ChangeEvent
	Close() error
}

// ChangeFeed — транспорт изменений записей: публикация и подписка по коллекции.
// Доставка best-effort, без буфера пропущенных событий.
type ChangeFeed interface {
	ChangePublisher
	Subscribe(ctx context.Context, collection string) (ChangeStream, error)
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(event OutboxMessage) error
}

// OutboxRepository позволяет сохранять события для последующей публикации.
type OutboxRepository interface {
	Enqueue(ctx context.Context, msg OutboxMessage) (OutboxMessage, error)
	PullPending(ctx context.Context, limit int) ([]OutboxMessage, error)
	Stats(ctx context.Context) (OutboxStats, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
}

// IdempotencyRepository хранит ответы мутирующих вызовов по idempotency-key.
type IdempotencyRepository interface {
	// CreateProcessing занимает ключ. Для занятого ключа возвращает существующую
	// запись и ошибку конфликта, просроченный ключ перезанимает.
	CreateProcessing(ctx context.Context, claim IdempotencyClaim) (IdempotencyRecord, error)
	Get(ctx context.Context, ref IdempotencyRef) (IdempotencyRecord, error)
	// Complete сохраняет итог вызова, который получат повторы.
	Complete(ctx context.Context, ref IdempotencyRef, outcome IdempotencyOutcome) error
	// Release освобождает ключ, который ещё в processing, чтобы повтор выполнился заново.
	Release(ctx context.Context, ref IdempotencyRef) error
	DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error)
}

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}
