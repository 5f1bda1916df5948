package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Коллекции записей, на изменения которых можно подписаться.
const (
	CollectionOrders        = "orders"
	CollectionInvoices      = "invoices"
	CollectionEditRequests  = "edit_requests"
	CollectionNotifications = "notifications"
	CollectionComments      = "comments"
)

// ChangeKind: тип изменения записи.
type ChangeKind string

const (
	ChangeInsert ChangeKind = "insert"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"
)

// ChangeEvent: изменение строки коллекции в JSON-представлении.
type ChangeEvent struct {
	Collection string         `json:"collection"`
	Kind       ChangeKind     `json:"kind"`
	Row        map[string]any `json:"row"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// NewChange строит событие из сущности, используя её JSON-представление.
func NewChange(collection string, kind ChangeKind, record any, at time.Time) (ChangeEvent, error) {
	raw, err := json.Marshal(record)
	if err != nil {
		return ChangeEvent{}, fmt.Errorf("marshal %s row: %w", collection, err)
	}
	row := make(map[string]any)
	if err := json.Unmarshal(raw, &row); err != nil {
		return ChangeEvent{}, fmt.Errorf("unmarshal %s row: %w", collection, err)
	}
	return ChangeEvent{Collection: collection, Kind: kind, Row: row, OccurredAt: at}, nil
}

// Field возвращает строковое значение поля строки.
func (e ChangeEvent) Field(name string) (string, bool) {
	v, ok := e.Row[name]
	if !ok || v == nil {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	default:
		return fmt.Sprint(t), true
	}
}
