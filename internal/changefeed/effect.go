package changefeed

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderdesk/internal/domain"
	"github.com/vladislavdragonenkov/orderdesk/internal/service/effects"
)

// Effect оборачивает публикацию изменения строки в неблокирующий эффект.
// Строка сериализуется сразу, чтобы эффект не зависел от последующих изменений record.
func Effect(publisher domain.ChangePublisher, collection string, kind domain.ChangeKind, record any, at time.Time) effects.Effect {
	event, buildErr := domain.NewChange(collection, kind, record, at)
	id, _ := event.Field("id")
	return effects.Effect{
		Name:    "change." + collection,
		Kind:    effects.KindChangeFeed,
		Attrs:   log.Fields{"collection": collection, "kind": kind, "row_id": id},
		Payload: event,
		Run: func(ctx context.Context) error {
			if buildErr != nil {
				return buildErr
			}
			if publisher == nil {
				return nil
			}
			return publisher.Publish(ctx, event)
		},
	}
}
