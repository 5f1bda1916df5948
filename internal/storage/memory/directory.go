package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/vladislavdragonenkov/orderdesk/internal/domain"
)

type directoryInMemory struct {
	mu       sync.RWMutex
	profiles map[string]domain.Profile
}

// NewDirectory создаёт справочник пользователей с начальным набором профилей.
func NewDirectory(profiles ...domain.Profile) domain.Directory {
	d := &directoryInMemory{profiles: make(map[string]domain.Profile, len(profiles))}
	for _, p := range profiles {
		d.profiles[p.ID] = p
	}
	return d
}

// AdminIDs возвращает идентификаторы администраторов в стабильном порядке.
func (d *directoryInMemory) AdminIDs(_ context.Context) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ids := make([]string, 0)
	for id, p := range d.profiles {
		if p.Role == domain.RoleAdmin {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Names возвращает имена найденных профилей; неизвестные ID пропускаются.
func (d *directoryInMemory) Names(_ context.Context, ids []string) (map[string]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	names := make(map[string]string, len(ids))
	for _, id := range ids {
		if p, ok := d.profiles[id]; ok {
			names[id] = p.FullName
		}
	}
	return names, nil
}

func (d *directoryInMemory) UpsertProfile(_ context.Context, profile domain.Profile) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.profiles[profile.ID] = profile
	return nil
}

var _ domain.Directory = (*directoryInMemory)(nil)
