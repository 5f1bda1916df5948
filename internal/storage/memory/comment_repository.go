package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/vladislavdragonenkov/orderdesk/internal/domain"
)

// commentRepositoryInMemory хранит комментарии в памяти (для разработки/тестов).
type commentRepositoryInMemory struct {
	mu       sync.RWMutex
	comments map[string][]domain.Comment
}

// NewCommentRepository создаёт in-memory реализацию CommentRepository.
func NewCommentRepository() domain.CommentRepository {
	return &commentRepositoryInMemory{comments: make(map[string][]domain.Comment)}
}

// Append добавляет комментарий к заказу.
func (r *commentRepositoryInMemory) Append(_ context.Context, comment domain.Comment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := append(r.comments[comment.OrderID], comment)
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
	r.comments[comment.OrderID] = list
	return nil
}

// List возвращает комментарии заказа в хронологическом порядке.
func (r *commentRepositoryInMemory) List(_ context.Context, orderID string) ([]domain.Comment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	comments := r.comments[orderID]
	result := make([]domain.Comment, len(comments))
	copy(result, comments)
	return result, nil
}

var _ domain.CommentRepository = (*commentRepositoryInMemory)(nil)
