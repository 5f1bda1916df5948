package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/orderdesk/internal/domain"
	"github.com/vladislavdragonenkov/orderdesk/internal/storage/memory"
)

func claim(actorID, key, method, hash string, ttl time.Time) domain.IdempotencyClaim {
	return domain.IdempotencyClaim{
		IdempotencyRef: domain.IdempotencyRef{ActorID: actorID, Key: key},
		Method:         method,
		RequestHash:    hash,
		TTLAt:          ttl,
	}
}

func TestIdempotencyRepository_ClaimAndComplete(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewIdempotencyRepository()
	ttl := time.Now().UTC().Add(2 * time.Hour).Round(time.Second)

	created, err := repo.CreateProcessing(ctx, claim("cust-1", "lt-create-1", "CreateOrder", "hash-1", ttl))
	if err != nil {
		t.Fatalf("CreateProcessing failed: %v", err)
	}
	if created.Status != domain.IdempotencyStatusProcessing || created.Method != "CreateOrder" {
		t.Fatalf("unexpected record %+v", created)
	}

	ref := domain.IdempotencyRef{ActorID: "cust-1", Key: "lt-create-1"}
	err = repo.Complete(ctx, ref, domain.IdempotencyOutcome{
		Status: domain.IdempotencyStatusDone,
		Body:   []byte(`{"order":{"id":"o-1"}}`),
	})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	got, err := repo.Get(ctx, ref)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != domain.IdempotencyStatusDone || got.ResponseCode != 0 {
		t.Fatalf("unexpected stored outcome %+v", got)
	}
	if string(got.ResponseBody) != `{"order":{"id":"o-1"}}` {
		t.Fatalf("unexpected response body %s", got.ResponseBody)
	}
	if !got.TTLAt.Equal(ttl) {
		t.Fatalf("expected ttl %s, got %s", ttl, got.TTLAt)
	}
}

func TestIdempotencyRepository_CompleteRejectsProcessingAndUnknownKey(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewIdempotencyRepository()
	ref := domain.IdempotencyRef{ActorID: "rep-1", Key: "k"}

	err := repo.Complete(ctx, ref, domain.IdempotencyOutcome{Status: domain.IdempotencyStatusDone})
	if !errors.Is(err, domain.ErrIdempotencyKeyNotFound) {
		t.Fatalf("expected ErrIdempotencyKeyNotFound, got %v", err)
	}

	if _, err := repo.CreateProcessing(ctx, claim("rep-1", "k", "UpdateOrder", "h", time.Time{})); err != nil {
		t.Fatalf("CreateProcessing failed: %v", err)
	}
	err = repo.Complete(ctx, ref, domain.IdempotencyOutcome{Status: domain.IdempotencyStatusProcessing})
	if !errors.Is(err, domain.ErrIdempotencyOutcomeInvalid) {
		t.Fatalf("expected ErrIdempotencyOutcomeInvalid, got %v", err)
	}
}

func TestIdempotencyRepository_Conflicts(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewIdempotencyRepository()
	ttl := time.Now().UTC().Add(time.Hour)

	if _, err := repo.CreateProcessing(ctx, claim("rep-1", "retry-7", "UpdateOrder", "hash-a", ttl)); err != nil {
		t.Fatalf("CreateProcessing failed: %v", err)
	}

	existing, err := repo.CreateProcessing(ctx, claim("rep-1", "retry-7", "UpdateOrder", "hash-a", ttl))
	if !errors.Is(err, domain.ErrIdempotencyKeyAlreadyExists) {
		t.Fatalf("expected ErrIdempotencyKeyAlreadyExists, got %v", err)
	}
	if existing.Status != domain.IdempotencyStatusProcessing {
		t.Fatalf("conflict must return the stored record, got %+v", existing)
	}

	if _, err := repo.CreateProcessing(ctx, claim("rep-1", "retry-7", "UpdateOrder", "hash-b", ttl)); !errors.Is(err, domain.ErrIdempotencyHashMismatch) {
		t.Fatalf("expected ErrIdempotencyHashMismatch, got %v", err)
	}
	if _, err := repo.CreateProcessing(ctx, claim("rep-1", "retry-7", "UpdateInvoice", "hash-a", ttl)); !errors.Is(err, domain.ErrIdempotencyHashMismatch) {
		t.Fatalf("expected ErrIdempotencyHashMismatch for other method, got %v", err)
	}

	// тот же ключ другого участника не конфликтует
	if _, err := repo.CreateProcessing(ctx, claim("rep-2", "retry-7", "UpdateOrder", "hash-b", ttl)); err != nil {
		t.Fatalf("keys must be scoped by actor, got %v", err)
	}
}

func TestIdempotencyRepository_ExpiredKeyIsReclaimed(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewIdempotencyRepository()

	if _, err := repo.CreateProcessing(ctx, claim("cust-3", "k", "CreateOrder", "old", time.Now().UTC().Add(-time.Minute))); err != nil {
		t.Fatalf("CreateProcessing failed: %v", err)
	}

	record, err := repo.CreateProcessing(ctx, claim("cust-3", "k", "CreateInvoice", "new", time.Now().UTC().Add(time.Hour)))
	if err != nil {
		t.Fatalf("expired key must be reclaimed, got %v", err)
	}
	if record.RequestHash != "new" || record.Method != "CreateInvoice" {
		t.Fatalf("unexpected reclaimed record %+v", record)
	}
}

func TestIdempotencyRepository_DeleteExpiredOldestFirst(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewIdempotencyRepository()
	now := time.Now().UTC()

	for i, ttl := range []time.Time{now.Add(-3 * time.Minute), now.Add(-5 * time.Minute), now.Add(-4 * time.Minute), now.Add(time.Hour)} {
		key := string(rune('a' + i))
		if _, err := repo.CreateProcessing(ctx, claim("admin-1", key, "RegisterProfile", "h", ttl)); err != nil {
			t.Fatalf("CreateProcessing %s failed: %v", key, err)
		}
	}

	removed, err := repo.DeleteExpired(ctx, now, 2)
	if err != nil || removed != 2 {
		t.Fatalf("expected 2 removed, got %d (%v)", removed, err)
	}
	if _, err := repo.Get(ctx, domain.IdempotencyRef{ActorID: "admin-1", Key: "a"}); err != nil {
		t.Fatalf("newest expired key must survive the first batch, got %v", err)
	}

	removed, err = repo.DeleteExpired(ctx, now, 10)
	if err != nil || removed != 1 {
		t.Fatalf("expected 1 removed, got %d (%v)", removed, err)
	}
	if _, err := repo.Get(ctx, domain.IdempotencyRef{ActorID: "admin-1", Key: "d"}); err != nil {
		t.Fatalf("live key must stay, got %v", err)
	}
}

func TestIdempotencyRepository_ReleaseOnlyProcessing(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewIdempotencyRepository()
	ttl := time.Now().UTC().Add(time.Hour)
	ref := domain.IdempotencyRef{ActorID: "rep-4", Key: "k"}

	if _, err := repo.CreateProcessing(ctx, claim("rep-4", "k", "UpdateOrder", "h", ttl)); err != nil {
		t.Fatalf("CreateProcessing failed: %v", err)
	}
	if err := repo.Release(ctx, ref); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if _, err := repo.CreateProcessing(ctx, claim("rep-4", "k", "UpdateOrder", "h", ttl)); err != nil {
		t.Fatalf("released key must be claimable again, got %v", err)
	}

	if err := repo.Complete(ctx, ref, domain.IdempotencyOutcome{Status: domain.IdempotencyStatusDone}); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if err := repo.Release(ctx, ref); !errors.Is(err, domain.ErrIdempotencyKeyNotFound) {
		t.Fatalf("completed key must not be released, got %v", err)
	}
}
