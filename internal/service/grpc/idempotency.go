package grpcsvc

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vladislavdragonenkov/orderdesk/internal/domain"
)

// IdempotencyKeyHeader: metadata-ключ, по которому повтор мутирующего вызова
// получает сохранённый ответ. Ключи действуют в пределах одного участника.
const IdempotencyKeyHeader = "idempotency-key"

const replayFailedMessage = "previous request with the same idempotency key failed"

type handlerFunc func(ctx context.Context) (*structpb.Struct, error)

// storedFailure — тело сохранённой ошибки.
type storedFailure struct {
	Code    codes.Code `json:"code"`
	Message string     `json:"message"`
}

// withIdempotency выполняет мутирующий вызов под idempotency-key.
// Без ключа handler вызывается напрямую. Ответ и окончательные отказы сохраняются,
// после временной ошибки ключ освобождается и повтор выполняется заново.
func (s *WorkflowService) withIdempotency(ctx context.Context, method string, actor domain.Actor, req *structpb.Struct, handler handlerFunc) (*structpb.Struct, error) {
	key, ok := readIdempotencyKey(ctx)
	if s.idemRepo == nil || !ok {
		return handler(ctx)
	}

	hash, err := requestHash(req)
	if err != nil {
		s.logger.WithError(err).WithField("method", method).Warn("hash idempotent request failed")
		return nil, status.Error(codes.Internal, "failed to initialize idempotency request")
	}

	ref := domain.IdempotencyRef{ActorID: actor.ID, Key: key}
	entry := s.logger.WithFields(log.Fields{"method": method, "actor_id": actor.ID, "idempotency_key": key})

	record, err := s.idemRepo.CreateProcessing(ctx, domain.IdempotencyClaim{
		IdempotencyRef: ref,
		Method:         method,
		RequestHash:    hash,
		TTLAt:          s.now().Add(domain.DefaultIdempotencyTTL),
	})
	if err != nil {
		return replay(entry, record, err)
	}

	resp, runErr := handler(ctx)
	// итог сохраняется и после отмены запроса клиентом
	storeCtx := context.WithoutCancel(ctx)
	if runErr != nil {
		s.storeFailure(storeCtx, entry, ref, runErr)
		return nil, runErr
	}

	outcome := domain.IdempotencyOutcome{Status: domain.IdempotencyStatusDone, Code: int(codes.OK)}
	if resp != nil {
		if outcome.Body, err = protojson.Marshal(resp); err != nil {
			entry.WithError(err).Warn("encode idempotent response failed")
			s.release(storeCtx, entry, ref)
			return resp, nil
		}
	}
	if err := s.idemRepo.Complete(storeCtx, ref, outcome); err != nil {
		entry.WithError(err).Warn("store idempotent response failed")
	}
	return resp, nil
}

func (s *WorkflowService) storeFailure(ctx context.Context, entry *log.Entry, ref domain.IdempotencyRef, runErr error) {
	st := status.Convert(runErr)
	if retryableCode(st.Code()) {
		s.release(ctx, entry, ref)
		return
	}

	body, err := json.Marshal(storedFailure{Code: st.Code(), Message: st.Message()})
	if err != nil {
		entry.WithError(err).Warn("encode idempotent failure failed")
	}
	outcome := domain.IdempotencyOutcome{
		Status: domain.IdempotencyStatusFailed,
		Code:   int(st.Code()),
		Body:   body,
	}
	if err := s.idemRepo.Complete(ctx, ref, outcome); err != nil {
		entry.WithError(err).Warn("store idempotent failure failed")
	}
}

func (s *WorkflowService) release(ctx context.Context, entry *log.Entry, ref domain.IdempotencyRef) {
	if err := s.idemRepo.Release(ctx, ref); err != nil && !errors.Is(err, domain.ErrIdempotencyKeyNotFound) {
		entry.WithError(err).Warn("release idempotency key failed")
	}
}

// replay отвечает на повтор вызова с уже занятым ключом.
func replay(entry *log.Entry, record domain.IdempotencyRecord, claimErr error) (*structpb.Struct, error) {
	switch {
	case errors.Is(claimErr, domain.ErrIdempotencyHashMismatch):
		return nil, status.Error(codes.AlreadyExists, "idempotency key is already used with different request payload")
	case !errors.Is(claimErr, domain.ErrIdempotencyKeyAlreadyExists):
		entry.WithError(claimErr).Warn("claim idempotency key failed")
		return nil, status.Error(codes.Internal, "failed to initialize idempotency request")
	}

	switch record.Status {
	case domain.IdempotencyStatusProcessing:
		return nil, status.Error(codes.Aborted, "request with the same idempotency key is already processing")
	case domain.IdempotencyStatusFailed:
		return nil, storedError(record)
	case domain.IdempotencyStatusDone:
		resp := new(structpb.Struct)
		if len(record.ResponseBody) == 0 {
			return resp, nil
		}
		if err := protojson.Unmarshal(record.ResponseBody, resp); err != nil {
			entry.WithError(err).Warn("decode stored idempotent response failed")
			return nil, status.Error(codes.Internal, "failed to decode cached idempotency response")
		}
		return resp, nil
	default:
		return nil, status.Errorf(codes.Internal, "unknown idempotency record status %q", record.Status)
	}
}

func storedError(record domain.IdempotencyRecord) error {
	var failure storedFailure
	if err := json.Unmarshal(record.ResponseBody, &failure); err == nil && failure.Code != codes.OK {
		if failure.Message == "" {
			failure.Message = replayFailedMessage
		}
		return status.Error(failure.Code, failure.Message)
	}
	if code := codes.Code(uint32(record.ResponseCode)); record.ResponseCode > 0 && code <= codes.Unauthenticated { //nolint:gosec // bounded above.
		return status.Error(code, replayFailedMessage)
	}
	return status.Error(codes.Internal, replayFailedMessage)
}

// retryableCode отмечает ошибки, после которых повтор может пройти успешно.
func retryableCode(code codes.Code) bool {
	switch code {
	case codes.Unavailable, codes.Aborted, codes.DeadlineExceeded, codes.Canceled,
		codes.ResourceExhausted, codes.Internal, codes.Unknown:
		return true
	default:
		return false
	}
}

func readIdempotencyKey(ctx context.Context) (string, bool) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", false
	}
	values := md.Get(IdempotencyKeyHeader)
	if len(values) == 0 || strings.TrimSpace(values[0]) == "" {
		return "", false
	}
	return strings.TrimSpace(values[0]), true
}

// requestHash: sha256 от детерминированной proto-сериализации тела.
func requestHash(req *structpb.Struct) (string, error) {
	if req == nil {
		return "", fmt.Errorf("request is nil")
	}
	data, err := proto.MarshalOptions{Deterministic: true}.Marshal(req)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
