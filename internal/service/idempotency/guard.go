// Package idempotency защищает неидемпотентные операции от повторной доставки:
// первый запрос выполняется, повторы получают сохранённый ответ.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/foodorders/internal/domain"
)

// DefaultTTL — срок хранения ответа по ключу.
const DefaultTTL = 24 * time.Hour

// ErrInProgress: запрос с тем же ключом ещё выполняется.
var ErrInProgress = &domain.Error{Kind: domain.KindConflict, Message: "request with the same idempotency key is already processing"}

// Response: сохраняемый результат операции.
type Response struct {
	Status int
	Body   []byte
	// Replayed выставляется, если ответ взят из хранилища.
	Replayed bool
}

// Handler выполняет защищаемую операцию и возвращает готовый ответ (в том числе с ошибкой).
type Handler func(ctx context.Context) Response

// Guard связывает ключ идемпотентности с ответом операции.
type Guard struct {
	repo   domain.IdempotencyRepository
	ttl    time.Duration
	now    func() time.Time
	logger *log.Entry
}

// NewGuard создаёт Guard. ttl <= 0 — DefaultTTL.
func NewGuard(repo domain.IdempotencyRepository, ttl time.Duration, logger *log.Entry) *Guard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = log.WithField("component", "idempotency")
	}
	return &Guard{repo: repo, ttl: ttl, now: time.Now, logger: logger}
}

// HashRequest строит отпечаток запроса для сравнения повторов.
func HashRequest(parts ...[]byte) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Do выполняет handler один раз на ключ. Повтор с тем же отпечатком получает сохранённый ответ,
// с другим — ErrIdempotencyHashMismatch. Ответы 5xx не закрепляются: повтор выполнит операцию заново.
func (g *Guard) Do(ctx context.Context, key, requestHash string, handler Handler) (Response, error) {
	if g == nil || g.repo == nil {
		return handler(ctx), nil
	}

	record, err := g.repo.CreateProcessing(ctx, key, requestHash, g.now().UTC().Add(g.ttl))
	if err != nil {
		return g.replay(ctx, err, record, handler)
	}

	resp := handler(ctx)
	g.store(ctx, key, resp)
	return resp, nil
}

func (g *Guard) replay(ctx context.Context, createErr error, record domain.IdempotencyRecord, handler Handler) (Response, error) {
	switch {
	case errors.Is(createErr, domain.ErrIdempotencyHashMismatch):
		return Response{}, domain.ErrIdempotencyHashMismatch
	case errors.Is(createErr, domain.ErrIdempotencyKeyAlreadyExists):
		switch {
		case record.Status == domain.IdempotencyStatusProcessing:
			return Response{}, ErrInProgress
		case record.Status == domain.IdempotencyStatusFailed && record.HTTPStatus >= http.StatusInternalServerError:
			resp := handler(ctx)
			g.store(ctx, record.Key, resp)
			return resp, nil
		case record.Replayable():
			return Response{Status: record.HTTPStatus, Body: record.ResponseBody, Replayed: true}, nil
		default:
			return Response{}, &domain.Error{Kind: domain.KindInternal, Message: "idempotency record has no stored response"}
		}
	case errors.Is(createErr, domain.ErrValidation):
		return Response{}, createErr
	default:
		return Response{}, &domain.Error{Kind: domain.KindInternal, Message: "failed to initialize idempotent request", Err: createErr}
	}
}

func (g *Guard) store(ctx context.Context, key string, resp Response) {
	ctx = context.WithoutCancel(ctx)
	var err error
	if resp.Status >= http.StatusOK && resp.Status < http.StatusBadRequest {
		err = g.repo.MarkDone(ctx, key, resp.Body, resp.Status)
	} else {
		err = g.repo.MarkFailed(ctx, key, resp.Body, resp.Status)
	}
	if err != nil {
		g.logger.WithError(err).WithField("idempotency_key", key).Warn("failed to store idempotent response")
	}
}
