package idempotency

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/foodorders/internal/domain"
	"github.com/vladislavdragonenkov/foodorders/internal/storage/memory"
)

func countingHandler(calls *atomic.Int32, status int, body string) Handler {
	return func(context.Context) Response {
		calls.Add(1)
		return Response{Status: status, Body: []byte(body)}
	}
}

func TestGuard_ReplaysStoredResponse(t *testing.T) {
	guard := NewGuard(memory.NewIdempotencyRepository(), 0, quietLogger())
	var calls atomic.Int32
	hash := HashRequest([]byte("POST /orders"), []byte(`{"items":[]}`))

	first, err := guard.Do(context.Background(), "k1", hash, countingHandler(&calls, http.StatusCreated, `{"id":"o-1"}`))
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	second, err := guard.Do(context.Background(), "k1", hash, countingHandler(&calls, http.StatusCreated, `{"id":"o-2"}`))
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, http.StatusCreated, second.Status)
	assert.JSONEq(t, `{"id":"o-1"}`, string(second.Body))
	assert.Equal(t, int32(1), calls.Load())
}

func TestGuard_ReplaysClientErrors(t *testing.T) {
	guard := NewGuard(memory.NewIdempotencyRepository(), 0, quietLogger())
	var calls atomic.Int32
	hash := HashRequest([]byte("body"))

	_, err := guard.Do(context.Background(), "k1", hash, countingHandler(&calls, http.StatusBadRequest, `{"error":{}}`))
	require.NoError(t, err)
	resp, err := guard.Do(context.Background(), "k1", hash, countingHandler(&calls, http.StatusCreated, `{}`))
	require.NoError(t, err)
	assert.True(t, resp.Replayed)
	assert.Equal(t, http.StatusBadRequest, resp.Status)
	assert.Equal(t, int32(1), calls.Load())
}

func TestGuard_ServerErrorsAreRetried(t *testing.T) {
	guard := NewGuard(memory.NewIdempotencyRepository(), 0, quietLogger())
	var calls atomic.Int32
	hash := HashRequest([]byte("body"))

	resp, err := guard.Do(context.Background(), "k1", hash, countingHandler(&calls, http.StatusInternalServerError, `{}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.Status)

	resp, err = guard.Do(context.Background(), "k1", hash, countingHandler(&calls, http.StatusCreated, `{"id":"o-1"}`))
	require.NoError(t, err)
	assert.False(t, resp.Replayed)
	assert.Equal(t, http.StatusCreated, resp.Status)

	resp, err = guard.Do(context.Background(), "k1", hash, countingHandler(&calls, http.StatusCreated, `{"id":"o-2"}`))
	require.NoError(t, err)
	assert.True(t, resp.Replayed)
	assert.JSONEq(t, `{"id":"o-1"}`, string(resp.Body))
	assert.Equal(t, int32(2), calls.Load())
}

func TestGuard_HashMismatchAndInProgress(t *testing.T) {
	repo := memory.NewIdempotencyRepository()
	guard := NewGuard(repo, 0, quietLogger())

	_, err := guard.Do(context.Background(), "k1", HashRequest([]byte("a")), func(context.Context) Response {
		return Response{Status: http.StatusOK}
	})
	require.NoError(t, err)

	_, err = guard.Do(context.Background(), "k1", HashRequest([]byte("b")), func(context.Context) Response {
		t.Fatal("handler must not run on hash mismatch")
		return Response{}
	})
	require.ErrorIs(t, err, domain.ErrIdempotencyHashMismatch)
	assert.Equal(t, domain.KindConflict, domain.KindOf(err))

	_, err = repo.CreateProcessing(context.Background(), "k2", "h", guard.now().Add(DefaultTTL))
	require.NoError(t, err)
	_, err = guard.Do(context.Background(), "k2", "h", func(context.Context) Response {
		t.Fatal("handler must not run while the key is processing")
		return Response{}
	})
	require.ErrorIs(t, err, ErrInProgress)
}

func TestGuard_EmptyKeyIsValidationError(t *testing.T) {
	guard := NewGuard(memory.NewIdempotencyRepository(), 0, quietLogger())
	_, err := guard.Do(context.Background(), " ", "h", func(context.Context) Response { return Response{} })
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestGuard_NilPassesThrough(t *testing.T) {
	var guard *Guard
	resp, err := guard.Do(context.Background(), "k", "h", func(context.Context) Response {
		return Response{Status: http.StatusAccepted}
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.Status)
}

func TestHashRequest_SeparatesParts(t *testing.T) {
	assert.NotEqual(t, HashRequest([]byte("ab"), []byte("c")), HashRequest([]byte("a"), []byte("bc")))
	assert.Equal(t, HashRequest([]byte("x")), HashRequest([]byte("x")))
	assert.Len(t, HashRequest(), 64)
}
