package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/foodorders/internal/domain"
)

func TestOrderRepository_PostgresRoundTrip(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewOrderRepository(store)
	ctx := context.Background()

	first := sampleOrder("order-1")
	second := sampleOrder("order-2")
	second.CreatedAt = first.CreatedAt.Add(time.Minute)
	require.NoError(t, repo.Create(ctx, first))
	require.NoError(t, repo.Create(ctx, second))
	require.ErrorIs(t, repo.Create(ctx, first), domain.ErrOrderAlreadyExists)

	got, err := repo.FindByGatewayOrderID(ctx, "order_order-1")
	require.NoError(t, err)
	assert.Equal(t, first.Items, got.Items)

	page, total, err := repo.ListByUser(ctx, domain.ListFilter{UserID: "user-1", Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, page, 1)
	assert.Equal(t, "order-2", page[0].ID)

	stale := got
	got.Payment.TransactionID = "pay_1"
	got.Payment.Status = domain.PaymentStatusPaid
	got.Status = domain.OrderStatusConfirmed
	require.NoError(t, repo.Save(ctx, &got))
	assert.Equal(t, int64(1), got.Version)
	require.ErrorIs(t, repo.Save(ctx, &stale), domain.ErrOrderVersionConflict)

	byTxn, err := repo.FindByTransactionID(ctx, "pay_1")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPaid, byTxn.Payment.Status)
	assert.Equal(t, int64(1), byTxn.Version)
}

func TestTimelineAndOutbox_Postgres(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	ctx := context.Background()

	timeline := NewTimelineRepository(store)
	now := time.Now().UTC().Round(time.Microsecond)
	require.NoError(t, timeline.Append(ctx, domain.TimelineEvent{OrderID: "o-1", Type: domain.EventPaymentPaid, Occurred: now.Add(time.Second)}))
	require.NoError(t, timeline.Append(ctx, domain.TimelineEvent{OrderID: "o-1", Type: domain.EventOrderCreated, Occurred: now}))
	events, err := timeline.List(ctx, "o-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, domain.EventOrderCreated, events[0].Type)

	outbox := NewOutboxRepository(store)
	msg, err := outbox.Enqueue(ctx, domain.OutboxMessage{AggregateType: "order", AggregateID: "o-1", EventType: domain.EventPaymentPaid, Payload: []byte(`{}`)})
	require.NoError(t, err)
	stats, err := outbox.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.PendingCount)
	require.NoError(t, outbox.MarkSent(ctx, msg.ID))
	pending, err := outbox.PullPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
	require.ErrorIs(t, outbox.MarkFailed(ctx, "unknown"), domain.ErrOutboxPublish)
}

func TestIdempotencyRepository_Postgres(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewIdempotencyRepository(store)
	ctx := context.Background()

	_, err := repo.CreateProcessing(ctx, "webhook:evt_1", "hash-a", time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)

	_, err = repo.CreateProcessing(ctx, "webhook:evt_1", "hash-a", time.Now().UTC().Add(time.Hour))
	require.True(t, errors.Is(err, domain.ErrIdempotencyKeyAlreadyExists))
	_, err = repo.CreateProcessing(ctx, "webhook:evt_1", "hash-b", time.Now().UTC().Add(time.Hour))
	require.ErrorIs(t, err, domain.ErrIdempotencyHashMismatch)

	require.NoError(t, repo.MarkDone(ctx, "webhook:evt_1", []byte(`{"processed":true}`), 200))
	rec, err := repo.Get(ctx, "webhook:evt_1")
	require.NoError(t, err)
	assert.True(t, rec.Replayable())

	_, err = repo.CreateProcessing(ctx, "expired", "hash", time.Now().UTC().Add(-time.Minute))
	require.NoError(t, err)
	_, err = repo.CreateProcessing(ctx, "expired", "hash-new", time.Now().UTC().Add(time.Hour))
	require.NoError(t, err, "expired key must be reusable")

	_, err = repo.CreateProcessing(ctx, "old", "hash", time.Now().UTC().Add(-time.Minute))
	require.NoError(t, err)
	removed, err := repo.DeleteExpired(ctx, time.Now().UTC(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}
