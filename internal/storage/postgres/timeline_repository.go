package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/foodorders/internal/domain"
)

const (
	insertTimelineEventSQL = `
		INSERT INTO timeline_events (order_id, type, status, payment_status, reason, occurred)
		VALUES ($1, $2, $3, $4, $5, $6)`

	// id разрешает порядок событий с одинаковым occurred в порядке записи.
	selectTimelineSQL = `
		SELECT type, status, payment_status, reason, occurred
		FROM timeline_events
		WHERE order_id = $1
		ORDER BY occurred, id`
)

type timelineRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewTimelineRepository создаёт PostgreSQL-реализацию TimelineRepository.
func NewTimelineRepository(store *Store) domain.TimelineRepository {
	return &timelineRepository{db: store.DB(), now: time.Now}
}

func (r *timelineRepository) Append(ctx context.Context, event domain.TimelineEvent) error {
	if event.OrderID == "" {
		return domain.Validationf("timeline event requires orderId")
	}
	occurred := event.Occurred
	if occurred.IsZero() {
		occurred = r.now()
	}

	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	_, err := r.db.ExecContext(ctx, insertTimelineEventSQL,
		event.OrderID,
		event.Type,
		string(event.Status),
		string(event.PaymentStatus),
		event.Reason,
		occurred.UTC(),
	)
	if err != nil {
		return fmt.Errorf("append timeline event %s for order %s: %w", event.Type, event.OrderID, err)
	}
	return nil
}

func (r *timelineRepository) List(ctx context.Context, orderID string) ([]domain.TimelineEvent, error) {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, selectTimelineSQL, orderID)
	if err != nil {
		return nil, fmt.Errorf("list timeline for order %s: %w", orderID, err)
	}
	defer rows.Close()

	history := []domain.TimelineEvent{}
	for rows.Next() {
		var (
			ev            = domain.TimelineEvent{OrderID: orderID}
			status        string
			paymentStatus string
		)
		if err := rows.Scan(&ev.Type, &status, &paymentStatus, &ev.Reason, &ev.Occurred); err != nil {
			return nil, fmt.Errorf("scan timeline row: %w", err)
		}
		ev.Status = domain.OrderStatus(status)
		ev.PaymentStatus = domain.PaymentStatus(paymentStatus)
		ev.Occurred = ev.Occurred.UTC()
		history = append(history, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate timeline rows: %w", err)
	}
	return history, nil
}

var _ domain.TimelineRepository = (*timelineRepository)(nil)
