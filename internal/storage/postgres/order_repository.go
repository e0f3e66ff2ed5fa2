package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vladislavdragonenkov/foodorders/internal/domain"
)

const pgUniqueViolation = "23505"

// orderRepository хранит заказ целиком в JSONB-документе. Поля, по которым идёт поиск
// (user_id, status, gateway_order_id, transaction_id), продублированы в колонках с индексами.
type orderRepository struct {
	db *sql.DB
}

// NewOrderRepository создаёт PostgreSQL-реализацию OrderRepository.
func NewOrderRepository(store *Store) domain.OrderRepository {
	return &orderRepository{db: store.DB()}
}

func (r *orderRepository) Create(ctx context.Context, order domain.Order) error {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	doc, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("marshal order document: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO orders (
			id, user_id, status, gateway_order_id, transaction_id, version, document, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`,
		order.ID, order.UserID, string(order.Status),
		nullIfEmpty(order.Payment.GatewayOrderID), nullIfEmpty(order.Payment.TransactionID),
		order.Version, doc, order.CreatedAt, order.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrOrderAlreadyExists
		}
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (r *orderRepository) Get(ctx context.Context, id string) (domain.Order, error) {
	return r.getBy(ctx, "id", id)
}

func (r *orderRepository) FindByGatewayOrderID(ctx context.Context, gatewayOrderID string) (domain.Order, error) {
	if gatewayOrderID == "" {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return r.getBy(ctx, "gateway_order_id", gatewayOrderID)
}

func (r *orderRepository) FindByTransactionID(ctx context.Context, transactionID string) (domain.Order, error) {
	if transactionID == "" {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return r.getBy(ctx, "transaction_id", transactionID)
}

func (r *orderRepository) ListByUser(ctx context.Context, filter domain.ListFilter) ([]domain.Order, int, error) {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	var status any
	if filter.Status != "" {
		status = string(filter.Status)
	}

	var total int
	if err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM orders
		WHERE user_id = $1 AND ($2::text IS NULL OR status = $2)
	`, filter.UserID, status).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count orders: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = total
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT document, version FROM orders
		WHERE user_id = $1 AND ($2::text IS NULL OR status = $2)
		ORDER BY created_at DESC, id DESC
		LIMIT $3 OFFSET $4
	`, filter.UserID, status, limit, filter.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	orders := make([]domain.Order, 0)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, 0, err
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate order rows: %w", err)
	}
	return orders, total, nil
}

// Save — compare-and-swap по версии; документ перезаписывается целиком.
func (r *orderRepository) Save(ctx context.Context, order *domain.Order) error {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	next := *order
	next.Version = order.Version + 1
	doc, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("marshal order document: %w", err)
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE orders
		SET status = $1,
		    gateway_order_id = $2,
		    transaction_id = $3,
		    document = $4,
		    version = version + 1,
		    updated_at = $5
		WHERE id = $6
		  AND version = $7
	`,
		string(order.Status),
		nullIfEmpty(order.Payment.GatewayOrderID),
		nullIfEmpty(order.Payment.TransactionID),
		doc,
		order.UpdatedAt,
		order.ID,
		order.Version,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Conflictf("payment identifiers of order %s collide with another order", order.ID)
		}
		return fmt.Errorf("update order: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		exists, err := r.exists(ctx, order.ID)
		if err != nil {
			return err
		}
		if !exists {
			return domain.ErrOrderNotFound
		}
		return domain.ErrOrderVersionConflict
	}

	order.Version = next.Version
	return nil
}

// getBy выбирает заказ по одной из индексированных колонок; column приходит только из этого файла.
func (r *orderRepository) getBy(ctx context.Context, column, value string) (domain.Order, error) {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	row := r.db.QueryRowContext(ctx, `SELECT document, version FROM orders WHERE `+column+` = $1`, value)
	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, domain.ErrOrderNotFound
		}
		return domain.Order{}, err
	}
	return order, nil
}

func (r *orderRepository) exists(ctx context.Context, id string) (bool, error) {
	var found string
	err := r.db.QueryRowContext(ctx, `SELECT id FROM orders WHERE id = $1`, id).Scan(&found)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	default:
		return false, fmt.Errorf("check order exists: %w", err)
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var (
		doc     []byte
		version int64
	)
	if err := row.Scan(&doc, &version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, err
		}
		return domain.Order{}, fmt.Errorf("scan order: %w", err)
	}

	var order domain.Order
	if err := json.Unmarshal(doc, &order); err != nil {
		return domain.Order{}, fmt.Errorf("decode order document: %w", err)
	}
	// Колонка version — источник истины для CAS.
	order.Version = version
	return order, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	return false
}

var _ domain.OrderRepository = (*orderRepository)(nil)
