package postgres

import (
	"context"
	"errors"
	"fmt"

	"marketplace-escrow/internal/core/domain"

	"github.com/jackc/pgx/v5"
)

const orderColumns = `id, razorpay_order_id, user_id, purpose, reference_id, amount, currency, receipt,
		status, razorpay_payment_id, created_at, updated_at`

// OrderRepo implements ports.OrderRepository.
type OrderRepo struct {
	pool Pool
}

// NewOrderRepo creates a new OrderRepo.
func NewOrderRepo(pool Pool) *OrderRepo {
	return &OrderRepo{pool: pool}
}

// Create inserts a gateway order. tx may be nil.
func (r *OrderRepo) Create(ctx context.Context, tx pgx.Tx, o *domain.RazorpayOrder) error {
	query := `INSERT INTO razorpay_orders (` + orderColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := conn(r.pool, tx).Exec(ctx, query,
		o.ID, o.RazorpayOrderID, o.UserID, string(o.Purpose), o.ReferenceID, o.Amount, o.Currency,
		o.Receipt, string(o.Status), o.RazorpayPaymentID, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert razorpay order: %w", err)
	}
	return nil
}

func (r *OrderRepo) GetByRazorpayOrderID(ctx context.Context, razorpayOrderID string) (*domain.RazorpayOrder, error) {
	query := `SELECT ` + orderColumns + ` FROM razorpay_orders WHERE razorpay_order_id = $1`

	o, err := scanOrder(r.pool.QueryRow(ctx, query, razorpayOrderID))
	if err != nil {
		return nil, fmt.Errorf("get razorpay order: %w", err)
	}
	return o, nil
}

func (r *OrderRepo) GetByRazorpayOrderIDForUpdate(ctx context.Context, tx pgx.Tx, razorpayOrderID string) (*domain.RazorpayOrder, error) {
	query := `SELECT ` + orderColumns + ` FROM razorpay_orders WHERE razorpay_order_id = $1 FOR UPDATE`

	o, err := scanOrder(tx.QueryRow(ctx, query, razorpayOrderID))
	if err != nil {
		return nil, fmt.Errorf("get razorpay order for update: %w", err)
	}
	return o, nil
}

// MarkPaid records a captured payment. A FAILED order can still be paid: the
// gateway keeps an order open after a declined attempt. Only the first
// capture sees true.
func (r *OrderRepo) MarkPaid(ctx context.Context, tx pgx.Tx, razorpayOrderID, paymentID string) (bool, error) {
	return r.settle(ctx, tx, razorpayOrderID, paymentID, domain.OrderStatusPaid,
		domain.OrderStatusCreated, domain.OrderStatusFailed)
}

// MarkFailed moves a CREATED order to FAILED. Only the first caller sees true.
func (r *OrderRepo) MarkFailed(ctx context.Context, tx pgx.Tx, razorpayOrderID, paymentID string) (bool, error) {
	return r.settle(ctx, tx, razorpayOrderID, paymentID, domain.OrderStatusFailed, domain.OrderStatusCreated)
}

func (r *OrderRepo) settle(ctx context.Context, tx pgx.Tx, razorpayOrderID, paymentID string, to domain.OrderStatus, from ...domain.OrderStatus) (bool, error) {
	query := `UPDATE razorpay_orders
		SET status = $2, razorpay_payment_id = COALESCE(NULLIF($3, ''), razorpay_payment_id), updated_at = NOW()
		WHERE razorpay_order_id = $1 AND status = ANY($4)`

	tag, err := conn(r.pool, tx).Exec(ctx, query, razorpayOrderID, string(to), paymentID, toStrings(from))
	if err != nil {
		return false, fmt.Errorf("mark razorpay order %s: %w", to, err)
	}
	return tag.RowsAffected() == 1, nil
}

func scanOrder(row pgx.Row) (*domain.RazorpayOrder, error) {
	o := &domain.RazorpayOrder{}
	err := row.Scan(
		&o.ID, &o.RazorpayOrderID, &o.UserID, &o.Purpose, &o.ReferenceID, &o.Amount, &o.Currency,
		&o.Receipt, &o.Status, &o.RazorpayPaymentID, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return o, nil
}
