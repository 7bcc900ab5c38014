package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/matching-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) ListTopics(ctx context.Context) ([]model.Topic, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, title, created_at FROM topics ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var topics []model.Topic
	for rows.Next() {
		var t model.Topic
		if err := rows.Scan(&t.ID, &t.Title, &t.CreatedAt); err != nil {
			return nil, err
		}
		topics = append(topics, t)
	}
	return topics, rows.Err()
}

func (s *PostgresStore) GetTopic(ctx context.Context, id string) (*model.Topic, error) {
	var t model.Topic
	err := s.pool.QueryRow(ctx,
		`SELECT id, title, created_at FROM topics WHERE id = $1`, id).
		Scan(&t.ID, &t.Title, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("topic %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get topic %s: %w", id, err)
	}
	return &t, nil
}

func (s *PostgresStore) ListRestingOrders(ctx context.Context) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, seq, user_id, market, side,
		        price::TEXT, original_quantity::TEXT, remaining_quantity::TEXT,
		        status, created_at
		 FROM orders
		 WHERE status IN ('OPEN', 'PARTIALLY_FILLED')
		 ORDER BY seq, created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanOrders(rows)
}

func (s *PostgresStore) GetUserBalances(ctx context.Context, userID string) (model.Balances, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, userID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("get user %s: %w", userID, err)
	}
	if !exists {
		return nil, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT asset, amount::TEXT FROM balances WHERE user_id = $1`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	balances := model.Balances{}
	for rows.Next() {
		var asset, amountS string
		if err := rows.Scan(&asset, &amountS); err != nil {
			return nil, err
		}
		amount, err := decimal.NewFromString(amountS)
		if err != nil {
			return nil, fmt.Errorf("balance %s/%s: %w", userID, asset, err)
		}
		balances[asset] = amount
	}
	return balances, rows.Err()
}

func (s *PostgresStore) CreateOrder(ctx context.Context, o *model.Order) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO orders (id, seq, user_id, market, side, price, original_quantity, remaining_quantity, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10)
		 ON CONFLICT (id) DO NOTHING`,
		o.ID, o.Seq, o.UserID, o.Market, string(o.Side),
		o.Price.String(), o.OriginalQuantity.String(), o.RemainingQuantity.String(),
		string(o.Status), o.CreatedAt,
	)
	return err
}

func (s *PostgresStore) UpdateOrder(ctx context.Context, orderID string, status model.OrderStatus, remaining decimal.Decimal) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE orders SET status = $2, remaining_quantity = $3::NUMERIC WHERE id = $1`,
		orderID, string(status), remaining.String(),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order %s: %w", orderID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) CreateTrade(ctx context.Context, t *model.Trade) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO trades (id, market, price, quantity, buyer_id, seller_id, buy_order_id, sell_order_id, timestamp)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO NOTHING`,
		t.ID, t.Market, t.Price.String(), t.Quantity.String(),
		t.BuyerID, t.SellerID, t.BuyOrderID, t.SellOrderID, t.Timestamp,
	)
	return err
}

func (s *PostgresStore) UpdateBalance(ctx context.Context, userID, asset string, balance decimal.Decimal) error {
	_, err := s.pool.Exec(ctx,
		`WITH new_user AS (
		     INSERT INTO users (id) VALUES ($1) ON CONFLICT (id) DO NOTHING
		 )
		 INSERT INTO balances (user_id, asset, amount)
		 VALUES ($1, $2, $3::NUMERIC)
		 ON CONFLICT (user_id, asset) DO UPDATE SET amount = EXCLUDED.amount`,
		userID, asset, balance.String(),
	)
	return err
}

// pgxRows is the subset of pgx.Rows used by the scanners.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanOrders(rows pgxRows) ([]model.Order, error) {
	var orders []model.Order
	for rows.Next() {
		var o model.Order
		var side, status, priceS, origS, remS string

		if err := rows.Scan(&o.ID, &o.Seq, &o.UserID, &o.Market, &side,
			&priceS, &origS, &remS, &status, &o.CreatedAt); err != nil {
			return nil, err
		}

		o.Side = model.Side(side)
		o.Status = model.OrderStatus(status)
		o.Price, _ = decimal.NewFromString(priceS)
		o.OriginalQuantity, _ = decimal.NewFromString(origS)
		o.RemainingQuantity, _ = decimal.NewFromString(remS)

		orders = append(orders, o)
	}
	return orders, rows.Err()
}
