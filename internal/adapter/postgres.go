package adapter

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/syntheon/crossmetrics/internal/faults"
	"github.com/syntheon/crossmetrics/internal/models"
)

// PostgresDocumentStore implements DocumentStore on PostgreSQL. Entities are
// stored as JSONB documents with generated identity/timestamp columns:
//
//	users(user_id text PRIMARY KEY, doc jsonb)
//	products(product_id text PRIMARY KEY, doc jsonb)
//	transactions(transaction_id text PRIMARY KEY, user_id text, ts timestamptz, doc jsonb)
type PostgresDocumentStore struct {
	pool *pgxpool.Pool
}

// NewPostgresDocumentStore creates a new PostgreSQL-backed document adapter.
func NewPostgresDocumentStore(pool *pgxpool.Pool) *PostgresDocumentStore {
	return &PostgresDocumentStore{pool: pool}
}

// GetUser retrieves a user by identity key.
func (s *PostgresDocumentStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	var u models.User
	err := s.pool.QueryRow(ctx, `SELECT doc FROM users WHERE user_id = $1`, id).Scan(&u)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, faults.NotFound("user", id)
	}
	if err != nil {
		return nil, mapErr("docstore", "GetUser", err)
	}
	return &u, nil
}

// GetUsers bulk-fetches users by identity key set. Missing keys are simply
// absent from the result.
func (s *PostgresDocumentStore) GetUsers(ctx context.Context, ids []string) (map[string]models.User, error) {
	rows, err := s.pool.Query(ctx, `SELECT doc FROM users WHERE user_id = ANY($1)`, ids)
	if err != nil {
		return nil, mapErr("docstore", "GetUsers", err)
	}
	defer rows.Close()

	out := make(map[string]models.User, len(ids))
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u); err != nil {
			return nil, mapErr("docstore", "GetUsers", err)
		}
		out[u.ID] = u
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("docstore", "GetUsers", err)
	}
	return out, nil
}

// GetProduct retrieves a product by identity key.
func (s *PostgresDocumentStore) GetProduct(ctx context.Context, id string) (*models.Product, error) {
	var p models.Product
	err := s.pool.QueryRow(ctx, `SELECT doc FROM products WHERE product_id = $1`, id).Scan(&p)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, faults.NotFound("product", id)
	}
	if err != nil {
		return nil, mapErr("docstore", "GetProduct", err)
	}
	return &p, nil
}

// GetProducts bulk-fetches products by identity key set.
func (s *PostgresDocumentStore) GetProducts(ctx context.Context, ids []string) (map[string]models.Product, error) {
	rows, err := s.pool.Query(ctx, `SELECT doc FROM products WHERE product_id = ANY($1)`, ids)
	if err != nil {
		return nil, mapErr("docstore", "GetProducts", err)
	}
	defer rows.Close()

	out := make(map[string]models.Product, len(ids))
	for rows.Next() {
		var p models.Product
		if err := rows.Scan(&p); err != nil {
			return nil, mapErr("docstore", "GetProducts", err)
		}
		out[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("docstore", "GetProducts", err)
	}
	return out, nil
}

// ListUserIDs returns all user identity keys in ascending order.
func (s *PostgresDocumentStore) ListUserIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT user_id FROM users ORDER BY user_id`)
	if err != nil {
		return nil, mapErr("docstore", "ListUserIDs", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, mapErr("docstore", "ListUserIDs", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("docstore", "ListUserIDs", err)
	}
	return ids, nil
}

// CountActiveProducts counts catalog products marked active.
func (s *PostgresDocumentStore) CountActiveProducts(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM products WHERE (doc->>'is_active')::boolean`).Scan(&n)
	if err != nil {
		return 0, mapErr("docstore", "CountActiveProducts", err)
	}
	return n, nil
}

// TransactionsByBuyers fetches the batch's transactions in one round trip.
func (s *PostgresDocumentStore) TransactionsByBuyers(ctx context.Context, buyerIDs []string, window models.Window) ([]models.Transaction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT doc FROM transactions
		WHERE user_id = ANY($1) AND ts >= $2 AND ts < $3
		ORDER BY user_id, transaction_id
	`, buyerIDs, window.From, window.To)
	if err != nil {
		return nil, mapErr("docstore", "TransactionsByBuyers", err)
	}
	defer rows.Close()

	var txns []models.Transaction
	for rows.Next() {
		var t models.Transaction
		if err := rows.Scan(&t); err != nil {
			return nil, mapErr("docstore", "TransactionsByBuyers", err)
		}
		txns = append(txns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("docstore", "TransactionsByBuyers", err)
	}
	return txns, nil
}
