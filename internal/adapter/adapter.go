package adapter

import (
	"context"
	"errors"
	"fmt"

	"github.com/syntheon/crossmetrics/internal/faults"
	"github.com/syntheon/crossmetrics/internal/models"
)

// =============================================
// DOCUMENT STORE ADAPTER
// =============================================

// DocumentStore is the read-only boundary over the document-oriented store
// holding users, products and transactions. Implementations return
// normalized records only; no store-specific types leak upward. Point
// lookups report absence with faults.ErrNotFound, bulk lookups by omitting
// the key from the result map. Every method honors the deadline on ctx and
// surfaces an overrun as faults.ErrTimeout.
type DocumentStore interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUsers(ctx context.Context, ids []string) (map[string]models.User, error)
	GetProduct(ctx context.Context, id string) (*models.Product, error)
	GetProducts(ctx context.Context, ids []string) (map[string]models.Product, error)

	// ListUserIDs returns every user identity key in ascending order. The
	// pipeline partitions this list into batches.
	ListUserIDs(ctx context.Context) ([]string, error)

	// CountActiveProducts returns how many catalog products are currently
	// marked active. Catalog-wide, not window-scoped.
	CountActiveProducts(ctx context.Context) (int64, error)

	// TransactionsByBuyers fetches all transactions for the buyer set in one
	// round trip, restricted to the window, ordered by (user_id, id).
	TransactionsByBuyers(ctx context.Context, buyerIDs []string, window models.Window) ([]models.Transaction, error)
}

// =============================================
// COLUMN STORE ADAPTER
// =============================================

// ColumnStore is the read-only boundary over the wide-column session store.
// Session row keys sort by user then start time, so a scan returns one
// user's sessions in chronological order with events already time-ordered.
type ColumnStore interface {
	ScanSessions(ctx context.Context, userID string, window models.Window) ([]models.Session, error)
}

// mapErr normalizes a backend error for the given store and operation,
// translating deadline overruns into the Timeout fault kind.
func mapErr(store, op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return faults.Timeout(store, op)
	}
	return fmt.Errorf("%s.%s: %w", store, op, err)
}
