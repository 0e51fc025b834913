package correlate

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/syntheon/crossmetrics/internal/adapter"
	"github.com/syntheon/crossmetrics/internal/faults"
	"github.com/syntheon/crossmetrics/internal/metrics"
	"github.com/syntheon/crossmetrics/internal/models"
)

// Warning kinds attached to joined views.
const (
	WarnNotFound        = "not_found"
	WarnInconsistentRef = "inconsistent_reference"
)

// Warning is a non-fatal record of an unresolved cross-store reference.
// Warnings are carried on the joined view so downstream aggregation can
// exclude or flag the affected records instead of silently dropping them.
type Warning struct {
	Kind     string `json:"kind"`
	Entity   string `json:"entity"`
	RefID    string `json:"ref_id"`
	SourceID string `json:"source_id,omitempty"`
}

// JoinedView combines one user with their transactions and sessions for a
// window. Transactions arrive ordered by (user, id); sessions and their
// events arrive time-ordered from the column store and are never re-sorted.
type JoinedView struct {
	User         models.User
	Transactions []models.Transaction
	Sessions     []models.Session
	Products     map[string]models.Product
	Warnings     []Warning
}

// BatchView is the correlation result for one user-identity batch.
type BatchView struct {
	Views []JoinedView
	// Warnings holds batch-level problems: transactions whose buyer never
	// resolved and therefore have no view to live on.
	Warnings []Warning
}

// CountryResolver maps an IP address to a country code. Used to backfill
// sessions that arrive without geo attributes. Implementations must be safe
// for concurrent use.
type CountryResolver interface {
	Country(ip string) (string, bool)
}

// Correlator assembles joined views across the document and column stores.
// It is read-only and idempotent: the same batch and window yield the same
// views as long as the underlying stores are unchanged.
type Correlator struct {
	docs    adapter.DocumentStore
	cols    adapter.ColumnStore
	geo     CountryResolver
	timeout time.Duration
	backoff time.Duration
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// Options configures a Correlator.
type Options struct {
	AdapterTimeout time.Duration
	RetryBackoff   time.Duration
	Geo            CountryResolver
	Metrics        *metrics.Metrics
}

// New creates a Correlator over the given adapters.
func New(docs adapter.DocumentStore, cols adapter.ColumnStore, opts Options, logger *zap.Logger) *Correlator {
	timeout := opts.AdapterTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	backoff := opts.RetryBackoff
	if backoff <= 0 {
		backoff = 250 * time.Millisecond
	}
	return &Correlator{
		docs:    docs,
		cols:    cols,
		geo:     opts.Geo,
		timeout: timeout,
		backoff: backoff,
		logger:  logger,
		metrics: opts.Metrics,
	}
}

// JoinBatch assembles joined views for a batch of user identities over the
// window. Transactions for the whole batch come from a single bulk fetch;
// sessions come from one range scan per user because the column store is
// range-oriented and its row keys sort by user then time.
func (c *Correlator) JoinBatch(ctx context.Context, userIDs []string, window models.Window) (*BatchView, error) {
	ids := append([]string(nil), userIDs...)
	sort.Strings(ids)

	var users map[string]models.User
	err := c.withRetry(ctx, "docstore", "GetUsers", func(cctx context.Context) error {
		var err error
		users, err = c.docs.GetUsers(cctx, ids)
		return err
	})
	if err != nil {
		return nil, err
	}

	var txns []models.Transaction
	err = c.withRetry(ctx, "docstore", "TransactionsByBuyers", func(cctx context.Context) error {
		var err error
		txns, err = c.docs.TransactionsByBuyers(cctx, ids, window)
		return err
	})
	if err != nil {
		return nil, err
	}

	// One bulk round trip for every product referenced by the batch.
	productIDs := collectProductIDs(txns)
	var products map[string]models.Product
	if len(productIDs) > 0 {
		err = c.withRetry(ctx, "docstore", "GetProducts", func(cctx context.Context) error {
			var err error
			products, err = c.docs.GetProducts(cctx, productIDs)
			return err
		})
		if err != nil {
			return nil, err
		}
	}

	txnsByUser := make(map[string][]models.Transaction, len(ids))
	for _, t := range txns {
		txnsByUser[t.UserID] = append(txnsByUser[t.UserID], t)
	}

	batch := &BatchView{}
	for _, id := range ids {
		user, ok := users[id]
		if !ok {
			// The user is the batch root for its own records: transactions
			// pointing at it become inconsistent references, never dropped.
			c.warn(&batch.Warnings, Warning{Kind: WarnNotFound, Entity: "user", RefID: id})
			for _, t := range txnsByUser[id] {
				c.warn(&batch.Warnings, Warning{
					Kind: WarnInconsistentRef, Entity: "user", RefID: id, SourceID: t.ID,
				})
			}
			continue
		}

		view := JoinedView{User: user, Transactions: txnsByUser[id], Products: make(map[string]models.Product)}

		for _, t := range view.Transactions {
			p, ok := products[t.ProductID]
			if !ok {
				c.warn(&view.Warnings, Warning{
					Kind: WarnInconsistentRef, Entity: "product", RefID: t.ProductID, SourceID: t.ID,
				})
				continue
			}
			view.Products[p.ID] = p
		}

		var sessions []models.Session
		err = c.withRetry(ctx, "columnstore", "ScanSessions", func(cctx context.Context) error {
			var err error
			sessions, err = c.cols.ScanSessions(cctx, id, window)
			return err
		})
		if err != nil {
			return nil, err
		}
		view.Sessions = c.enrichGeo(sessions, user)

		batch.Views = append(batch.Views, view)
	}

	return batch, nil
}

// enrichGeo backfills a missing session country from the GeoIP resolver,
// falling back to the user's own country.
func (c *Correlator) enrichGeo(sessions []models.Session, user models.User) []models.Session {
	for i := range sessions {
		if sessions[i].Country != "" {
			continue
		}
		if c.geo != nil && sessions[i].IPAddress != "" {
			if country, ok := c.geo.Country(sessions[i].IPAddress); ok {
				sessions[i].Country = country
				continue
			}
		}
		sessions[i].Country = user.Country
	}
	return sessions
}

// withRetry runs one adapter call under the per-call deadline, retrying once
// with backoff when the call times out. Any second failure surfaces as a
// stage failure for this batch only.
func (c *Correlator) withRetry(ctx context.Context, store, op string, fn func(context.Context) error) error {
	start := time.Now()
	err := c.callOnce(ctx, fn)
	c.metrics.RecordAdapterCall(store, op, statusOf(err), time.Since(start))
	if err == nil || !errors.Is(err, faults.ErrTimeout) {
		return err
	}

	c.logger.Warn("adapter call timed out, retrying",
		zap.String("store", store),
		zap.String("op", op),
		zap.Duration("backoff", c.backoff),
	)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(c.backoff):
	}

	start = time.Now()
	err = c.callOnce(ctx, fn)
	c.metrics.RecordAdapterCall(store, op, statusOf(err), time.Since(start))
	return err
}

func (c *Correlator) callOnce(ctx context.Context, fn func(context.Context) error) error {
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return fn(cctx)
}

func (c *Correlator) warn(dst *[]Warning, w Warning) {
	*dst = append(*dst, w)
	c.metrics.RecordCorrelationWarning(w.Kind)
	c.logger.Debug("correlation warning",
		zap.String("kind", w.Kind),
		zap.String("entity", w.Entity),
		zap.String("ref_id", w.RefID),
		zap.String("source_id", w.SourceID),
	)
}

func collectProductIDs(txns []models.Transaction) []string {
	seen := make(map[string]struct{}, len(txns))
	var ids []string
	for _, t := range txns {
		if _, ok := seen[t.ProductID]; ok {
			continue
		}
		seen[t.ProductID] = struct{}{}
		ids = append(ids, t.ProductID)
	}
	sort.Strings(ids)
	return ids
}

func statusOf(err error) string {
	if err == nil {
		return "ok"
	}
	if errors.Is(err, faults.ErrTimeout) {
		return "timeout"
	}
	return "error"
}
