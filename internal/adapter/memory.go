package adapter

import (
	"context"
	"sort"
	"sync"

	"github.com/syntheon/crossmetrics/internal/faults"
	"github.com/syntheon/crossmetrics/internal/models"
)

// MemoryDocumentStore is an in-memory DocumentStore used when PostgreSQL is
// unavailable and throughout the tests.
type MemoryDocumentStore struct {
	mu           sync.RWMutex
	users        map[string]models.User
	products     map[string]models.Product
	transactions map[string][]models.Transaction // keyed by buyer
}

// NewMemoryDocumentStore creates an empty in-memory document store.
func NewMemoryDocumentStore() *MemoryDocumentStore {
	return &MemoryDocumentStore{
		users:        make(map[string]models.User),
		products:     make(map[string]models.Product),
		transactions: make(map[string][]models.Transaction),
	}
}

// PutUser seeds a user record.
func (s *MemoryDocumentStore) PutUser(u models.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

// PutProduct seeds a product record.
func (s *MemoryDocumentStore) PutProduct(p models.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[p.ID] = p
}

// PutTransaction seeds a transaction record.
func (s *MemoryDocumentStore) PutTransaction(t models.Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transactions[t.UserID] = append(s.transactions[t.UserID], t)
}

func (s *MemoryDocumentStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, mapErr("docstore", "GetUser", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, faults.NotFound("user", id)
	}
	return &u, nil
}

func (s *MemoryDocumentStore) GetUsers(ctx context.Context, ids []string) (map[string]models.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, mapErr("docstore", "GetUsers", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]models.User, len(ids))
	for _, id := range ids {
		if u, ok := s.users[id]; ok {
			out[id] = u
		}
	}
	return out, nil
}

func (s *MemoryDocumentStore) GetProduct(ctx context.Context, id string) (*models.Product, error) {
	if err := ctx.Err(); err != nil {
		return nil, mapErr("docstore", "GetProduct", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.products[id]
	if !ok {
		return nil, faults.NotFound("product", id)
	}
	return &p, nil
}

func (s *MemoryDocumentStore) GetProducts(ctx context.Context, ids []string) (map[string]models.Product, error) {
	if err := ctx.Err(); err != nil {
		return nil, mapErr("docstore", "GetProducts", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]models.Product, len(ids))
	for _, id := range ids {
		if p, ok := s.products[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (s *MemoryDocumentStore) ListUserIDs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, mapErr("docstore", "ListUserIDs", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.users))
	for id := range s.users {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryDocumentStore) CountActiveProducts(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, mapErr("docstore", "CountActiveProducts", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, p := range s.products {
		if p.IsActive {
			n++
		}
	}
	return n, nil
}

func (s *MemoryDocumentStore) TransactionsByBuyers(ctx context.Context, buyerIDs []string, window models.Window) ([]models.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, mapErr("docstore", "TransactionsByBuyers", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	sorted := append([]string(nil), buyerIDs...)
	sort.Strings(sorted)

	var txns []models.Transaction
	for _, id := range sorted {
		for _, t := range s.transactions[id] {
			if window.Contains(t.Timestamp) {
				txns = append(txns, t)
			}
		}
	}
	// Stable order within a buyer: ascending transaction ID.
	sort.SliceStable(txns, func(i, j int) bool {
		if txns[i].UserID != txns[j].UserID {
			return txns[i].UserID < txns[j].UserID
		}
		return txns[i].ID < txns[j].ID
	})
	return txns, nil
}

// MemoryColumnStore is an in-memory ColumnStore keyed the same way as the
// wide-column layout: rows sorted by user then start time.
type MemoryColumnStore struct {
	mu       sync.RWMutex
	sessions map[string][]models.Session // keyed by user
}

// NewMemoryColumnStore creates an empty in-memory column store.
func NewMemoryColumnStore() *MemoryColumnStore {
	return &MemoryColumnStore{sessions: make(map[string][]models.Session)}
}

// PutSession seeds a session, keeping the user's rows time-ordered.
func (s *MemoryColumnStore) PutSession(sess models.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := append(s.sessions[sess.UserID], sess)
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].StartTime.Before(rows[j].StartTime)
	})
	s.sessions[sess.UserID] = rows
}

func (s *MemoryColumnStore) ScanSessions(ctx context.Context, userID string, window models.Window) ([]models.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, mapErr("columnstore", "ScanSessions", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Session
	for _, sess := range s.sessions[userID] {
		if window.Contains(sess.StartTime) {
			out = append(out, sess)
		}
	}
	return out, nil
}
