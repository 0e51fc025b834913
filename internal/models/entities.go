package models

import (
	"fmt"
	"time"
)

// ===========================================
// DOCUMENT STORE ENTITIES
// ===========================================

// User is a normalized customer record from the document store. The core
// never writes back to it; derived lifetime-value fields live in the
// materialized metrics store instead.
type User struct {
	ID            string    `json:"user_id"`
	Age           int       `json:"age"`
	IncomeBracket string    `json:"income_bracket"` // low, medium, high, premium
	Country       string    `json:"country"`
	AccountStatus string    `json:"account_status"` // active, inactive, suspended
	SignupDate    time.Time `json:"signup_date"`
}

// Active reports whether the account counts toward active-customer metrics.
func (u User) Active() bool {
	return u.AccountStatus == "active"
}

// Product is a normalized catalog record from the document store.
type Product struct {
	ID         string  `json:"product_id"`
	Name       string  `json:"name"`
	CategoryID string  `json:"category_id"`
	Brand      string  `json:"brand"`
	BasePrice  float64 `json:"base_price"`
	Stock      int     `json:"current_stock"`
	Rating     float64 `json:"rating"`
	IsActive   bool    `json:"is_active"`
}

// Transaction statuses. Only completed transactions feed revenue metrics.
const (
	TxnCompleted = "completed"
	TxnRefunded  = "refunded"
	TxnPending   = "pending"
)

// Transaction is an order observed in the document store. Immutable once
// observed; UserID and ProductID must resolve through the adapters or the
// row is reported as an inconsistent reference.
type Transaction struct {
	ID        string    `json:"transaction_id"`
	UserID    string    `json:"user_id"`
	ProductID string    `json:"product_id"`
	Amount    float64   `json:"amount"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// Completed reports whether the transaction counts toward monetary metrics.
func (t Transaction) Completed() bool {
	return t.Status == TxnCompleted
}

// ===========================================
// COLUMN STORE ENTITIES
// ===========================================

// Funnel stage labels, in ascending order of progress.
const (
	StageView         = "view"
	StageCart         = "cart"
	StageCheckout     = "checkout"
	StagePurchase     = "purchase"
	StageUnclassified = "unclassified"
)

// StageRank maps a funnel stage to its position. Unrecognized labels map
// to -1 so a bad label never outranks a real stage.
func StageRank(stage string) int {
	switch stage {
	case StageView:
		return 0
	case StageCart:
		return 1
	case StageCheckout:
		return 2
	case StagePurchase:
		return 3
	default:
		return -1
	}
}

// PageEvent is a single funnel step within a session. Events within a
// session are ordered by timestamp as stored.
type PageEvent struct {
	Stage     string    `json:"stage"`
	PageType  string    `json:"page_type,omitempty"`
	ProductID string    `json:"product_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is a browsing session from the column store. Its identity is the
// (UserID, StartTime) pair; the storage row key sorts by user then time so a
// range scan returns one user's sessions in chronological order.
type Session struct {
	UserID     string      `json:"user_id"`
	StartTime  time.Time   `json:"start_time"`
	Duration   int         `json:"duration_seconds"`
	DeviceType string      `json:"device_type"`
	Referrer   string      `json:"referrer,omitempty"`
	Country    string      `json:"country"`
	IPAddress  string      `json:"ip_address,omitempty"`
	Events     []PageEvent `json:"events"`
}

// RowKey returns the column-store identity key for the session.
func (s Session) RowKey() string {
	return fmt.Sprintf("%s_%s", s.UserID, s.StartTime.UTC().Format(time.RFC3339))
}

// ===========================================
// TIME WINDOWS
// ===========================================

// Window is a half-open [From, To) time range. All pipeline and report
// operations are scoped to a window.
type Window struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.From) && t.Before(w.To)
}

// Days returns the UTC day boundaries covered by the window, ascending.
func (w Window) Days() []time.Time {
	var days []time.Time
	for d := w.From.UTC().Truncate(24 * time.Hour); d.Before(w.To); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}
	return days
}
