package adapter

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/syntheon/crossmetrics/internal/models"
)

// ClickHouseColumnStore implements ColumnStore on ClickHouse. The sessions
// table is ordered by (user_id, start_time) so a per-user range scan streams
// sessions in chronological order, mirroring the wide-column row-key design
// user_id + "_" + start_time.
type ClickHouseColumnStore struct {
	conn driver.Conn
}

// NewClickHouseColumnStore creates a new ClickHouse-backed column adapter.
func NewClickHouseColumnStore(conn driver.Conn) *ClickHouseColumnStore {
	return &ClickHouseColumnStore{conn: conn}
}

// InitSchema creates the sessions table if it does not exist. Page events
// are carried as parallel arrays sorted by event time at insert time.
func (s *ClickHouseColumnStore) InitSchema(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS user_sessions (
		user_id String,
		start_time DateTime64(3),
		duration_seconds Int32,
		device_type LowCardinality(String),
		referrer LowCardinality(String),
		country LowCardinality(String),
		ip_address String,
		event_stages Array(String),
		event_pages Array(String),
		event_times Array(DateTime64(3))
	) ENGINE = MergeTree()
	ORDER BY (user_id, start_time)
	PARTITION BY toYYYYMM(start_time)
	`
	if err := s.conn.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create user_sessions table: %w", err)
	}
	return nil
}

// ScanSessions range-scans one user's sessions within the window.
func (s *ClickHouseColumnStore) ScanSessions(ctx context.Context, userID string, window models.Window) ([]models.Session, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT user_id, start_time, duration_seconds, device_type, referrer,
		       country, ip_address, event_stages, event_pages, event_times
		FROM user_sessions
		WHERE user_id = ? AND start_time >= ? AND start_time < ?
		ORDER BY user_id, start_time
	`, userID, window.From, window.To)
	if err != nil {
		return nil, mapErr("columnstore", "ScanSessions", err)
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		var (
			sess     models.Session
			duration int32
			stages   []string
			pages    []string
			times    []time.Time
		)
		if err := rows.Scan(&sess.UserID, &sess.StartTime, &duration, &sess.DeviceType,
			&sess.Referrer, &sess.Country, &sess.IPAddress, &stages, &pages, &times); err != nil {
			return nil, mapErr("columnstore", "ScanSessions", err)
		}
		sess.Duration = int(duration)
		sess.Events = zipEvents(stages, pages, times)
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("columnstore", "ScanSessions", err)
	}
	return sessions, nil
}

// zipEvents rebuilds the ordered event sequence from the parallel arrays.
// The arrays are written sorted by event time, so no re-sort happens here.
func zipEvents(stages, pages []string, times []time.Time) []models.PageEvent {
	n := len(stages)
	if len(times) < n {
		n = len(times)
	}
	events := make([]models.PageEvent, 0, n)
	for i := 0; i < n; i++ {
		ev := models.PageEvent{Stage: stages[i], Timestamp: times[i]}
		if i < len(pages) {
			ev.PageType = pages[i]
		}
		events = append(events, ev)
	}
	return events
}
