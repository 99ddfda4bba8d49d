// Package journal keeps the append-only record of query updates that backs
// the polling feed.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo"
)

var logger = loggo.GetLogger("loanops.journal")

type Entry struct {
	Seq       int64           `json:"seq"`
	QueryID   string          `json:"queryId"`
	EventType string          `json:"eventType"`
	Payload   json.RawMessage `json:"payload"`
	Actor     string          `json:"actor"`
	CreatedAt time.Time       `json:"createdAt"`
}

type Journal struct {
	db *sql.DB
}

func New(db *sql.DB) *Journal {
	return &Journal{db: db}
}

func (j *Journal) Ping(ctx context.Context) error {
	return j.db.PingContext(ctx)
}

// Append records one event and returns its sequence number.
func (j *Journal) Append(ctx context.Context, queryID, eventType, actor string, payload any) (int64, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, errors.Annotate(err, "marshal journal payload")
	}
	var seq int64
	err = j.db.QueryRowContext(ctx, `
		INSERT INTO update_journal (query_id, event_type, payload, actor)
		VALUES ($1, $2, $3::jsonb, $4)
		RETURNING seq
	`, queryID, eventType, string(raw), actor).Scan(&seq)
	if err != nil {
		return 0, errors.Annotatef(err, "append %s for %q", eventType, queryID)
	}
	return seq, nil
}

// Since lists events recorded strictly after since, oldest first.
func (j *Journal) Since(ctx context.Context, since time.Time, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT seq, query_id, event_type, payload, actor, created_at
		FROM update_journal
		WHERE created_at > $1
		ORDER BY seq ASC
		LIMIT $2
	`, since, limit)
	if err != nil {
		return nil, errors.Annotate(err, "query journal")
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var entry Entry
		var payload []byte
		if err := rows.Scan(&entry.Seq, &entry.QueryID, &entry.EventType, &payload, &entry.Actor, &entry.CreatedAt); err != nil {
			return nil, errors.Annotate(err, "scan journal entry")
		}
		entry.Payload = json.RawMessage(payload)
		entries = append(entries, entry)
	}
	return entries, errors.Annotate(rows.Err(), "iterate journal")
}

// DistinctQueryIDs returns the query ids of entries in first-seen order.
func DistinctQueryIDs(entries []Entry) []string {
	seen := make(map[string]struct{}, len(entries))
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		if _, ok := seen[entry.QueryID]; ok {
			continue
		}
		seen[entry.QueryID] = struct{}{}
		ids = append(ids, entry.QueryID)
	}
	return ids
}
