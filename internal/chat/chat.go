// Package chat holds the read-side rules for query conversations.
package chat

import (
	"strings"
	"time"

	"loanops/api/internal/store"
)

// NormalizeQueryID trims the id a caller supplied. Lookups must use the
// result verbatim: no prefix, suffix or numeric matching.
func NormalizeQueryID(id string) string {
	return strings.TrimSpace(id)
}

type dedupKey struct {
	message string
	sender  string
	second  int64
}

func keyOf(message store.ChatMessage) dedupKey {
	return dedupKey{
		message: message.Message,
		sender:  message.Sender,
		second:  message.Timestamp.Truncate(time.Second).Unix(),
	}
}

// Dedup drops repeated messages with the same text and sender inside the
// same second, keeping the earliest. Input must be ordered by timestamp.
func Dedup(messages []store.ChatMessage) []store.ChatMessage {
	seen := make(map[dedupKey]struct{}, len(messages))
	out := make([]store.ChatMessage, 0, len(messages))
	for _, message := range messages {
		key := keyOf(message)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, message)
	}
	return out
}

// Sweeper collects the ids Dedup would hide while messages for one or more
// queries stream past in (queryId, timestamp) order.
type Sweeper struct {
	queryID    string
	seen       map[dedupKey]struct{}
	duplicates []string
	scanned    int
}

func NewSweeper() *Sweeper {
	return &Sweeper{seen: make(map[dedupKey]struct{})}
}

func (s *Sweeper) Observe(message store.ChatMessage) {
	s.scanned++
	if message.QueryID != s.queryID {
		s.queryID = message.QueryID
		s.seen = make(map[dedupKey]struct{})
	}
	key := keyOf(message)
	if _, ok := s.seen[key]; ok {
		s.duplicates = append(s.duplicates, message.ID)
		return
	}
	s.seen[key] = struct{}{}
}

func (s *Sweeper) Duplicates() []string { return s.duplicates }

func (s *Sweeper) Scanned() int { return s.scanned }
