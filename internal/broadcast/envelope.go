package broadcast

import (
	"encoding/json"
	"time"

	"github.com/rs/xid"
)

const (
	TypeConnected    = "connected"
	TypeHeartbeat    = "heartbeat"
	TypeQueryUpdated = "query_updated"
	TypeMessageAdded = "message_added"
	TypeRemarkAdded  = "remark_added"
)

// Envelope is the unit pushed to dashboards and carried across instances.
type Envelope struct {
	Type         string          `json:"type"`
	QueryID      string          `json:"queryId,omitempty"`
	IsolationKey string          `json:"isolationKey,omitempty"`
	BroadcastID  string          `json:"broadcastId,omitempty"`
	ConnectionID string          `json:"connectionId,omitempty"`
	Audience     []string        `json:"audience,omitempty"`
	DedupKey     string          `json:"dedupKey,omitempty"`
	Exclude      string          `json:"excludeConnectionId,omitempty"`
	Origin       string          `json:"origin,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

func IsolationKey(queryID string) string {
	if queryID == "" {
		return ""
	}
	return "query:" + queryID
}

// NewEnvelope builds an envelope for queryID, marshalling data into the payload.
func NewEnvelope(kind, queryID string, audience []string, data any) (Envelope, error) {
	env := Envelope{
		Type:         kind,
		QueryID:      queryID,
		IsolationKey: IsolationKey(queryID),
		Audience:     audience,
		Timestamp:    time.Now().UTC(),
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Envelope{}, err
		}
		env.Data = raw
	}
	return env, nil
}

// stamp fills the identifiers assigned at publish time.
func (e Envelope) stamp() Envelope {
	if e.BroadcastID == "" {
		e.BroadcastID = xid.New().String()
	}
	if e.IsolationKey == "" {
		e.IsolationKey = IsolationKey(e.QueryID)
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	return e
}

// Frame renders the envelope as one SSE event.
func Frame(env Envelope) ([]byte, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 0, len(body)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, body...)
	frame = append(frame, '\n', '\n')
	return frame, nil
}
