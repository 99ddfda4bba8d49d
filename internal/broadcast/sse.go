package broadcast

import (
	"net/http"

	"github.com/juju/errors"
)

// Serve streams envelopes matching filter to w until the client goes away,
// the registry drops the connection, or a write fails.
func Serve(w http.ResponseWriter, r *http.Request, registry *Registry, filter Filter) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return errors.NotSupportedf("streaming")
	}

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")

	conn := registry.Register(filter)
	defer registry.Unregister(conn.ID)

	w.WriteHeader(http.StatusOK)
	hello, err := Frame(Envelope{Type: TypeConnected, ConnectionID: conn.ID, QueryID: filter.QueryID}.stamp())
	if err != nil {
		return errors.Trace(err)
	}
	if _, err := w.Write(hello); err != nil {
		return errors.Trace(err)
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return nil
		case <-conn.Done():
			return nil
		case frame := <-conn.Frames():
			if _, err := w.Write(frame); err != nil {
				return errors.Annotatef(err, "write to connection %s", conn.ID)
			}
			flusher.Flush()
			registry.Touch(conn.ID)
		}
	}
}
