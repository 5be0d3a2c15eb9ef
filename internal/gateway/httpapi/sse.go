package httpapi

import (
	"time"

	"github.com/jkaninda/okapi"
)

// SSEEvent represents a server-sent event on the output stream.
type SSEEvent struct {
	Type    string `json:"type"`              // "line", "state", "done"
	Content string `json:"content,omitempty"` // Output line.
	Phase   string `json:"phase,omitempty"`   // Run phase for state events.
	URL     string `json:"url,omitempty"`     // Preview URL once ready.
}

// keepalive interval for idle SSE connections.
const sseKeepalive = 15 * time.Second

// handleSessionEvents handles GET /v1/sessions/{id}/events with SSE.
// Replays the buffered output, then streams new lines until the client
// disconnects.
func (g *Gateway) handleSessionEvents(c *okapi.Context) error {
	id, err := g.sessionID(c)
	if err != nil {
		return err
	}
	_ = id

	// Replay what the buffer holds so late subscribers see recent output.
	for _, line := range g.ctrl.OutputLines() {
		c.SSEvent("line", SSEEvent{Type: "line", Content: line})
	}

	st := g.ctrl.State()
	c.SSEvent("state", SSEEvent{Type: "state", Phase: string(st.Phase()), URL: st.PreviewURL})

	lines, cancel := g.ctrl.Subscribe()
	defer cancel()

	keepalive := time.NewTicker(sseKeepalive)
	defer keepalive.Stop()

	lastPhase := st.Phase()
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				c.SSEvent("done", SSEEvent{Type: "done"})
				return nil
			}
			c.SSEvent("line", SSEEvent{Type: "line", Content: line})

			// Piggyback state transitions on the output stream.
			if cur := g.ctrl.State(); cur.Phase() != lastPhase {
				lastPhase = cur.Phase()
				c.SSEvent("state", SSEEvent{Type: "state", Phase: string(lastPhase), URL: cur.PreviewURL})
			}
		case <-keepalive.C:
			// Also catches transitions that happen without output, like the
			// dev server announcing its URL.
			if cur := g.ctrl.State(); cur.Phase() != lastPhase {
				lastPhase = cur.Phase()
				c.SSEvent("state", SSEEvent{Type: "state", Phase: string(lastPhase), URL: cur.PreviewURL})
			}
		case <-c.Context().Done():
			return nil
		}
	}
}
