package dashboard

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/gin-gonic/gin"
)

const heartbeatInterval = 15 * time.Second

// handleSSE streams a status event every interval, preceded by a state
// event when the bot state changed since the last tick.
func handleSSE(p Provider, interval time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")

		writeSSE(c.Writer, "connected", map[string]string{"type": "connected"})
		st := p.Status()
		writeSSE(c.Writer, "status", st)
		c.Writer.Flush()
		last := st.State

		ctx := c.Request.Context()
		ticker := time.NewTicker(interval)
		heartbeat := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		defer heartbeat.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-heartbeat.C:
				writeSSE(c.Writer, "heartbeat", map[string]string{
					"timestamp": time.Now().UTC().Format(time.RFC3339),
				})
				c.Writer.Flush()
			case <-ticker.C:
				st := p.Status()
				if st.State != last {
					writeSSE(c.Writer, "state", map[string]string{"from": string(last), "to": string(st.State)})
					last = st.State
				}
				writeSSE(c.Writer, "status", st)
				c.Writer.Flush()
			}
		}
	}
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}
