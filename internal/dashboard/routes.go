package dashboard

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// registerRoutes sets up all dashboard routes on the Gin router.
func registerRoutes(router *gin.Engine, opts StartOpts) {
	p := opts.Provider

	router.GET("/healthz", handleHealthz(p))
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))

	api := router.Group("/api")
	api.GET("/status", handleStatus(p))
	api.GET("/admission", handleAdmission(p))
	api.GET("/sessions", handleSessions(p))
	api.GET("/events", handleSSE(p, opts.Interval))
	api.GET("/ws", handleWS(p, opts.Interval, opts.Log))

	if opts.DB != nil {
		api.GET("/runs", handleRuns(opts.DB))
		api.GET("/sessions/:id/history", handleHistory(opts.DB))
	}
}

func handleHealthz(p Provider) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "state": p.Status().State})
	}
}

func handleStatus(p Provider) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, p.Status())
	}
}

func handleAdmission(p Provider) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, p.AdmissionSnapshot())
	}
}

// SessionRow is the per-session summary served by /api/sessions. Message
// content is left out.
type SessionRow struct {
	ID            string    `json:"id"`
	PeerName      string    `json:"peer_name"`
	Messages      int       `json:"messages"`
	ResponseCount int       `json:"response_count"`
	DisclosedBot  bool      `json:"disclosed_bot"`
	Active        bool      `json:"active"`
	CreatedAt     time.Time `json:"created_at"`
	LastActivity  time.Time `json:"last_activity"`
}

func handleSessions(p Provider) gin.HandlerFunc {
	return func(c *gin.Context) {
		activeOnly := c.Query("active") == "true"
		rows := make([]SessionRow, 0)
		for _, s := range p.Sessions() {
			if activeOnly && !s.Active {
				continue
			}
			rows = append(rows, SessionRow{
				ID:            s.ID,
				PeerName:      s.PeerName,
				Messages:      len(s.Messages),
				ResponseCount: s.ResponseCount,
				DisclosedBot:  s.DisclosedBot,
				Active:        s.Active,
				CreatedAt:     s.CreatedAt,
				LastActivity:  s.LastActivity,
			})
		}
		c.JSON(http.StatusOK, gin.H{"sessions": rows, "count": len(rows)})
	}
}

// queryLimit parses ?limit=, falling back to def for missing or bad values.
func queryLimit(c *gin.Context, def int) int {
	n, err := strconv.Atoi(c.Query("limit"))
	if err != nil || n <= 0 {
		return def
	}
	return n
}
