package dashboard

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/zulandar/switchboard/internal/archive"
)

const (
	defaultRunLimit     = 20
	defaultHistoryLimit = 50
)

// handleRuns lists archived run summaries, newest first.
func handleRuns(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		runs, err := archive.Runs(db, queryLimit(c, defaultRunLimit))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"runs": runs})
	}
}

// handleHistory returns the archived messages of one session, oldest first.
func handleHistory(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		msgs, err := archive.History(db, c.Param("id"), queryLimit(c, defaultHistoryLimit))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"session_id": c.Param("id"), "messages": msgs})
	}
}
