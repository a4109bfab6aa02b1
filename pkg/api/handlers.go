package api

import (
	"net/http"
	"os"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/perchd/perch/pkg/goals"
	"github.com/perchd/perch/pkg/models"
	"github.com/perchd/perch/pkg/version"
)

// Health handles GET /healthz. The process serving this endpoint is
// the health signal; no external dependency is probed, so a flapping
// LLM backend cannot get the supervisor restarted.
func (s *Server) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":        "healthy",
		"version":       version.Full(),
		"cycle_running": s.engine.Running(),
	})
}

// GetState handles GET /api/v1/state.
func (s *Server) GetState(c *gin.Context) {
	state := s.engine.State()
	c.JSON(http.StatusOK, gin.H{
		"cycleCount":          state.CycleCount,
		"lastCycleAt":         state.LastCycleAt,
		"consecutiveSpawns":   state.ConsecutiveSpawns,
		"consecutiveRecycles": state.ConsecutiveRecycles,
		"lastSignals":         state.LastSignals,
		"dailyCost":           state.DailyCost,
		"dailyCostDate":       state.DailyCostDate,
		"dailySonnetCost":     state.DailySonnetCost,
		"sonnetCooldownUntil": state.SonnetCooldownUntil,
		"lastCycleTokens":     state.LastCycleTokens,
		"pendingFollowups":    len(state.PendingFollowups),
		"updatedAt":           state.UpdatedAt,
	})
}

// ListEvents handles GET /api/v1/events?limit=N.
func (s *Server) ListEvents(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	events := s.engine.Events()
	if len(events) > limit {
		events = events[len(events)-limit:]
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

// GetCycle handles GET /api/v1/cycles/:n, serving the stored audit
// record for one cycle.
func (s *Server) GetCycle(c *gin.Context) {
	n, err := strconv.Atoi(c.Param("n"))
	if err != nil || n < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cycle must be a positive integer"})
		return
	}
	diff, err := s.diffs.Load(n)
	if err != nil {
		if os.IsNotExist(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no record for cycle " + c.Param("n")})
			return
		}
		s.logger.Error("Failed to load cycle record", "cycle", n, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load cycle record"})
		return
	}
	c.JSON(http.StatusOK, diff)
}

// ListGoals handles GET /api/v1/goals?status=active&source=agent.
func (s *Server) ListGoals(c *gin.Context) {
	var f goals.Filter
	if v := c.Query("status"); v != "" {
		f.Statuses = []models.GoalStatus{models.GoalStatus(v)}
	}
	f.Source = c.Query("source")
	list := s.goals.List(f)
	c.JSON(http.StatusOK, gin.H{"goals": list, "count": len(list)})
}

// GetGoal handles GET /api/v1/goals/:id.
func (s *Server) GetGoal(c *gin.Context) {
	g := s.goals.Get(c.Param("id"))
	if g == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "goal not found"})
		return
	}
	c.JSON(http.StatusOK, g)
}
