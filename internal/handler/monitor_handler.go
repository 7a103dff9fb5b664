package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/proctord/internal/config"
	"github.com/stemsi/proctord/internal/model"
	"github.com/stemsi/proctord/internal/response"
	"github.com/stemsi/proctord/internal/service"
)

const (
	refreshInterval   = 15 * time.Second
	keepAliveInterval = 30 * time.Second
	refreshTimeout    = 5 * time.Second // prevent slow queries from blocking the SSE loop
)

// SnapshotReader is the monitor data source.
type SnapshotReader interface {
	GetAssignmentSnapshot(ctx context.Context, workspaceID, assignmentID string) (*service.AssignmentSnapshot, error)
	LearnerEvents(ctx context.Context, workspaceID, assignmentID, learnerID string, limit int) ([]model.ProctoringEvent, error)
}

type MonitorHandler struct {
	rdb     *redis.Client
	monitor SnapshotReader
	log     zerolog.Logger
}

func NewMonitorHandler(rdb *redis.Client, monitor SnapshotReader, log zerolog.Logger) *MonitorHandler {
	return &MonitorHandler{
		rdb:     rdb,
		monitor: monitor,
		log:     log.With().Str("component", "monitor_handler").Logger(),
	}
}

// MonitorAssignmentSSE godoc
// GET /api/v1/workspaces/:workspaceID/assignments/:assignmentID/monitor
// Streams live proctoring signals plus a periodic per-learner snapshot.
func (h *MonitorHandler) MonitorAssignmentSSE(c *gin.Context) {
	ns, _, ok := namespaceFor(c)
	if !ok {
		return
	}

	reqCtx := c.Request.Context()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	h.sendSnapshot(c, reqCtx, ns.WorkspaceID, ns.AssignmentID)

	pubsub := h.rdb.Subscribe(reqCtx, config.CacheKey.AssignmentMonitorChannel(ns.WorkspaceID, ns.AssignmentID))
	defer pubsub.Close()

	ch := pubsub.Channel()

	keepAliveTicker := time.NewTicker(keepAliveInterval)
	defer keepAliveTicker.Stop()

	refreshTicker := time.NewTicker(refreshInterval)
	defer refreshTicker.Stop()

	// Skip refresh queries until at least one signal arrived.
	dirty := false

	log := h.log.With().Str("workspace_id", ns.WorkspaceID).Str("assignment_id", ns.AssignmentID).Logger()
	log.Info().Msg("Reviewer attached to live monitor SSE")

	pingPayload, _ := json.Marshal(map[string]string{"type": "ping"})

	for {
		select {
		case <-reqCtx.Done():
			log.Info().Msg("Reviewer disconnected from live monitor SSE")
			return

		case msg, open := <-ch:
			if !open {
				return
			}
			// Forward raw JSON directly, no deserialization needed
			c.Writer.Write([]byte("data: "))
			c.Writer.Write([]byte(msg.Payload))
			c.Writer.Write([]byte("\n\n"))
			c.Writer.Flush()
			dirty = true

		case <-refreshTicker.C:
			if !dirty {
				continue
			}
			dirty = false
			h.sendSnapshot(c, reqCtx, ns.WorkspaceID, ns.AssignmentID)

		case <-keepAliveTicker.C:
			c.Writer.Write([]byte("data: "))
			c.Writer.Write(pingPayload)
			c.Writer.Write([]byte("\n\n"))
			c.Writer.Flush()
		}
	}
}

// sendSnapshot writes the aggregated per-learner view as one SSE event.
func (h *MonitorHandler) sendSnapshot(c *gin.Context, parentCtx context.Context, workspaceID, assignmentID string) {
	ctx, cancel := context.WithTimeout(parentCtx, refreshTimeout)
	defer cancel()

	snapshot, err := h.monitor.GetAssignmentSnapshot(ctx, workspaceID, assignmentID)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to build monitor snapshot")
		return
	}

	c.SSEvent("message", map[string]interface{}{
		"type": "snapshot",
		"data": snapshot,
	})
	c.Writer.Flush()
}

// LearnerEvents godoc
// GET /api/v1/workspaces/:workspaceID/assignments/:assignmentID/learners/:learnerID/events?limit=
func (h *MonitorHandler) LearnerEvents(c *gin.Context) {
	ns, _, ok := namespaceFor(c)
	if !ok {
		return
	}

	learnerID := c.Param("learnerID")
	if learnerID == "" {
		response.Fail(c, http.StatusBadRequest, response.ErrValidation)
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))

	events, err := h.monitor.LearnerEvents(c.Request.Context(), ns.WorkspaceID, ns.AssignmentID, learnerID, limit)
	if err != nil {
		h.log.Error().Err(err).Str("learner_id", learnerID).Msg("Failed to list proctoring events")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}
	response.Success(c, http.StatusOK, events)
}
