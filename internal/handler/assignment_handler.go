package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/proctord/internal/model"
	"github.com/stemsi/proctord/internal/proctor"
	"github.com/stemsi/proctord/internal/response"
	"github.com/stemsi/proctord/internal/service"
)

// StateReader answers the REST side of the proctoring flow.
type StateReader interface {
	State(ctx context.Context, ns proctor.Namespace, role service.Role) (*service.LearnerState, error)
	ListSubmissions(ctx context.Context, workspaceID, assignmentID string) ([]model.Submission, error)
}

// AssignmentHandler serves assignment state and submissions.
type AssignmentHandler struct {
	state StateReader
	log   zerolog.Logger
}

// NewAssignmentHandler creates a new AssignmentHandler.
func NewAssignmentHandler(state StateReader, log zerolog.Logger) *AssignmentHandler {
	return &AssignmentHandler{
		state: state,
		log:   log.With().Str("component", "assignment_handler").Logger(),
	}
}

// State godoc
// GET /api/v1/workspaces/:workspaceID/assignments/:assignmentID/state
// Returns what the page needs before opening the proctoring stream.
func (h *AssignmentHandler) State(c *gin.Context) {
	ns, claims, ok := namespaceFor(c)
	if !ok {
		return
	}

	st, err := h.state.State(c.Request.Context(), ns, claims.Role)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, st)
}

// ListSubmissions godoc
// GET /api/v1/workspaces/:workspaceID/assignments/:assignmentID/submissions
func (h *AssignmentHandler) ListSubmissions(c *gin.Context) {
	ns, _, ok := namespaceFor(c)
	if !ok {
		return
	}

	subs, err := h.state.ListSubmissions(c.Request.Context(), ns.WorkspaceID, ns.AssignmentID)
	if err != nil {
		h.fail(c, err)
		return
	}
	if subs == nil {
		subs = []model.Submission{}
	}
	response.Success(c, http.StatusOK, subs)
}

func (h *AssignmentHandler) fail(c *gin.Context, err error) {
	if errors.Is(err, service.ErrAssignmentNotFound) {
		response.Fail(c, http.StatusNotFound, response.ErrAssignmentNotFound)
		return
	}
	h.log.Error().Err(err).Str("path", c.FullPath()).Msg("Assignment request failed")
	response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
}
