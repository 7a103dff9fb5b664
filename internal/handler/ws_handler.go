package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/proctord/internal/metrics"
	"github.com/stemsi/proctord/internal/middleware"
	"github.com/stemsi/proctord/internal/model"
	"github.com/stemsi/proctord/internal/proctor"
	"github.com/stemsi/proctord/internal/response"
	"github.com/stemsi/proctord/internal/service"
	"github.com/stemsi/proctord/internal/validator"
	ws "github.com/stemsi/proctord/internal/websocket"
)

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// SessionOpener mounts a proctoring session for a caller.
type SessionOpener interface {
	Open(ctx context.Context, ns proctor.Namespace, role service.Role, notifier proctor.Notifier) (*proctor.Session, error)
}

// DraftSaver buffers answer edits.
type DraftSaver interface {
	Save(ctx context.Context, ns proctor.Namespace, draft model.DraftAnswer) error
}

// ProctorHandler serves the proctoring stream. The browser shim forwards raw
// DOM events and receives lockdown commands.
type ProctorHandler struct {
	sessions SessionOpener
	drafts   DraftSaver
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

// NewProctorHandler creates a new ProctorHandler.
func NewProctorHandler(sessions SessionOpener, drafts DraftSaver, log zerolog.Logger, allowedOrigins []string) *ProctorHandler {
	return &ProctorHandler{
		sessions: sessions,
		drafts:   drafts,
		log:      log.With().Str("component", "proctor_handler").Logger(),
		upgrader: buildUpgrader(allowedOrigins),
	}
}

// namespaceFor resolves the caller's namespace from the path and claims,
// writing an error response on failure.
func namespaceFor(c *gin.Context) (proctor.Namespace, *service.Claims, bool) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return proctor.Namespace{}, nil, false
	}

	var ref model.AssignmentRef
	if fields := validator.BindURI(c, &ref); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return proctor.Namespace{}, nil, false
	}

	if claims.WorkspaceID != "" && claims.WorkspaceID != ref.WorkspaceID {
		response.Fail(c, http.StatusForbidden, response.ErrWorkspaceForbidden)
		return proctor.Namespace{}, nil, false
	}

	return proctor.Namespace{
		WorkspaceID:  ref.WorkspaceID,
		AssignmentID: ref.AssignmentID,
		LearnerID:    claims.UserID(),
	}, claims, true
}

// Stream godoc
// WS /ws/v1/workspaces/:workspaceID/assignments/:assignmentID/proctor
// Upgrades to WebSocket and runs one proctoring session for the caller.
func (h *ProctorHandler) Stream(c *gin.Context) {
	ns, claims, ok := namespaceFor(c)
	if !ok {
		return
	}

	raw, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	wsLog := h.log.With().
		Str("workspace_id", ns.WorkspaceID).
		Str("assignment_id", ns.AssignmentID).
		Str("learner_id", ns.LearnerID).
		Str("role", string(claims.Role)).
		Logger()

	conn := ws.NewConn(raw, wsLog)
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	session, err := h.sessions.Open(ctx, ns, claims.Role, conn)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrAssignmentNotFound):
			conn.WriteError(string(response.ErrAssignmentNotFound), err.Error())
		case errors.Is(err, service.ErrAssignmentClosed):
			conn.WriteError(string(response.ErrAssignmentClosed), err.Error())
		default:
			wsLog.Error().Err(err).Msg("Failed to open proctoring session")
			conn.WriteError(string(response.ErrInternal), "failed to open session")
		}
		return
	}

	metrics.ActiveSessions.Inc()
	defer metrics.ActiveSessions.Dec()

	go session.Run(ctx)

	wsLog.Info().Str("mode", string(session.Mode())).Msg("Proctoring stream connected")

	for {
		var msg ws.Request
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Connection closed")
			}
			break
		}

		switch msg.Action {
		case ws.ActionEvent:
			if msg.Event == nil {
				conn.WriteError(string(response.ErrInvalidPayload), "event is required")
				continue
			}
			session.HandleEvent(ctx, *msg.Event)
		case ws.ActionGrantPermission:
			session.GrantPermission(msg.URL)
		case ws.ActionFullscreenError:
			session.PermissionFailed(msg.Reason)
		case ws.ActionAutosave:
			h.handleAutosave(ctx, conn, session, msg.Draft)
		case ws.ActionSubmit:
			h.handleSubmit(ctx, conn, session)
		case ws.ActionState:
			conn.WriteTyped(ws.StateResponse{Event: ws.EventState, State: session.Snapshot()})
		case ws.ActionPing:
			conn.WriteTyped(ws.PongResponse{Event: ws.EventPong})
		default:
			wsLog.Warn().Str("action", string(msg.Action)).Msg("Unknown action")
			conn.WriteError(string(response.ErrInvalidPayload), "unknown action: "+string(msg.Action))
		}
	}
}

// handleAutosave buffers one answer edit while the session is editable.
func (h *ProctorHandler) handleAutosave(ctx context.Context, conn *ws.Conn, session *proctor.Session, draft *model.DraftAnswer) {
	if !session.Editable() {
		conn.WriteError(string(response.ErrEditingFrozen), response.GetMessage(response.ErrEditingFrozen))
		return
	}
	if draft == nil {
		conn.WriteError(string(response.ErrInvalidPayload), "draft is required")
		return
	}
	if fields := validator.Struct(draft); fields != nil {
		code := response.ErrValidation
		if _, bad := fields["language"]; bad && draft.Language != "" {
			code = response.ErrUnsupportedLanguage
		}
		conn.WriteError(string(code), firstField(fields))
		return
	}

	if err := h.drafts.Save(ctx, session.Namespace(), *draft); err != nil {
		h.log.Error().Err(err).Str("learner_id", session.Namespace().LearnerID).Msg("Autosave failed")
		conn.WriteError(string(response.ErrInternal), "save failed")
		return
	}
	conn.WriteTyped(ws.SuccessResponse{Event: ws.EventSuccess, Status: "saved"})
}

// handleSubmit runs the manual submission. The pipeline reports its outcome
// through alert and navigate_away commands.
func (h *ProctorHandler) handleSubmit(ctx context.Context, conn *ws.Conn, session *proctor.Session) {
	if err := session.Submit(ctx); err != nil {
		code := response.ErrNotSubmittable
		if session.Mode() == proctor.ModeTerminated {
			code = response.ErrAlreadySubmitted
		}
		conn.WriteError(string(code), response.GetMessage(code))
	}
}

func firstField(fields map[string]string) string {
	for _, msg := range fields {
		return msg
	}
	return response.GetMessage(response.ErrValidation)
}
