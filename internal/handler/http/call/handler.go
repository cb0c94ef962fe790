package call

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"chatcall-backend/internal/domain"
	callService "chatcall-backend/internal/service/call"
	apperrors "chatcall-backend/pkg/errors"
	"chatcall-backend/pkg/pagination"
	"chatcall-backend/pkg/response"
)

// Handler handles call HTTP requests. Every write goes through the same
// state machine as the socket gateway.
type Handler struct {
	callService *callService.Service
}

// NewHandler creates a new call handler
func NewHandler(callService *callService.Service) *Handler {
	return &Handler{
		callService: callService,
	}
}

// InitiateCallRequest represents call initiation request
type InitiateCallRequest struct {
	Type       string `json:"type" binding:"required"`
	ReceiverID string `json:"receiverId" binding:"required,uuid"`
}

// InitiateCall starts a new call in a conversation
// POST /chat/:conversationId/call
func (h *Handler) InitiateCall(c *gin.Context) {
	callerID, ok := currentUser(c)
	if !ok {
		return
	}

	conversationID, err := uuid.Parse(c.Param("conversationId"))
	if err != nil {
		response.ValidationError(c, "Invalid conversation ID")
		return
	}

	var req InitiateCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}
	receiverID, err := uuid.Parse(req.ReceiverID)
	if err != nil {
		response.ValidationError(c, "Invalid receiver ID")
		return
	}

	call, err := h.callService.InitiateCall(c.Request.Context(), &callService.InitiateCallInput{
		ConversationID: conversationID,
		CallerID:       callerID,
		ReceiverID:     receiverID,
		Type:           domain.CallType(req.Type),
	})
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusCreated, call)
}

// ApplyAction moves a call to its next phase. "join" is accepted as an alias
// of "accept".
// POST /chat/calls/:callId/:action
func (h *Handler) ApplyAction(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	callID, err := uuid.Parse(c.Param("callId"))
	if err != nil {
		response.ValidationError(c, "Invalid call ID")
		return
	}

	action := domain.CallAction(c.Param("action"))
	if action == "join" {
		action = domain.CallActionAccept
	}

	call, err := h.callService.ApplyAction(c.Request.Context(), callID, action, callService.UserActor(userID, ""))
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, call)
}

// GetCall returns a call's current state
// GET /chat/calls/:callId
func (h *Handler) GetCall(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	callID, err := uuid.Parse(c.Param("callId"))
	if err != nil {
		response.ValidationError(c, "Invalid call ID")
		return
	}

	call, err := h.callService.GetCall(c.Request.Context(), callID, userID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, call)
}

// GetCallHistory lists the authenticated user's calls, newest first
// GET /chat/calls?page=1&limit=20
func (h *Handler) GetCallHistory(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	params, err := pagination.ParseParams(c.Query("page"), c.Query("limit"))
	if err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	calls, total, err := h.callService.GetUserCallHistory(c.Request.Context(), userID, params.Limit, params.Offset)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, pagination.NewPage(params, total, calls))
}

// currentUser reads the id set by the auth middleware and writes the error
// response itself when it is missing
func currentUser(c *gin.Context) (uuid.UUID, bool) {
	val, exists := c.Get("user_id")
	if !exists {
		response.FromError(c, apperrors.UnauthorizedError("Not authenticated"))
		return uuid.Nil, false
	}
	userID, ok := val.(uuid.UUID)
	if !ok {
		response.InternalError(c, "Invalid user ID")
		return uuid.Nil, false
	}
	return userID, true
}
