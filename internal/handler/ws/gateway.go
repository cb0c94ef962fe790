package ws

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"chatcall-backend/internal/domain"
	"chatcall-backend/internal/hub"
	callService "chatcall-backend/internal/service/call"
	"chatcall-backend/pkg/constants"
	apperrors "chatcall-backend/pkg/errors"
	"chatcall-backend/pkg/logger"
	"chatcall-backend/pkg/metrics"
	"chatcall-backend/pkg/response"
)

// Inbound events
const (
	EventConnection   = "connection"
	EventJoinChatRoom = "join-chat-room"
	EventInitiateCall = "initiate-call"
	EventJoinCall     = "join-call"
	EventRejectCall   = "reject-call"
	EventEndCall      = "end-call"
)

// Outbound events owned by the gateway. Call events come from the call service.
const (
	EventConfirmation   = "confirmation"
	EventSendChatUpdate = "send-chat-update"
	EventAck            = "ack"
	EventError          = "error"
	EventWebRTCError    = "webrtc-error"
)

// Presence tracks live connections across instances. A user is online while
// any instance still holds one of their connection ids.
type Presence interface {
	AddConnection(ctx context.Context, userID uuid.UUID, connID string) error
	RemoveConnection(ctx context.Context, userID uuid.UUID, connID string) error
	RefreshPresence(ctx context.Context, userID uuid.UUID) error
}

// InboundMessage is a client frame. AckID, when set, is echoed in the reply.
type InboundMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	AckID string          `json:"ackId,omitempty"`
}

// AckPayload answers a frame that carried an ackId
type AckPayload struct {
	AckID string      `json:"ackId"`
	Data  interface{} `json:"data,omitempty"`
}

// ErrorPayload reports a failed inbound event
type ErrorPayload struct {
	Error   bool       `json:"error"`
	Code    string     `json:"code"`
	Message string     `json:"message"`
	AckID   string     `json:"ackId,omitempty"`
	CallID  *uuid.UUID `json:"callId,omitempty"`
}

type initiateCallRequest struct {
	Type           domain.CallType `json:"type"`
	ReceiverID     string          `json:"receiverId"`
	ConversationID string          `json:"conversationId"`
}

type callRequest struct {
	CallID string `json:"callId"`
}

type signalRequest struct {
	Type         domain.SignalType `json:"type"`
	CallID       string            `json:"callId"`
	TargetUserID string            `json:"targetUserId,omitempty"`
	Data         json.RawMessage   `json:"data,omitempty"`
	SDP          json.RawMessage   `json:"sdp,omitempty"`
	Candidate    json.RawMessage   `json:"candidate,omitempty"`
}

// Gateway is the WebSocket endpoint. It owns connection lifecycle and turns
// inbound events into call service operations.
type Gateway struct {
	hub           *hub.Hub
	calls         *callService.Service
	conversations callService.ConversationRepository
	presence      Presence
	metrics       *metrics.Metrics

	upgrader       websocket.Upgrader
	maxConnections int
	semaphore      chan struct{}
}

// NewGateway creates the gateway. presence may be nil.
func NewGateway(
	h *hub.Hub,
	calls *callService.Service,
	conversations callService.ConversationRepository,
	presence Presence,
	m *metrics.Metrics,
	allowedOrigins []string,
	maxConnections int,
) *Gateway {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[origin] = struct{}{}
	}

	return &Gateway{
		hub:           h,
		calls:         calls,
		conversations: conversations,
		presence:      presence,
		metrics:       m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// browsers always send Origin; reject anything else
				_, ok := allowed[r.Header.Get("Origin")]
				return ok
			},
		},
		maxConnections: maxConnections,
		semaphore:      make(chan struct{}, maxConnections),
	}
}

// ServeWS upgrades an authenticated request into a connection
// GET /ws?token=...
func (g *Gateway) ServeWS(c *gin.Context) {
	select {
	case g.semaphore <- struct{}{}:
	default:
		logger.Warn("WebSocket connection rejected: max connections reached",
			zap.Int("max_connections", g.maxConnections))
		g.metrics.RecordWebSocketError("capacity")
		response.FromError(c, apperrors.ServiceUnavailableError("Server at capacity, please try again later"))
		return
	}

	userIDVal, exists := c.Get("user_id")
	userID, ok := userIDVal.(uuid.UUID)
	if !exists || !ok {
		<-g.semaphore
		response.FromError(c, apperrors.UnauthorizedError("Authentication required"))
		return
	}

	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		<-g.semaphore
		g.metrics.RecordWebSocketError("upgrade")
		logger.Warn("WebSocket upgrade failed",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		return
	}

	client := newClient(g, conn, userID)
	g.connect(client)

	go client.writePump()
	go client.readPump()
}

func (g *Gateway) connect(client *Client) {
	first := g.hub.Register(client)
	g.updatePresence(client.userID, client.id, true)

	logger.Info("WebSocket connected",
		zap.String("connection_id", client.id),
		zap.String("user_id", client.userID.String()),
		zap.Bool("first_connection", first))

	g.reply(client, EventConfirmation, gin.H{
		"connectionId": client.id,
		"userId":       client.userID,
	})
}

// disconnect leaves every channel. Calls the user takes part in are untouched.
func (g *Gateway) disconnect(client *Client) {
	_, last := g.hub.Unregister(client.id)
	client.close()
	<-g.semaphore

	g.updatePresence(client.userID, client.id, false)

	logger.Info("WebSocket disconnected",
		zap.String("connection_id", client.id),
		zap.String("user_id", client.userID.String()),
		zap.Bool("last_connection", last))
}

// PublishChatUpdate pushes new messages to everyone viewing the conversation
func (g *Gateway) PublishChatUpdate(conversationID uuid.UUID, messages interface{}) int {
	return g.hub.Broadcast(hub.ConversationChannel(conversationID), EventSendChatUpdate, messages)
}

// dispatch runs on the client's read goroutine, so one connection's events
// are handled in the order they arrived
func (g *Gateway) dispatch(client *Client, raw []byte) {
	var msg InboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		g.metrics.RecordWebSocketError("malformed")
		g.replyError(client, EventError, "", nil, apperrors.ValidationError("Malformed frame"))
		return
	}
	g.metrics.RecordWebSocketMessage(inboundLabel(msg.Event), "in")

	ctx, cancel := context.WithTimeout(
		logger.WithRequestID(context.Background(), client.id), constants.DefaultTimeout)
	defer cancel()

	var (
		result interface{}
		err    error
	)
	switch msg.Event {
	case EventConnection:
		g.reply(client, EventConfirmation, gin.H{"connectionId": client.id, "userId": client.userID})
		return
	case EventJoinChatRoom:
		result, err = g.joinChatRoom(ctx, client, msg.Data)
	case EventInitiateCall:
		result, err = g.initiateCall(ctx, client, msg.Data)
	case EventJoinCall:
		result, err = g.callAction(ctx, client, msg.Data, domain.CallActionAccept)
	case EventRejectCall:
		result, err = g.callAction(ctx, client, msg.Data, domain.CallActionReject)
	case EventEndCall:
		result, err = g.callAction(ctx, client, msg.Data, domain.CallActionEnd)
	case callService.EventWebRTCSignal:
		g.relaySignal(ctx, client, msg)
		return
	default:
		err = apperrors.ValidationError("Unknown event: " + msg.Event)
	}

	if err != nil {
		g.replyError(client, EventError, msg.AckID, nil, err)
		return
	}
	if msg.AckID != "" {
		g.reply(client, EventAck, AckPayload{AckID: msg.AckID, Data: result})
	}
}

func (g *Gateway) joinChatRoom(ctx context.Context, client *Client, data json.RawMessage) (interface{}, error) {
	conversationID, err := parseConversationID(data)
	if err != nil {
		return nil, apperrors.ValidationError("Invalid conversation ID")
	}

	conv, err := g.conversations.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if _, ok := conv.Member(client.userID); !ok {
		return nil, apperrors.ForbiddenError("Not a member of this conversation")
	}

	g.hub.Join(client.id, hub.ConversationChannel(conversationID))
	return gin.H{"conversationId": conversationID}, nil
}

func (g *Gateway) initiateCall(ctx context.Context, client *Client, data json.RawMessage) (interface{}, error) {
	var req initiateCallRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, apperrors.ValidationError("Invalid initiate-call payload")
	}
	conversationID, err := uuid.Parse(req.ConversationID)
	if err != nil {
		return nil, apperrors.ValidationError("Invalid conversation ID")
	}
	receiverID, err := uuid.Parse(req.ReceiverID)
	if err != nil {
		return nil, apperrors.ValidationError("Invalid receiver ID")
	}

	return g.calls.InitiateCall(ctx, &callService.InitiateCallInput{
		ConversationID: conversationID,
		CallerID:       client.userID,
		ReceiverID:     receiverID,
		Type:           req.Type,
	})
}

func (g *Gateway) callAction(ctx context.Context, client *Client, data json.RawMessage, action domain.CallAction) (interface{}, error) {
	var req callRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, apperrors.ValidationError("Invalid payload")
	}
	callID, err := uuid.Parse(req.CallID)
	if err != nil {
		return nil, apperrors.ValidationError("Invalid call ID")
	}

	return g.calls.ApplyAction(ctx, callID, action, callService.UserActor(client.userID, client.id))
}

// relaySignal reports failures as webrtc-error so the sender can tell a
// dropped signal from other errors
func (g *Gateway) relaySignal(ctx context.Context, client *Client, msg InboundMessage) {
	var req signalRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		g.replyError(client, EventWebRTCError, msg.AckID, nil, apperrors.ValidationError("Invalid webrtc-signal payload"))
		return
	}
	callID, err := uuid.Parse(req.CallID)
	if err != nil {
		g.replyError(client, EventWebRTCError, msg.AckID, nil, apperrors.ValidationError("Invalid call ID"))
		return
	}
	var target uuid.UUID
	if req.TargetUserID != "" {
		if target, err = uuid.Parse(req.TargetUserID); err != nil {
			g.replyError(client, EventWebRTCError, msg.AckID, &callID, apperrors.ValidationError("Invalid target user ID"))
			return
		}
	}

	delivered, err := g.calls.Relay(ctx, &callService.RelayInput{
		Signal: domain.Signal{
			Type:      req.Type,
			CallID:    callID,
			Data:      req.Data,
			SDP:       req.SDP,
			Candidate: req.Candidate,
		},
		FromUserID:   client.userID,
		TargetUserID: target,
	})
	if err != nil {
		g.replyError(client, EventWebRTCError, msg.AckID, &callID, err)
		return
	}
	if msg.AckID != "" {
		g.reply(client, EventAck, AckPayload{AckID: msg.AckID, Data: gin.H{"delivered": delivered}})
	}
}

func (g *Gateway) reply(client *Client, event string, payload interface{}) {
	if err := g.hub.DeliverTo(client.id, event, payload); err != nil {
		logger.Debug("Reply dropped",
			zap.String("connection_id", client.id),
			zap.String("event", event),
			zap.Error(err))
	}
}

// replyError never closes the connection; every failure is recoverable
func (g *Gateway) replyError(client *Client, event, ackID string, callID *uuid.UUID, err error) {
	appErr := apperrors.GetAppError(err)
	if appErr.Code == apperrors.ErrCodeInternal || appErr.Code == apperrors.ErrCodeDatabase {
		logger.Error("WebSocket event failed",
			zap.String("connection_id", client.id),
			zap.String("user_id", client.userID.String()),
			zap.Error(err))
	}

	g.metrics.RecordWebSocketError(string(appErr.Code))
	g.reply(client, event, ErrorPayload{
		Error:   true,
		Code:    string(appErr.Code),
		Message: appErr.Message,
		AckID:   ackID,
		CallID:  callID,
	})
}

func (g *Gateway) updatePresence(userID uuid.UUID, connID string, online bool) {
	if g.presence == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), constants.DefaultTimeout)
	defer cancel()

	var err error
	if online {
		err = g.presence.AddConnection(ctx, userID, connID)
	} else {
		err = g.presence.RemoveConnection(ctx, userID, connID)
	}
	if err != nil {
		logger.Warn("Failed to update presence",
			zap.String("user_id", userID.String()),
			zap.String("connection_id", connID),
			zap.Bool("online", online),
			zap.Error(err))
	}
}

func (g *Gateway) refreshPresence(userID uuid.UUID) {
	if g.presence == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), constants.DefaultTimeout)
	defer cancel()

	if err := g.presence.RefreshPresence(ctx, userID); err != nil {
		logger.Debug("Failed to refresh presence",
			zap.String("user_id", userID.String()),
			zap.Error(err))
	}
}

// inboundLabel keeps the metric's label set fixed; client-chosen names map to "unknown"
func inboundLabel(event string) string {
	switch event {
	case EventConnection, EventJoinChatRoom, EventInitiateCall, EventJoinCall,
		EventRejectCall, EventEndCall, callService.EventWebRTCSignal:
		return event
	default:
		return "unknown"
	}
}

// parseConversationID accepts either a bare id string or {"conversationId": id}
func parseConversationID(data json.RawMessage) (uuid.UUID, error) {
	var id string
	if err := json.Unmarshal(data, &id); err != nil {
		var body struct {
			ConversationID string `json:"conversationId"`
		}
		if err := json.Unmarshal(data, &body); err != nil {
			return uuid.Nil, err
		}
		id = body.ConversationID
	}
	return uuid.Parse(id)
}
