package chat

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/liliang-cn/chatrelay/internal/domain"
	"github.com/liliang-cn/chatrelay/internal/relay"
	"github.com/liliang-cn/chatrelay/internal/service"
	"go.uber.org/zap"
)

const (
	wsHandshakeWait = 30 * time.Second
	stopTimeout     = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler handles chat streaming requests
type Handler struct {
	chatService *service.ChatService
	sinkTimeout time.Duration
	logger      *zap.Logger
}

// NewHandler creates a new chat handler
func NewHandler(chatService *service.ChatService, sinkTimeout time.Duration, logger *zap.Logger) *Handler {
	return &Handler{
		chatService: chatService,
		sinkTimeout: sinkTimeout,
		logger:      logger,
	}
}

// RegisterRoutes registers chat routes. limited wraps the endpoints that
// start upstream calls.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup, limited ...gin.HandlerFunc) {
	chain := func(handler gin.HandlerFunc) []gin.HandlerFunc {
		return append(append([]gin.HandlerFunc{}, limited...), handler)
	}

	r.GET("/chat/providers", h.Providers)
	r.POST("/chat/stream/:provider", chain(h.Stream)...)
	r.GET("/chat/ws", chain(h.WebSocket)...)
	r.POST("/chat/stop", h.Stop)
	r.POST("/workflow/resume", chain(h.Resume)...)
}

// Providers lists the available providers
func (h *Handler) Providers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"providers": h.chatService.Providers()})
}

// Stream relays a chat turn as server-sent events
func (h *Handler) Stream(c *gin.Context) {
	var req domain.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sink := relay.NewSSESink(c.Writer, h.sinkTimeout)
	if _, err := h.chatService.StartChat(c.Request.Context(), c.Param("provider"), &req, sink); err != nil {
		h.reject(c, sink, err)
		return
	}
	h.hold(c, sink)
}

// Resume continues a workflow after an interrupt event, as server-sent events
func (h *Handler) Resume(c *gin.Context) {
	var req domain.ResumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sink := relay.NewSSESink(c.Writer, h.sinkTimeout)
	if _, err := h.chatService.ResumeWorkflow(c.Request.Context(), &req, sink); err != nil {
		h.reject(c, sink, err)
		return
	}
	h.hold(c, sink)
}

// hold keeps the response open until the relay completes the sink. A client
// that leaves early detaches; the relay keeps collecting the upstream.
func (h *Handler) hold(c *gin.Context, sink *relay.SSESink) {
	select {
	case <-sink.Done():
	case <-c.Request.Context().Done():
		sink.Detach()
	}
}

// reject answers a stream request that never started. The sink is detached so
// its timer is released, and the event-stream content type it set is reset.
func (h *Handler) reject(c *gin.Context, sink *relay.SSESink, err error) {
	sink.Detach()
	c.Writer.Header().Del("Content-Type")
	c.JSON(errorStatus(err), gin.H{"error": err.Error()})
}

// Stop asks the relay holding a stream to stop generating
func (h *Handler) Stop(c *gin.Context) {
	streamID := c.Query("streamId")
	if streamID == "" {
		var req domain.StopRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "streamId is required"})
			return
		}
		streamID = req.StreamID
	}

	if err := h.chatService.StopStream(c.Request.Context(), streamID); err != nil {
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopping", "streamId": streamID})
}

type wsChatFrame struct {
	Provider string `json:"provider"`
	domain.ChatRequest
}

type wsControlFrame struct {
	Action string `json:"action"`
}

// WebSocket relays a chat turn over a websocket. The first frame is the chat
// request; a later {"action":"stop"} frame stops generation.
func (h *Handler) WebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var frame wsChatFrame
	_ = conn.SetReadDeadline(time.Now().Add(wsHandshakeWait))
	if err := conn.ReadJSON(&frame); err != nil {
		h.logger.Debug("Websocket closed before chat request", zap.Error(err))
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	sink := relay.NewWSSink(conn, h.sinkTimeout)
	if frame.ChatID == "" {
		sink.CompleteWithError("chatId is required")
		return
	}
	started, err := h.chatService.StartChat(c.Request.Context(), frame.Provider, &frame.ChatRequest, sink)
	if err != nil {
		sink.CompleteWithError(err.Error())
		return
	}

	readErr := make(chan error, 1)
	go func() {
		for {
			var ctrl wsControlFrame
			if err := conn.ReadJSON(&ctrl); err != nil {
				readErr <- err
				return
			}
			if !strings.EqualFold(ctrl.Action, "stop") {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
			if err := h.chatService.StopStream(ctx, started.StreamID); err != nil {
				h.logger.Warn("Websocket stop failed", zap.String("stream_id", started.StreamID), zap.Error(err))
			}
			cancel()
		}
	}()

	select {
	case <-sink.Done():
	case <-readErr:
		sink.Detach()
	}
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidRequest), errors.Is(err, domain.ErrEmptyMessage):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrUnknownProvider), errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
