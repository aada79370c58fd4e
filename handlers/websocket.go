package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"flextasker/realtime-gateway/middleware"
	"flextasker/realtime-gateway/services"
	"flextasker/realtime-gateway/utils"
)

type WebSocketOptions struct {
	AllowedOrigins  []string
	MaxMessageBytes int64
	PingInterval    time.Duration
	PongWait        time.Duration
	WriteWait       time.Duration
}

// WebSocketHandler authenticates the handshake, upgrades the connection and
// runs one read and one write pump per session.
type WebSocketHandler struct {
	gateway    *services.Gateway
	dispatcher *services.Dispatcher
	upgrader   websocket.Upgrader
	opts       WebSocketOptions
	logger     *utils.Logger
}

func NewWebSocketHandler(gateway *services.Gateway, dispatcher *services.Dispatcher, opts WebSocketOptions, logger *utils.Logger) *WebSocketHandler {
	if opts.PongWait <= 0 {
		opts.PongWait = 60 * time.Second
	}
	if opts.PingInterval <= 0 || opts.PingInterval >= opts.PongWait {
		opts.PingInterval = opts.PongWait * 9 / 10
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = 10 * time.Second
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = 64 << 10
	}
	h := &WebSocketHandler{
		gateway:    gateway,
		dispatcher: dispatcher,
		opts:       opts,
		logger:     logger,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range h.opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) || strings.EqualFold(allowed, u.Host) {
			return true
		}
	}
	return false
}

// Handle serves GET /ws.
func (h *WebSocketHandler) Handle(c *gin.Context) {
	meta := services.TransportMeta{
		IP:        c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
		Platform:  platform(c.Request),
	}

	// Handshake failures are answered over plain HTTP, before any upgrade.
	session, err := h.gateway.Connect(c.Request.Context(), middleware.ExtractToken(c.Request), meta)
	if err != nil {
		ee := services.AsEventError(err)
		if ee.RetryAfter > 0 {
			c.Header("Retry-After", strconv.Itoa(int(ee.RetryAfter.Round(time.Second).Seconds())))
		}
		c.AbortWithStatusJSON(handshakeStatus(ee), gin.H{
			"error": ee.Message,
			"type":  ee.Type,
		})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		session.Logger().Warn("WebSocket upgrade failed", "error", err)
		h.gateway.Disconnect(context.Background(), session, err)
		return
	}

	go h.writePump(conn, session)
	h.readPump(conn, session)
}

func (h *WebSocketHandler) readPump(conn *websocket.Conn, s *services.Session) {
	var reason error
	defer func() {
		h.gateway.Disconnect(context.Background(), s, reason)
	}()

	conn.SetReadLimit(h.opts.MaxMessageBytes)
	conn.SetReadDeadline(time.Now().Add(h.opts.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.opts.PongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				s.Logger().Warn("WebSocket read failed", "error", err)
			}
			reason = err
			return
		}
		h.dispatcher.Handle(context.Background(), s, raw)
		if s.Closed() {
			return
		}
	}
}

func (h *WebSocketHandler) writePump(conn *websocket.Conn, s *services.Session) {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case frame := <-s.Outbound():
			conn.SetWriteDeadline(time.Now().Add(h.opts.WriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				h.gateway.Disconnect(context.Background(), s, err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(h.opts.WriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.gateway.Disconnect(context.Background(), s, err)
				return
			}
		case <-s.Done():
			h.flush(conn, s)
			code, text := closeCode(s.CloseReason())
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, text),
				time.Now().Add(h.opts.WriteWait))
			return
		}
	}
}

// flush writes frames queued before the session closed, such as the error
// explaining a forced disconnect.
func (h *WebSocketHandler) flush(conn *websocket.Conn, s *services.Session) {
	for {
		select {
		case frame := <-s.Outbound():
			conn.SetWriteDeadline(time.Now().Add(h.opts.WriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func handshakeStatus(ee *services.EventError) int {
	switch {
	case errors.Is(ee, services.ErrAuthentication):
		return http.StatusUnauthorized
	case errors.Is(ee, services.ErrRateLimitExceeded):
		return http.StatusTooManyRequests
	case errors.Is(ee, services.ErrValidation):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func closeCode(reason error) (int, string) {
	var ee *services.EventError
	switch {
	case reason == nil:
		return websocket.CloseNormalClosure, ""
	case errors.Is(reason, services.ErrRateLimitExceeded):
		return websocket.ClosePolicyViolation, "rate limit exceeded"
	case errors.As(reason, &ee) && errors.Is(ee, services.ErrInternal):
		return websocket.CloseInternalServerErr, "internal error"
	default:
		return websocket.CloseNormalClosure, ""
	}
}

const maxPlatformLen = 64

func platform(r *http.Request) string {
	p := r.URL.Query().Get("platform")
	if p == "" {
		p = r.Header.Get("X-Client-Platform")
	}
	if p == "" {
		return "web"
	}
	if len(p) > maxPlatformLen {
		p = p[:maxPlatformLen]
	}
	return p
}
