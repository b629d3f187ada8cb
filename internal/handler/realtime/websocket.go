package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cogtoolslab/cab-experiments/backend/internal/metrics"
	"github.com/cogtoolslab/cab-experiments/backend/internal/model/event"
	"github.com/cogtoolslab/cab-experiments/backend/internal/model/protocol"
)

const (
	pingInterval = 54 * time.Second
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
)

// SessionService 网关会话服务
type SessionService interface {
	StartSession(ctx context.Context, req protocol.GetStims) (protocol.Stims, error)
	Relay(env event.Envelope, size int)
}

// WebSocketHandler 实时通道处理器
type WebSocketHandler struct {
	sessions   SessionService
	logger     *zap.Logger
	metrics    *metrics.Gateway
	maxPayload int64
	upgrader   websocket.Upgrader
}

// NewWebSocketHandler 创建实时通道处理器
func NewWebSocketHandler(sessions SessionService, logger *zap.Logger, m *metrics.Gateway, maxPayload int64) *WebSocketHandler {
	return &WebSocketHandler{
		sessions:   sessions,
		logger:     logger,
		metrics:    m,
		maxPayload: maxPayload,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes 注册WebSocket路由
func (h *WebSocketHandler) RegisterRoutes(r chi.Router) {
	r.Get("/socket", h.handleWebSocket)
}

// socketConn serialises writes; gorilla allows one concurrent writer.
// gameID is the last session assigned on this connection, stamped onto data
// events that arrive without one.
type socketConn struct {
	conn *websocket.Conn
	mu   sync.Mutex

	idMu   sync.Mutex
	gameID string
}

func (c *socketConn) writeFrame(frame protocol.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(frame)
}

func (c *socketConn) assign(id string) {
	c.idMu.Lock()
	c.gameID = id
	c.idMu.Unlock()
}

func (c *socketConn) sessionID() string {
	c.idMu.Lock()
	defer c.idMu.Unlock()
	return c.gameID
}

// handleWebSocket 处理WebSocket连接
func (h *WebSocketHandler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	sc := &socketConn{conn: conn}

	h.metrics.ConnectionOpened()
	h.logger.Info("client connected", zap.String("remote", r.RemoteAddr))

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	var pending sync.WaitGroup
	defer func() {
		cancel()
		pending.Wait()
		conn.Close()
		h.metrics.ConnectionClosed()
		h.logger.Info("client disconnected", zap.String("remote", r.RemoteAddr))
	}()

	conn.SetReadLimit(h.maxPayload)
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	go h.pingLoop(ctx, conn)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Warn("websocket read error", zap.Error(err))
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))

		var frame protocol.Frame
		if err := json.Unmarshal(raw, &frame); err != nil || frame.Event == "" {
			h.sendError(sc, "malformed frame")
			continue
		}
		h.handleFrame(ctx, sc, &pending, frame, len(raw))
	}
}

func (h *WebSocketHandler) handleFrame(ctx context.Context, sc *socketConn, pending *sync.WaitGroup, frame protocol.Frame, size int) {
	switch frame.Event {
	case protocol.EventGetStims:
		var req protocol.GetStims
		if err := json.Unmarshal(frame.Data, &req); err != nil {
			h.logger.Warn("invalid getStims payload", zap.Error(err))
			return
		}
		pending.Add(1)
		go func() {
			defer pending.Done()
			h.handleGetStims(ctx, sc, req)
		}()
	case protocol.EventCurrentData:
		env, err := event.ParseEnvelope(frame.Data)
		if err != nil {
			h.logger.Warn("dropping data event", zap.Error(err), zap.Int("size", size))
			return
		}
		h.sessions.Relay(env.WithSession(sc.sessionID()), len(frame.Data))
	case protocol.EventHello:
		h.logger.Info("hello from client", zap.ByteString("data", frame.Data))
	default:
		h.sendError(sc, "unsupported event: "+frame.Event)
	}
}

// handleGetStims answers only on success; a failed fetch leaves the client
// waiting, as nothing useful can be sent back.
func (h *WebSocketHandler) handleGetStims(ctx context.Context, sc *socketConn, req protocol.GetStims) {
	stims, err := h.sessions.StartSession(ctx, req)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			h.logger.Warn("getStims failed", zap.String("project", req.ProjName), zap.String("experiment", req.ExpName), zap.Error(err))
		}
		return
	}
	sc.assign(stims.GameID)

	frame, err := protocol.NewFrame(protocol.EventStims, stims)
	if err != nil {
		h.logger.Error("encode stims failed", zap.Error(err))
		return
	}
	if err := sc.writeFrame(frame); err != nil {
		h.logger.Warn("write stims failed", zap.String("gameid", stims.GameID), zap.Error(err))
	}
}

func (h *WebSocketHandler) sendError(sc *socketConn, message string) {
	frame, err := protocol.NewFrame(protocol.EventError, protocol.ErrorPayload{Message: message})
	if err != nil {
		return
	}
	if err := sc.writeFrame(frame); err != nil {
		h.logger.Warn("write error frame failed", zap.Error(err))
	}
}

// pingLoop 定期发送ping消息
func (h *WebSocketHandler) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}
