package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/LanternOps/breeze-sub012/internal/auth"
	"github.com/LanternOps/breeze-sub012/internal/sanitize"
	"github.com/LanternOps/breeze-sub012/pkg/models"
)

const (
	wsMaxPayloadBytes = 1 << 20
	wsPingInterval    = 15 * time.Second
	wsPongWait        = 45 * time.Second
	wsWriteWait       = 10 * time.Second
)

// Inbound frame types. An empty type is a message.
const (
	frameMessage  = "message"
	frameApproval = "approval"
)

// Outbound frame type acknowledging an approval decision.
const frameApprovalResult = "approval_result"

var errTurnQueued = errors.New("Another message is already waiting to be processed")

type wsInbound struct {
	Type        string              `json:"type,omitempty"`
	Text        string              `json:"text,omitempty"`
	PageContext *models.PageContext `json:"pageContext,omitempty"`
	ExecutionID string              `json:"executionId,omitempty"`
	Approved    bool                `json:"approved,omitempty"`
}

type wsApprovalResult struct {
	Type        string                     `json:"type"`
	ExecutionID string                     `json:"execution_id"`
	Status      models.ToolExecutionStatus `json:"status"`
}

type wsMessage struct {
	text string
	page *models.PageContext
}

// wsConn serializes writes to one connection.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteJSON(v)
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

// handleStream upgrades to a WebSocket bound to one session. Each message
// frame runs a turn whose events are written back as JSON frames; approval
// frames are handled while a turn waits on them. Turns run one at a time.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	ac := authContext(r)
	sessionID := r.PathValue("id")
	if _, err := s.service.GetSession(r.Context(), sessionID, ac); err != nil {
		s.writeError(w, r, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader already wrote the failure response.
		s.logger.DebugContext(r.Context(), "websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// Hijacked connections outlive the request context.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()
	ctx = logContext(ctx, r, sessionID)

	c := &wsConn{conn: conn}
	// One message may wait behind the running turn.
	messages := make(chan wsMessage, 1)

	conn.SetReadLimit(wsMaxPayloadBytes)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	go s.wsPing(ctx, c)
	go func() {
		defer cancel()
		defer close(messages)
		s.wsRead(ctx, c, ac, messages)
	}()

	for msg := range messages {
		for event := range s.service.SendMessage(ctx, sessionID, msg.text, ac, msg.page) {
			if err := c.writeJSON(event); err != nil {
				s.logger.DebugContext(ctx, "websocket write failed", "error", err)
				cancel()
			}
		}
	}
	s.logger.DebugContext(ctx, "websocket closed")
}

func (s *Server) wsRead(ctx context.Context, c *wsConn, ac *auth.Context, messages chan<- wsMessage) {
	for {
		var frame wsInbound
		if err := c.conn.ReadJSON(&frame); err != nil {
			var (
				syntaxErr *json.SyntaxError
				typeErr   *json.UnmarshalTypeError
			)
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				_ = c.writeJSON(models.ErrorEvent("Invalid message frame"))
				continue
			}
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.DebugContext(ctx, "websocket read failed", "error", err)
			}
			return
		}

		switch strings.ToLower(strings.TrimSpace(frame.Type)) {
		case "", frameMessage:
			select {
			case messages <- wsMessage{text: frame.Text, page: frame.PageContext}:
			default:
				_ = c.writeJSON(models.ErrorEvent(errTurnQueued.Error()))
			}
		case frameApproval:
			exec, err := s.service.HandleApproval(ctx, frame.ExecutionID, frame.Approved, ac)
			if err != nil {
				_ = c.writeJSON(models.ErrorEvent(sanitize.ErrorForClient(err)))
				continue
			}
			_ = c.writeJSON(wsApprovalResult{Type: frameApprovalResult, ExecutionID: exec.ID, Status: exec.Status})
		default:
			_ = c.writeJSON(models.ErrorEvent("Unknown frame type"))
		}
	}
}

func (s *Server) wsPing(ctx context.Context, c *wsConn) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				return
			}
		}
	}
}
