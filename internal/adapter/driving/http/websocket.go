package httphandler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/FredrikElliot/ha-nimly-manager/internal/application"
)

// WebSocket command types understood on /api/websocket.
const (
	wsTypeList           = "nimlykoder/list"
	wsTypeAdd            = "nimlykoder/add"
	wsTypeRemove         = "nimlykoder/remove"
	wsTypeUpdateExpiry   = "nimlykoder/update_expiry"
	wsTypeSuggestSlots   = "nimlykoder/suggest_slots"
	wsTypeConfig         = "nimlykoder/config"
	wsTypeCleanupExpired = "nimlykoder/cleanup_expired"
)

// wsFrame is the envelope of every incoming command. The command's own
// fields sit next to id and type in the same object.
type wsFrame struct {
	ID   int    `json:"id"`
	Type string `json:"type"`
}

// wsResult is the reply to one command.
type wsResult struct {
	ID      int        `json:"id"`
	Type    string     `json:"type"`
	Success bool       `json:"success"`
	Result  any        `json:"result,omitempty"`
	Error   *errorBody `json:"error,omitempty"`
}

// WebSocket serves the panel's command channel. Commands on one connection
// are handled concurrently; replies carry the command id.
type WebSocket struct {
	requests *application.RequestHandler
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewWebSocket creates the WebSocket endpoint.
func NewWebSocket(requests *application.RequestHandler, logger *slog.Logger) *WebSocket {
	return &WebSocket{
		requests: requests,
		logger:   logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// wsConn serializes writes to one connection.
type wsConn struct {
	conn   *websocket.Conn
	logger *slog.Logger

	mu sync.Mutex
}

func (c *wsConn) send(msg wsResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.WriteJSON(msg); err != nil {
		c.logger.Warn("websocket send failed", "id", msg.ID, "error", err)
	}
}

// ServeHTTP upgrades the request and reads commands until the client leaves.
func (s *WebSocket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	logger := s.logger.With("conn", uuid.NewString())
	logger.Info("websocket connected", "remote", r.RemoteAddr)

	c := &wsConn{conn: conn, logger: logger}
	var wg sync.WaitGroup
	defer func() {
		wg.Wait()
		_ = conn.Close()
		logger.Info("websocket disconnected")
	}()

	// Commands outlive the upgrade request once they reach the lock.
	ctx := context.WithoutCancel(r.Context())

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("websocket read ended", "error", err)
			}
			return
		}

		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.send(errorResult(0, codeInvalidInput, "invalid frame"))
			continue
		}

		req, err := decodeCommand(frame.Type, data)
		if err != nil {
			code := codeInvalidInput
			if errors.Is(err, errUnknownCommand) {
				code = codeUnknownCommand
			}
			c.send(errorResult(frame.ID, code, err.Error()))
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			c.send(s.handle(ctx, logger, frame.ID, req))
		}()
	}
}

func (s *WebSocket) handle(ctx context.Context, logger *slog.Logger, id int, req application.Request) wsResult {
	resp, err := s.requests.Handle(ctx, req)
	if err != nil {
		code, status, message := errorCode(err)
		if status >= http.StatusInternalServerError {
			logger.Error("websocket command failed", "id", id, "code", code, "error", err)
		}
		return errorResult(id, code, message)
	}

	return wsResult{ID: id, Type: "result", Success: true, Result: resp}
}

func errorResult(id int, code, message string) wsResult {
	return wsResult{
		ID:      id,
		Type:    "result",
		Success: false,
		Error:   &errorBody{Code: code, Message: message},
	}
}

var errUnknownCommand = errors.New("unknown command")

// decodeCommand turns a frame into the request variant named by its type.
func decodeCommand(typ string, data []byte) (application.Request, error) {
	switch typ {
	case wsTypeList:
		return application.ListRequest{}, nil
	case wsTypeConfig:
		return application.ConfigRequest{}, nil
	case wsTypeCleanupExpired:
		return application.CleanupExpiredRequest{}, nil
	case wsTypeAdd:
		var req application.AddRequest
		return decodeFields(data, &req)
	case wsTypeRemove:
		var req application.RemoveRequest
		return decodeFields(data, &req)
	case wsTypeUpdateExpiry:
		var req application.UpdateExpiryRequest
		return decodeFields(data, &req)
	case wsTypeSuggestSlots:
		var req application.SuggestSlotsRequest
		return decodeFields(data, &req)
	default:
		return nil, fmt.Errorf("%w: %q", errUnknownCommand, typ)
	}
}

func decodeFields[T application.Request](data []byte, req *T) (application.Request, error) {
	if err := json.Unmarshal(data, req); err != nil {
		return nil, fmt.Errorf("invalid command fields: %w", err)
	}
	return *req, nil
}
