package controllers

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/webster-ai/webster/models"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// SocketWriter serializes stream events onto a websocket connection.
// gorilla/websocket allows one concurrent writer, hence the mutex.
type SocketWriter struct {
	Conn   *websocket.Conn
	Logger *log.Logger
	mu     sync.Mutex
}

func (w *SocketWriter) WriteEvent(event models.Stream_Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.Conn.WriteJSON(event)
}

func (w *SocketWriter) Flush() {}

func (w *SocketWriter) WriteError(message string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.Conn.WriteJSON(map[string]string{"type": "error", "error": message})
}

// ChatSocket answers GET /ws/chat: one chat request JSON per client
// frame, answered with the same delta/sources/done events the NDJSON
// path uses. Grounded turns are answered from the non-streaming
// upstream call and replayed as events, so the client renders every
// turn through one uniform model.
func (cc *ChatController) ChatSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		cc.Logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	sessionID := uuid.NewString()[:8]
	logger := log.New(os.Stdout, fmt.Sprintf("[WS %s] ", sessionID), log.LstdFlags)
	writer := &SocketWriter{Conn: conn, Logger: logger}

	for {
		var request models.Chat_Request
		if err := conn.ReadJSON(&request); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Printf("WebSocket error: %v", err)
			}
			break
		}

		if err := cc.runSocketTurn(c, request, writer); err != nil {
			logger.Printf("Turn failed: %v", err)
			if writeErr := writer.WriteError(err.Error()); writeErr != nil {
				logger.Printf("Error writing error frame: %v", writeErr)
				break
			}
		}
	}

	logger.Printf("WebSocket session ended")
}

func (cc *ChatController) runSocketTurn(c *gin.Context, request models.Chat_Request, writer *SocketWriter) error {
	if request.UseWebSearch {
		response, err := cc.Relay.Respond(request)
		if err != nil {
			return err
		}
		if response.Answer != "" {
			if err := writer.WriteEvent(models.Delta_Event(response.Answer)); err != nil {
				return err
			}
		}
		if len(response.Sources) > 0 {
			if err := writer.WriteEvent(models.Sources_Event(response.Sources)); err != nil {
				return err
			}
		}
		return writer.WriteEvent(models.Done_Event())
	}

	return cc.Relay.Stream(c.Request.Context(), request, writer)
}
