// Package controllers exposes the relay over HTTP and WebSocket.
package controllers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/webster-ai/webster/models"
	"github.com/webster-ai/webster/models/gemini"
	"github.com/webster-ai/webster/relay"
	"github.com/webster-ai/webster/stores"
)

type ChatController struct {
	Relay  *relay.Relay
	Store  stores.MessageStore
	Logger *log.Logger
}

func NewChatController(r *relay.Relay, store stores.MessageStore) *ChatController {
	return &ChatController{
		Relay:  r,
		Store:  store,
		Logger: log.New(os.Stdout, "[HTTP] ", log.LstdFlags),
	}
}

// RegisterRoutes attaches all chat endpoints to the router.
func (cc *ChatController) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	api.POST("/chat", cc.Chat)
	api.GET("/conversations", cc.ListConversations)
	api.GET("/chat/history/:conversationID", cc.History)
	api.DELETE("/chat/history/:conversationID", cc.DeleteHistory)
	router.GET("/ws/chat", cc.ChatSocket)
}

// Chat answers POST /api/chat. Grounded requests always get a single
// JSON document even when the client asked to stream; plain requests
// with stream=true get NDJSON.
func (cc *ChatController) Chat(c *gin.Context) {
	var request models.Chat_Request
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, models.Error_Response{Error: "invalid request body: " + err.Error()})
		return
	}

	if request.Stream && !request.UseWebSearch {
		writer := &ndjsonWriter{context: c}
		if err := cc.Relay.Stream(c.Request.Context(), request, writer); err != nil {
			if !writer.wrote {
				// Failure was detected before any NDJSON byte went out,
				// so it can still be a plain JSON error document.
				cc.respondError(c, err)
				return
			}
			// Bytes are already on the wire; all we can do is stop.
			cc.Logger.Printf("Stream aborted mid-flight: %v", err)
		}
		return
	}

	response, err := cc.Relay.Respond(request)
	if err != nil {
		cc.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, response)
}

// History answers GET /api/chat/history/:conversationID.
func (cc *ChatController) History(c *gin.Context) {
	conversationID := c.Param("conversationID")

	dbHistory, err := cc.Store.FetchHistory(conversationID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.Error_Response{Error: err.Error()})
		return
	}

	history := make([]models.Chat_Message, 0, len(dbHistory))
	for _, msg := range dbHistory {
		chatMsg := models.Chat_Message{
			Role:        msg.Role,
			Content:     msg.Content,
			IsWebSearch: msg.WebSearch,
		}
		if msg.SourcesJSON != "" {
			if err := json.Unmarshal([]byte(msg.SourcesJSON), &chatMsg.Sources); err != nil {
				cc.Logger.Printf("Error unmarshalling sources for message %d: %v", msg.ID, err)
			}
		}
		history = append(history, chatMsg)
	}

	c.JSON(http.StatusOK, gin.H{"history": history})
}

// ListConversations answers GET /api/conversations.
func (cc *ChatController) ListConversations(c *gin.Context) {
	conversations, err := cc.Store.ListConversations()
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.Error_Response{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": conversations})
}

// DeleteHistory answers DELETE /api/chat/history/:conversationID.
func (cc *ChatController) DeleteHistory(c *gin.Context) {
	conversationID := c.Param("conversationID")

	if err := cc.Store.DeleteConversation(conversationID); err != nil {
		c.JSON(http.StatusInternalServerError, models.Error_Response{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": conversationID})
}

// respondError maps relay errors onto the JSON error contract.
func (cc *ChatController) respondError(c *gin.Context, err error) {
	if errors.Is(err, relay.ErrEmptyQuery) {
		c.JSON(http.StatusBadRequest, models.Error_Response{
			Error: err.Error(),
			Hint:  "query must be non-empty after trimming whitespace",
		})
		return
	}

	var upstreamErr *gemini.Upstream_Error
	if errors.As(err, &upstreamErr) {
		c.JSON(http.StatusBadGateway, models.Error_Response{Error: upstreamErr.Message})
		return
	}

	c.JSON(http.StatusInternalServerError, models.Error_Response{Error: err.Error()})
}

// ndjsonWriter writes stream events as NDJSON lines on a gin response.
// Header and status go out lazily with the first event so that
// pre-stream failures can still be returned as a JSON error document.
type ndjsonWriter struct {
	context *gin.Context
	wrote   bool
}

func (w *ndjsonWriter) WriteEvent(event models.Stream_Event) error {
	if !w.wrote {
		w.context.Header("Content-Type", "application/x-ndjson")
		w.context.Status(http.StatusOK)
		w.wrote = true
	}
	line, err := json.Marshal(event)
	if err != nil {
		return err
	}
	line = append(line, '\n')
	_, err = w.context.Writer.Write(line)
	return err
}

func (w *ndjsonWriter) Flush() {
	w.context.Writer.Flush()
}
