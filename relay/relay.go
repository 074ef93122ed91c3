// Package relay forwards chat requests to the generation API and
// republishes the answer, either as one JSON document or as an NDJSON
// event stream. It is stateless per request: prompts are built only
// from the history the client supplied.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/webster-ai/webster/models"
	"github.com/webster-ai/webster/stores"
)

// ErrEmptyQuery is returned when the query is empty after trimming.
// No upstream call is made in that case.
var ErrEmptyQuery = errors.New("query must not be empty")

// Upstream is the generation API contract the relay forwards to. The
// streaming call must honor ctx: when it is cancelled the producer
// stops sending and closes both channels.
type Upstream interface {
	Model_Request(turns []models.Prompt_Turn, grounded bool) (models.Chat_Response, error)
	Stream_Model_Request(ctx context.Context, turns []models.Prompt_Turn) (<-chan models.Answer_Chunk, <-chan error)
}

// EventWriter receives the NDJSON events of a streaming response.
type EventWriter interface {
	WriteEvent(event models.Stream_Event) error
	Flush()
}

// Relay is safe for concurrent use; it holds no per-request state.
type Relay struct {
	Upstream Upstream
	// Store optionally archives finished exchanges for the history
	// endpoints. It is never read while answering.
	Store  stores.MessageStore
	Logger *log.Logger
}

func NewRelay(upstream Upstream, store stores.MessageStore) *Relay {
	return &Relay{
		Upstream: upstream,
		Store:    store,
		Logger:   log.New(os.Stdout, "[RELAY] ", log.LstdFlags),
	}
}

// BuildPrompt validates the request and produces the ordered prompt:
// filtered history followed by the query as the final user turn.
func (r *Relay) BuildPrompt(request models.Chat_Request) ([]models.Prompt_Turn, error) {
	if strings.TrimSpace(request.Query) == "" {
		return nil, ErrEmptyQuery
	}
	turns := models.Filter_History(request.History)
	turns = append(turns, models.Prompt_Turn{Role: "user", Content: request.Query})
	return turns, nil
}

// Respond handles the non-streaming paths: grounded requests always
// land here (citations are only reliable on the non-streaming upstream
// call), as do plain requests without the stream flag.
func (r *Relay) Respond(request models.Chat_Request) (models.Chat_Response, error) {
	turns, err := r.BuildPrompt(request)
	if err != nil {
		return models.Chat_Response{}, err
	}

	response, err := r.Upstream.Model_Request(turns, request.UseWebSearch)
	if err != nil {
		return models.Chat_Response{}, err
	}

	r.archive(request, models.Chat_Message{
		Role:        "model",
		Content:     response.Answer,
		Sources:     response.Sources,
		IsWebSearch: request.UseWebSearch,
	})
	return response, nil
}

// Stream handles the live NDJSON path. Each upstream chunk becomes a
// delta event for its text and a sources event when it carried
// citations; exactly one done event terminates the stream. Upstream
// failure surfaces as the returned error before any event is written,
// since it is detected from the initial upstream response status.
func (r *Relay) Stream(ctx context.Context, request models.Chat_Request, writer EventWriter) error {
	turns, err := r.BuildPrompt(request)
	if err != nil {
		return err
	}

	chunkChan, errChan := r.Upstream.Stream_Model_Request(ctx, turns)

	var answer strings.Builder
	var sources []models.Source

	for {
		select {
		case chunk, ok := <-chunkChan:
			if !ok {
				chunkChan = nil
				break
			}
			if chunk.Text != "" {
				answer.WriteString(chunk.Text)
				if err := writer.WriteEvent(models.Delta_Event(chunk.Text)); err != nil {
					return fmt.Errorf("error writing delta event: %w", err)
				}
			}
			if len(chunk.Sources) > 0 {
				// Latest citation set wins; the event replaces, never merges.
				sources = chunk.Sources
				if err := writer.WriteEvent(models.Sources_Event(chunk.Sources)); err != nil {
					return fmt.Errorf("error writing sources event: %w", err)
				}
			}
			writer.Flush()

		case err, ok := <-errChan:
			if ok && err != nil {
				return err
			}
			if !ok {
				errChan = nil
			}

		case <-ctx.Done():
			r.Logger.Printf("Stream client disconnected")
			return ctx.Err()
		}

		if chunkChan == nil && errChan == nil {
			break
		}
	}

	if err := writer.WriteEvent(models.Done_Event()); err != nil {
		return fmt.Errorf("error writing done event: %w", err)
	}
	writer.Flush()

	r.archive(request, models.Chat_Message{
		Role:    "model",
		Content: answer.String(),
		Sources: sources,
	})
	return nil
}

// archive records a finished exchange when the client asked for it.
// Failures are logged, never surfaced: archival is best-effort and the
// answer has already been produced.
func (r *Relay) archive(request models.Chat_Request, answer models.Chat_Message) {
	if r.Store == nil || request.Conversation_ID == "" {
		return
	}
	if err := r.Store.SaveMessage(request.Conversation_ID, "user", request.Query, nil, request.UseWebSearch); err != nil {
		r.Logger.Printf("Error archiving user message: %v", err)
		return
	}
	if err := r.Store.SaveMessage(request.Conversation_ID, "model", answer.Content, answer.Sources, answer.IsWebSearch); err != nil {
		r.Logger.Printf("Error archiving model message: %v", err)
	}
}
