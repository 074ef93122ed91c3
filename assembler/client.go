package assembler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/webster-ai/webster/models"
)

// ErrPending is returned when a dispatch is attempted while a prior
// request is still in flight. Pending is a mutual-exclusion gate:
// there is never more than one in-progress answer.
var ErrPending = errors.New("a request is already pending")

// Fixed fallback texts shown in place of the model answer when the
// relay cannot be reached or rejects the request. No retry is made.
const (
	FallbackRateLimited = "The service is currently rate limited or out of quota. Please wait a moment before asking again."
	FallbackGeneric     = "Something went wrong while fetching the answer. Please try again."
)

// Rate limiting is recognized by a text match over the error message.
// Fragile, but the upstream exposes no structured code for it yet.
var rateLimitPattern = regexp.MustCompile(`(?i)429|quota|rate limit`)

// IsRateLimited reports whether an error message looks like a rate
// limit or quota rejection.
func IsRateLimited(message string) bool {
	return rateLimitPattern.MatchString(message)
}

// FallbackMessage builds the model-role message shown when a request
// failed, distinguishing rate/quota exhaustion from generic failure.
func FallbackMessage(err error) models.Chat_Message {
	content := FallbackGeneric
	if err != nil && IsRateLimited(err.Error()) {
		content = FallbackRateLimited
	}
	return models.Chat_Message{Role: "model", Content: content}
}

// UpdateFunc receives the in-progress message after every applied
// event, in event order.
type UpdateFunc func(message models.Chat_Message)

// Client talks to the relay and assembles its responses.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     *log.Logger

	pending atomic.Bool
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 5 * time.Minute},
		Logger:     log.New(os.Stdout, "[ASSEMBLER] ", log.LstdFlags),
	}
}

// Pending reports whether a request is currently in flight.
func (c *Client) Pending() bool {
	return c.pending.Load()
}

// Send dispatches one chat request and assembles the answer. For
// NDJSON responses onUpdate is called after every event; for single
// JSON documents the message is built atomically. On failure the
// returned message is the fixed fallback text and the error describes
// the cause; the pending gate is always released.
func (c *Client) Send(ctx context.Context, request models.Chat_Request, onUpdate UpdateFunc) (models.Chat_Message, error) {
	if !c.pending.CompareAndSwap(false, true) {
		return models.Chat_Message{}, ErrPending
	}
	defer c.pending.Store(false)

	body, err := json.Marshal(request)
	if err != nil {
		return FallbackMessage(err), fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return FallbackMessage(err), fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return FallbackMessage(err), fmt.Errorf("relay unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.failedResponse(resp)
	}

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/x-ndjson") {
		return c.assembleStream(resp.Body, request.UseWebSearch, onUpdate)
	}
	return c.assembleDocument(resp.Body, request.UseWebSearch, onUpdate)
}

// failedResponse turns a non-2xx relay answer into a fallback message,
// using the error document's message when the body is JSON.
func (c *Client) failedResponse(resp *http.Response) (models.Chat_Message, error) {
	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	message := ""
	var errDoc models.Error_Response
	if err := json.Unmarshal(bodyBytes, &errDoc); err == nil && errDoc.Error != "" {
		message = errDoc.Error
	} else {
		message = string(bodyBytes)
	}

	err := fmt.Errorf("relay returned %d: %s", resp.StatusCode, message)
	return FallbackMessage(err), err
}

// assembleStream consumes an NDJSON body. Malformed lines are skipped
// without aborting; a trailing fragment at EOF is parsed if complete
// and discarded otherwise.
func (c *Client) assembleStream(body io.Reader, webSearch bool, onUpdate UpdateFunc) (models.Chat_Message, error) {
	acc := NewAccumulator(webSearch)
	var lineBuf LineBuffer
	chunk := make([]byte, 4096)

	for !acc.Done() {
		n, readErr := body.Read(chunk)
		if n > 0 {
			for _, line := range lineBuf.Feed(chunk[:n]) {
				c.applyLine(acc, line, onUpdate)
				if acc.Done() {
					break
				}
			}
		}
		if readErr == io.EOF {
			if rest := lineBuf.Rest(); len(rest) > 0 && !acc.Done() {
				c.applyLine(acc, rest, onUpdate)
			}
			break
		}
		if readErr != nil {
			// Transport died mid-stream; keep whatever was assembled.
			return acc.Finalize(), fmt.Errorf("stream read failed: %w", readErr)
		}
	}

	return acc.Finalize(), nil
}

func (c *Client) applyLine(acc *Accumulator, line []byte, onUpdate UpdateFunc) {
	if len(bytes.TrimSpace(line)) == 0 {
		return
	}
	event, err := models.Decode_Stream_Event(line)
	if err != nil {
		// One bad line must not lose the rest of the answer.
		c.Logger.Printf("Skipping unparseable stream line: %v", err)
		return
	}
	acc.Apply(event)
	if onUpdate != nil {
		onUpdate(acc.Snapshot())
	}
}

// assembleDocument converts a single JSON answer document into a
// finalized message, no placeholder phase.
func (c *Client) assembleDocument(body io.Reader, webSearch bool, onUpdate UpdateFunc) (models.Chat_Message, error) {
	var response models.Chat_Response
	if err := json.NewDecoder(body).Decode(&response); err != nil {
		wrapped := fmt.Errorf("relay returned a malformed body: %w", err)
		return FallbackMessage(wrapped), wrapped
	}

	message := models.Chat_Message{
		Role:        "model",
		Content:     response.Answer,
		Sources:     models.Dedupe_Sources(response.Sources),
		IsWebSearch: webSearch,
	}
	if onUpdate != nil {
		onUpdate(message)
	}
	return message, nil
}
