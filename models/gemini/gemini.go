package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/webster-ai/webster/models"
)

const default_base_url = "https://generativelanguage.googleapis.com/v1beta"

func init() {
	// Load .env file if it exists (not present in production)
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}
}

// Upstream_Error is a non-2xx answer from the generation API. Message
// is the upstream's own error message when the body was parseable,
// otherwise a status-derived one.
type Upstream_Error struct {
	StatusCode int
	Message    string
}

func (e *Upstream_Error) Error() string {
	return fmt.Sprintf("upstream returned %d: %s", e.StatusCode, e.Message)
}

type Gemini_Model struct {
	Model        string `json:"model"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	// BaseURL overrides the Google endpoint, used by tests.
	BaseURL string `json:"-"`
}

func (g *Gemini_Model) base_url() string {
	if g.BaseURL != "" {
		return g.BaseURL
	}
	return default_base_url
}

func (g *Gemini_Model) model_name() string {
	if g.Model != "" {
		return g.Model
	}
	return "gemini-2.0-flash"
}

// Model_Request performs one non-streaming generation call. With
// grounded set, the google_search tool is attached and the response
// carries deduplicated web citations.
func (g *Gemini_Model) Model_Request(turns []models.Prompt_Turn, grounded bool) (models.Chat_Response, error) {
	request_body, err := create_gemini_request(turns, grounded, g.SystemPrompt)
	if err != nil {
		return models.Chat_Response{}, fmt.Errorf("failed to create gemini request: %w", err)
	}

	jsonBytes, err := json.Marshal(request_body)
	if err != nil {
		return models.Chat_Response{}, fmt.Errorf("failed to marshal request body: %w", err)
	}

	response, err := g.make_request(string(jsonBytes))
	if err != nil {
		return models.Chat_Response{}, err
	}

	sources := extract_sources(response)
	if sources == nil {
		sources = []models.Source{}
	}
	return models.Chat_Response{
		Answer:  extract_text(response),
		Sources: sources,
	}, nil
}

// Stream_Model_Request performs a streaming generation call and
// converts each upstream chunk to an Answer_Chunk. The error channel
// carries at most one error; failures are detected from the initial
// response status before any chunk is emitted. Cancelling ctx aborts
// the upstream read and unblocks the producer so the goroutines and
// the HTTP connection are released when the consumer stops early.
func (g *Gemini_Model) Stream_Model_Request(ctx context.Context, turns []models.Prompt_Turn) (<-chan models.Answer_Chunk, <-chan error) {
	request_body, err := create_gemini_request(turns, false, g.SystemPrompt)
	if err != nil {
		errChan := make(chan error, 1)
		errChan <- fmt.Errorf("failed to create gemini stream request body: %w", err)
		close(errChan)
		respChan := make(chan models.Answer_Chunk)
		close(respChan)
		return respChan, errChan
	}

	jsonBytes, err := json.Marshal(request_body)
	if err != nil {
		errChan := make(chan error, 1)
		errChan <- fmt.Errorf("failed to marshal stream request body: %w", err)
		close(errChan)
		respChan := make(chan models.Answer_Chunk)
		close(respChan)
		return respChan, errChan
	}

	geminiChan, geminiErrChan := g.make_request_stream(ctx, string(jsonBytes))
	return convertStream(ctx, geminiChan, geminiErrChan)
}

// convertStream maps raw Gemini chunks onto Answer_Chunks.
func convertStream(ctx context.Context, geminiResponseChan <-chan Gemini_response, geminiErrChan <-chan error) (<-chan models.Answer_Chunk, <-chan error) {
	chunkChan := make(chan models.Answer_Chunk)
	finalErrChan := make(chan error, 1)

	go func() {
		defer close(chunkChan)
		defer close(finalErrChan)

		for {
			select {
			case geminiResp, ok := <-geminiResponseChan:
				if !ok {
					geminiResponseChan = nil
					break
				}
				chunk := models.Answer_Chunk{
					Text:    extract_text(geminiResp),
					Sources: extract_sources(geminiResp),
				}
				select {
				case chunkChan <- chunk:
				case <-ctx.Done():
					return
				}

			case geminiErr, ok := <-geminiErrChan:
				if ok && geminiErr != nil {
					finalErrChan <- geminiErr
					return
				}
				if !ok {
					geminiErrChan = nil
				}
			}

			if geminiResponseChan == nil && geminiErrChan == nil {
				return
			}
		}
	}()

	return chunkChan, finalErrChan
}

func (g *Gemini_Model) make_request(request_body string) (Gemini_response, error) {
	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", g.base_url(), g.model_name(), os.Getenv("GEMINI_API_KEY"))
	client := &http.Client{Timeout: 2 * time.Minute}

	resp, err := client.Post(url, "application/json", strings.NewReader(request_body))
	if err != nil {
		return Gemini_response{}, fmt.Errorf("error making POST request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Gemini_response{}, fmt.Errorf("error reading body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return Gemini_response{}, upstream_error(resp.StatusCode, body)
	}

	var response Gemini_response
	if err := json.Unmarshal(body, &response); err != nil {
		return Gemini_response{}, fmt.Errorf("error unmarshalling response: %w", err)
	}

	return response, nil
}

func (g *Gemini_Model) make_request_stream(ctx context.Context, request_body string) (<-chan Gemini_response, <-chan error) {
	resChan := make(chan Gemini_response)
	errChan := make(chan error, 1)

	go func() {
		defer close(resChan)
		defer close(errChan)

		url := fmt.Sprintf("%s/models/%s:streamGenerateContent?key=%s", g.base_url(), g.model_name(), os.Getenv("GEMINI_API_KEY"))
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(request_body))
		if err != nil {
			errChan <- fmt.Errorf("error creating stream request: %w", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			errChan <- fmt.Errorf("error making POST request: %w", err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			bodyBytes, _ := io.ReadAll(resp.Body)
			errChan <- upstream_error(resp.StatusCode, bodyBytes)
			return
		}

		decoder := json.NewDecoder(resp.Body)

		// The stream is a progressively delivered JSON array. Read the
		// opening bracket, then decode one element at a time.
		t, err := decoder.Token()
		if err != nil {
			errChan <- fmt.Errorf("error reading opening bracket: %w", err)
			return
		}
		if delim, ok := t.(json.Delim); !ok || delim != '[' {
			errChan <- fmt.Errorf("expected '[' at start of stream, got %T: %v", t, t)
			return
		}

		for decoder.More() {
			var raw json.RawMessage
			if err := decoder.Decode(&raw); err != nil {
				errChan <- fmt.Errorf("error decoding JSON object in stream: %w", err)
				return
			}
			var response Gemini_response
			if err := json.Unmarshal(raw, &response); err != nil {
				// One corrupt chunk must not lose the rest of the answer.
				log.Printf("Skipping malformed gemini stream chunk: %v", err)
				continue
			}
			select {
			case resChan <- response:
			case <-ctx.Done():
				return
			}
		}

		// Closing bracket; EOF is fine here.
		t, err = decoder.Token()
		if err != nil && err != io.EOF {
			errChan <- fmt.Errorf("error reading closing bracket: %w", err)
			return
		}
		if err != io.EOF {
			if delim, ok := t.(json.Delim); !ok || delim != ']' {
				errChan <- fmt.Errorf("expected ']' at end of stream, got %T: %v", t, t)
				return
			}
		}
	}()

	return resChan, errChan
}

// upstream_error builds an Upstream_Error from a non-2xx body,
// preferring the API's own message when the body parses.
func upstream_error(statusCode int, body []byte) *Upstream_Error {
	var parsed Gemini_error_body
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		return &Upstream_Error{StatusCode: statusCode, Message: parsed.Error.Message}
	}
	return &Upstream_Error{StatusCode: statusCode, Message: http.StatusText(statusCode)}
}

// create_gemini_request turns validated prompt turns into a Gemini
// request body. Roles map directly: the wire protocol and this API
// both use "user" and "model".
func create_gemini_request(turns []models.Prompt_Turn, grounded bool, systemPrompt string) (Gemini_Request_Body, error) {
	if len(turns) == 0 {
		return Gemini_Request_Body{}, fmt.Errorf("cannot create Gemini request with no content")
	}

	allContents := make([]Gemini_Content, 0, len(turns))
	for _, turn := range turns {
		allContents = append(allContents, Gemini_Content{
			Role:  turn.Role,
			Parts: []Request_Part{{Text: turn.Content}},
		})
	}

	var gemini_tools *[]Gemini_Tools
	if grounded {
		gemini_tools = &[]Gemini_Tools{{GoogleSearch: &GoogleSearch{}}}
	}

	var systemInstruction *SystemInstruction
	if systemPrompt != "" {
		systemInstruction = &SystemInstruction{
			Parts: []SystemPart{{Text: systemPrompt}},
		}
	}

	return Gemini_Request_Body{
		Contents:          &allContents,
		Tools:             gemini_tools,
		SystemInstruction: systemInstruction,
	}, nil
}
