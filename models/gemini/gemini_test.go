package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/webster-ai/webster/models"
)

func promptTurns(query string) []models.Prompt_Turn {
	return []models.Prompt_Turn{{Role: "user", Content: query}}
}

func TestModelRequest_ConcatenatesParts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"Paris"},{"text":" is the capital."}],"role":"model"}}]}`))
	}))
	defer server.Close()

	model := &Gemini_Model{BaseURL: server.URL}
	response, err := model.Model_Request(promptTurns("capital of France"), false)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if response.Answer != "Paris is the capital." {
		t.Errorf("Expected %q, got %q", "Paris is the capital.", response.Answer)
	}
	if len(response.Sources) != 0 {
		t.Errorf("Expected no sources without grounding metadata, got %d", len(response.Sources))
	}
}

func TestModelRequest_GroundedAttachesSearchTool(t *testing.T) {
	var receivedBody Gemini_Request_Body
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &receivedBody); err != nil {
			t.Errorf("Request body is not JSON: %v", err)
		}
		if !strings.Contains(r.URL.Path, ":generateContent") {
			t.Errorf("Expected non-streaming endpoint for grounded call, got %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"grounded"}],"role":"model"},` +
			`"groundingMetadata":{"groundingChunks":[` +
			`{"web":{"uri":"https://a.example","title":"A"}},` +
			`{"web":{"uri":"https://a.example","title":"A dup"}},` +
			`{"web":{"uri":"https://b.example","title":"B"}}]}}]}`))
	}))
	defer server.Close()

	model := &Gemini_Model{BaseURL: server.URL}
	response, err := model.Model_Request(promptTurns("q"), true)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if receivedBody.Tools == nil || len(*receivedBody.Tools) != 1 || (*receivedBody.Tools)[0].GoogleSearch == nil {
		t.Error("Expected google_search tool in grounded request body")
	}
	if len(response.Sources) != 2 {
		t.Fatalf("Expected 2 deduplicated sources, got %d", len(response.Sources))
	}
	if response.Sources[0].Title != "A" {
		t.Errorf("Expected first occurrence to win, got title %q", response.Sources[0].Title)
	}
}

func TestModelRequest_UngroundedOmitsTools(t *testing.T) {
	var receivedBody Gemini_Request_Body
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &receivedBody)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"plain"}],"role":"model"}}]}`))
	}))
	defer server.Close()

	model := &Gemini_Model{BaseURL: server.URL}
	if _, err := model.Model_Request(promptTurns("q"), false); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if receivedBody.Tools != nil {
		t.Error("Expected no tools in ungrounded request body")
	}
}

func TestModelRequest_UpstreamErrorMessage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"code":429,"message":"Resource has been exhausted (e.g. check quota).","status":"RESOURCE_EXHAUSTED"}}`))
	}))
	defer server.Close()

	model := &Gemini_Model{BaseURL: server.URL}
	_, err := model.Model_Request(promptTurns("q"), false)

	var upstreamErr *Upstream_Error
	if !errors.As(err, &upstreamErr) {
		t.Fatalf("Expected Upstream_Error, got %v", err)
	}
	if upstreamErr.StatusCode != http.StatusTooManyRequests {
		t.Errorf("Expected status 429, got %d", upstreamErr.StatusCode)
	}
	if !strings.Contains(upstreamErr.Message, "quota") {
		t.Errorf("Expected upstream message preserved, got %q", upstreamErr.Message)
	}
}

func TestModelRequest_UnparseableErrorBodyFallsBackToStatusText(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("<html>outage</html>"))
	}))
	defer server.Close()

	model := &Gemini_Model{BaseURL: server.URL}
	_, err := model.Model_Request(promptTurns("q"), false)

	var upstreamErr *Upstream_Error
	if !errors.As(err, &upstreamErr) {
		t.Fatalf("Expected Upstream_Error, got %v", err)
	}
	if upstreamErr.Message != http.StatusText(http.StatusServiceUnavailable) {
		t.Errorf("Expected status text fallback, got %q", upstreamErr.Message)
	}
}

func TestStreamModelRequest_EmitsChunksInOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, ":streamGenerateContent") {
			t.Errorf("Expected streaming endpoint, got %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"candidates":[{"content":{"parts":[{"text":"Paris"}],"role":"model"}}]},` +
			`{"candidates":[{"content":{"parts":[{"text":" is the capital."}],"role":"model"},` +
			`"groundingMetadata":{"groundingChunks":[{"web":{"uri":"https://t.example","title":"T"}}]}}]}]`))
	}))
	defer server.Close()

	model := &Gemini_Model{BaseURL: server.URL}
	chunkChan, errChan := model.Stream_Model_Request(context.Background(), promptTurns("capital of France"))

	var chunks []models.Answer_Chunk
	for chunk := range chunkChan {
		chunks = append(chunks, chunk)
	}
	if err := <-errChan; err != nil {
		t.Fatalf("Unexpected stream error: %v", err)
	}

	if len(chunks) != 2 {
		t.Fatalf("Expected 2 chunks, got %d", len(chunks))
	}
	if chunks[0].Text != "Paris" || chunks[1].Text != " is the capital." {
		t.Errorf("Unexpected chunk texts: %q, %q", chunks[0].Text, chunks[1].Text)
	}
	if len(chunks[1].Sources) != 1 || chunks[1].Sources[0].URI != "https://t.example" {
		t.Errorf("Expected citation on second chunk, got %+v", chunks[1].Sources)
	}
}

func TestStreamModelRequest_SkipsShapeInvalidChunk(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"candidates":[{"content":{"parts":[{"text":"kept"}],"role":"model"}}]},` +
			`{"candidates":"not an array"},` +
			`{"candidates":[{"content":{"parts":[{"text":" too"}],"role":"model"}}]}]`))
	}))
	defer server.Close()

	model := &Gemini_Model{BaseURL: server.URL}
	chunkChan, errChan := model.Stream_Model_Request(context.Background(), promptTurns("q"))

	var texts []string
	for chunk := range chunkChan {
		texts = append(texts, chunk.Text)
	}
	if err := <-errChan; err != nil {
		t.Fatalf("Unexpected stream error: %v", err)
	}
	if len(texts) != 2 || texts[0] != "kept" || texts[1] != " too" {
		t.Errorf("Expected invalid chunk skipped, got %v", texts)
	}
}

func TestStreamModelRequest_Non200SurfacesError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"code":429,"message":"rate limit","status":"RESOURCE_EXHAUSTED"}}`))
	}))
	defer server.Close()

	model := &Gemini_Model{BaseURL: server.URL}
	chunkChan, errChan := model.Stream_Model_Request(context.Background(), promptTurns("q"))

	chunkCount := 0
	for range chunkChan {
		chunkCount++
	}
	err := <-errChan

	var upstreamErr *Upstream_Error
	if !errors.As(err, &upstreamErr) {
		t.Fatalf("Expected Upstream_Error, got %v", err)
	}
	if chunkCount != 0 {
		t.Errorf("Expected no chunks on upstream failure, got %d", chunkCount)
	}
}

func TestStreamModelRequest_CancelReleasesStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"candidates":[{"content":{"parts":[{"text":"first"}],"role":"model"}}]},`))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		// Hold the stream open until the client gives up.
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	model := &Gemini_Model{BaseURL: server.URL}
	chunkChan, errChan := model.Stream_Model_Request(ctx, promptTurns("q"))

	first := <-chunkChan
	if first.Text != "first" {
		t.Fatalf("Unexpected first chunk: %+v", first)
	}
	cancel()

	// Cancellation must close both channels so the consumer's loop ends.
	for range chunkChan {
	}
	<-errChan
}

func TestCreateGeminiRequest_EmptyTurns(t *testing.T) {
	if _, err := create_gemini_request(nil, false, ""); err == nil {
		t.Error("Expected error for empty prompt")
	}
}
