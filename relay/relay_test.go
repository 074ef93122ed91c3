package relay

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/webster-ai/webster/models"
	"github.com/webster-ai/webster/stores"
)

type fakeUpstream struct {
	calls        int
	lastTurns    []models.Prompt_Turn
	lastGrounded bool

	response models.Chat_Response
	err      error

	chunks    []models.Answer_Chunk
	streamErr error

	// closed when the streaming producer goroutine returns
	producerExited chan struct{}
}

func (f *fakeUpstream) Model_Request(turns []models.Prompt_Turn, grounded bool) (models.Chat_Response, error) {
	f.calls++
	f.lastTurns = turns
	f.lastGrounded = grounded
	if f.err != nil {
		return models.Chat_Response{}, f.err
	}
	return f.response, nil
}

func (f *fakeUpstream) Stream_Model_Request(ctx context.Context, turns []models.Prompt_Turn) (<-chan models.Answer_Chunk, <-chan error) {
	f.calls++
	f.lastTurns = turns
	f.producerExited = make(chan struct{})
	chunkChan := make(chan models.Answer_Chunk)
	errChan := make(chan error, 1)
	go func() {
		defer close(f.producerExited)
		defer close(chunkChan)
		defer close(errChan)
		if f.streamErr != nil {
			errChan <- f.streamErr
			return
		}
		for _, chunk := range f.chunks {
			select {
			case chunkChan <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return chunkChan, errChan
}

type recordingWriter struct {
	events  []models.Stream_Event
	flushes int
}

func (w *recordingWriter) WriteEvent(event models.Stream_Event) error {
	w.events = append(w.events, event)
	return nil
}

func (w *recordingWriter) Flush() { w.flushes++ }

type recordedMessage struct {
	conversationID string
	role           string
	content        string
	sourcesJSON    string
	webSearch      bool
}

type fakeStore struct {
	saved []recordedMessage
}

func (s *fakeStore) SaveMessage(conversationID, role, content string, sources interface{}, webSearch bool) error {
	sourcesJSON := ""
	if sources != nil {
		bytes, _ := json.Marshal(sources)
		sourcesJSON = string(bytes)
	}
	s.saved = append(s.saved, recordedMessage{conversationID, role, content, sourcesJSON, webSearch})
	return nil
}

func (s *fakeStore) FetchHistory(string) ([]stores.Message, error) { return nil, nil }
func (s *fakeStore) CreateConversation(string, string) error       { return nil }
func (s *fakeStore) ListConversations() ([]stores.ConversationInfo, error) {
	return nil, nil
}
func (s *fakeStore) DeleteConversation(string) error      { return nil }
func (s *fakeStore) PurgeBefore(time.Time) (int64, error) { return 0, nil }
func (s *fakeStore) Connect() error                       { return nil }
func (s *fakeStore) Close() error                         { return nil }
func (s *fakeStore) Ping() error                          { return nil }

func TestBuildPrompt_EmptyQuery(t *testing.T) {
	upstream := &fakeUpstream{}
	r := NewRelay(upstream, nil)

	_, err := r.Respond(models.Chat_Request{Query: "   \t  "})
	if !errors.Is(err, ErrEmptyQuery) {
		t.Fatalf("Expected ErrEmptyQuery, got %v", err)
	}
	if upstream.calls != 0 {
		t.Errorf("Expected no upstream call for empty query, got %d", upstream.calls)
	}
}

func TestBuildPrompt_FiltersHistoryAndAppendsQuery(t *testing.T) {
	r := NewRelay(&fakeUpstream{}, nil)

	turns, err := r.BuildPrompt(models.Chat_Request{
		Query: "what about its population?",
		History: []models.History_Turn{
			{Role: "user", Content: json.RawMessage(`"capital of France?"`)},
			{Role: "system", Content: json.RawMessage(`"dropped"`)},
			{Role: "model", Content: json.RawMessage(`"Paris."`)},
			{Role: "user", Content: json.RawMessage(`{"bad":"shape"}`)},
		},
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(turns) != 3 {
		t.Fatalf("Expected 3 turns (2 history + query), got %d", len(turns))
	}
	last := turns[len(turns)-1]
	if last.Role != "user" || last.Content != "what about its population?" {
		t.Errorf("Expected query as final user turn, got %+v", last)
	}
}

func TestRespond_GroundedUsesWebSearch(t *testing.T) {
	upstream := &fakeUpstream{
		response: models.Chat_Response{
			Answer:  "grounded",
			Sources: []models.Source{{Title: "T", URI: "https://t.example"}},
		},
	}
	r := NewRelay(upstream, nil)

	response, err := r.Respond(models.Chat_Request{Query: "q", UseWebSearch: true})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !upstream.lastGrounded {
		t.Error("Expected grounded upstream call")
	}
	if response.Answer != "grounded" || len(response.Sources) != 1 {
		t.Errorf("Unexpected response: %+v", response)
	}
}

func TestStream_EmitsDeltasAndSingleDone(t *testing.T) {
	upstream := &fakeUpstream{chunks: []models.Answer_Chunk{
		{Text: "Paris"},
		{Text: " is the capital."},
	}}
	r := NewRelay(upstream, nil)
	writer := &recordingWriter{}

	if err := r.Stream(context.Background(), models.Chat_Request{Query: "capital of France", Stream: true}, writer); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if len(writer.events) != 3 {
		t.Fatalf("Expected 3 events, got %d: %+v", len(writer.events), writer.events)
	}
	if writer.events[0].Type != models.Event_Delta || writer.events[0].Text != "Paris" {
		t.Errorf("Unexpected first event: %+v", writer.events[0])
	}
	if writer.events[1].Text != " is the capital." {
		t.Errorf("Unexpected second event: %+v", writer.events[1])
	}
	if writer.events[2].Type != models.Event_Done {
		t.Errorf("Expected terminal done, got %+v", writer.events[2])
	}
}

func TestStream_SourcesEventPerCitationChunk(t *testing.T) {
	upstream := &fakeUpstream{chunks: []models.Answer_Chunk{
		{Text: "answer", Sources: []models.Source{{Title: "A", URI: "https://a.example"}}},
		{Sources: []models.Source{{Title: "B", URI: "https://b.example"}}},
	}}
	r := NewRelay(upstream, nil)
	writer := &recordingWriter{}

	if err := r.Stream(context.Background(), models.Chat_Request{Query: "q", Stream: true}, writer); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	var sourcesEvents []models.Stream_Event
	for _, event := range writer.events {
		if event.Type == models.Event_Sources {
			sourcesEvents = append(sourcesEvents, event)
		}
	}
	if len(sourcesEvents) != 2 {
		t.Fatalf("Expected 2 sources events, got %d", len(sourcesEvents))
	}
	if sourcesEvents[1].Sources[0].URI != "https://b.example" {
		t.Errorf("Expected latest sources last, got %+v", sourcesEvents[1].Sources)
	}
}

// cancelingWriter cancels the request context once it has seen a given
// number of events, like a client that disconnects mid-stream.
type cancelingWriter struct {
	recordingWriter
	cancel context.CancelFunc
	after  int
}

func (w *cancelingWriter) WriteEvent(event models.Stream_Event) error {
	if err := w.recordingWriter.WriteEvent(event); err != nil {
		return err
	}
	if len(w.events) >= w.after {
		w.cancel()
	}
	return nil
}

func TestStream_ClientDisconnectUnblocksProducer(t *testing.T) {
	chunks := make([]models.Answer_Chunk, 100)
	for i := range chunks {
		chunks[i] = models.Answer_Chunk{Text: "x"}
	}
	upstream := &fakeUpstream{chunks: chunks}
	r := NewRelay(upstream, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	writer := &cancelingWriter{cancel: cancel, after: 1}

	err := r.Stream(ctx, models.Chat_Request{Query: "q", Stream: true}, writer)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}

	select {
	case <-upstream.producerExited:
	case <-time.After(2 * time.Second):
		t.Fatal("Producer goroutine still blocked after client disconnect")
	}

	for _, event := range writer.events {
		if event.Type == models.Event_Done {
			t.Error("Expected no done event on a cancelled stream")
		}
	}
}

func TestStream_UpstreamErrorBeforeAnyEvent(t *testing.T) {
	upstream := &fakeUpstream{streamErr: errors.New("upstream returned 500: boom")}
	r := NewRelay(upstream, nil)
	writer := &recordingWriter{}

	err := r.Stream(context.Background(), models.Chat_Request{Query: "q", Stream: true}, writer)
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if len(writer.events) != 0 {
		t.Errorf("Expected no events written on upstream failure, got %d", len(writer.events))
	}
}

func TestStream_ArchivesFinalExchange(t *testing.T) {
	upstream := &fakeUpstream{chunks: []models.Answer_Chunk{
		{Text: "Paris"},
		{Text: " is the capital.", Sources: []models.Source{{Title: "T", URI: "https://t.example"}}},
	}}
	store := &fakeStore{}
	r := NewRelay(upstream, store)

	request := models.Chat_Request{Query: "capital of France", Stream: true, Conversation_ID: "conv-1"}
	if err := r.Stream(context.Background(), request, &recordingWriter{}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if len(store.saved) != 2 {
		t.Fatalf("Expected user + model messages archived, got %d", len(store.saved))
	}
	if store.saved[0].role != "user" || store.saved[0].content != "capital of France" {
		t.Errorf("Unexpected archived user message: %+v", store.saved[0])
	}
	if store.saved[1].role != "model" || store.saved[1].content != "Paris is the capital." {
		t.Errorf("Unexpected archived model message: %+v", store.saved[1])
	}
}

func TestRespond_NoArchiveWithoutConversationID(t *testing.T) {
	upstream := &fakeUpstream{response: models.Chat_Response{Answer: "a"}}
	store := &fakeStore{}
	r := NewRelay(upstream, store)

	if _, err := r.Respond(models.Chat_Request{Query: "q"}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(store.saved) != 0 {
		t.Errorf("Expected no archival without conversation_id, got %d", len(store.saved))
	}
}
