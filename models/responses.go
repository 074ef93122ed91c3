package models

// Source is one web citation attached to an answer. Within a single
// response no two sources share a URI; first occurrence wins.
type Source struct {
	Title string `json:"title"`
	URI   string `json:"uri"`
}

// Chat_Response is the non-streaming answer document.
type Chat_Response struct {
	Answer  string   `json:"answer"`
	Sources []Source `json:"sources"`
}

// Error_Response is returned for every non-2xx outcome, on the
// streaming path too (errors there are detected before any NDJSON
// byte is written).
type Error_Response struct {
	Error string `json:"error"`
	Hint  string `json:"hint,omitempty"`
}

// Chat_Message is one finalized transcript entry. The in-progress
// model answer is assembled in a separate accumulator and only becomes
// a Chat_Message once the stream is done.
type Chat_Message struct {
	Role        string   `json:"role"` // "user", "model"
	Content     string   `json:"content"`
	Sources     []Source `json:"sources,omitempty"`
	IsWebSearch bool     `json:"isWebSearch,omitempty"`
}

// Answer_Chunk is one upstream increment as seen by the relay: new
// answer text plus whatever citations the chunk happened to carry.
type Answer_Chunk struct {
	Text    string   `json:"text"`
	Sources []Source `json:"sources,omitempty"`
}

// Dedupe_Sources removes sources that repeat an earlier URI, keeping
// first-occurrence order. Entries without a URI are dropped.
func Dedupe_Sources(sources []Source) []Source {
	seen := make(map[string]bool, len(sources))
	deduped := make([]Source, 0, len(sources))
	for _, src := range sources {
		if src.URI == "" || seen[src.URI] {
			continue
		}
		seen[src.URI] = true
		deduped = append(deduped, src)
	}
	return deduped
}
