package gemini

import "github.com/webster-ai/webster/models"

type Gemini_response struct {
	Candidates    []Candidate   `json:"candidates"`
	UsageMetadata UsageMetadata `json:"usageMetadata"`
	ModelVersion  string        `json:"modelVersion"`
}

type Candidate struct {
	Content           Content            `json:"content"`
	FinishReason      string             `json:"finishReason,omitempty"`
	GroundingMetadata *GroundingMetadata `json:"groundingMetadata,omitempty"`
}

type Content struct {
	Parts []Part `json:"parts"`
	Role  string `json:"role"`
}

type Part struct {
	Text *string `json:"text,omitempty"`
}

// GroundingMetadata carries the web citations attached to a grounded
// candidate. Any streamed chunk may carry it, not just the last one.
type GroundingMetadata struct {
	GroundingChunks  []GroundingChunk `json:"groundingChunks,omitempty"`
	WebSearchQueries []string         `json:"webSearchQueries,omitempty"`
}

type GroundingChunk struct {
	Web *GroundingWeb `json:"web,omitempty"`
}

type GroundingWeb struct {
	URI   string `json:"uri,omitempty"`
	Title string `json:"title,omitempty"`
}

type UsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

// Gemini_error_body is the JSON error document the API returns on
// non-2xx statuses.
type Gemini_error_body struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

type Request_Part struct {
	Text string `json:"text,omitempty"`
}

type Gemini_Content struct {
	Role  string         `json:"role"`
	Parts []Request_Part `json:"parts"`
}

// Gemini_Tools requests a built-in capability. Only google_search is
// used here; it turns on web grounding for the call.
type Gemini_Tools struct {
	GoogleSearch *GoogleSearch `json:"google_search,omitempty"`
}

type GoogleSearch struct{}

type SystemInstruction struct {
	Parts []SystemPart `json:"parts"`
}

type SystemPart struct {
	Text string `json:"text"`
}

type Gemini_Request_Body struct {
	Contents          *[]Gemini_Content  `json:"contents"`
	Tools             *[]Gemini_Tools    `json:"tools,omitempty"`
	SystemInstruction *SystemInstruction `json:"systemInstruction,omitempty"`
}

// extract_sources collects web citations from every candidate in
// first-occurrence order, one entry per URI.
func extract_sources(response Gemini_response) []models.Source {
	var sources []models.Source
	for _, candidate := range response.Candidates {
		if candidate.GroundingMetadata == nil {
			continue
		}
		for _, chunk := range candidate.GroundingMetadata.GroundingChunks {
			if chunk.Web == nil {
				continue
			}
			sources = append(sources, models.Source{
				Title: chunk.Web.Title,
				URI:   chunk.Web.URI,
			})
		}
	}
	return models.Dedupe_Sources(sources)
}

// extract_text concatenates the text parts of every candidate.
func extract_text(response Gemini_response) string {
	text := ""
	for _, candidate := range response.Candidates {
		for _, part := range candidate.Content.Parts {
			if part.Text != nil {
				text += *part.Text
			}
		}
	}
	return text
}
