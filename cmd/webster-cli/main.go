// webster-cli is a terminal chat client for the webster relay. Plain
// turns stream live; turns prefixed with /search are grounded against
// web results and answered with citations.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/google/uuid"

	"github.com/webster-ai/webster/assembler"
	"github.com/webster-ai/webster/models"
)

func main() {
	baseURL := os.Getenv("WEBSTER_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8000"
	}

	client := assembler.NewClient(baseURL)
	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create renderer: %v\n", err)
		os.Exit(1)
	}

	session := &chatSession{
		client:         client,
		renderer:       renderer,
		conversationID: uuid.NewString(),
	}

	fmt.Println("webster: ask anything. /search <query> grounds the answer in web results.")
	fmt.Println("Commands: /new (reset session), /quit")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("\n> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())

		switch {
		case line == "":
			continue
		case line == "/quit" || line == "/exit":
			return
		case line == "/new":
			session.reset()
			fmt.Println("Started a new session.")
			continue
		}

		useWebSearch := false
		if query, ok := strings.CutPrefix(line, "/search "); ok {
			useWebSearch = true
			line = strings.TrimSpace(query)
		}

		session.ask(line, useWebSearch)
	}
}

type chatSession struct {
	client         *assembler.Client
	renderer       *glamour.TermRenderer
	conversationID string
	history        []models.Chat_Message
}

func (s *chatSession) reset() {
	s.history = nil
	s.conversationID = uuid.NewString()
}

// ask dispatches one turn. The user message is appended optimistically
// before the request goes out; the answer (or the fallback text on
// failure) is appended when the turn settles.
func (s *chatSession) ask(query string, useWebSearch bool) {
	request := models.Chat_Request{
		Query:           query,
		UseWebSearch:    useWebSearch,
		Stream:          !useWebSearch,
		History:         s.promptHistory(),
		Conversation_ID: s.conversationID,
	}

	s.history = append(s.history, models.Chat_Message{Role: "user", Content: query})

	printed := 0
	answer, err := s.client.Send(context.Background(), request, func(message models.Chat_Message) {
		if len(message.Content) > printed {
			fmt.Print(message.Content[printed:])
			printed = len(message.Content)
		}
	})
	if err != nil {
		fmt.Printf("\n%s\n", answer.Content)
		s.history = append(s.history, answer)
		return
	}

	s.history = append(s.history, answer)
	fmt.Println()

	// Streamed text went out raw; show the pretty version once settled.
	if rendered, renderErr := s.renderer.Render(answer.Content); renderErr == nil {
		fmt.Print(rendered)
	}

	if len(answer.Sources) > 0 {
		fmt.Println("Sources:")
		for i, src := range answer.Sources {
			title := src.Title
			if title == "" {
				title = src.URI
			}
			fmt.Printf("  [%d] %s (%s)\n", i+1, title, src.URI)
		}
	}
}

// promptHistory converts the finalized transcript into request turns.
func (s *chatSession) promptHistory() []models.History_Turn {
	turns := make([]models.History_Turn, 0, len(s.history))
	for _, msg := range s.history {
		content, err := json.Marshal(msg.Content)
		if err != nil {
			continue
		}
		turns = append(turns, models.History_Turn{Role: msg.Role, Content: content})
	}
	return turns
}
