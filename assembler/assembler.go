// Package assembler turns a relay response into a live-updating chat
// message: NDJSON streams are reassembled event by event, single JSON
// documents are converted in one step. Both paths end in the same
// Chat_Message shape so callers render everything through one model.
package assembler

import (
	"bytes"

	"github.com/webster-ai/webster/models"
)

// LineBuffer re-frames an arbitrarily chunked byte stream into lines.
// A trailing fragment that does not yet end in a newline is retained
// and prefixed onto the next chunk, so the emitted line sequence is
// independent of where the chunk boundaries fell.
type LineBuffer struct {
	pending []byte
}

// Feed appends a chunk and returns every complete line it finished,
// without the line break. A chunk may complete zero, one, or many
// lines.
func (b *LineBuffer) Feed(chunk []byte) [][]byte {
	b.pending = append(b.pending, chunk...)

	var lines [][]byte
	for {
		i := bytes.IndexByte(b.pending, '\n')
		if i < 0 {
			break
		}
		line := make([]byte, i)
		copy(line, b.pending[:i])
		b.pending = b.pending[i+1:]
		lines = append(lines, bytes.TrimSuffix(line, []byte("\r")))
	}
	return lines
}

// Rest returns the retained partial fragment. At stream end a caller
// must try to parse it as one final event; if it does not parse it is
// discarded without failing the stream.
func (b *LineBuffer) Rest() []byte {
	return b.pending
}

// Accumulator is the single in-progress model answer for one request.
// It is owned exclusively by the routine handling that request and is
// converted to an immutable Chat_Message by Finalize.
type Accumulator struct {
	content   bytes.Buffer
	sources   []models.Source
	webSearch bool
	done      bool
}

func NewAccumulator(webSearch bool) *Accumulator {
	return &Accumulator{webSearch: webSearch}
}

// Apply folds one event into the in-progress answer. Deltas append in
// arrival order; a sources event replaces the whole citation list
// (latest wins, never merged); done finalizes.
func (a *Accumulator) Apply(event models.Stream_Event) {
	if a.done {
		return
	}
	switch event.Type {
	case models.Event_Delta:
		a.content.WriteString(event.Text)
	case models.Event_Sources:
		a.sources = event.Sources
	case models.Event_Done:
		a.done = true
	}
}

// Done reports whether the terminal event has been applied.
func (a *Accumulator) Done() bool {
	return a.done
}

// Snapshot returns the current in-progress view for rendering.
func (a *Accumulator) Snapshot() models.Chat_Message {
	return a.message()
}

// Finalize converts the accumulated state into the finished message.
func (a *Accumulator) Finalize() models.Chat_Message {
	a.done = true
	return a.message()
}

func (a *Accumulator) message() models.Chat_Message {
	return models.Chat_Message{
		Role:        "model",
		Content:     a.content.String(),
		Sources:     a.sources,
		IsWebSearch: a.webSearch,
	}
}
