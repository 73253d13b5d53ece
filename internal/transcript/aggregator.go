package transcript

import "strings"

// Aggregator accumulates the partial transcriptions of one conversational turn.
// It is not safe for concurrent use; the conversation event loop owns it.
type Aggregator struct {
	input  strings.Builder
	output strings.Builder
}

// OnPartialInput appends a fragment of the user's speech.
func (a *Aggregator) OnPartialInput(text string) { a.input.WriteString(text) }

// OnPartialOutput appends a fragment of the model's speech.
func (a *Aggregator) OnPartialOutput(text string) { a.output.WriteString(text) }

// Pending reports whether any text has been accumulated for the current turn.
func (a *Aggregator) Pending() bool { return a.input.Len() > 0 || a.output.Len() > 0 }

// OnTurnComplete returns the User item and then the AI item for whichever
// trimmed buffers are non-empty, and clears both buffers.
func (a *Aggregator) OnTurnComplete() []Item {
	var items []Item
	if in := strings.TrimSpace(a.input.String()); in != "" {
		items = append(items, NewItem(SpeakerUser, in))
	}
	if out := strings.TrimSpace(a.output.String()); out != "" {
		items = append(items, NewItem(SpeakerAI, out))
	}
	a.Reset()
	return items
}

// Reset discards the current turn.
func (a *Aggregator) Reset() {
	a.input.Reset()
	a.output.Reset()
}
