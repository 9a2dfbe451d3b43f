package rich

import "encoding/json"

// eventType peeks only the "type" and "subtype" fields of a raw event
// line, since replay filtering (skip stream_event, at most one init) only
// needs those two fields (spec.md §3, §4.4).
type eventType struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`
}

func parseEventType(line []byte) (eventType, bool) {
	var et eventType
	if err := json.Unmarshal(line, &et); err != nil {
		return eventType{}, false
	}
	return et, true
}

// PromptMessage is the single-line JSON record written to prompt.fifo for
// a user prompt (spec.md §3, §4.4).
type PromptMessage struct {
	Role    string        `json:"role"`
	Content []PromptBlock `json:"content"`
}

type PromptBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// NewPrompt builds the single-line prompt record for text.
func NewPrompt(text string) PromptMessage {
	return PromptMessage{
		Role:    "user",
		Content: []PromptBlock{{Type: "text", Text: text}},
	}
}

// Outbound message envelopes sent to the browser over /ws/rich/{name}.
type SessionStateMsg struct {
	Type         string `json:"type"`
	Streaming    bool   `json:"streaming"`
	ProcessAlive bool   `json:"process_alive"`
}

type EventMsg struct {
	Type  string          `json:"type"`
	Event json.RawMessage `json:"event"`
}

// Inbound message shapes from the browser.
type InboundMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}
