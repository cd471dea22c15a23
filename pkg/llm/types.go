package llm

import "strings"

// Message represents a chat message in a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Response represents a complete response from an LLM provider.
type Response struct {
	Content    string `json:"content"`
	StopReason string `json:"stop_reason,omitempty"`
	Usage      Usage  `json:"usage"`
}

// Usage tracks token consumption for a request/response pair.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Delta represents an incremental update during streaming.
type Delta struct {
	Content string `json:"content,omitempty"`
	Usage   *Usage `json:"usage,omitempty"`
	Err     error  `json:"-"`
}

// Collect drains a delta stream into a single response. It returns the text
// received so far together with the first stream error.
func Collect(ch <-chan Delta) (*Response, error) {
	var b strings.Builder
	resp := &Response{}
	for d := range ch {
		if d.Err != nil {
			// Keep draining so the producer can exit.
			for range ch {
			}
			resp.Content = b.String()
			return resp, d.Err
		}
		b.WriteString(d.Content)
		if d.Usage != nil {
			resp.Usage = *d.Usage
		}
	}
	resp.Content = b.String()
	return resp, nil
}
