package chat

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/atlas-chat/atlas/pkg/models"
	"github.com/atlas-chat/atlas/pkg/router"
)

// streamResult holds accumulated data from an SSE stream.
type streamResult struct {
	usage   *models.Usage
	model   string
	content strings.Builder
}

func (r *streamResult) completion() completion {
	c := completion{model: r.model, content: r.content.String()}
	if r.usage != nil {
		c.usage = *r.usage
	}
	return c
}

// streamSSEResponse relays an SSE stream from resp to w, extracting usage data
// and the generated text.
func streamSSEResponse(w http.ResponseWriter, resp *http.Response, format string) (*streamResult, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}

	for _, k := range []string{"Content-Type", "Cache-Control"} {
		if v := resp.Header.Get(k); v != "" {
			w.Header().Set(k, v)
		}
	}
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "text/event-stream")
	}
	w.WriteHeader(resp.StatusCode)

	result := &streamResult{}
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		fmt.Fprintf(w, "%s\n", line)

		// Flush on blank lines (SSE event boundary)
		if line == "" {
			flusher.Flush()
		}

		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			continue
		}

		if format == router.FormatAnthropic {
			result.anthropicEvent(data)
		} else {
			result.openAIChunk(data)
		}
	}

	flusher.Flush()

	if err := scanner.Err(); err != nil {
		return result, fmt.Errorf("reading stream: %w", err)
	}
	return result, nil
}

func (r *streamResult) openAIChunk(data string) {
	var chunk models.ChatCompletionChunk
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		return
	}
	if chunk.Model != "" {
		r.model = chunk.Model
	}
	for _, c := range chunk.Choices {
		r.content.WriteString(c.Delta.Content)
	}
	if chunk.Usage != nil {
		r.usage = chunk.Usage
	}
}

func (r *streamResult) anthropicEvent(data string) {
	var evt models.AnthropicStreamEvent
	if err := json.Unmarshal([]byte(data), &evt); err != nil {
		return
	}
	switch evt.Type {
	case "message_start":
		var msg struct {
			Model string                 `json:"model"`
			Usage *models.AnthropicUsage `json:"usage,omitempty"`
		}
		if err := json.Unmarshal(evt.Message, &msg); err == nil {
			if msg.Model != "" {
				r.model = msg.Model
			}
			if msg.Usage != nil {
				r.usage = msg.Usage.ToUsage()
			}
		}
	case "content_block_delta":
		var delta struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}
		if err := json.Unmarshal(evt.Delta, &delta); err == nil && delta.Type == "text_delta" {
			r.content.WriteString(delta.Text)
		}
	case "message_delta":
		if evt.Usage != nil {
			if r.usage == nil {
				r.usage = &models.Usage{}
			}
			r.usage.CompletionTokens = evt.Usage.OutputTokens
			r.usage.TotalTokens = r.usage.PromptTokens + evt.Usage.OutputTokens
		}
	}
}
