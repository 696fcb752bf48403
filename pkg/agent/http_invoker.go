package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/dotsetgreg/bolagent/pkg/logger"
)

// HTTPInvoker calls an OpenAI-compatible chat completions endpoint with
// streaming enabled and adapts the SSE response to the fragment protocol.
type HTTPInvoker struct {
	apiBase string
	apiKey  string
	model   string
	client  *http.Client
	log     zerolog.Logger
}

func NewHTTPInvoker(apiBase, apiKey, model string) *HTTPInvoker {
	return &HTTPInvoker{
		apiBase: strings.TrimRight(apiBase, "/"),
		apiKey:  apiKey,
		model:   model,
		// No client-level timeout: the per-turn deadline arrives on the
		// request context and must also bound the streamed body.
		client: &http.Client{},
		log:    logger.For("agent.http"),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

func (h *HTTPInvoker) Invoke(ctx context.Context, req Request) (Stream, error) {
	messages := []chatMessage{{Role: "system", Content: systemPrompt(req.State)}}
	for _, m := range req.History {
		role := "user"
		if m.Role == "agent" || m.Role == "assistant" {
			role = "assistant"
		}
		messages = append(messages, chatMessage{Role: role, Content: m.Text})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Input})

	body, err := json.Marshal(chatRequest{Model: h.model, Messages: messages, Stream: true})
	if err != nil {
		return nil, fmt.Errorf("encode chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		h.apiBase+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+h.apiKey)

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("chat request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		resp.Body.Close()
		return nil, fmt.Errorf("chat request: status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	return &sseStream{body: resp.Body, scanner: bufio.NewScanner(resp.Body)}, nil
}

// systemPrompt embeds the effective session state so the model can use
// remembered facts across turns.
func systemPrompt(state map[string]any) string {
	var sb strings.Builder
	sb.WriteString("You are a helpful assistant replying in a chat conversation. Keep answers concise.")
	if len(state) > 0 {
		encoded, err := json.Marshal(state)
		if err == nil {
			sb.WriteString("\n\nSession state (facts remembered from earlier turns):\n")
			sb.Write(encoded)
		}
	}
	return sb.String()
}

type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

func (s *sseStream) Recv(ctx context.Context) (Fragment, error) {
	for s.scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return Fragment{}, err
		}
		line := strings.TrimSpace(s.scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		if payload == "[DONE]" {
			return Fragment{Done: true}, nil
		}

		var chunk chatChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			return Fragment{}, fmt.Errorf("decode stream chunk: %w", err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		frag := Fragment{Text: choice.Delta.Content}
		if choice.FinishReason != nil && *choice.FinishReason != "" {
			frag.Done = true
		}
		if frag.Text == "" && !frag.Done {
			continue
		}
		return frag, nil
	}
	if err := s.scanner.Err(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Fragment{}, ctxErr
		}
		return Fragment{}, fmt.Errorf("read stream: %w", err)
	}
	return Fragment{}, io.EOF
}

func (s *sseStream) Close() error {
	return s.body.Close()
}
