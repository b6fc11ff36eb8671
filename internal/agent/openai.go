package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultOpenAIBaseURL = "https://api.openai.com"
	defaultChatModel     = "gpt-4o-mini"
)

// openAIChat produces assistant replies via the chat completions endpoint.
type openAIChat struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

func newOpenAIChat(baseURL, apiKey string) *openAIChat {
	return &openAIChat{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   defaultChatModel,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (c *openAIChat) Complete(ctx context.Context, system string, history []Turn, user string) (string, error) {
	messages := make([]chatMessage, 0, len(history)+2)
	if system != "" {
		messages = append(messages, chatMessage{Role: "system", Content: system})
	}
	for _, t := range history {
		messages = append(messages, chatMessage{Role: t.Role, Content: t.Content})
	}
	messages = append(messages, chatMessage{Role: "user", Content: user})

	payload, err := json.Marshal(map[string]any{
		"model":    c.model,
		"messages": messages,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error.Message != "" {
			return "", fmt.Errorf("chat completion: %s (status %d)", apiErr.Error.Message, resp.StatusCode)
		}
		return "", fmt.Errorf("chat completion: status %d", resp.StatusCode)
	}

	var out struct {
		Choices []struct {
			Message chatMessage `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("chat completion response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("chat completion: empty choices")
	}
	return out.Choices[0].Message.Content, nil
}
