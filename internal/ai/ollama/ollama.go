package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
)

type Client struct {
	Host string
	http *http.Client
}

func New(host string) *Client {
	if host == "" {
		host = "http://localhost:11434"
	}
	return &Client{Host: strings.TrimRight(host, "/"), http: &http.Client{Timeout: 60 * time.Second}}
}

func (c *Client) CompleteWithSystem(ctx context.Context, model string, systemPrompt string, prompt string) (string, error) {
	messages := []map[string]string{}
	if systemPrompt != "" {
		messages = append(messages, map[string]string{"role": "system", "content": systemPrompt})
	}
	messages = append(messages, map[string]string{"role": "user", "content": prompt})
	payload := map[string]any{
		"model":    model,
		"messages": messages,
		"stream":   false,
		// ollama constrains the reply to valid JSON
		"format": "json",
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", errors.Wrap(err, "marshal request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Host+"/api/chat", bytes.NewReader(b))
	if err != nil {
		return "", errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "ollama request")
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return "", errors.Errorf("ollama status %d", resp.StatusCode)
	}
	var out struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", errors.Wrap(err, "decode ollama response")
	}
	return strings.TrimSpace(out.Message.Content), nil
}
