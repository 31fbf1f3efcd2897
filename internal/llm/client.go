// Package llm is the synchronous prompt-to-structure adapter over the
// configured language-model backend.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/aegis-sre/aegis/internal/config"
	aegiserrors "github.com/aegis-sre/aegis/internal/errors"
)

// Message is one chat turn sent to the backend.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatRequest is the wire format expected by the backend.
type chatRequest struct {
	Model       string          `json:"model"`
	Messages    []Message       `json:"messages"`
	Temperature float64         `json:"temperature,omitempty"`
	Format      json.RawMessage `json:"format,omitempty"`
	Stream      bool            `json:"stream"`
}

// chatEnvelope covers the two response shapes the contract allows: the
// schema object directly, or an envelope whose message content carries it.
type chatEnvelope struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
}

const failureCooldown = 30 * time.Second

// Client issues schema-constrained completions with bounded retry.
type Client struct {
	endpoint    string
	model       string
	apiKey      string
	temperature float64
	maxRetries  int
	httpClient  *http.Client

	mu           sync.Mutex
	failures     int
	cooldownOver time.Time
}

// New builds a client from the LM configuration group.
func New(cfg config.LMConfig) *Client {
	return &Client{
		endpoint:    cfg.Endpoint,
		model:       cfg.Model,
		apiKey:      cfg.APIKey,
		temperature: cfg.Temperature,
		maxRetries:  cfg.MaxRetries,
		httpClient:  &http.Client{Timeout: cfg.Timeout},
	}
}

// Complete sends the prompt with a JSON schema constraint and decodes the
// response into out. Malformed output and timeouts get one retry; a
// second failure returns a validation error so callers can fall back to
// a deterministic minimal result.
func (c *Client) Complete(ctx context.Context, system, prompt string, schema json.RawMessage, out interface{}) error {
	c.mu.Lock()
	if c.failures > 0 && time.Now().Before(c.cooldownOver) {
		cooldown := time.Until(c.cooldownOver).Round(time.Second)
		c.mu.Unlock()
		return aegiserrors.WrapTool("lm_complete", c.endpoint,
			fmt.Errorf("backend cooling down for %s after repeated failures", cooldown))
	}
	c.mu.Unlock()

	attempts := c.maxRetries + 1
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := c.completeOnce(ctx, system, prompt, schema, out)
		if err == nil {
			c.recordSuccess()
			return nil
		}
		lastErr = err
		log.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Str("model", c.model).
			Msg("LM completion attempt failed")
	}

	c.recordFailure()
	return aegiserrors.WrapValidation("lm_complete", lastErr)
}

func (c *Client) completeOnce(ctx context.Context, system, prompt string, schema json.RawMessage, out interface{}) error {
	messages := make([]Message, 0, 2)
	if system != "" {
		messages = append(messages, Message{Role: "system", Content: system})
	}
	messages = append(messages, Message{Role: "user", Content: prompt})

	body, err := json.Marshal(chatRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: c.temperature,
		Format:      schema,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return aegiserrors.WrapTimeout("lm_request", c.endpoint, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("backend returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	return decodeStructured(raw, out)
}

// decodeStructured accepts the schema object directly, an envelope with a
// message.content JSON string, or content with a fenced JSON block.
func decodeStructured(raw []byte, out interface{}) error {
	var envelope chatEnvelope
	if err := json.Unmarshal(raw, &envelope); err == nil && strings.TrimSpace(envelope.Message.Content) != "" {
		content := envelope.Message.Content
		if err := json.Unmarshal([]byte(content), out); err == nil {
			return nil
		}
		if block, ok := extractFencedJSON(content); ok {
			if err := json.Unmarshal([]byte(block), out); err == nil {
				return nil
			}
		}
		return fmt.Errorf("message content is not valid schema JSON")
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("response is neither schema object nor envelope: %w", err)
	}
	return nil
}

// extractFencedJSON returns the first ```json fenced block, or the first
// bare ``` block as a fallback.
func extractFencedJSON(content string) (string, bool) {
	for _, marker := range []string{"```json", "```"} {
		start := strings.Index(content, marker)
		if start < 0 {
			continue
		}
		rest := content[start+len(marker):]
		end := strings.Index(rest, "```")
		if end < 0 {
			continue
		}
		block := strings.TrimSpace(rest[:end])
		if block != "" {
			return block, true
		}
	}
	return "", false
}

func (c *Client) recordSuccess() {
	c.mu.Lock()
	c.failures = 0
	c.mu.Unlock()
}

func (c *Client) recordFailure() {
	c.mu.Lock()
	c.failures++
	if c.failures >= 3 {
		c.cooldownOver = time.Now().Add(failureCooldown)
	}
	c.mu.Unlock()
}
