// Package llm talks to an OpenAI-compatible inference server (llama.cpp
// server or similar). It generates evaluation responses, computes embeddings,
// and smoke-checks that a deployed model is servable.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Options configure a Client.
type Options struct {
	BaseURL        string
	APIKey         string
	RequestTimeout time.Duration
	ConnectTimeout time.Duration
	EmbeddingModel string
	MaxTokens      int
	Logger         zerolog.Logger
}

// Client is safe for concurrent use.
type Client struct {
	baseURL        string
	apiKey         string
	reqTimeout     time.Duration
	embeddingModel string
	maxTokens      int
	httpClient     *http.Client
	log            zerolog.Logger
}

// New builds a Client. Requests carry their own context deadlines, so the
// http.Client has no global timeout.
func New(o Options) *Client {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 5 * time.Second
	}
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   o.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &Client{
		baseURL:        strings.TrimRight(o.BaseURL, "/"),
		apiKey:         o.APIKey,
		reqTimeout:     o.RequestTimeout,
		embeddingModel: o.EmbeddingModel,
		maxTokens:      o.MaxTokens,
		httpClient:     &http.Client{Transport: tr},
		log:            o.Logger.With().Str("component", "llm").Logger(),
	}
}

type completionRequest struct {
	Model       string  `json:"model,omitempty"`
	Prompt      string  `json:"prompt"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float32 `json:"temperature"`
	Seed        int     `json:"seed,omitempty"`
	Stream      bool    `json:"stream"`
}

type streamChoice struct {
	Text  string `json:"text"`
	Delta struct {
		Content string `json:"content"`
	} `json:"delta"`
	FinishReason string `json:"finish_reason"`
}

type streamResponse struct {
	Choices []streamChoice `json:"choices"`
}

// Generate returns the completion of prompt by the model identified by
// model (a server-side id or the artifact path). Sampling is deterministic
// (temperature 0, fixed seed) so candidates are compared on equal terms.
func (c *Client) Generate(ctx context.Context, model, prompt string) (string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	payload := completionRequest{
		Model:     strings.TrimSpace(model),
		Prompt:    prompt,
		MaxTokens: c.maxTokens,
		Seed:      42,
		Stream:    true,
	}
	resp, err := c.post(ctx, "/v1/completions", payload)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var sb strings.Builder
	r := bufio.NewReader(resp.Body)
	for {
		line, err := r.ReadString('\n')
		if line = strings.TrimSpace(line); line != "" {
			if done := c.consumeLine(line, &sb); done {
				break
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if ctx.Err() != nil {
				return sb.String(), ctx.Err()
			}
			c.log.Warn().Err(err).Msg("stream read error")
			return sb.String(), err
		}
	}
	return sb.String(), nil
}

// consumeLine appends the text carried by one stream line. It reports true
// on the terminal [DONE] marker.
func (c *Client) consumeLine(line string, sb *strings.Builder) bool {
	data := line
	if strings.HasPrefix(strings.ToLower(line), "data:") {
		data = strings.TrimSpace(line[len("data:"):])
	}
	if data == "[DONE]" {
		return true
	}
	var msg streamResponse
	if err := json.Unmarshal([]byte(data), &msg); err == nil && len(msg.Choices) > 0 {
		ch := msg.Choices[0]
		sb.WriteString(ch.Text)
		sb.WriteString(ch.Delta.Content)
		return false
	}
	// llama.cpp native endpoints stream {"content": "..."} objects.
	var generic map[string]any
	if err := json.Unmarshal([]byte(data), &generic); err == nil {
		if tok, ok := generic["content"].(string); ok {
			sb.WriteString(tok)
			return false
		}
	}
	c.log.Debug().Str("line", line).Msg("unknown stream line")
	return false
}

type embeddingRequest struct {
	Model string   `json:"model,omitempty"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

// Embed returns one vector per text, in input order.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	resp, err := c.post(ctx, "/v1/embeddings", embeddingRequest{Model: c.embeddingModel, Input: texts})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var er embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return nil, fmt.Errorf("decode embeddings: %w", err)
	}
	if len(er.Data) != len(texts) {
		return nil, fmt.Errorf("embeddings: got %d vectors for %d inputs", len(er.Data), len(texts))
	}
	out := make([][]float64, len(texts))
	for i, d := range er.Data {
		idx := d.Index
		if idx < 0 || idx >= len(out) {
			idx = i
		}
		out[idx] = d.Embedding
	}
	return out, nil
}

// Health checks that the server answers /v1/models.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/models", nil)
	if err != nil {
		return err
	}
	c.auth(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health: %s", resp.Status)
	}
	return nil
}

// Probe reports whether modelPath can serve a trivial completion.
func (c *Client) Probe(ctx context.Context, modelPath string) error {
	out, err := c.Generate(ctx, modelPath, "Say hello.")
	if err != nil {
		return fmt.Errorf("smoke check: %w", err)
	}
	if strings.TrimSpace(out) == "" {
		return errors.New("smoke check: empty completion")
	}
	return nil
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.reqTimeout > 0 {
		return context.WithTimeout(ctx, c.reqTimeout)
	}
	return context.WithCancel(ctx)
}

func (c *Client) post(ctx context.Context, path string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.auth(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("llm server http error: %s: %s", resp.Status, strings.TrimSpace(string(b)))
	}
	return resp, nil
}

func (c *Client) auth(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}
