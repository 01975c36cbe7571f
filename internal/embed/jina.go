package embed

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"
)

const (
	// DefaultJinaModel is used when JinaConfig.Model is empty.
	DefaultJinaModel = "jina-embeddings-v3"
	// DefaultJinaEndpoint is the hosted embeddings API.
	DefaultJinaEndpoint = "https://api.jina.ai/v1/embeddings"
	// DefaultJinaDimensions is the Matryoshka truncation requested from v3.
	DefaultJinaDimensions = 1024

	jinaChunkSize = 25
)

// JinaConfig configures a JinaEmbedder.
type JinaConfig struct {
	APIKey     string
	Model      string
	Endpoint   string
	Dimensions int
	// Interval is the minimum gap between requests (default 750ms, ~80 RPM).
	Interval time.Duration
}

// JinaEmbedder generates embeddings via the Jina AI API.
type JinaEmbedder struct {
	apiKey   string
	model    string
	endpoint string
	dims     int
	client   *http.Client
	limiter  *rate.Limiter
}

// jinaEmbedRequest represents the request body for the Jina embeddings API.
type jinaEmbedRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Task       string   `json:"task"`
	Dimensions int      `json:"dimensions"`
	Truncate   bool     `json:"truncate"`
}

// jinaEmbedResponse represents the response from the Jina embeddings API.
type jinaEmbedResponse struct {
	Data []jinaEmbedding `json:"data"`
}

// jinaEmbedding represents a single embedding in the Jina response.
type jinaEmbedding struct {
	Embedding []float32 `json:"embedding"`
	Index     int       `json:"index"`
}

// NewJinaEmbedder creates a JinaEmbedder, filling defaults for empty fields.
func NewJinaEmbedder(cfg JinaConfig) *JinaEmbedder {
	if cfg.Model == "" {
		cfg.Model = DefaultJinaModel
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultJinaEndpoint
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = DefaultJinaDimensions
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 750 * time.Millisecond
	}
	return &JinaEmbedder{
		apiKey:   cfg.APIKey,
		model:    cfg.Model,
		endpoint: cfg.Endpoint,
		dims:     cfg.Dimensions,
		client:   &http.Client{Timeout: 60 * time.Second},
		limiter:  rate.NewLimiter(rate.Every(cfg.Interval), 1),
	}
}

// Available returns true if the Jina API key is configured.
func (e *JinaEmbedder) Available() bool {
	return e.apiKey != ""
}

// Model returns the model name.
func (e *JinaEmbedder) Model() string { return e.model }

// Embed generates a vector embedding for the given text using the Jina API.
// Headlines are embedded with task type "text-matching", the symmetric task
// for comparing passages with each other.
func (e *JinaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("embed: jina returned no embeddings")
	}
	return resp.Data[0].Embedding, nil
}

// EmbedBatch generates vector embeddings for multiple texts in batch.
// Inputs are split into chunks of 25; smaller chunks give more reliable
// responses.
func (e *JinaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	results := make([][]float32, len(texts))

	for chunkStart := 0; chunkStart < len(texts); chunkStart += jinaChunkSize {
		chunkEnd := min(chunkStart+jinaChunkSize, len(texts))
		chunk := texts[chunkStart:chunkEnd]

		resp, err := e.embed(ctx, chunk)
		if err != nil {
			return nil, fmt.Errorf("embed: batch chunk starting at %d failed: %w", chunkStart, err)
		}

		// Use the Index field to place embeddings in correct order within the chunk
		for _, item := range resp.Data {
			if item.Index < 0 || item.Index >= len(chunk) {
				return nil, fmt.Errorf("embed: jina returned out-of-range index %d for chunk of size %d starting at %d", item.Index, len(chunk), chunkStart)
			}
			results[chunkStart+item.Index] = item.Embedding
		}
	}

	for i, r := range results {
		if r == nil {
			return nil, fmt.Errorf("embed: missing embedding for index %d", i)
		}
	}

	return results, nil
}

func (e *JinaEmbedder) embed(ctx context.Context, input []string) (*jinaEmbedResponse, error) {
	reqBody := jinaEmbedRequest{
		Model:      e.model,
		Input:      input,
		Task:       "text-matching",
		Dimensions: e.dims,
		// Over-long input is rejected before it gets here; never let the
		// API silently truncate.
		Truncate: false,
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("embed: failed to marshal request: %w", err)
	}

	return e.doWithRetry(ctx, jsonBody)
}

// doWithRetry executes the API request with retry logic for transient errors.
// Retries up to 3 times on HTTP 429 or 5xx status codes with exponential backoff.
// On 429, honors the Retry-After header if present.
func (e *JinaEmbedder) doWithRetry(ctx context.Context, reqBody []byte) (*jinaEmbedResponse, error) {
	maxRetries := 3
	backoffs := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("embed: rate limiter wait failed: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(reqBody))
		if err != nil {
			return nil, fmt.Errorf("embed: failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+e.apiKey)

		resp, err := e.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("embed: request cancelled: %w", ctx.Err())
			}
			return nil, fmt.Errorf("embed: request failed: %w", err)
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("embed: failed to read response: %w", err)
		}

		if resp.StatusCode == http.StatusOK {
			var embedResp jinaEmbedResponse
			if err := json.Unmarshal(body, &embedResp); err != nil {
				// Truncated/malformed response, treat as retryable
				lastErr = fmt.Errorf("embed: failed to parse response: %w", err)
				if attempt < maxRetries {
					if err := sleepCtx(ctx, backoffs[attempt]); err != nil {
						return nil, err
					}
				}
				continue
			}
			return &embedResp, nil
		}

		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return nil, fmt.Errorf("%w: jina returned status %d: %s", ErrUnavailable, resp.StatusCode, string(body))
		}

		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		if !retryable {
			return nil, fmt.Errorf("embed: jina returned status %d: %s", resp.StatusCode, string(body))
		}

		lastErr = fmt.Errorf("embed: jina returned status %d: %s", resp.StatusCode, string(body))

		// Don't sleep after the last attempt
		if attempt < maxRetries {
			delay := backoffs[attempt]

			if resp.StatusCode == http.StatusTooManyRequests {
				if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
					if seconds, err := strconv.Atoi(retryAfter); err == nil && seconds > 0 {
						delay = min(time.Duration(seconds)*time.Second, 30*time.Second)
					}
				}
			}

			if err := sleepCtx(ctx, delay); err != nil {
				return nil, err
			}
		}
	}

	return nil, fmt.Errorf("embed: all retries exhausted: %w", lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("embed: request cancelled during retry: %w", ctx.Err())
	case <-time.After(d):
		return nil
	}
}
