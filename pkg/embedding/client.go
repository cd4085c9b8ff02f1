package embedding

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
	"unicode/utf8"

	"codemint-controlplane/pkg/config"

	"github.com/go-resty/resty/v2"
	"go.uber.org/fx"
)

// ErrNotConfigured is returned when no embedding endpoint is set.
var ErrNotConfigured = errors.New("embedding: service not configured")

var Module = fx.Module("embedding", fx.Provide(Provide))

type Client interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type Options struct {
	URL       string
	ApiKey    string
	Model     string
	ChunkSize int // runes per chunk
	BatchSize int // chunks per request
	Timeout   time.Duration
	Retries   int
	RetryWait time.Duration
}

type httpClient struct {
	rest *resty.Client
	opts Options
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// New returns an OpenAI-compatible embeddings client. An empty URL yields a
// client whose Embed always fails with ErrNotConfigured.
func New(opts Options) Client {
	if opts.URL == "" {
		return unconfigured{}
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 8000
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 16
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.RetryWait <= 0 {
		opts.RetryWait = 500 * time.Millisecond
	}

	rest := resty.New().
		SetBaseURL(opts.URL).
		SetTimeout(opts.Timeout).
		SetHeader("Content-Type", "application/json").
		SetRetryCount(opts.Retries).
		SetRetryWaitTime(opts.RetryWait).
		SetRetryMaxWaitTime(10 * opts.RetryWait).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil || r == nil {
				return false
			}
			return r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= http.StatusInternalServerError
		})
	if opts.ApiKey != "" {
		rest.SetAuthToken(opts.ApiKey)
	}

	return &httpClient{rest: rest, opts: opts}
}

func Provide(cfg *config.Config) Client {
	return New(Options{
		URL:       cfg.Embedding.URL,
		ApiKey:    cfg.Embedding.ApiKey,
		Model:     cfg.Embedding.Model,
		ChunkSize: cfg.Embedding.ChunkSize,
		BatchSize: cfg.Embedding.BatchSize,
		Timeout:   cfg.Embedding.Timeout,
		Retries:   cfg.Embedding.Retries,
	})
}

// Embed splits long text into chunks, embeds them BatchSize chunks per
// request and returns the element-wise mean of all chunk vectors.
func (c *httpClient) Embed(ctx context.Context, text string) ([]float32, error) {
	chunks := Chunk(text, c.opts.ChunkSize)
	if len(chunks) == 0 {
		return nil, errors.New("embedding: empty input")
	}

	vectors := make([][]float32, 0, len(chunks))
	for start := 0; start < len(chunks); start += c.opts.BatchSize {
		end := min(start+c.opts.BatchSize, len(chunks))
		batch, err := c.embedBatch(ctx, chunks[start:end])
		if err != nil {
			return nil, err
		}
		vectors = append(vectors, batch...)
	}
	return Average(vectors)
}

func (c *httpClient) embedBatch(ctx context.Context, chunks []string) ([][]float32, error) {
	var out embedResponse
	var apiErr errorResponse
	resp, err := c.rest.R().
		SetContext(ctx).
		SetBody(embedRequest{Model: c.opts.Model, Input: chunks}).
		SetResult(&out).
		SetError(&apiErr).
		Post("/embeddings")
	if err != nil {
		return nil, fmt.Errorf("embedding: request: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("embedding: status %d: %s", resp.StatusCode(), apiErr.Error.Message)
	}
	if len(out.Data) != len(chunks) {
		return nil, fmt.Errorf("embedding: got %d vectors for %d inputs", len(out.Data), len(chunks))
	}

	vectors := make([][]float32, 0, len(out.Data))
	for _, d := range out.Data {
		vectors = append(vectors, d.Embedding)
	}
	return vectors, nil
}

type unconfigured struct{}

func (unconfigured) Embed(context.Context, string) ([]float32, error) {
	return nil, ErrNotConfigured
}

// Chunk splits text into pieces of at most size runes.
func Chunk(text string, size int) []string {
	if text == "" {
		return nil
	}
	if size <= 0 || utf8.RuneCountInString(text) <= size {
		return []string{text}
	}

	var chunks []string
	runes := []rune(text)
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}

// Average returns the element-wise mean of equally sized vectors.
func Average(vectors [][]float32) ([]float32, error) {
	if len(vectors) == 0 {
		return nil, errors.New("embedding: no vectors")
	}
	dim := len(vectors[0])
	sum := make([]float64, dim)
	for _, v := range vectors {
		if len(v) != dim {
			return nil, fmt.Errorf("embedding: dimension mismatch %d != %d", len(v), dim)
		}
		for i, x := range v {
			sum[i] += float64(x)
		}
	}

	out := make([]float32, dim)
	n := float64(len(vectors))
	for i := range sum {
		out[i] = float32(sum[i] / n)
	}
	return out, nil
}
