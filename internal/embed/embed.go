// Package embed provides the HTTP client that turns chunk text into dense
// vector embeddings via a locally reachable embedding service.
package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/andiggi/voidd/internal/verrors"
)

const (
	// requestTimeout bounds a single embed HTTP round-trip.
	requestTimeout = 30 * time.Second
	// retryDelay is the pause before the single automatic retry.
	retryDelay = 250 * time.Millisecond
)

// Embedder obtains a fixed-length embedding for a chunk of text.
type Embedder interface {
	// Embed returns text's embedding. The first successful call on a given
	// Embedder instance learns and locks its dimension; subsequent calls
	// whose server response has a different length fail with
	// verrors.EmbedDimMismatch.
	Embed(ctx context.Context, text string) ([]float32, error)
	// Dimension returns the learned embedding dimension, or 0 if no call
	// has yet succeeded.
	Dimension() int
}

// Client is a stateless HTTP client for the Ollama-style /api/embeddings
// endpoint. It holds no mutable state beyond the learned dimension and the
// HTTP connection pool, so it is safe to call concurrently from many tasks.
type Client struct {
	url   string
	model string
	http  *http.Client
	dim   atomic.Int64 // 0 until the first successful call; write-once thereafter
}

// New creates a Client posting to baseURL + "/api/embeddings" with model.
func New(baseURL, model string) *Client {
	return &Client{
		url:   baseURL + "/api/embeddings",
		model: model,
		http:  &http.Client{Timeout: requestTimeout},
	}
}

type embedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResponse struct {
	Embedding []float64 `json:"embedding"`
}

// Embed implements Embedder.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := c.doEmbed(ctx, text)
	if err == nil {
		return c.checkDimension(vec)
	}
	if !retryable(err) {
		return nil, err
	}

	select {
	case <-time.After(retryDelay):
	case <-ctx.Done():
		return nil, verrors.Wrap(verrors.EmbedTransport, "context cancelled during retry backoff", ctx.Err())
	}

	vec, err = c.doEmbed(ctx, text)
	if err != nil {
		return nil, err
	}
	return c.checkDimension(vec)
}

func (c *Client) Dimension() int {
	return int(c.dim.Load())
}

// checkDimension enforces the write-once learned dimension.
func (c *Client) checkDimension(vec []float32) ([]float32, error) {
	for {
		current := c.dim.Load()
		if current == 0 {
			if c.dim.CompareAndSwap(0, int64(len(vec))) {
				return vec, nil
			}
			continue // lost the race; re-check against whatever won
		}
		if int(current) != len(vec) {
			return nil, verrors.New(verrors.EmbedDimMismatch, fmt.Sprintf(
				"embedder returned %d-dim vector, expected %d (locked by an earlier call)", len(vec), current))
		}
		return vec, nil
	}
}

func (c *Client) doEmbed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embedRequest{Model: c.model, Prompt: text})
	if err != nil {
		return nil, verrors.Wrap(verrors.Internal, "encode embed request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, verrors.Wrap(verrors.EmbedTransport, "build embed request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, verrors.Wrap(verrors.EmbedTransport, "embed request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &httpStatusError{status: resp.StatusCode, body: string(data)}
	}

	var decoded embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, verrors.Wrap(verrors.EmbedDecode, "decode embed response", err)
	}

	vec := make([]float32, len(decoded.Embedding))
	for i, v := range decoded.Embedding {
		vec[i] = float32(v)
	}
	return vec, nil
}

// httpStatusError distinguishes 5xx (retryable) from 4xx (not) while still
// satisfying the verrors taxonomy via Kind().
type httpStatusError struct {
	status int
	body   string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("embedder returned HTTP %d: %s", e.status, e.body)
}

func (e *httpStatusError) Unwrap() error {
	return verrors.New(verrors.EmbedHTTPStatus, e.Error())
}

func retryable(err error) bool {
	var statusErr *httpStatusError
	if asStatusError(err, &statusErr) {
		return statusErr.status >= 500
	}
	// Anything else that reached here is a transport-level failure
	// (connection refused, DNS, timeout) — retry once per spec.
	kind := verrors.KindOf(err)
	return kind == verrors.EmbedTransport
}

func asStatusError(err error, target **httpStatusError) bool {
	for err != nil {
		if e, ok := err.(*httpStatusError); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
