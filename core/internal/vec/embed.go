// Package vec maintains the per-database embedding index used to retrieve
// schema context by similarity. Distances are cosine distances in [0, 2];
// hits below 1.0 count as relevant.
package vec

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// Embedder turns text into a dense vector. Implementations must be safe for
// concurrent use.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// HTTPEmbedder calls an embeddings HTTP endpoint.
type HTTPEmbedder struct {
	client *resty.Client
	model  string
}

type embedBody struct {
	Model string `json:"model,omitempty"`
	Input string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// NewHTTPEmbedder builds a client for baseURL.
func NewHTTPEmbedder(baseURL, apiKey, model string, timeout time.Duration) *HTTPEmbedder {
	c := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	if apiKey != "" {
		c.SetAuthToken(apiKey)
	}
	return &HTTPEmbedder{client: c, model: model}
}

// Embed implements Embedder.
func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	var out embedResponse
	resp, err := e.client.R().
		SetContext(ctx).
		SetBody(embedBody{Model: e.model, Input: text}).
		SetResult(&out).
		Post("/v1/embeddings")
	if err != nil {
		return nil, fmt.Errorf("embed request: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("embed request: status %s", resp.Status())
	}
	if len(out.Data) == 0 {
		return nil, fmt.Errorf("embed request: empty response")
	}
	return out.Data[0].Embedding, nil
}

const hashDim = 128

// HashEmbedder is the deterministic local embedder: tokens are hashed into
// a fixed-dimension bag-of-words vector. Token overlap maps to cosine
// similarity, which is enough for schema-name retrieval when no embedding
// backend is configured.
type HashEmbedder struct{}

// Embed implements Embedder. It never fails.
func (HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	v := make([]float32, hashDim)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		tok = strings.Trim(tok, ".,;:()'\"")
		if tok == "" {
			continue
		}
		h := fnv.New32a()
		h.Write([]byte(tok)) //nolint:errcheck
		v[h.Sum32()%hashDim] += 1
	}
	normalize(v)
	return v, nil
}

func normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	n := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= n
	}
}

// cosineDistance assumes both vectors have the same dimension; mismatched
// vectors are maximally distant.
func cosineDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 2
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 2
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}
