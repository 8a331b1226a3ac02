package embedding

import (
	"context"
	"fmt"

	"github.com/go-resty/resty/v2"
)

// jinaEndpoint is the default embeddings endpoint; RestyClient can be
// pointed at any Jina-shaped provider via WithEndpoint.
const jinaEndpoint = "https://api.jina.ai/v1/embeddings"

// RestyClient implements Service over HTTP using a Jina-shaped request and
// response format.
type RestyClient struct {
	client     *resty.Client
	endpoint   string
	dimensions int
}

// RestyClientOption configures a RestyClient.
type RestyClientOption func(*RestyClient)

// WithEndpoint overrides the default Jina embeddings endpoint.
func WithEndpoint(endpoint string) RestyClientOption {
	return func(c *RestyClient) {
		if endpoint != "" {
			c.endpoint = endpoint
		}
	}
}

// WithDimensions requests a specific output vector width from providers
// that support it.
func WithDimensions(dim int) RestyClientOption {
	return func(c *RestyClient) {
		if dim > 0 {
			c.dimensions = dim
		}
	}
}

// NewRestyClient builds a RestyClient authenticated with apiKey.
func NewRestyClient(apiKey string, opts ...RestyClientOption) *RestyClient {
	client := resty.New()
	client.SetHeader("Authorization", "Bearer "+apiKey)
	client.SetHeader("Content-Type", "application/json")

	c := &RestyClient{client: client, endpoint: jinaEndpoint, dimensions: DefaultDimension}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type embeddingRequest struct {
	Model         string   `json:"model"`
	Task          string   `json:"task,omitempty"`
	Dimensions    int      `json:"dimensions,omitempty"`
	Input         []string `json:"input"`
	EmbeddingType string   `json:"embedding_type,omitempty"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Detail string `json:"detail,omitempty"`
}

// Embed calls the configured provider with a single-item batch and returns
// its embedding vector.
func (c *RestyClient) Embed(ctx context.Context, text, model string) ([]float32, error) {
	req := embeddingRequest{
		Model:         model,
		Task:          "retrieval.passage",
		Dimensions:    c.dimensions,
		Input:         []string{text},
		EmbeddingType: "float",
	}

	var resp embeddingResponse
	httpResp, err := c.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&resp).
		Post(c.endpoint)
	if err != nil {
		return nil, wrapFailure(model, fmt.Errorf("call embedding provider: %w", err))
	}
	if httpResp.StatusCode() != 200 {
		if resp.Detail != "" {
			return nil, wrapFailure(model, fmt.Errorf("embedding provider error: %s", resp.Detail))
		}
		return nil, wrapFailure(model, fmt.Errorf("embedding provider error: status %d", httpResp.StatusCode()))
	}
	if len(resp.Data) == 0 {
		return nil, wrapFailure(model, fmt.Errorf("no embedding returned"))
	}

	return resp.Data[0].Embedding, nil
}
