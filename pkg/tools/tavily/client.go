package tavily

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/harunnryd/voicebridge/pkg/resilience"
)

const defaultBaseURL = "https://api.tavily.com"

type Hit struct {
	Title   string
	URL     string
	Content string
}

type Request struct {
	Query      string
	Topic      string
	Days       int
	MaxResults int
}

type Response struct {
	Answer  string
	Results []Hit
}

type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	breaker    *resilience.CircuitBreaker
}

func NewClient(apiKey, baseURL string, httpClient *http.Client) *Client {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = defaultBaseURL
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		apiKey:     strings.TrimSpace(apiKey),
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// WithCircuitBreaker makes the client refuse requests while cb is open.
func (c *Client) WithCircuitBreaker(cb *resilience.CircuitBreaker) *Client {
	c.breaker = cb
	return c
}

func (c *Client) Configured() bool {
	return c != nil && strings.TrimSpace(c.apiKey) != ""
}

func (c *Client) Search(ctx context.Context, in Request) (Response, error) {
	if !c.Configured() {
		return Response{}, fmt.Errorf("tavily api key is not configured")
	}
	if strings.TrimSpace(in.Query) == "" {
		return Response{}, fmt.Errorf("query is required")
	}
	if !c.breaker.Allow() {
		return Response{}, fmt.Errorf("tavily: %w", resilience.ErrCircuitOpen)
	}
	if in.MaxResults <= 0 {
		in.MaxResults = 5
	}
	payload := map[string]any{
		"query":          in.Query,
		"search_depth":   "basic",
		"max_results":    in.MaxResults,
		"include_answer": true,
	}
	if in.Topic != "" {
		payload["topic"] = in.Topic
	}
	if in.Days > 0 {
		payload["days"] = in.Days
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Response{}, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		err := resilience.RateLimitError{Provider: "tavily", Message: strings.TrimSpace(string(b))}
		c.breaker.OnError(err)
		return Response{}, err
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		return Response{}, fmt.Errorf("tavily error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var decoded struct {
		Answer  string `json:"answer"`
		Results []struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Content string `json:"content"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Response{}, fmt.Errorf("decode response: %w", err)
	}
	c.breaker.OnSuccess()

	out := Response{Answer: decoded.Answer, Results: make([]Hit, 0, len(decoded.Results))}
	for _, r := range decoded.Results {
		out.Results = append(out.Results, Hit{Title: r.Title, URL: r.URL, Content: r.Content})
	}
	return out, nil
}
