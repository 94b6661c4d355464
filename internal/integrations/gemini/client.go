package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1"
	defaultModel   = "gemini-1.5-flash"

	// replyPath is where generateContent puts the first candidate's text.
	replyPath = "candidates.0.content.parts.0.text"
)

// ErrNoText is returned when the service answered with a well-formed body
// that carries no text at the reply path.
var ErrNoText = errors.New("gemini: response has no text")

type part struct {
	Text string `json:"text"`
}

type content struct {
	Role  string `json:"role"`
	Parts []part `json:"parts"`
}

// generateRequest is the minimal request shape for generateContent.
type generateRequest struct {
	Contents []content `json:"contents"`
}

// tokenPayload is the expected JSON shape stored in SSM for the API token.
type tokenPayload struct {
	Token string `json:"token"`
}

// Getter resolves SSM parameters. *paramstore.Client satisfies it.
type Getter interface {
	GetParameters(ctx context.Context, names ...string) (map[string]string, error)
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("gemini: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client calls the Gemini generateContent endpoint with a single prompt.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	getter      Getter
	paramPrefix string
	model       string

	credsMu       sync.Mutex
	apiKey        string
	resolvedModel string
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithModel pins the model and skips the SSM model parameter.
func WithModel(model string) Option {
	return func(c *Client) {
		c.model = strings.TrimSpace(model)
	}
}

// NewClient creates a Client whose API key (and, unless WithModel is given,
// model name) is read from SSM under paramPrefix on the first successful call
// to Generate and reused for the lifetime of the process.
func NewClient(ps Getter, paramPrefix string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("gemini: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("gemini: parameter prefix must not be empty")
	}
	c := &Client{
		baseURL:     defaultBaseURL,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		getter:      ps,
		paramPrefix: paramPrefix,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) tokenParameterName() string {
	return c.paramPrefix + "/gemini-token"
}

func (c *Client) modelParameterName() string {
	return c.paramPrefix + "/config/gemini_model"
}

// resolveCredentials loads the key and model on first use. Only a success is
// kept; a failed lookup is retried by the next call.
func (c *Client) resolveCredentials(ctx context.Context) (string, string, error) {
	c.credsMu.Lock()
	defer c.credsMu.Unlock()
	if c.apiKey != "" {
		return c.apiKey, c.resolvedModel, nil
	}

	names := []string{c.tokenParameterName()}
	if c.model == "" {
		names = append(names, c.modelParameterName())
	}
	values, err := c.getter.GetParameters(ctx, names...)
	if err != nil {
		return "", "", fmt.Errorf("gemini: fetch parameters: %w", err)
	}
	key, err := parseToken(values[c.tokenParameterName()])
	if err != nil {
		return "", "", err
	}
	model := c.model
	if model == "" {
		model = strings.TrimSpace(values[c.modelParameterName()])
	}
	if model == "" {
		model = defaultModel
	}
	c.apiKey, c.resolvedModel = key, model
	return key, model, nil
}

func parseToken(raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", errors.New("gemini: token parameter is missing")
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("gemini: unmarshal paramstore token value as JSON: %w", err)
	}
	if tp.Token == "" {
		return "", errors.New("gemini: API token is empty")
	}
	return tp.Token, nil
}

func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Timeout: 30 * time.Second}
}

func generateURL(baseURL, model string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	return base + "/models/" + model + ":generateContent"
}

// Generate sends prompt as the only user turn and returns the first
// candidate's text. No history is forwarded.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	apiKey, model, err := c.resolveCredentials(ctx)
	if err != nil {
		return "", err
	}

	body, err := json.Marshal(generateRequest{
		Contents: []content{{Role: "user", Parts: []part{{Text: prompt}}}},
	})
	if err != nil {
		return "", fmt.Errorf("gemini: marshal request: %w", err)
	}

	url := generateURL(c.baseURL, model)

	req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if reqErr != nil {
		return "", fmt.Errorf("gemini: create request: %w", reqErr)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", apiKey)

	raw, err := c.doJSONRequest(req, url)
	if err != nil {
		return "", fmt.Errorf("gemini: request failed: %w", err)
	}
	return extractReply(raw)
}

func extractReply(raw []byte) (string, error) {
	if !gjson.ValidBytes(raw) {
		return "", errors.New("gemini: malformed response body")
	}
	text := gjson.GetBytes(raw, replyPath)
	if text.Type != gjson.String || text.String() == "" {
		return "", ErrNoText
	}
	return text.String(), nil
}

func (c *Client) doJSONRequest(req *http.Request, url string) ([]byte, error) {
	res, doErr := c.resolvedHTTPClient().Do(req)
	if doErr != nil {
		return nil, doErr
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        url,
			Body:       string(buf),
		}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return buf, nil
}
