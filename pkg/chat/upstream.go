package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/samber/lo"

	"github.com/atlas-chat/atlas/pkg/logger"
	"github.com/atlas-chat/atlas/pkg/models"
	"github.com/atlas-chat/atlas/pkg/router"
)

// ClientConfig tunes the upstream HTTP client.
type ClientConfig struct {
	// Timeout is the longest wait for a provider's response headers.
	Timeout      time.Duration
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
}

// NewUpstreamClient returns an http.Client that retries connection errors and
// 5xx responses against a single provider before the router moves on. After
// the last retry the final response is handed back unchanged.
func NewUpstreamClient(cfg ClientConfig, log *logger.Logger) *http.Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.RetryMax
	if cfg.RetryWaitMin > 0 {
		rc.RetryWaitMin = cfg.RetryWaitMin
	}
	if cfg.RetryWaitMax > 0 {
		rc.RetryWaitMax = cfg.RetryWaitMax
	}
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.Logger = leveledLogger{log.Named("upstream")}

	// Timeout bounds the wait for response headers only; a streamed body may
	// run as long as the provider keeps sending.
	if t, ok := rc.HTTPClient.Transport.(*http.Transport); ok && cfg.Timeout > 0 {
		t.ResponseHeaderTimeout = cfg.Timeout
	}
	return rc.StandardClient()
}

// leveledLogger adapts the zap wrapper to retryablehttp.LeveledLogger.
type leveledLogger struct {
	l *logger.Logger
}

func (a leveledLogger) Error(msg string, kv ...interface{}) { a.l.Errorw(msg, kv...) }
func (a leveledLogger) Info(msg string, kv ...interface{})  { a.l.Debugw(msg, kv...) }
func (a leveledLogger) Debug(msg string, kv ...interface{}) { a.l.Debugw(msg, kv...) }
func (a leveledLogger) Warn(msg string, kv ...interface{})  { a.l.Warnw(msg, kv...) }

// upstreamResult holds the response from a single upstream attempt.
type upstreamResult struct {
	statusCode int
	body       []byte
	header     http.Header
}

// completion is a provider response reduced to what Atlas stores.
type completion struct {
	model   string
	content string
	usage   models.Usage
}

// upstreamPath returns the endpoint path for a provider format.
func upstreamPath(format string) string {
	if format == router.FormatAnthropic {
		return "/v1/messages"
	}
	return "/v1/chat/completions"
}

// upstreamHeaders returns the auth headers for a route.
func upstreamHeaders(route router.Route, anthropicVersion string) map[string]string {
	if route.Format() == router.FormatAnthropic {
		h := map[string]string{"x-api-key": route.Provider.APIKey}
		if anthropicVersion != "" {
			h["anthropic-version"] = anthropicVersion
		}
		return h
	}
	return map[string]string{"Authorization": "Bearer " + route.Provider.APIKey}
}

// buildUpstreamBody translates a chat request into the provider's wire format
// for the given target model.
func buildUpstreamBody(format string, req models.ChatRequest, model string, maxTokens int) ([]byte, error) {
	if format == router.FormatAnthropic {
		// Anthropic takes system prompts outside the message list.
		system := req.System
		for _, m := range req.Messages {
			if m.Role == "system" {
				system = strings.TrimSpace(system + "\n" + m.Content)
			}
		}
		return json.Marshal(models.AnthropicRequest{
			Model:     model,
			Messages:  lo.Filter(req.Messages, func(m models.ChatMessage, _ int) bool { return m.Role != "system" }),
			System:    system,
			MaxTokens: maxTokens,
			Stream:    req.Stream,
		})
	}

	msgs := req.Messages
	if req.System != "" {
		msgs = append([]models.ChatMessage{{Role: "system", Content: req.System}}, msgs...)
	}
	out := models.ChatCompletionRequest{
		Model:     model,
		Messages:  msgs,
		MaxTokens: &maxTokens,
		Stream:    req.Stream,
	}
	if req.Stream {
		out.StreamOptions = &models.StreamOptions{IncludeUsage: true}
	}
	return json.Marshal(out)
}

// parseCompletion extracts content and usage from a non-streaming 200 body.
func parseCompletion(format string, body []byte) (completion, error) {
	if format == router.FormatAnthropic {
		var resp models.AnthropicResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return completion{}, fmt.Errorf("decode anthropic response: %w", err)
		}
		c := completion{model: resp.Model, content: resp.Text()}
		if resp.Usage != nil {
			c.usage = *resp.Usage.ToUsage()
		}
		return c, nil
	}

	var resp models.ChatCompletionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return completion{}, fmt.Errorf("decode openai response: %w", err)
	}
	c := completion{model: resp.Model}
	if first, ok := lo.First(resp.Choices); ok {
		c.content = first.Message.Content
	}
	if resp.Usage != nil {
		c.usage = *resp.Usage
	}
	return c, nil
}

func newUpstreamRequest(ctx context.Context, providerURL, path string, headers map[string]string, body []byte) (*http.Request, error) {
	target, err := url.Parse(providerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid provider URL: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(target.String(), "/")+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

// doUpstreamRequest sends a request to an upstream provider and returns the result.
func doUpstreamRequest(ctx context.Context, client *http.Client, providerURL, path string, headers map[string]string, body []byte) (*upstreamResult, error) {
	req, err := newUpstreamRequest(ctx, providerURL, path, headers, body)
	if err != nil {
		return nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	return &upstreamResult{
		statusCode: resp.StatusCode,
		body:       respBody,
		header:     resp.Header,
	}, nil
}

// doUpstreamStreamRequest sends a request to an upstream provider and returns the raw response.
// The caller owns resp.Body and must close it.
func doUpstreamStreamRequest(ctx context.Context, client *http.Client, providerURL, path string, headers map[string]string, body []byte) (*http.Response, error) {
	req, err := newUpstreamRequest(ctx, providerURL, path, headers, body)
	if err != nil {
		return nil, err
	}
	return client.Do(req)
}

// isRetryable returns true if the error or status code warrants trying the next route.
func isRetryable(err error, statusCode int) bool {
	if err != nil {
		return true
	}
	return statusCode >= 500
}
