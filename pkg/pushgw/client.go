package pushgw

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const sendEndpoint = "/fcm/send"

// Client 推送网关 HTTP 客户端
type Client struct {
	baseURL    string
	serverKey  string
	httpClient *http.Client
	logger     *logrus.Logger
	config     *Config
}

// StatusError 网关返回的非 2xx 状态
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("push gateway error [%d]: %s", e.StatusCode, e.Message)
}

// Retryable 5xx 与 429 可重试
func (e *StatusError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// DeliveryError 网关接受请求但目标投递失败（如 token 失效）
type DeliveryError struct {
	Reason string
}

func (e *DeliveryError) Error() string {
	return "push delivery failed: " + e.Reason
}

// NewClient 创建推送客户端
func NewClient(config *Config, logger *logrus.Logger) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Client{
		baseURL:   config.BaseURL,
		serverKey: config.ServerKey,
		httpClient: &http.Client{
			Timeout:   config.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger,
		config: config,
	}
}

// Send 发送一条消息
func (c *Client) Send(ctx context.Context, msg *Message) (*SendResponse, error) {
	if msg == nil || msg.To == "" {
		return nil, errors.New("push target token is required")
	}
	if msg.Priority == "" {
		msg.Priority = "high"
	}
	var resp SendResponse
	if err := c.doRequestWithRetry(ctx, http.MethodPost, sendEndpoint, msg, &resp); err != nil {
		return nil, err
	}
	if resp.Failure > 0 {
		reason := "unknown"
		if len(resp.Results) > 0 && resp.Results[0].Error != "" {
			reason = resp.Results[0].Error
		}
		return &resp, &DeliveryError{Reason: reason}
	}
	return &resp, nil
}

func (c *Client) createRequest(ctx context.Context, method, endpoint string, body any) (*http.Request, error) {
	var bodyReader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, "marshal request body")
		}
		bodyReader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, bodyReader)
	if err != nil {
		return nil, errors.Wrap(err, "create request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.serverKey != "" {
		req.Header.Set("Authorization", "key="+c.serverKey)
	}
	req.Header.Set("User-Agent", "homeservice-pushgw/1.0")
	return req, nil
}

func (c *Client) doRequest(req *http.Request, result any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "http request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "read response body")
	}
	c.logger.Debugf("push gateway: %s %s -> %d", req.Method, req.URL.Path, resp.StatusCode)

	if resp.StatusCode >= 400 {
		msg := string(body)
		var errResp ErrorResponse
		if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != "" {
			msg = errResp.Error
		}
		return &StatusError{StatusCode: resp.StatusCode, Message: msg}
	}
	if result != nil && len(body) > 0 {
		if err := json.Unmarshal(body, result); err != nil {
			return errors.Wrap(err, "decode response")
		}
	}
	return nil
}

func (c *Client) doRequestWithRetry(ctx context.Context, method, endpoint string, body, result any) error {
	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.config.RetryDelay * time.Duration(attempt)):
			}
			c.logger.Warnf("push gateway retry attempt %d/%d", attempt, c.config.MaxRetries)
		}

		req, err := c.createRequest(ctx, method, endpoint, body)
		if err != nil {
			return err
		}
		if err := c.doRequest(req, result); err != nil {
			lastErr = err
			if attempt < c.config.MaxRetries && shouldRetry(err) {
				continue
			}
			break
		}
		return nil
	}
	return lastErr
}

// 4xx 不重试
func shouldRetry(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	return true
}
