package crmsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	DeliveryOK    = "ok"
	DeliveryError = "error"

	DefaultCRMEndpoint   = "http://localhost:8787/crm/push"
	DefaultCRMTimeout    = 5 * time.Second
	DefaultCRMMaxRetries = 3
)

// DeliveryResult is the normalized outcome of one delivery attempt. A zero
// ResponseCode means the request never produced an HTTP response.
type DeliveryResult struct {
	Status       string
	ResponseCode int
	Error        string
	Body         map[string]any
}

func (r DeliveryResult) OK() bool {
	return r.Status == DeliveryOK
}

// DeliveryClient sends one payload to the remote CRM. Implementations must
// never return a Go error; every failure mode is folded into the result.
type DeliveryClient interface {
	Deliver(ctx context.Context, payload Payload, attempt int) DeliveryResult
}

type HTTPDeliveryClientOptions struct {
	Endpoint   string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
	UserAgent  string
	Logger     *logrus.Logger
}

type HTTPDeliveryClient struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	userAgent  string
	logger     *logrus.Logger
}

func NewHTTPDeliveryClient(opts HTTPDeliveryClientOptions) *HTTPDeliveryClient {
	endpoint := strings.TrimSpace(opts.Endpoint)
	if endpoint == "" {
		endpoint = DefaultCRMEndpoint
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultCRMTimeout
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = newDefaultLogger()
	}
	return &HTTPDeliveryClient{
		endpoint:   endpoint,
		apiKey:     strings.TrimSpace(opts.APIKey),
		httpClient: httpClient,
		userAgent:  strings.TrimSpace(opts.UserAgent),
		logger:     logger,
	}
}

func (c *HTTPDeliveryClient) Deliver(ctx context.Context, payload Payload, attempt int) DeliveryResult {
	if c == nil {
		return DeliveryResult{Status: DeliveryError, Error: "delivery client is nil"}
	}
	bodyBytes, err := json.Marshal(payload.wireBody())
	if err != nil {
		return DeliveryResult{Status: DeliveryError, Error: err.Error()}
	}

	c.logger.WithFields(logrus.Fields{
		"payload_id": payload.ID,
		"attempt":    attempt + 1,
	}).Info("crm delivery attempt")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return DeliveryResult{Status: DeliveryError, Error: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.WithField("payload_id", payload.ID).Warnf("crm delivery network failure: %v", err)
		return DeliveryResult{Status: DeliveryError, Error: err.Error()}
	}
	respBody, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return DeliveryResult{Status: DeliveryError, ResponseCode: resp.StatusCode, Error: readErr.Error()}
	}

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		var parsed map[string]any
		if json.Unmarshal(respBody, &parsed) != nil {
			parsed = nil
		}
		return DeliveryResult{Status: DeliveryOK, ResponseCode: resp.StatusCode, Body: parsed}
	}

	errMessage := extractErrorMessage(respBody)
	if errMessage == "" {
		errMessage = fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	c.logger.WithFields(logrus.Fields{
		"payload_id":    payload.ID,
		"response_code": resp.StatusCode,
	}).Warnf("crm delivery error: %s", errMessage)
	return DeliveryResult{Status: DeliveryError, ResponseCode: resp.StatusCode, Error: errMessage}
}

// extractErrorMessage pulls the JSON "error" field out of a failure body,
// falling back to the raw text.
func extractErrorMessage(body []byte) string {
	var parsed map[string]any
	if json.Unmarshal(body, &parsed) == nil {
		if message, ok := parsed["error"].(string); ok && strings.TrimSpace(message) != "" {
			return message
		}
		return ""
	}
	return strings.TrimSpace(string(body))
}

func newDefaultLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	return logger
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
