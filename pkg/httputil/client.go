package httputil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RequestConfig holds configuration for HTTP requests
type RequestConfig struct {
	Logger          Logger
	Client          *http.Client
	Headers         map[string][]string
	ResponseHandler func(*http.Response) error
	Method          string
	URL             string
	Timeout         time.Duration
	MaxRetries      int
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	RetryEnabled    bool
}

// Logger interface for customizable logging. *log.Logger and zap.NewStdLog satisfy it.
type Logger interface {
	Printf(format string, v ...interface{})
}

// DefaultRequestConfig returns a RequestConfig with sensible defaults
func DefaultRequestConfig(method, url string) RequestConfig {
	return RequestConfig{
		Method:         method,
		URL:            url,
		Timeout:        5 * time.Second,
		RetryEnabled:   true,
		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		Logger:         log.Default(),
	}
}

// Response represents an HTTP response with additional metadata
type Response struct {
	Headers    http.Header
	Request    *http.Request
	Body       []byte
	StatusCode int
}

// StatusError is returned by Request when the server answers outside the 2xx range.
type StatusError struct {
	Body       []byte
	StatusCode int
}

func (e *StatusError) Error() string {
	if len(e.Body) == 0 {
		return fmt.Sprintf("unexpected status code: %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status code: %d, body: %s", e.StatusCode, e.Body)
}

// Request performs an HTTP request with configurable retry logic. With RetryEnabled the
// request is attempted at most MaxRetries+1 times.
func Request(ctx context.Context, config RequestConfig, payload interface{}) (*Response, error) {
	var payloadBytes []byte
	if payload != nil {
		var err error
		switch v := payload.(type) {
		case []byte:
			payloadBytes = v
		case string:
			payloadBytes = []byte(v)
		default:
			payloadBytes, err = json.Marshal(payload)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal payload: %w", err)
			}
		}
	}

	client := config.Client
	if client == nil {
		client = &http.Client{}
	}

	var response *Response
	attempt := 0

	operation := func() error {
		attempt++
		if attempt > 1 && config.Logger != nil {
			config.Logger.Printf("Retrying request to %s (attempt %d)", config.URL, attempt)
		}

		reqCtx := ctx
		if config.Timeout > 0 {
			var cancel context.CancelFunc
			reqCtx, cancel = context.WithTimeout(ctx, config.Timeout)
			defer cancel()
		}

		var reqBody io.Reader
		if payloadBytes != nil {
			reqBody = bytes.NewReader(payloadBytes)
		}
		req, err := http.NewRequestWithContext(reqCtx, config.Method, config.URL, reqBody)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		for key, values := range config.Headers {
			for _, value := range values {
				req.Header.Add(key, value)
			}
		}
		if reqBody != nil && req.Header.Get("Content-Type") == "" {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response body: %w", err)
		}

		response = &Response{
			StatusCode: resp.StatusCode,
			Body:       body,
			Headers:    resp.Header,
			Request:    req,
		}

		if config.ResponseHandler != nil {
			if err := config.ResponseHandler(resp); err != nil {
				return err
			}
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return &StatusError{StatusCode: resp.StatusCode, Body: body}
		}
		return nil
	}

	var err error
	if config.RetryEnabled && config.MaxRetries > 0 {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = config.InitialBackoff
		b.MaxInterval = config.MaxBackoff
		b.MaxElapsedTime = 0
		err = backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(b, uint64(config.MaxRetries)), ctx))
	} else {
		err = operation()
	}

	if err != nil {
		if config.Logger != nil {
			config.Logger.Printf("Request to %s failed: %v", config.URL, err)
		}
		return response, err
	}
	return response, nil
}
