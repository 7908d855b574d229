package bridge

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/edgeflare/mqbridge/pkg/httputil"
	"go.uber.org/zap"
)

const (
	DefaultDeviceURL     = "http://localhost:16555"
	DefaultDeviceTimeout = 10 * time.Second
)

// Caller performs the device side of an action.
type Caller interface {
	Call(ctx context.Context, endpoint string) error
}

// DeviceOptions configures the device HTTP client.
type DeviceOptions struct {
	BaseURL string
	Timeout time.Duration
	// Retries is the number of extra attempts after a failed call. Zero disables retrying.
	Retries int
}

// Device calls endpoints of the HTTP controlled device with plain GET requests.
type Device struct {
	client *http.Client
	logger *zap.Logger
	reqLog httputil.Logger
	opts   DeviceOptions
}

func NewDevice(opts DeviceOptions, logger *zap.Logger) *Device {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultDeviceURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultDeviceTimeout
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")

	d := &Device{
		client: &http.Client{},
		logger: logger,
		opts:   opts,
	}
	if stdLog, err := zap.NewStdLogAt(logger, zap.DebugLevel); err == nil {
		d.reqLog = stdLog
	}
	return d
}

// BaseURL returns the device base URL without a trailing slash.
func (d *Device) BaseURL() string {
	return d.opts.BaseURL
}

// URL returns the full URL for endpoint.
func (d *Device) URL(endpoint string) string {
	return d.opts.BaseURL + endpoint
}

// Call issues GET baseURL+endpoint. The response body is ignored; only
// success or failure is reported, as a *DeviceCallError.
func (d *Device) Call(ctx context.Context, endpoint string) error {
	cfg := httputil.DefaultRequestConfig(http.MethodGet, d.URL(endpoint))
	cfg.Client = d.client
	cfg.Timeout = d.opts.Timeout
	cfg.RetryEnabled = d.opts.Retries > 0
	cfg.MaxRetries = d.opts.Retries
	cfg.Logger = d.reqLog

	if _, err := httputil.Request(ctx, cfg, nil); err != nil {
		return &DeviceCallError{Endpoint: endpoint, Err: err}
	}
	return nil
}
