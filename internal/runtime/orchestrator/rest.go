package orchestrator

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/drblury/silverline/internal/runtime/jsoncodec"
	"github.com/drblury/silverline/internal/runtime/logging"
)

const (
	DefaultRetries = 3
	DefaultTimeout = 30 * time.Second
)

// Option configures a RESTDirectory.
type Option func(*RESTDirectory)

// WithLogger logs retries through logger.
func WithLogger(logger logging.ServiceLogger) Option {
	return func(d *RESTDirectory) {
		if logger != nil {
			d.client.Logger = leveledLogger{logger}
		}
	}
}

// WithRetries sets how often a failed request is retried.
func WithRetries(n int) Option {
	return func(d *RESTDirectory) { d.client.RetryMax = n }
}

// WithRetryWait bounds the backoff between retries.
func WithRetryWait(minWait, maxWait time.Duration) Option {
	return func(d *RESTDirectory) {
		d.client.RetryWaitMin = minWait
		d.client.RetryWaitMax = maxWait
	}
}

// RESTDirectory reads the orchestrator's REST API, e.g.
// http://localhost:8000/arts-api/v1.
type RESTDirectory struct {
	base   *url.URL
	client *retryablehttp.Client
}

// NewRESTDirectory returns a directory rooted at baseURL.
func NewRESTDirectory(baseURL string, opts ...Option) (*RESTDirectory, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse orchestrator url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("orchestrator url %q must be absolute", baseURL)
	}
	client := retryablehttp.NewClient()
	client.RetryMax = DefaultRetries
	client.HTTPClient.Timeout = DefaultTimeout
	client.Logger = leveledLogger{logging.NopLogger()}

	d := &RESTDirectory{base: base, client: client}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Runtimes lists runtimes with their modules.
func (d *RESTDirectory) Runtimes(ctx context.Context) ([]Runtime, error) {
	var out []Runtime
	if err := d.get(ctx, "runtimes", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Modules lists modules.
func (d *RESTDirectory) Modules(ctx context.Context) ([]Module, error) {
	var out []Module
	if err := d.get(ctx, "modules", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (d *RESTDirectory) get(ctx context.Context, resource string, out any) error {
	// The orchestrator only routes the trailing-slash form.
	addr := d.base.JoinPath(resource).String() + "/"
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, addr, nil)
	if err != nil {
		return fmt.Errorf("orchestrator: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	res, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("orchestrator: get %s: %w", resource, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("orchestrator: read %s: %w", resource, err)
	}
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("orchestrator: get %s: %s: %s", resource, res.Status, truncate(body))
	}
	if err := jsoncodec.Unmarshal(body, out); err != nil {
		return fmt.Errorf("orchestrator: decode %s: %w (body %s)", resource, err, truncate(body))
	}
	return nil
}

func truncate(body []byte) string {
	const limit = 256
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}
	return string(body)
}

// leveledLogger adapts a ServiceLogger to retryablehttp.LeveledLogger.
type leveledLogger struct {
	log logging.ServiceLogger
}

func (l leveledLogger) Error(msg string, kv ...any) { l.log.Error(msg, nil, fields(kv)) }
func (l leveledLogger) Info(msg string, kv ...any)  { l.log.Info(msg, fields(kv)) }
func (l leveledLogger) Debug(msg string, kv ...any) { l.log.Debug(msg, fields(kv)) }
func (l leveledLogger) Warn(msg string, kv ...any)  { l.log.Warn(msg, fields(kv)) }

func fields(kv []any) logging.LogFields {
	out := make(logging.LogFields, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return out
}

var _ retryablehttp.LeveledLogger = leveledLogger{}
