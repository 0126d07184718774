package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sony/gobreaker"
)

// BackoffConfig controls exponential backoff of single provider requests.
type BackoffConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// policy builds the retry backoff. MaxInterval <= 0 leaves delays uncapped.
func (c BackoffConfig) policy() (retry.Backoff, error) {
	if c.MaxRetries < 0 || c.InitialInterval <= 0 {
		return nil, errInvalidConfig
	}
	b, err := retry.NewExponential(c.InitialInterval)
	if err != nil {
		return nil, err
	}
	if c.MaxInterval > 0 {
		b = retry.WithCappedDuration(c.MaxInterval, b)
	}
	return retry.WithMaxRetries(uint64(c.MaxRetries), b), nil
}

// HTTPClientConfig bundles HTTP client and resilience settings.
type HTTPClientConfig struct {
	Client  *http.Client
	Backoff BackoffConfig
}

// DefaultBackoff is used by drivers unless configured otherwise.
var DefaultBackoff = BackoffConfig{
	MaxRetries:      3,
	InitialInterval: 500 * time.Millisecond,
	MaxInterval:     5 * time.Second,
}

var (
	errRateLimited   = errors.New("rate limited")
	errServerError   = errors.New("server error")
	errUnexpected    = errors.New("unexpected status code")
	errCircuitOpen   = errors.New("circuit breaker open")
	errNoHTTPClient  = errors.New("http client not configured")
	errInvalidConfig = errors.New("invalid backoff configuration")
)

// StatusError reports a non-2xx response.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%v: %d from %s", errUnexpected, e.Code, e.URL)
}

func (e *StatusError) Unwrap() error {
	switch {
	case e.Code == http.StatusTooManyRequests:
		return errRateLimited
	case e.Code >= 500:
		return errServerError
	default:
		return errUnexpected
	}
}

// retryable reports whether another attempt could succeed. Transport errors are.
func retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusTooManyRequests || se.Code >= 500
	}
	return true
}

// newBreaker opens after consecutive transport or server failures of one provider.
func newBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:         name,
		MaxRequests:  5,
		Interval:     time.Minute,
		Timeout:      2 * time.Minute,
		IsSuccessful: func(err error) bool { return err == nil || !retryable(err) },
	})
}

// doRequestWithResilience sends the request built by buildRequest through the circuit
// breaker, retrying transport errors, 429 and 5xx with exponential backoff. The caller
// owns the body of a returned response.
func doRequestWithResilience(
	ctx context.Context,
	cfg HTTPClientConfig,
	cb *gobreaker.CircuitBreaker,
	buildRequest func() (*http.Request, error),
) (*http.Response, error) {
	if cfg.Client == nil {
		return nil, errNoHTTPClient
	}
	backoff, err := cfg.Backoff.policy()
	if err != nil {
		return nil, err
	}

	var resp *http.Response
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := buildRequest()
		if err != nil {
			return err
		}
		req = req.WithContext(ctx)

		result, err := cb.Execute(func() (interface{}, error) {
			r, err := cfg.Client.Do(req)
			if err != nil {
				return nil, err
			}
			if r.StatusCode < 200 || r.StatusCode >= 300 {
				r.Body.Close()
				return nil, &StatusError{Code: r.StatusCode, URL: req.URL.Redacted()}
			}
			return r, nil
		})
		switch {
		case err == nil:
			resp = result.(*http.Response)
			return nil
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			return fmt.Errorf("%w: %v", errCircuitOpen, err)
		case ctx.Err() != nil:
			return ctx.Err()
		case retryable(err):
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}
