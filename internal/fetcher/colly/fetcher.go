// Package collyfetcher implements crawler.Fetcher using gocolly, adding
// retry with exponential backoff, per-host rate limiting and charset
// normalisation to UTF-8.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/registry-crawler/internal/crawler"
	"github.com/JakeFAU/registry-crawler/internal/metrics"
)

const defaultTimeout = 15 * time.Second

// Waiter throttles outbound requests. *ratelimit.Limiter satisfies it.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	// Timeout applies to a single attempt when the request does not set one.
	Timeout     time.Duration
	MaxBodySize int
	RetryPolicy crawler.RetryPolicy
	Limiter     Waiter
	Logger      *zap.Logger
}

// Fetcher implements crawler.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	retry         crawler.RetryPolicy
	logger        *zap.Logger
	baseCollector *colly.Collector
	sleep         func(context.Context, time.Duration) error
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.DetectCharset = true
	if cfg.MaxBodySize > 0 {
		c.MaxBodySize = cfg.MaxBodySize
	}
	c.WithTransport(newHTTPTransport())
	// Attempts are bounded by their context, not by the shared client.
	c.SetRequestTimeout(0)

	retry := cfg.RetryPolicy
	if retry == nil {
		retry = crawler.NewExponentialRetryPolicy(0, 0, 0)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		cfg:           cfg,
		retry:         retry,
		logger:        logger,
		baseCollector: c,
		sleep:         sleepContext,
	}
}

// Fetch GETs request.URL, retrying transient failures. Exhausted or
// non-retryable failures are returned as *crawler.FetchError.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	var (
		lastErr    error
		lastStatus int
		attempt    int
	)
	for {
		attempt++
		if f.cfg.Limiter != nil {
			if err := f.cfg.Limiter.Wait(ctx, request.URL); err != nil {
				lastErr, lastStatus = err, 0
				break
			}
		}

		result, status, err := f.fetchOnce(ctx, request)
		if err == nil {
			result.Attempts = attempt
			metrics.ObserveFetch(request.URL, statusClass(result.StatusCode), len(result.Body))
			return result, nil
		}
		lastErr, lastStatus = err, status
		if ctx.Err() != nil || !f.retry.ShouldRetry(err, status, attempt) {
			break
		}

		wait := f.retry.Backoff(attempt - 1)
		metrics.ObserveFetchRetry(request.URL)
		f.logger.Debug("retrying fetch",
			zap.String("url", request.URL),
			zap.Int("attempt", attempt),
			zap.Int("status", status),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		if err := f.sleep(ctx, wait); err != nil {
			lastErr = err
			break
		}
	}

	metrics.ObserveFetch(request.URL, statusClass(lastStatus), 0)
	return crawler.FetchResponse{}, &crawler.FetchError{
		URL:        request.URL,
		StatusCode: lastStatus,
		Attempts:   attempt,
		Err:        lastErr,
	}
}

func (f *Fetcher) fetchOnce(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, int, error) {
	timeout := request.Timeout
	if timeout <= 0 {
		timeout = f.cfg.Timeout
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		result   crawler.FetchResponse
		status   int
		fetchErr error
	)
	collector := f.buildCollector(attemptCtx, request, time.Now(), &result, &status, &fetchErr)
	if err := f.runCollector(attemptCtx, collector, request.URL, &fetchErr); err != nil {
		return crawler.FetchResponse{}, status, err
	}
	return result, result.StatusCode, nil
}

func (f *Fetcher) buildCollector(
	ctx context.Context,
	request crawler.FetchRequest,
	start time.Time,
	result *crawler.FetchResponse,
	status *int,
	fetchErr *error,
) *colly.Collector {
	collector := f.baseCollector.Clone()
	collector.Context = ctx
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots
	f.configureCollectorHooks(collector, request, start, result, status, fetchErr)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request crawler.FetchRequest,
	start time.Time,
	result *crawler.FetchResponse,
	status *int,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		if request.Charset != "" {
			r.ResponseCharacterEncoding = request.Charset
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		*status = r.StatusCode
		*result = crawler.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil {
			*status = r.StatusCode
		}
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		// The collector shares ctx, so Visit unwinds promptly; wait for it
		// before the hooks' targets go out of scope.
		<-done
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

func statusClass(code int) string {
	if code <= 0 {
		return "error"
	}
	return fmt.Sprintf("%dxx", code/100)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("backoff interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
